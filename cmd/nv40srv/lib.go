package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/labhw/nv40/generichttp"
	"github.com/labhw/nv40/nv40"
	"github.com/labhw/nv40/server/middleware/locker"
	"github.com/labhw/nv40/util"
)

// NodeSetup holds the arguments for one controller.
type NodeSetup struct {
	// Addr holds the network or filesystem address of the controller,
	// e.g. 192.168.100.123:2006 for a controller connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 cable
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the path the routes of this controller are served under,
	// Endpoint="/bench/nv40" produces /bench/nv40/pos, etc.
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Model is NV40/3 or NV40/3CLE
	Model string `yaml:"Model" koanf:"Model"`

	// Remote is the remote state commanded on startup for z, y, x.
	// Empty means all remote.
	Remote []bool `yaml:"Remote" koanf:"Remote"`

	// ClosedLoop is the loop mode commanded on startup for z, y, x on the
	// NV40/3CLE.  Empty means all closed.
	ClosedLoop []bool `yaml:"ClosedLoop" koanf:"ClosedLoop"`

	// Limits are software limits on setpoints, keyed by axis (z, y, x or 0, 1, 2)
	Limits map[string]util.Limiter `yaml:"Limits" koanf:"Limits"`
}

// Config is a struct that holds the initialization parameters for the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces every controller with a simulated one
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// LogLevel is a logrus level, e.g. info or debug
	LogLevel string `yaml:"LogLevel" koanf:"LogLevel"`

	// LogFile, if not empty, receives a copy of the log with rotation
	LogFile string `yaml:"LogFile" koanf:"LogFile"`

	// Nodes is the list of controllers to set up
	Nodes []NodeSetup `yaml:"Nodes" koanf:"Nodes"`
}

func channelVector(name string, v []bool) ([nv40.NumChannels]bool, error) {
	out := [nv40.NumChannels]bool{true, true, true}
	if len(v) == 0 {
		return out, nil
	}
	if len(v) != nv40.NumChannels {
		return out, fmt.Errorf("%s must have %d entries (z, y, x), got %d", name, nv40.NumChannels, len(v))
	}
	copy(out[:], v)
	return out, nil
}

// connect builds the controller for one node.  The returned closer releases
// the link and is nil for mocks.
func connect(c Config, node NodeSetup, log logrus.FieldLogger) (*nv40.Controller, io.Closer, error) {
	model, err := nv40.ParseModel(node.Model)
	if err != nil {
		return nil, nil, err
	}
	remote, err := channelVector("Remote", node.Remote)
	if err != nil {
		return nil, nil, err
	}
	closed, err := channelVector("ClosedLoop", node.ClosedLoop)
	if err != nil {
		return nil, nil, err
	}

	var (
		link   nv40.Link
		closer io.Closer
	)
	if c.Mock {
		link = nv40.NewMock(model)
	} else {
		rd := nv40.NewRemoteDevice(node.Addr, node.Serial)
		if err := rd.Open(); err != nil {
			return nil, nil, err
		}
		link, closer = rd, rd
	}
	ctl, err := nv40.New(link, model,
		nv40.WithRemote(remote),
		nv40.WithClosedLoop(closed),
		nv40.WithLogger(log))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, err
	}
	return ctl, closer, nil
}

// BuildMux connects to every node in the config and mounts a sub-router
// for each on the root, which also serves GET /endpoints listing the routes
// of every node as JSON.  The closers release the hardware links.
func BuildMux(c Config, log logrus.FieldLogger) (chi.Router, []io.Closer, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	closers := []io.Closer{}

	for _, node := range c.Nodes {
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return nil, closers, fmt.Errorf("endpoint %s is used by more than one node", hndlS)
		}
		nlog := log.WithFields(logrus.Fields{"endpoint": hndlS, "addr": node.Addr})
		ctl, closer, err := connect(c, node, nlog)
		if err != nil {
			return nil, closers, fmt.Errorf("setting up %s: %w", hndlS, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		httper := nv40.NewHTTPWrapper(ctl, node.Limits)

		lock := locker.New()
		locker.Inject(httper.RT(), lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		nlog.WithField("model", ctl.Model()).Info("controller ready")
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, closers, nil
}
