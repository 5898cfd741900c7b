package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "nv40srv.yml"

	log = logrus.New()
)

func defaultConfig() Config {
	return Config{
		Addr:     ":8000",
		LogLevel: "info",
		Nodes: []NodeSetup{{
			Addr:     "/dev/ttyUSB0",
			Endpoint: "/nv40",
			Serial:   true,
			Model:    "NV40/3CLE",
		}}}
}

// loadConfig layers the file at path over the defaults.  A missing file is
// not an error.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

func root() {
	str := `nv40srv exposes piezosystem jena NV40/3 and NV40/3CLE piezo amplifiers over HTTP.
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	nv40srv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `nv40srv is configured with nv40srv.yml in the working directory.  For a
primer on YAML, see https://yaml.org/start.html

LogLevel is one of panic, fatal, error, warn, info, debug, trace; debug logs
every command sent to the controllers.  LogFile, if set, also writes the log to
that file, rotated at 10 MB.

Each entry in Nodes is one controller:
	Addr:       /dev/ttyUSB0 or host:port of a terminal server
	Serial:     true for RS232, false for TCP
	Endpoint:   URL stem, e.g. /bench/nv40
	Model:      NV40/3 or NV40/3CLE
	Remote:     [true, true, true]  remote control of z, y, x on startup
	ClosedLoop: [true, true, true]  loop mode of z, y, x on startup (NV40/3CLE)
	Limits:     {z: {Min: 0, Max: 80}}  software setpoint limits

No two nodes can have the same Endpoint.  Setting Mock: true at the top level
replaces every controller with a simulated one.

Routes for each node, axis is z, y, x or 0, 1, 2:
	GET/POST /axis/{axis}/pos           {"f64": v}, POST takes ?relative=true
	GET/POST /axis/{axis}/enabled       {"bool": b}
	GET/POST /axis/{axis}/closed-loop   {"bool": b}
	POST     /axis/{axis}/soft-start    {"bool": b}
	GET      /axis/{axis}/limits
	GET/POST /pos                       {"z": v, "y": v, "x": v}
	POST     /soft-start                {"bool": b}
	GET      /version, /error, /model
	POST     /raw                       {"str": "cmd"}
	GET/POST /lock                      {"bool": b}`
	fmt.Println(str)
}

func mkconf() {
	c, err := loadConfig(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := loadConfig(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("nv40srv version %v\n", Version)
}

func run() {
	c, err := loadConfig(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)
	if c.LogFile != "" {
		rot := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		defer rot.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, rot))
	}

	mux, closers, err := BuildMux(c, log)
	defer func() {
		for _, cl := range closers {
			cl.Close()
		}
	}()
	if err != nil {
		log.Error(err)
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-sig
		log.Info("shutting down")
		srv.Close()
	}()
	log.WithField("addr", c.Addr).Info("now listening for requests")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command ", cmd)
	}
}
