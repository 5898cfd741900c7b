package nv40

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labhw/nv40/generichttp"
	"github.com/labhw/nv40/generichttp/ascii"
	"github.com/labhw/nv40/generichttp/motion"
	"github.com/labhw/nv40/util"
)

// Position holds one value per channel
type Position struct {
	Z float64 `json:"z"`
	Y float64 `json:"y"`
	X float64 `json:"x"`
}

// EncodeAndRespond writes the position as JSON to w, or a 500 if it cannot
// be encoded
func (p Position) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	buf, err := json.Marshal(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

// axes adapts a Controller to the string-axis interfaces of package motion
type axes struct {
	c *Controller
}

func (a axes) GetPos(axis string) (float64, error) {
	ch, err := ParseChannel(axis)
	if err != nil {
		return 0, err
	}
	return a.c.Measure(ch)
}

func (a axes) MoveAbs(axis string, pos float64) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	return a.c.Set(ch, pos)
}

// MoveRel offsets the setpoint from the measured position
func (a axes) MoveRel(axis string, delta float64) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	pos, err := a.c.Measure(ch)
	if err != nil {
		return err
	}
	return a.c.Set(ch, pos+delta)
}

// Enable puts a channel under remote control; Disable hands it to the front panel
func (a axes) Enable(axis string) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	return a.c.SetRemote(ch, true)
}

func (a axes) Disable(axis string) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	return a.c.SetRemote(ch, false)
}

func (a axes) GetEnabled(axis string) (bool, error) {
	ch, err := ParseChannel(axis)
	if err != nil {
		return false, err
	}
	return a.c.Remote(ch)
}

func (a axes) SetClosedLoop(axis string, closed bool) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	return a.c.SetClosedLoop(ch, closed)
}

func (a axes) GetClosedLoop(axis string) (bool, error) {
	ch, err := ParseChannel(axis)
	if err != nil {
		return false, err
	}
	return a.c.ClosedLoop(ch)
}

func (a axes) SetSoftStart(axis string, on bool) error {
	ch, err := ParseChannel(axis)
	if err != nil {
		return err
	}
	return a.c.SoftStart(ch, on)
}

// canonAxis maps "0", "Z", etc to "z".  Unknown axes are returned lowercased.
func canonAxis(axis string) string {
	ch, err := ParseChannel(axis)
	if err != nil {
		return strings.ToLower(axis)
	}
	return ch.String()
}

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface
type HTTPWrapper struct {
	// Controller is the underlying amplifier that is wrapped
	*Controller

	// Limits holds the software limits for each axis, keyed z, y, x
	Limits map[string]util.Limiter

	// RouteTable maps methods and paths to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured.
// limits may be keyed by channel number or axis name and may be nil.
func NewHTTPWrapper(c *Controller, limits map[string]util.Limiter) HTTPWrapper {
	canon := make(map[string]util.Limiter, len(limits))
	for k, v := range limits {
		canon[canonAxis(k)] = v
	}
	a := axes{c: c}
	w := HTTPWrapper{Controller: c, Limits: canon}
	rt := motion.NewHTTPMotionController(a).RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}] = w.HTTPGetAll
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}] = w.HTTPSetAll
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/soft-start"}] = generichttp.SetBool(c.SoftStartAll)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/version"}] = generichttp.GetString(c.Version)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/error"}] = generichttp.GetString(c.Error)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/model"}] = generichttp.GetString(func() (string, error) {
		return string(c.Model()), nil
	})
	ascii.InjectRawComm(rt, c)
	w.RouteTable = rt

	limiter := motion.LimitMiddleware{Limits: canon, Mov: a, Canon: canonAxis}
	limiter.Inject(w)
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// HTTPGetAll measures all channels and sends them back as JSON {"z":..,"y":..,"x":..}
func (h HTTPWrapper) HTTPGetAll(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Controller.MeasureAll()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	Position{Z: pos[Z], Y: pos[Y], X: pos[X]}.EncodeAndRespond(w, r)
}

// HTTPSetAll sets all channels from JSON {"z":..,"y":..,"x":..}, refusing the
// whole command if any axis would violate its limits
func (h HTTPWrapper) HTTPSetAll(w http.ResponseWriter, r *http.Request) {
	p := Position{}
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vals := [NumChannels]float64{p.Z, p.Y, p.X}
	for ch := Z; ch <= X; ch++ {
		if lim, ok := h.Limits[ch.String()]; ok && !lim.Check(vals[ch]) {
			http.Error(w, "requested position violates software limits on axis "+ch.String()+", aborted", http.StatusBadRequest)
			return
		}
	}
	err = h.Controller.SetAll(p.Z, p.Y, p.X)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
