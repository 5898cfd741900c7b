package motion

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/labhw/nv40/generichttp"
)

// Mover is an axis with a readable position and a commandable setpoint.
// For a piezo amplifier the position is um in closed loop and the output
// voltage in open loop; a move is a new setpoint, not a timed motion.
type Mover interface {
	// GetPos measures an axis
	GetPos(string) (float64, error)

	// MoveAbs commands the setpoint of an axis
	MoveAbs(string, float64) error

	// MoveRel offsets an axis from where it is
	MoveRel(string, float64) error
}

// HTTPMove adds GET and POST /axis/{axis}/pos to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(iface)
}

// GetPos replies {"f64": pos} with the measured position of the axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, err := m.GetPos(chi.URLParam(r, "axis"))
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// popAxisRelative pulls the axis from the URL and ?relative=, which is false
// when absent
func popAxisRelative(r *http.Request) (axis string, relative bool, err error) {
	axis = chi.URLParam(r, "axis")
	if q := r.URL.Query().Get("relative"); q != "" {
		relative, err = strconv.ParseBool(q)
	}
	return axis, relative, err
}

// SetPos takes {"f64": v} and calls MoveRel if ?relative=true, else MoveAbs
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		axis, relative, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in generichttp.FloatT
		if err = json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		move := m.MoveAbs
		if relative {
			move = m.MoveRel
		}
		if err = move(axis, in.F64); err != nil {
			generichttp.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
