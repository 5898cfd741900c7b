package motion

import (
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/labhw/nv40/generichttp"
)

// LoopController is a type which can switch an axis between closed loop
// (position feedback) and open loop control
type LoopController interface {
	// SetClosedLoop places axis (string) in closed loop (true) or open loop
	SetClosedLoop(string, bool) error

	// GetClosedLoop queries whether axis (string) is in closed loop
	GetClosedLoop(string) (bool, error)
}

// SetClosedLoop returns an http.HandlerFunc for l.SetClosedLoop
func SetClosedLoop(l LoopController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axisBool(w, r, l.SetClosedLoop)
	}
}

// GetClosedLoop returns an http.HandlerFunc for l.GetClosedLoop
func GetClosedLoop(l LoopController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		closed, err := l.GetClosedLoop(axis)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: closed}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPLoop adds routes for loop control to the route table
func HTTPLoop(iface LoopController, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/closed-loop"}] = GetClosedLoop(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/closed-loop"}] = SetClosedLoop(iface)
}
