package motion

import (
	"net/http"

	"github.com/labhw/nv40/generichttp"
)

// SoftStarter is a type which can ramp an axis up gently when the
// controller powers on
type SoftStarter interface {
	// SetSoftStart enables or disables the power-on ramp of an axis
	SetSoftStart(string, bool) error
}

// HTTPSoftStart adds routes for soft start to the route table
func HTTPSoftStart(s SoftStarter, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/soft-start"}] = SetSoftStart(s)
}

// SetSoftStart returns an HTTP handler func that calls SetSoftStart for an axis
func SetSoftStart(s SoftStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axisBool(w, r, s.SetSoftStart)
	}
}
