package motion

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/labhw/nv40/generichttp"
)

// Enabler is an axis that can be handed between the server and a local
// operator.  On a piezo amplifier such as the NV40, an enabled axis is under
// remote control and follows commanded setpoints; a disabled one is run from
// the front panel and ignores them.
type Enabler interface {
	// Enable takes remote control of an axis
	Enable(string) error

	// Disable returns an axis to local control
	Disable(string) error

	// GetEnabled reports if an axis is under remote control
	GetEnabled(string) (bool, error)
}

// HTTPEnable adds GET and POST /axis/{axis}/enabled to the route table
func HTTPEnable(iface Enabler, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/enabled"}] = GetEnabled(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/enabled"}] = SetEnabled(iface)
}

// axisBool reads {"bool": b} from the body and calls fcn with the axis from
// the URL.  Failures are written to w.
func axisBool(w http.ResponseWriter, r *http.Request, fcn func(axis string, b bool) error) {
	defer r.Body.Close()
	var in generichttp.BoolT
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := fcn(chi.URLParam(r, "axis"), in.Bool); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetEnabled calls Enable or Disable per {"bool": b}
func SetEnabled(e Enabler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axisBool(w, r, func(axis string, on bool) error {
			if on {
				return e.Enable(axis)
			}
			return e.Disable(axis)
		})
	}
}

// GetEnabled replies {"bool": b} with the remote state of the axis
func GetEnabled(e Enabler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := e.GetEnabled(chi.URLParam(r, "axis"))
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: on}
		hp.EncodeAndRespond(w, r)
	}
}
