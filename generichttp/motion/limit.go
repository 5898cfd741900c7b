package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/labhw/nv40/generichttp"
	"github.com/labhw/nv40/util"
)

var (
	errClamped = errors.New("requested position violates software limits, aborted")
)

// LimitMiddleware is a type that can impose axis-specific limits on motion,
// refusing any setpoint that would violate them
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the controller
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to query axis positions
	Mov Mover

	// Canon maps an axis as it appears in a URL to the key used in Limits.
	// nil leaves the axis as-is.
	Canon func(string) string
}

func (l *LimitMiddleware) lookup(axis string) (util.Limiter, bool) {
	if l.Canon != nil {
		axis = l.Canon(axis)
	}
	lim, ok := l.Limits[axis]
	return lim, ok
}

// Check verifies if a motion would violate the axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler.
//
// Check needs the {axis} URL parameter, so it must wrap the endpoint
// handler rather than sit in front of the router.
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		axis, relative, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limiter, ok := l.lookup(axis)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		f := generichttp.FloatT{}
		// downstream functions want the body too, read it here and paste it back
		bodyContent, _ := ioutil.ReadAll(r.Body)
		r.Body.Close()
		r.Body = ioutil.NopCloser(bytes.NewBuffer(bodyContent))
		err = json.NewDecoder(bytes.NewReader(bodyContent)).Decode(&f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if relative {
			currPos, err := l.Mov.GetPos(axis)
			if err != nil {
				generichttp.Error(w, err)
				return
			}
			cmd += currPos
		}
		if !limiter.Check(cmd) {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer and
// wraps its position setting route with Check
func (l *LimitMiddleware) Inject(h generichttp.HTTPer) {
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
	key := generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}
	if hndl, ok := rt[key]; ok {
		rt[key] = l.Check(hndl).ServeHTTP
	}
}

// Limits returns an HTTP handler func that returns the limits for an axis,
// or null if it has none
func Limits(l *LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		lim, ok := l.lookup(axis)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if !ok {
			json.NewEncoder(w).Encode(nil)
			return
		}
		json.NewEncoder(w).Encode(lim)
	}
}
