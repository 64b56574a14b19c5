package httputil

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
)

// RespondJSON writes a util.JSONResponse to w: status headers, then the
// status code, then the JSON body. Written locally rather than relying on
// a method on util.JSONResponse since this repo only consumes that type's
// exported fields (Code, JSON, Headers), not its own serialization helper.
func RespondJSON(w http.ResponseWriter, res util.JSONResponse) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(res.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"failed to encode response"}`))
		return
	}
	w.WriteHeader(res.Code)
	_, _ = w.Write(body)
}

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dendrite_core",
		Subsystem: "clientapi",
		Name:      "request_duration_seconds",
		Help:      "Time taken to process a client API request, by handler name.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"handler"},
)

func init() {
	prometheus.MustRegister(clientAPIRequestDuration)
}

// BasicAuth holds the credentials an internal endpoint (e.g. /metrics) may
// be protected with.
type BasicAuth struct {
	Username string
	Password string
}

// MakeHTTPAPI wraps handler so every request is timed under name in the
// clientAPIRequestDuration histogram when enableMetrics is set. tracer is
// accepted for call-site compatibility with dendrite's tracing-aware
// constructor but is unused: SPEC_FULL.md carries no distributed tracing
// requirement, so no tracer implementation is wired here.
func MakeHTTPAPI(name string, tracer interface{}, enableMetrics bool, handler http.HandlerFunc) http.Handler {
	if !enableMetrics {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler.ServeHTTP(w, r)
		clientAPIRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

// WrapHandlerInBasicAuth requires HTTP basic auth matching b before
// delegating to h, unless b is the zero value in which case auth is
// skipped entirely (used for internal endpoints with no credentials
// configured).
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != b.Username || pass != b.Password {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
