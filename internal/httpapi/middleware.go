package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/0x377/flash-sale/internal/metrics"
)

// LoadShedder bounds concurrent requests on a hot endpoint. When the limit
// is reached new requests are shed with 429 instead of queuing, keeping
// latency flat during a sale spike.
type LoadShedder struct {
	slots chan struct{}
}

func NewLoadShedder(limit int) *LoadShedder {
	return &LoadShedder{slots: make(chan struct{}, limit)}
}

func (s *LoadShedder) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "overloaded")
		}
	})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// WithMetrics records request counts and latency per method and route.
func WithMetrics(m *metrics.HTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(started))
	})
}
