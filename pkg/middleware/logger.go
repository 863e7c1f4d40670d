package middleware

import (
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeLabel(r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		entry := log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"remote":   r.RemoteAddr,
			"duration": elapsed,
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("[http] request failed")
		} else {
			entry.Debug("[http] request served")
		}
	})
}

// routeLabel keeps metric cardinality bounded by using the mux pattern.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
