package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vidstash/backend/internal/logger"
)

// SlowRequestThreshold is the duration above which a request is logged as slow.
const SlowRequestThreshold = 500 * time.Millisecond

// Timing returns a middleware that adds a Server-Timing header and logs slow
// requests. File downloads are exempt: they are slow by nature.
func Timing(next http.Handler) http.Handler {
	log := logger.Default().WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if streaming(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &timingWriter{ResponseWriter: w, start: start, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if duration := time.Since(start); duration > SlowRequestThreshold {
			log.Warn(r.Context(), "slow request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
			})
		}
	})
}

// timingWriter sets Server-Timing just before the header is sent; after
// that the header map is no longer read.
type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	wroteHeader bool
}

func (w *timingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.statusCode = code
		w.Header().Set("Server-Timing", formatServerTiming(time.Since(w.start)))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func formatServerTiming(d time.Duration) string {
	ms := float64(d.Nanoseconds()) / 1e6
	return "total;dur=" + strconv.FormatFloat(ms, 'f', 2, 64)
}
