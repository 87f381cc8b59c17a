package logx

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// maskIP drops the host part of an address: the last IPv4 octet, or the
// lower half of an IPv6 address.
func maskIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return "unknown"
	case ip.IsLoopback():
		return ip.String()
	case ip.To4() != nil:
		return ip.To4()[:3].String() + ".0"
	default:
		return ip.To16()[:8].String() + "::"
	}
}

// RequestLogger is chi middleware that logs one record per HTTP request.
// Server errors log at Error, client errors at Warn, the rest at Debug.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := Component("http").With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", maskIP(r.RemoteAddr)).
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Logger()
			r = r.WithContext(logger.WithContext(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			ev := logger.Debug()
			if status >= 500 {
				ev = logger.Error()
			} else if status >= 400 {
				ev = logger.Warn()
			}
			ev.Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("request completed")
		})
	}
}
