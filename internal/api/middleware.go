package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request. Stream requests are also logged
// when they open, since they stay in flight until the client leaves.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if stream := streamAttrs(r.URL.Path); stream != nil {
			attrs = append(attrs, stream...)
			slog.Info("http stream opened", attrs...)
		}
		next.ServeHTTP(ww, r)
		slog.Info("http request", append(attrs,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)...)
	})
}

// streamAttrs describes a stream route: /api/{sse,ws}/global or
// /api/{sse,ws}/tunnel/{instanceId}. It returns nil for other paths.
func streamAttrs(path string) []any {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return nil
	}
	transport, topic, _ := strings.Cut(rest, "/")
	if transport != "sse" && transport != "ws" {
		return nil
	}
	switch {
	case topic == "global":
		return []any{"stream", transport, "topic", "global"}
	case strings.HasPrefix(topic, "tunnel/"):
		return []any{"stream", transport, "topic", "tunnel", "instance_id", strings.TrimPrefix(topic, "tunnel/")}
	}
	return nil
}
