package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggerTagsStreams(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sse/tunnel/i1", nil))
	out := buf.String()
	for _, want := range []string{`msg="http stream opened"`, "stream=sse", "topic=tunnel", "instance_id=i1", "status=204"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	out = buf.String()
	if strings.Contains(out, "stream=") || strings.Contains(out, "stream opened") {
		t.Fatalf("non-stream request tagged as stream:\n%s", out)
	}
	if !strings.Contains(out, `msg="http request"`) || !strings.Contains(out, "path=/api/v1/status") {
		t.Fatalf("request line missing:\n%s", out)
	}
}

func TestStreamAttrs(t *testing.T) {
	tests := map[string]string{
		"/api/sse/global":    "[stream sse topic global]",
		"/api/ws/tunnel/abc": "[stream ws topic tunnel instance_id abc]",
		"/api/v1/status":     "[]",
		"/api/sse/unknown":   "[]",
		"/docs":              "[]",
	}
	for path, want := range tests {
		if got := fmt.Sprint(streamAttrs(path)); got != want {
			t.Fatalf("streamAttrs(%q) = %s; want %s", path, got, want)
		}
	}
}
