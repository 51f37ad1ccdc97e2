package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tunnelhub/internal/controller"
	"github.com/dgnsrekt/tunnelhub/internal/sse"
)

const (
	defaultKeepAlive = 15 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// connectedFrame is the first message on every new stream.
var connectedFrame = []byte("{}")

type subscribeFunc func(r *http.Request) (*controller.Subscription, error)

func mountStreams(router chi.Router, svc Service, keepAlive time.Duration) {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	global := func(*http.Request) (*controller.Subscription, error) {
		return svc.SubscribeGlobal()
	}
	tunnel := func(r *http.Request) (*controller.Subscription, error) {
		return svc.SubscribeTunnel(chi.URLParam(r, "instanceId"))
	}

	router.Get("/api/sse/global", sseHandler(global, keepAlive))
	router.Get("/api/sse/tunnel/{instanceId}", sseHandler(tunnel, keepAlive))
	router.Get("/api/ws/global", wsHandler(global, keepAlive))
	router.Get("/api/ws/tunnel/{instanceId}", wsHandler(tunnel, keepAlive))
}

// sseHandler streams notices as text/event-stream until the client goes away,
// the subscriber is evicted or the hub closes.
func sseHandler(subscribe subscribeFunc, keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := subscribe(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer sub.Cancel()

		stream, err := sse.NewWriter(w)
		if err != nil {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		logStream("api sse stream opened", r, sub)
		reason := pump(r, sub, keepAlive,
			stream.Data,
			func() error { return stream.Comment("keepalive") },
			r.Context().Done())
		logStream("api sse stream closed", r, sub, "reason", reason)
	}
}

// wsHandler serves the same feed over a websocket. Incoming data frames are
// discarded; pings are answered and a close frame ends the stream.
func wsHandler(subscribe subscribeFunc, keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := subscribe(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer sub.Cancel()

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("api websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		write := func(op ws.OpCode, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
			return wsutil.WriteServerMessage(conn, op, payload)
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
			rd := wsutil.Reader{Source: conn, State: ws.StateServerSide, CheckUTF8: true}
			for {
				hdr, err := rd.NextFrame()
				if err != nil {
					return
				}
				if hdr.OpCode.IsControl() {
					mu.Lock()
					err = control(hdr, &rd)
					mu.Unlock()
					if err != nil {
						return
					}
					continue
				}
				if err := rd.Discard(); err != nil {
					return
				}
			}
		}()

		logStream("api websocket stream opened", r, sub)
		reason := pump(r, sub, keepAlive,
			func(b []byte) error { return write(ws.OpText, b) },
			func() error { return write(ws.OpPing, nil) },
			gone)
		logStream("api websocket stream closed", r, sub, "reason", reason)
	}
}

// pump writes the connected frame and then every frame from sub until one of
// the end conditions. It returns why it stopped.
func pump(r *http.Request, sub *controller.Subscription, keepAlive time.Duration, send func([]byte) error, ping func() error, gone <-chan struct{}) string {
	if err := send(connectedFrame); err != nil {
		return "write failed"
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return "client disconnected"
		case <-r.Context().Done():
			return "client disconnected"
		case frame, ok := <-sub.C:
			if !ok {
				return "subscriber removed"
			}
			if err := send(frame); err != nil {
				return "write failed"
			}
		case <-ticker.C:
			if err := ping(); err != nil {
				return "keepalive failed"
			}
		}
	}
}

func logStream(msg string, r *http.Request, sub *controller.Subscription, extra ...any) {
	attrs := []any{
		"subscriber_id", sub.ID,
		"topic", sub.Topic.Kind,
		"instance_id", sub.Topic.InstanceID,
		"remote", r.RemoteAddr,
		"request_id", middleware.GetReqID(r.Context()),
	}
	slog.Info(msg, append(attrs, extra...)...)
}

// writeErr renders err the same way huma operations do.
func writeErr(w http.ResponseWriter, err error) {
	herr := mapErr(err)
	status := http.StatusInternalServerError
	var se huma.StatusError
	if errors.As(herr, &se) {
		status = se.GetStatus()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(herr); err != nil {
		slog.Debug("api error response write failed", "error", err)
	}
}
