package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/persist"
	"github.com/dgnsrekt/tunnelhub/internal/supervisor"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

func upstreamServer(t *testing.T, frames <-chan string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case f := <-frames:
				fmt.Fprintf(w, "data: %s\n\n", f)
				w.(http.Flusher).Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func next(t *testing.T, ch <-chan []byte) event.Notice {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		var n event.Notice
		if err := json.Unmarshal(b, &n); err != nil {
			t.Fatalf("unmarshal notice: %v", err)
		}
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
	return event.Notice{}
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("i1", "instance_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	if err := s.requireNonEmpty("   ", "instance_id"); err == nil {
		t.Fatalf("requireNonEmpty() = nil; want validation error")
	} else if got, ok := err.(*upstream.CodedError); !ok {
		t.Fatalf("requireNonEmpty() = %T; want *upstream.CodedError", err)
	} else if got.Code != upstream.CodeValidation {
		t.Fatalf("requireNonEmpty() code = %q; want %q", got.Code, upstream.CodeValidation)
	} else if got.Message != "instance_id is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got.Message, "instance_id is required")
	}
}

func TestServiceEndToEnd(t *testing.T) {
	frames := make(chan string, 4)
	srv := upstreamServer(t, frames)

	gw := persist.NewMemory()
	seeded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = gw.UpsertInstanceMirror(context.Background(), mirror.Instance{
		EndpointID: "ep", InstanceID: "old", Status: event.StatusStopped, UpdatedAt: seeded,
	})

	s := NewService(supervisor.StaticSource{{ID: "ep", URL: srv.URL, APIKey: "k"}}, gw, Options{Client: srv.Client()})
	defer s.Close()

	global, err := s.SubscribeGlobal()
	if err != nil {
		t.Fatalf("SubscribeGlobal() error = %v", err)
	}
	tunnel, err := s.SubscribeTunnel("i1")
	if err != nil {
		t.Fatalf("SubscribeTunnel() error = %v", err)
	}
	if global.ID == tunnel.ID || len(global.ID) != 36 {
		t.Fatalf("subscriber ids = %q, %q; want distinct uuids", global.ID, tunnel.ID)
	}

	var hooked []event.Kind
	done := make(chan struct{}, 1)
	s.SubscribeToAllTunnelEvents(supervisor.TunnelHandlers{
		OnCreate: func(n event.Notice) { hooked = append(hooked, n.Type); done <- struct{}{} },
	})

	if started, err := s.Start(context.Background()); err != nil || started != 1 {
		t.Fatalf("Start() = %d, %v; want 1, nil", started, err)
	}
	if inst, _ := s.Mirror("ep"); len(inst) != 1 || inst[0].InstanceID != "old" {
		t.Fatalf("Mirror() after warm start = %+v; want seeded instance", inst)
	}

	frames <- `{"id":"i2","type":"update","status":"running"}`
	frames <- `{"id":"i1","type":"create","status":"running","tcpRx":0,"tcpTx":0,"udpRx":0,"udpTx":0}`

	if n := next(t, global.C); n.InstanceID != "i2" {
		t.Fatalf("first global notice = %+v; want i2", n)
	}
	if n := next(t, global.C); n.InstanceID != "i1" || n.Type != event.KindCreate {
		t.Fatalf("second global notice = %+v; want create i1", n)
	}
	n := next(t, tunnel.C)
	if n.InstanceID != "i1" || n.Status != event.StatusRunning || n.Traffic == nil {
		t.Fatalf("tunnel notice = %+v; want running i1 with traffic", n)
	}
	<-done
	if len(hooked) != 1 {
		t.Fatalf("hooks fired %v; want one create", hooked)
	}

	st := s.Stats()
	if st.Subscribers.Subscribers != 2 || st.Classifier.Handled != 2 || st.Persist != nil {
		t.Fatalf("Stats() = %+v", st)
	}
	if events := gw.Events(); len(events) != 2 {
		t.Fatalf("persisted %d events; want 2", len(events))
	}

	tunnel.Cancel()
	tunnel.Cancel()
	if _, ok := <-tunnel.C; ok {
		t.Fatal("tunnel channel open after Cancel()")
	}
	if got := len(s.Subscribers()); got != 1 {
		t.Fatalf("Subscribers() = %d; want 1", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-global.C; ok {
		t.Fatal("global channel open after Close()")
	}
	_, err = s.SubscribeGlobal()
	var coded *upstream.CodedError
	if !errors.As(err, &coded) || coded.Code != upstream.CodeRegistryClosed {
		t.Fatalf("SubscribeGlobal() after Close error = %v; want REGISTRY_CLOSED", err)
	}
}

func TestServiceValidationAndLookups(t *testing.T) {
	s := NewService(supervisor.StaticSource{}, nil, Options{})
	defer s.Close()

	checks := []struct {
		name string
		err  error
		code string
	}{
		{"tunnel", func() error { _, err := s.SubscribeTunnel(" "); return err }(), upstream.CodeValidation},
		{"status", func() error { _, err := s.EndpointStatus(""); return err }(), upstream.CodeValidation},
		{"details", func() error { _, err := s.EndpointConnectionDetails("nope"); return err }(), upstream.CodeEndpointNotFound},
		{"reset", s.ResetEndpoint("nope"), upstream.CodeEndpointNotFound},
		{"remove", s.RemoveEndpoint(""), upstream.CodeValidation},
		{"probe endpoint", func() error { _, err := s.ProbeEndpoint(context.Background(), "nope"); return err }(), upstream.CodeEndpointNotFound},
		{"probe", func() error { _, err := s.Probe(context.Background(), "", "", ""); return err }(), upstream.CodeValidation},
	}
	for _, c := range checks {
		var coded *upstream.CodedError
		if !errors.As(c.err, &coded) || coded.Code != c.code {
			t.Fatalf("%s error = %v; want %s", c.name, c.err, c.code)
		}
	}
}

func TestServiceProbeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	q := persist.NewQueue(persist.NewMemory(), 4, time.Second)
	s := NewService(supervisor.StaticSource{{ID: "ep", URL: srv.URL, APIKey: "k"}}, q, Options{Client: srv.Client(), ProbeTimeout: time.Second})
	defer s.Close()
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := s.ProbeEndpoint(context.Background(), "ep")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("ProbeEndpoint() = %+v, %v; want 200", res, err)
	}
	if st := s.Stats(); st.Persist == nil {
		t.Fatal("Stats().Persist = nil; want queue stats")
	}
}
