package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

type mutableSource struct {
	mu  sync.Mutex
	eps []upstream.Endpoint
}

func (m *mutableSource) Endpoints(context.Context) ([]upstream.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]upstream.Endpoint(nil), m.eps...), nil
}

func (m *mutableSource) set(eps ...upstream.Endpoint) {
	m.mu.Lock()
	m.eps = eps
	m.mu.Unlock()
}

func streamServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var nopHandler = upstream.HandlerFunc(func(context.Context, event.Envelope) error { return nil })

func TestInitializeStartsOnlyMissingConnectors(t *testing.T) {
	srv := streamServer(t)
	src := &mutableSource{}
	src.set(
		upstream.Endpoint{ID: "a", URL: srv.URL},
		upstream.Endpoint{ID: "b", URL: srv.URL},
		upstream.Endpoint{ID: "", URL: srv.URL},
		upstream.Endpoint{ID: "a", URL: "http://elsewhere"},
	)
	var warmed []string
	s := New(src, nopHandler, mirror.New(mirror.CounterReset), nil, Options{
		Client:      srv.Client(),
		BeforeStart: func(_ context.Context, ep upstream.Endpoint) { warmed = append(warmed, ep.ID) },
	})
	defer s.Shutdown()
	ctx := context.Background()

	started, err := s.Initialize(ctx)
	if err != nil || started != 2 {
		t.Fatalf("Initialize() = %d, %v; want 2, nil", started, err)
	}
	if len(warmed) != 2 || warmed[0] != "a" || warmed[1] != "b" {
		t.Fatalf("BeforeStart calls = %v; want [a b]", warmed)
	}
	waitFor(t, "both open", func() bool { return s.Status().Open == 2 })

	if started, _ := s.Initialize(ctx); started != 0 {
		t.Fatalf("second Initialize() started %d; want 0", started)
	}

	src.set(upstream.Endpoint{ID: "b", URL: srv.URL, APIKey: "rotated"})
	if started, _ := s.Initialize(ctx); started != 1 {
		t.Fatalf("Initialize() after change started %d; want 1", started)
	}
	if ids := s.EndpointIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("EndpointIDs() = %v; want [b]", ids)
	}
}

func TestStatusServedWhileWarming(t *testing.T) {
	srv := streamServer(t)
	entered := make(chan string, 2)
	release := make(chan struct{})
	s := New(StaticSource{{ID: "a", URL: srv.URL}, {ID: "b", URL: srv.URL}}, nopHandler, nil, nil, Options{
		Client: srv.Client(),
		BeforeStart: func(_ context.Context, ep upstream.Endpoint) {
			entered <- ep.ID
			<-release
		},
	})
	defer s.Shutdown()

	done := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background())
		done <- err
	}()
	if id := <-entered; id != "a" {
		t.Fatalf("first warmed endpoint = %s; want a", id)
	}

	got := make(chan Status, 1)
	go func() { got <- s.Status() }()
	select {
	case st := <-got:
		if st.Endpoints != 0 {
			t.Fatalf("Status().Endpoints = %d during warm-up; want 0", st.Endpoints)
		}
	case <-time.After(time.Second):
		t.Fatal("Status() blocked while an endpoint was warming")
	}
	if _, err := s.EndpointStatus("a"); err == nil {
		t.Fatal("EndpointStatus(a) error = nil before its connector started")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if st := s.Status(); st.Endpoints != 2 {
		t.Fatalf("Status().Endpoints = %d; want 2", st.Endpoints)
	}
}

func TestShutdownDuringWarmStartsNothing(t *testing.T) {
	srv := streamServer(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s := New(StaticSource{{ID: "a", URL: srv.URL}}, nopHandler, nil, nil, Options{
		Client: srv.Client(),
		BeforeStart: func(context.Context, upstream.Endpoint) {
			entered <- struct{}{}
			<-release
		},
	})
	done := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background())
		done <- err
	}()
	<-entered
	s.Shutdown()
	close(release)
	if err := <-done; !errors.Is(err, ErrShutdown) {
		t.Fatalf("Initialize() error = %v; want ErrShutdown", err)
	}
	if ids := s.EndpointIDs(); len(ids) != 0 {
		t.Fatalf("EndpointIDs() = %v after Shutdown; want none", ids)
	}
}

func TestStatusQueriesAndDetails(t *testing.T) {
	srv := streamServer(t)
	store := mirror.New(mirror.CounterReset)
	store.Apply("a", "i1", event.InstanceState{Status: event.StatusRunning}, time.Now())
	hooks := NewHooks()
	s := New(StaticSource{{ID: "a", URL: srv.URL, APIPath: "/api", APIKey: "supersecretkey"}}, nopHandler, store, hooks, Options{Client: srv.Client()})
	defer s.Shutdown()
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	waitFor(t, "open", func() bool {
		h, _ := s.EndpointStatus("a")
		return h.State == upstream.StateOpen
	})

	shutdownAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	hooks.Notify(event.Notice{Type: event.KindShutdown, EndpointID: "a", Time: shutdownAt})

	d, err := s.EndpointConnectionDetails("a")
	if err != nil {
		t.Fatalf("EndpointConnectionDetails() error = %v", err)
	}
	if d.APIKey != "****tkey" || d.EventsURL != srv.URL+"/api/events" || d.Instances != 1 {
		t.Fatalf("EndpointConnectionDetails() = %+v", d)
	}
	if !d.LastShutdownAt.Equal(shutdownAt) {
		t.Fatalf("LastShutdownAt = %v; want %v", d.LastShutdownAt, shutdownAt)
	}

	_, err = s.EndpointStatus("missing")
	var coded *upstream.CodedError
	if !errors.As(err, &coded) || coded.Code != upstream.CodeEndpointNotFound {
		t.Fatalf("EndpointStatus(missing) error = %v; want ENDPOINT_NOT_FOUND", err)
	}
	if err := s.ResetEndpoint("missing"); !errors.As(err, &coded) {
		t.Fatalf("ResetEndpoint(missing) error = %v; want coded error", err)
	}
	if err := s.ResetEndpoint("a"); err != nil {
		t.Fatalf("ResetEndpoint(a) error = %v", err)
	}

	if err := s.RemoveEndpoint("a"); err != nil {
		t.Fatalf("RemoveEndpoint() error = %v", err)
	}
	if store.Count("a") != 0 {
		t.Fatal("mirror entries kept after RemoveEndpoint")
	}
	if st := s.Status(); st.Endpoints != 0 {
		t.Fatalf("Status().Endpoints = %d; want 0", st.Endpoints)
	}
}

func TestResetAndShutdown(t *testing.T) {
	srv := streamServer(t)
	s := New(StaticSource{{ID: "a", URL: srv.URL}, {ID: "b", URL: srv.URL}}, nopHandler, nil, nil, Options{Client: srv.Client()})
	ctx := context.Background()
	_, _ = s.Initialize(ctx)

	if n := s.Reset(); n != 2 {
		t.Fatalf("Reset() = %d; want 2", n)
	}
	if started, _ := s.Reload(ctx); started != 2 {
		t.Fatalf("Reload() started %d; want 2", started)
	}
	s.Shutdown()
	s.Shutdown()
	if _, err := s.Initialize(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Initialize() after Shutdown error = %v; want ErrShutdown", err)
	}
}

func TestHooksDispatchByKind(t *testing.T) {
	h := NewHooks()
	var got []string
	first := h.Subscribe(TunnelHandlers{
		OnCreate:   func(n event.Notice) { got = append(got, "create:"+n.InstanceID) },
		OnShutdown: func(n event.Notice) { got = append(got, "shutdown:"+n.EndpointID) },
	})
	h.Subscribe(TunnelHandlers{
		OnCreate: func(event.Notice) { panic("boom") },
		OnDelete: func(n event.Notice) { got = append(got, "delete:"+n.InstanceID) },
	})

	h.Notify(event.Notice{Type: event.KindCreate, EndpointID: "ep", InstanceID: "i1"})
	h.Notify(event.Notice{Type: event.KindUpdate, EndpointID: "ep", InstanceID: "i1"})
	h.Notify(event.Notice{Type: event.KindDelete, EndpointID: "ep", InstanceID: "i1"})
	h.Notify(event.Notice{Type: event.KindShutdown, EndpointID: "ep"})

	want := []string{"create:i1", "delete:i1", "shutdown:ep"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v; want %v", got, want)
		}
	}

	if !h.Unsubscribe(first) || h.Unsubscribe(first) {
		t.Fatal("Unsubscribe() should succeed once")
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", h.Len())
	}
}

func TestMaskCredential(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"short":          "****",
		"abcdefgh":       "****efgh",
		"supersecretkey": "****tkey",
	}
	for in, want := range tests {
		if got := MaskCredential(in); got != want {
			t.Fatalf("MaskCredential(%q) = %q; want %q", in, got, want)
		}
	}
}
