package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) Handle(_ context.Context, env event.Envelope) error {
	c.mu.Lock()
	c.ids = append(c.ids, env.InstanceID)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
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

func writeEvent(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		base, apiPath, want string
	}{
		{"http://cp:8080", "/api/v1", "http://cp:8080/api/v1/events"},
		{"http://cp:8080/", "api/v1/", "http://cp:8080/api/v1/events"},
		{"http://cp:8080", "", "http://cp:8080/events"},
		{" https://cp ", "/", "https://cp/events"},
	}
	for _, tt := range tests {
		if got := (Endpoint{URL: tt.base, APIPath: tt.apiPath}).EventsURL(); got != tt.want {
			t.Fatalf("EventsURL(%q, %q) = %q; want %q", tt.base, tt.apiPath, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.withDefaults()
	tests := map[int]time.Duration{
		0:  100 * time.Millisecond,
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		4:  800 * time.Millisecond,
		5:  time.Second,
		80: time.Second,
	}
	for failures, want := range tests {
		if got := p.Backoff(failures); got != want {
			t.Fatalf("Backoff(%d) = %v; want %v", failures, got, want)
		}
	}
}

func TestConnectorDeliversInOrder(t *testing.T) {
	var (
		mu              sync.Mutex
		gotKey, gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 20; i++ {
			if i == 10 {
				writeEvent(w, `not json`)
			}
			writeEvent(w, fmt.Sprintf(`{"id":"i%02d","type":"update","status":"running"}`, i))
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := &collector{}
	c := NewConnector(Endpoint{ID: "ep", URL: srv.URL, APIPath: "/api/v1", APIKey: "secret"}, srv.Client(), Policy{}, sink)
	c.Start()
	defer c.Stop()

	waitFor(t, "20 envelopes", func() bool { return len(sink.snapshot()) == 20 })
	ids := sink.snapshot()
	for i, id := range ids {
		if want := fmt.Sprintf("i%02d", i); id != want {
			t.Fatalf("envelope %d = %s; want %s", i, id, want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if gotKey != "secret" || gotPath != "/api/v1/events" {
		t.Fatalf("request key=%q path=%q; want secret /api/v1/events", gotKey, gotPath)
	}
	h := c.Health()
	if h.State != StateOpen || !h.Healthy || h.Failures != 0 {
		t.Fatalf("Health() = %+v; want healthy OPEN", h)
	}
	if h.BlocksDropped != 1 || h.EventsTotal != 20 {
		t.Fatalf("Health() counters = %d dropped, %d events; want 1, 20", h.BlocksDropped, h.EventsTotal)
	}
}

func TestConnectorReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	drop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.WriteHeader(http.StatusOK)
		writeEvent(w, fmt.Sprintf(`{"id":"conn%d","type":"update","status":"running"}`, n))
		if n == 1 {
			select {
			case <-drop:
			case <-r.Context().Done():
			}
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := &collector{}
	c := NewConnector(Endpoint{ID: "ep", URL: srv.URL}, srv.Client(), Policy{BaseDelay: 300 * time.Millisecond, MaxRetries: 3}, sink)
	c.Start()
	defer c.Stop()

	waitFor(t, "first stream open", func() bool {
		return c.Health().State == StateOpen && len(sink.snapshot()) == 1
	})
	close(drop)

	waitFor(t, "reconnect wait", func() bool { return c.Health().State == StateReconnectWait })
	h := c.Health()
	if h.Healthy || h.Failures != 1 || h.RetryAt.IsZero() {
		t.Fatalf("Health() during wait = %+v; want unhealthy, 1 failure, retry scheduled", h)
	}

	waitFor(t, "second stream open", func() bool {
		h := c.Health()
		return h.State == StateOpen && h.Healthy && conns.Load() == 2
	})
	if h := c.Health(); h.Failures != 0 {
		t.Fatalf("Failures = %d after reconnect; want 0", h.Failures)
	}
	waitFor(t, "second envelope", func() bool { return len(sink.snapshot()) == 2 })
}

func TestConnectorGivesUpAfterMaxRetriesUntilReset(t *testing.T) {
	var hits atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewConnector(Endpoint{ID: "ep", URL: srv.URL}, srv.Client(),
		Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 2}, &collector{})
	c.Start()
	defer c.Stop()

	waitFor(t, "unreachable", func() bool { return c.Health().Unreachable })
	h := c.Health()
	if h.State != StateClosed || h.Failures != 3 || !strings.Contains(h.LastError, "503") {
		t.Fatalf("Health() = %+v; want CLOSED after 3 failures with 503", h)
	}
	time.Sleep(20 * time.Millisecond)
	if got := hits.Load(); got != 3 {
		t.Fatalf("requests = %d; want 3 (no retries once closed)", got)
	}

	c.Start()
	if got := c.Health().State; got != StateClosed {
		t.Fatalf("state after Start() = %s; want CLOSED until Reset", got)
	}

	healthy.Store(true)
	c.Reset()
	h = c.Health()
	if (h.State != StateConnecting && h.State != StateOpen) || h.Failures != 0 || h.Unreachable {
		t.Fatalf("Health() after Reset = %+v; want CONNECTING with 0 failures", h)
	}
	waitFor(t, "open after reset", func() bool { return c.Health().State == StateOpen })
}

func TestConnectorTearsDownStaleStream(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.WriteHeader(http.StatusOK)
		writeEvent(w, `{"id":"i1","type":"update","status":"running"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewConnector(Endpoint{ID: "ep", URL: srv.URL}, srv.Client(),
		Policy{BaseDelay: time.Millisecond, StaleAfter: 50 * time.Millisecond}, &collector{})
	c.Start()
	defer c.Stop()

	waitFor(t, "stale reconnect", func() bool { return conns.Load() >= 2 })
	if h := c.Health(); !strings.Contains(h.LastError, "staleness") {
		t.Fatalf("LastError = %q; want staleness error", h.LastError)
	}
}

func TestStopClosesConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewConnector(Endpoint{ID: "ep", URL: srv.URL}, srv.Client(), Policy{}, &collector{})
	if got := c.Health().State; got != StateIdle {
		t.Fatalf("initial state = %s; want IDLE", got)
	}
	c.Start()
	waitFor(t, "open", func() bool { return c.Health().State == StateOpen })
	c.Stop()
	c.Stop()
	if h := c.Health(); h.State != StateClosed || h.Healthy {
		t.Fatalf("Health() after Stop = %+v; want CLOSED", h)
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-API-Key") {
		case "good":
			w.WriteHeader(http.StatusOK)
		case "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	res, err := TestConnection(ctx, srv.Client(), srv.URL, "/api", "good", time.Second)
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("TestConnection(good) = %+v, %v; want 200", res, err)
	}

	tests := []struct {
		name   string
		client *http.Client
		key    string
		want   string
	}{
		{"status", srv.Client(), "bad", CodeProbeHTTPStatus},
		{"timeout", srv.Client(), "slow", CodeProbeTimeout},
		{"network", &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})}, "good", CodeProbeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TestConnection(ctx, tt.client, srv.URL, "/api", tt.key, 100*time.Millisecond)
			var coded *CodedError
			if !errors.As(err, &coded) {
				t.Fatalf("TestConnection() error = %v; want *CodedError", err)
			}
			if coded.Code != tt.want {
				t.Fatalf("TestConnection() code = %q; want %q", coded.Code, tt.want)
			}
		})
	}

	if _, err := TestConnection(ctx, nil, "  ", "", "", time.Second); err == nil {
		t.Fatal("TestConnection(empty url) error = nil; want validation error")
	}
}
