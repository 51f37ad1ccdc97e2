// Package supervisor owns the upstream connectors, one per configured endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

var ErrShutdown = errors.New("supervisor: shut down")

// EndpointSource supplies the current endpoint list. It is consulted on every
// Initialize so bulk configuration changes are picked up.
type EndpointSource interface {
	Endpoints(ctx context.Context) ([]upstream.Endpoint, error)
}

// StaticSource is a fixed endpoint list.
type StaticSource []upstream.Endpoint

func (s StaticSource) Endpoints(context.Context) ([]upstream.Endpoint, error) {
	return append([]upstream.Endpoint(nil), s...), nil
}

// Options configures a Supervisor. Zero values select defaults.
type Options struct {
	Client *http.Client
	Policy upstream.Policy
	// BeforeStart runs before a new connector is started, e.g. to warm the
	// mirror from durable storage.
	BeforeStart func(ctx context.Context, ep upstream.Endpoint)
}

// Status aggregates connector health.
type Status struct {
	Endpoints   int               `json:"endpoints"`
	Open        int               `json:"open"`
	Healthy     int               `json:"healthy"`
	Reconnect   int               `json:"reconnecting"`
	Unreachable int               `json:"unreachable"`
	Connectors  []upstream.Health `json:"connectors"`
}

// ConnectionDetails describes one endpoint for diagnostics. The credential is
// masked.
type ConnectionDetails struct {
	EndpointID     string          `json:"endpointId"`
	URL            string          `json:"url"`
	APIPath        string          `json:"apiPath"`
	EventsURL      string          `json:"eventsUrl"`
	APIKey         string          `json:"apiKey"`
	Health         upstream.Health `json:"health"`
	Instances      int             `json:"instances"`
	LastShutdownAt time.Time       `json:"lastShutdownAt,omitzero"`
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	source  EndpointSource
	handler upstream.Handler
	mirror  *mirror.Store
	hooks   *Hooks
	opts    Options

	initMu     sync.Mutex
	mu         sync.Mutex
	connectors map[string]*upstream.Connector
	closed     bool
}

// New creates a supervisor. Envelopes from every connector go to handler.
func New(source EndpointSource, handler upstream.Handler, store *mirror.Store, hooks *Hooks, opts Options) *Supervisor {
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Supervisor{
		source:     source,
		handler:    handler,
		mirror:     store,
		hooks:      hooks,
		opts:       opts,
		connectors: make(map[string]*upstream.Connector),
	}
}

// Initialize starts a connector for every configured endpoint that has none,
// replaces connectors whose configuration changed and stops connectors for
// endpoints no longer configured. It returns the number of connectors started.
// The connector map is locked only while entries are swapped, so status
// queries are served while endpoints are warmed.
func (s *Supervisor) Initialize(ctx context.Context) (int, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	endpoints, err := s.source.Endpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("load endpoints: %w", err)
	}

	wanted := make(map[string]upstream.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		ep.ID = strings.TrimSpace(ep.ID)
		if ep.ID == "" || strings.TrimSpace(ep.URL) == "" {
			slog.Warn("supervisor endpoint skipped", "endpoint_id", ep.ID, "reason", "missing id or url")
			continue
		}
		if _, dup := wanted[ep.ID]; dup {
			slog.Warn("supervisor endpoint skipped", "endpoint_id", ep.ID, "reason", "duplicate id")
			continue
		}
		wanted[ep.ID] = ep
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrShutdown
	}
	var retired []*upstream.Connector
	for id, c := range s.connectors {
		if ep, ok := wanted[id]; ok && ep == c.Endpoint() {
			continue
		}
		retired = append(retired, c)
		delete(s.connectors, id)
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		if _, ok := s.connectors[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	stopAll(retired)
	for _, c := range retired {
		slog.Info("supervisor connector retired", "endpoint_id", c.Endpoint().ID)
	}

	sort.Strings(ids)
	started := 0
	for _, id := range ids {
		ep := wanted[id]
		if s.opts.BeforeStart != nil {
			s.opts.BeforeStart(ctx, ep)
		}
		c := upstream.NewConnector(ep, s.opts.Client, s.opts.Policy, s.handler)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return started, ErrShutdown
		}
		if _, exists := s.connectors[id]; exists {
			s.mu.Unlock()
			continue
		}
		s.connectors[id] = c
		c.Start()
		s.mu.Unlock()
		started++
	}

	s.mu.Lock()
	total := len(s.connectors)
	s.mu.Unlock()
	slog.Info("supervisor initialized", "endpoints", total, "started", started)
	return started, nil
}

// Reset stops and discards every connector.
func (s *Supervisor) Reset() int {
	list, _ := s.takeAll(false)
	n := stopAll(list)
	if n > 0 {
		slog.Info("supervisor reset", "stopped", n)
	}
	return n
}

// takeAll empties the connector map and returns what it held. With closing
// set it also marks the supervisor shut down and reports whether it already was.
func (s *Supervisor) takeAll(closing bool) ([]*upstream.Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasClosed := s.closed
	if closing {
		s.closed = true
	}
	list := make([]*upstream.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		list = append(list, c)
	}
	s.connectors = make(map[string]*upstream.Connector)
	return list, wasClosed
}

func stopAll(list []*upstream.Connector) int {
	var wg sync.WaitGroup
	for _, c := range list {
		wg.Add(1)
		go func(c *upstream.Connector) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
	return len(list)
}

// Reload resets every connector and initializes from the current source.
func (s *Supervisor) Reload(ctx context.Context) (int, error) {
	s.Reset()
	return s.Initialize(ctx)
}

// Shutdown stops every connector. Later Initialize calls fail.
func (s *Supervisor) Shutdown() {
	list, wasClosed := s.takeAll(true)
	if wasClosed {
		return
	}
	stopAll(list)
	slog.Info("supervisor shut down")
}

// ResetEndpoint restarts one connector with a cleared failure counter.
func (s *Supervisor) ResetEndpoint(id string) error {
	c, err := s.connector(id)
	if err != nil {
		return err
	}
	c.Reset()
	slog.Info("supervisor endpoint reset", "endpoint_id", id)
	return nil
}

// RemoveEndpoint stops the connector of a deleted endpoint and forgets its
// mirrored instances.
func (s *Supervisor) RemoveEndpoint(id string) error {
	s.mu.Lock()
	c, ok := s.connectors[id]
	delete(s.connectors, id)
	s.mu.Unlock()
	if !ok {
		return notFound(id)
	}
	c.Stop()
	if s.mirror != nil {
		s.mirror.DropEndpoint(id)
	}
	s.hooks.forget(id)
	slog.Info("supervisor endpoint removed", "endpoint_id", id)
	return nil
}

// Status returns the aggregated health of all connectors sorted by endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	list := make([]*upstream.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		list = append(list, c)
	}
	s.mu.Unlock()

	st := Status{Endpoints: len(list), Connectors: make([]upstream.Health, 0, len(list))}
	for _, c := range list {
		h := c.Health()
		switch {
		case h.Unreachable:
			st.Unreachable++
		case h.State == upstream.StateOpen:
			st.Open++
		case h.State == upstream.StateReconnectWait:
			st.Reconnect++
		}
		if h.Healthy {
			st.Healthy++
		}
		st.Connectors = append(st.Connectors, h)
	}
	sort.Slice(st.Connectors, func(i, j int) bool { return st.Connectors[i].EndpointID < st.Connectors[j].EndpointID })
	return st
}

// EndpointStatus returns the health of one connector.
func (s *Supervisor) EndpointStatus(id string) (upstream.Health, error) {
	c, err := s.connector(id)
	if err != nil {
		return upstream.Health{}, err
	}
	return c.Health(), nil
}

// EndpointConnectionDetails returns configuration and health of one endpoint.
func (s *Supervisor) EndpointConnectionDetails(id string) (ConnectionDetails, error) {
	c, err := s.connector(id)
	if err != nil {
		return ConnectionDetails{}, err
	}
	ep := c.Endpoint()
	d := ConnectionDetails{
		EndpointID: ep.ID,
		URL:        ep.URL,
		APIPath:    ep.APIPath,
		EventsURL:  ep.EventsURL(),
		APIKey:     MaskCredential(ep.APIKey),
		Health:     c.Health(),
	}
	if s.mirror != nil {
		d.Instances = s.mirror.Count(id)
	}
	if at, ok := s.hooks.LastShutdown(id); ok {
		d.LastShutdownAt = at
	}
	return d, nil
}

// Endpoint returns the configuration of a supervised endpoint.
func (s *Supervisor) Endpoint(id string) (upstream.Endpoint, error) {
	c, err := s.connector(id)
	if err != nil {
		return upstream.Endpoint{}, err
	}
	return c.Endpoint(), nil
}

// EndpointIDs returns the supervised endpoint ids, sorted.
func (s *Supervisor) EndpointIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.connectors))
	for id := range s.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscribeToAllTunnelEvents registers process-local lifecycle callbacks.
func (s *Supervisor) SubscribeToAllTunnelEvents(h TunnelHandlers) HookID {
	return s.hooks.Subscribe(h)
}

// UnsubscribeFromAllTunnelEvents removes callbacks registered earlier.
func (s *Supervisor) UnsubscribeFromAllTunnelEvents(id HookID) bool {
	return s.hooks.Unsubscribe(id)
}

func (s *Supervisor) connector(id string) (*upstream.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return nil, notFound(id)
	}
	return c, nil
}

func notFound(id string) error {
	return &upstream.CodedError{Code: upstream.CodeEndpointNotFound, Message: fmt.Sprintf("endpoint %q is not supervised", id)}
}

// MaskCredential keeps only the last four characters of longer credentials.
func MaskCredential(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) < 8:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}
