// Package upstream keeps one streaming connection per control-plane endpoint
// and hands every decoded envelope to a Handler in arrival order.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/sse"
)

// State is the connector lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateConnecting    State = "CONNECTING"
	StateOpen          State = "OPEN"
	StateReconnectWait State = "RECONNECT_WAIT"
	StateClosed        State = "CLOSED"
)

// maxLoggedBlock bounds the payload preview of a dropped block.
const maxLoggedBlock = 256

var (
	errStreamEnded    = errors.New("stream closed by upstream")
	errStale          = errors.New("no data within staleness window")
	errConnectTimeout = errors.New("connect timeout")
)

// Endpoint identifies one upstream control plane.
type Endpoint struct {
	ID      string `yaml:"id" json:"id"`
	URL     string `yaml:"url" json:"url"`
	APIPath string `yaml:"api_path" json:"apiPath"`
	APIKey  string `yaml:"api_key" json:"-"`
}

// EventsURL returns {url}{apiPath}/events.
func (e Endpoint) EventsURL() string {
	return joinEventsURL(e.URL, e.APIPath)
}

func joinEventsURL(base, apiPath string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	apiPath = strings.Trim(strings.TrimSpace(apiPath), "/")
	if apiPath == "" {
		return base + "/events"
	}
	return base + "/" + apiPath + "/events"
}

// Policy tunes reconnects and liveness.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetries is the number of consecutive failures tolerated before the
	// connector gives up. Zero retries forever.
	MaxRetries int
	// StaleAfter tears the stream down when nothing arrives for this long.
	// Zero disables the check.
	StaleAfter     time.Duration
	ConnectTimeout time.Duration
}

// DefaultPolicy is used for zero fields of a caller-supplied policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	return p
}

// Backoff returns the delay before the reconnect that follows the given
// number of consecutive failures: BaseDelay doubled per failure, capped.
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Handler consumes decoded envelopes. A returned error is logged by the
// handler's owner and never stops the stream.
type Handler interface {
	Handle(ctx context.Context, env event.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env event.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env event.Envelope) error { return f(ctx, env) }

// Health is a point-in-time snapshot of a connector.
type Health struct {
	EndpointID    string    `json:"endpointId"`
	State         State     `json:"state"`
	Healthy       bool      `json:"healthy"`
	Failures      int       `json:"failures"`
	LastError     string    `json:"lastError,omitempty"`
	LastEventAt   time.Time `json:"lastEventAt,omitzero"`
	ConnectedAt   time.Time `json:"connectedAt,omitzero"`
	RetryAt       time.Time `json:"retryAt,omitzero"`
	Unreachable   bool      `json:"unreachable"`
	EventsTotal   uint64    `json:"eventsTotal"`
	BlocksDropped uint64    `json:"blocksDropped"`
}

// Connector drives the IDLE → CONNECTING → OPEN → RECONNECT_WAIT cycle for one
// endpoint. At most one stream or one pending reconnect exists at any time.
type Connector struct {
	endpoint Endpoint
	client   *http.Client
	policy   Policy
	handler  Handler
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	lastErr      string
	lastEvent    time.Time
	lastActivity time.Time
	connectedAt  time.Time
	retryAt      time.Time
	unreachable  bool
	cancel       context.CancelFunc
	done         chan struct{}

	events  atomic.Uint64
	dropped atomic.Uint64
}

// NewConnector creates an idle connector. A nil client uses a client without
// an overall timeout, which streaming requires.
func NewConnector(ep Endpoint, client *http.Client, policy Policy, handler Handler) *Connector {
	if client == nil {
		client = &http.Client{}
	}
	return &Connector{
		endpoint: ep,
		client:   client,
		policy:   policy.withDefaults(),
		handler:  handler,
		now:      time.Now,
		state:    StateIdle,
	}
}

// Endpoint returns the endpoint the connector was created for.
func (c *Connector) Endpoint() Endpoint { return c.endpoint }

// Start launches the read loop. It is a no-op while a loop is already running
// or after the connector gave up; use Reset to resume.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

func (c *Connector) startLocked() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	slog.Info("upstream connector started", "endpoint_id", c.endpoint.ID, "url", c.endpoint.EventsURL())
	go c.run(ctx, c.done)
}

// Stop cancels the stream or pending reconnect and waits for the loop to exit.
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.state = StateClosed
	c.retryAt = time.Time{}
	c.mu.Unlock()
	slog.Info("upstream connector stopped", "endpoint_id", c.endpoint.ID)
}

// Reset stops the connector, clears the failure counter and starts again.
func (c *Connector) Reset() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.unreachable = false
	c.startLocked()
}

// Health returns the current snapshot.
func (c *Connector) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{
		EndpointID:    c.endpoint.ID,
		State:         c.state,
		Failures:      c.failures,
		LastError:     c.lastErr,
		LastEventAt:   c.lastEvent,
		ConnectedAt:   c.connectedAt,
		RetryAt:       c.retryAt,
		Unreachable:   c.unreachable,
		EventsTotal:   c.events.Load(),
		BlocksDropped: c.dropped.Load(),
	}
	h.Healthy = c.state == StateOpen &&
		(c.policy.StaleAfter <= 0 || c.now().Sub(c.lastActivity) < c.policy.StaleAfter)
	return h
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.setState(StateConnecting)
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}

		failures := c.recordFailure(err)
		if c.policy.MaxRetries > 0 && failures > c.policy.MaxRetries {
			c.mu.Lock()
			c.state = StateClosed
			c.unreachable = true
			c.retryAt = time.Time{}
			c.mu.Unlock()
			slog.Error("upstream endpoint unreachable, giving up",
				"endpoint_id", c.endpoint.ID,
				"failures", failures,
				"error", err)
			return
		}

		delay := c.policy.Backoff(failures)
		c.mu.Lock()
		c.retryAt = c.now().Add(delay)
		c.mu.Unlock()
		slog.Warn("upstream connection lost, reconnecting",
			"endpoint_id", c.endpoint.ID,
			"failures", failures,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.mu.Lock()
		c.retryAt = time.Time{}
		c.mu.Unlock()
	}
}

func (c *Connector) stream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.endpoint.EventsURL(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.endpoint.APIKey != "" {
		req.Header.Set("X-API-Key", c.endpoint.APIKey)
	}

	var timedOut atomic.Bool
	connectTimer := time.AfterFunc(c.policy.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	resp, err := c.client.Do(req)
	connectTimer.Stop()
	if err != nil {
		if timedOut.Load() {
			return errConnectTimeout
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if timedOut.Load() {
		return errConnectTimeout
	}

	c.markOpen()

	scanner := sse.NewScanner(resp.Body)
	var stale atomic.Bool
	if c.policy.StaleAfter > 0 {
		staleTimer := time.AfterFunc(c.policy.StaleAfter, func() {
			stale.Store(true)
			cancel()
		})
		defer staleTimer.Stop()
		scanner.OnActivity = func() {
			staleTimer.Reset(c.policy.StaleAfter)
			c.touch()
		}
	} else {
		scanner.OnActivity = c.touch
	}

	for scanner.Next() {
		block := scanner.Block()
		receivedAt := c.now()
		env, err := event.Decode(c.endpoint.ID, []byte(block.Data), receivedAt)
		if err != nil {
			c.dropped.Add(1)
			slog.Warn("upstream block dropped",
				"endpoint_id", c.endpoint.ID,
				"event", block.Event,
				"raw", sse.NewPreview(block.Data, maxLoggedBlock),
				"error", err)
			continue
		}
		c.events.Add(1)
		c.mu.Lock()
		c.lastEvent = receivedAt
		c.mu.Unlock()
		_ = c.handler.Handle(ctx, env)
	}

	if stale.Load() {
		return errStale
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		slog.Debug("upstream state changed", "endpoint_id", c.endpoint.ID, "from", prev, "to", s)
	}
}

func (c *Connector) markOpen() {
	now := c.now()
	c.mu.Lock()
	c.state = StateOpen
	c.failures = 0
	c.connectedAt = now
	c.lastActivity = now
	c.mu.Unlock()
	slog.Info("upstream stream open", "endpoint_id", c.endpoint.ID)
}

func (c *Connector) touch() {
	now := c.now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Connector) recordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.state = StateReconnectWait
	if err != nil {
		c.lastErr = err.Error()
	}
	return c.failures
}
