// Package controller holds the hub context object: the subscriber registry,
// mirror, classifier and endpoint supervisor constructed together, started
// once and torn down together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dgnsrekt/tunnelhub/internal/classify"
	"github.com/dgnsrekt/tunnelhub/internal/fanout"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/persist"
	"github.com/dgnsrekt/tunnelhub/internal/supervisor"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

const warmTimeout = 5 * time.Second

// Options configures a Service. Zero values select defaults.
type Options struct {
	Client           *http.Client
	Policy           upstream.Policy
	CounterPolicy    mirror.CounterPolicy
	SubscriberBuffer int
	ProbeTimeout     time.Duration
}

// Stats aggregates counters across the hub.
type Stats struct {
	Subscribers fanout.Stats        `json:"subscribers"`
	Classifier  classify.Stats      `json:"classifier"`
	Persist     *persist.QueueStats `json:"persist,omitempty"`
}

// Service is the hub context passed to request handlers.
type Service struct {
	registry   *fanout.Registry
	mirror     *mirror.Store
	hooks      *supervisor.Hooks
	classifier *classify.Classifier
	supervisor *supervisor.Supervisor
	gateway    persist.Gateway

	client       *http.Client
	probeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewService wires the core around gateway. Connectors are not started until
// Start.
func NewService(source supervisor.EndpointSource, gateway persist.Gateway, opts Options) *Service {
	if gateway == nil {
		gateway = persist.NewMemory()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.CounterPolicy == "" {
		opts.CounterPolicy = mirror.CounterReset
	}

	s := &Service{
		registry:     fanout.NewRegistry(opts.SubscriberBuffer),
		mirror:       mirror.New(opts.CounterPolicy),
		hooks:        supervisor.NewHooks(),
		gateway:      gateway,
		client:       opts.Client,
		probeTimeout: opts.ProbeTimeout,
	}
	s.classifier = classify.New(gateway, s.mirror, s.registry, s.hooks)
	s.supervisor = supervisor.New(source, s.classifier, s.mirror, s.hooks, supervisor.Options{
		Client:      opts.Client,
		Policy:      opts.Policy,
		BeforeStart: s.warm,
	})
	return s
}

// Start initializes a connector per configured endpoint.
func (s *Service) Start(ctx context.Context) (int, error) {
	return s.supervisor.Initialize(ctx)
}

// warm seeds the in-memory mirror from durable storage so counter baselines
// survive restarts.
func (s *Service) warm(ctx context.Context, ep upstream.Endpoint) {
	if s.mirror.Count(ep.ID) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	instances, err := s.gateway.QueryLatestMirror(ctx, ep.ID)
	if err != nil {
		slog.Warn("controller mirror warm start failed", "endpoint_id", ep.ID, "error", err)
		return
	}
	if len(instances) == 0 {
		return
	}
	s.mirror.Seed(instances)
	slog.Info("controller mirror warmed", "endpoint_id", ep.ID, "instances", len(instances))
}

// Close stops every connector, closes every subscriber stream and flushes the
// persistence gateway. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.supervisor.Shutdown()
		s.registry.Close()
		s.closeErr = persist.Close(s.gateway)
		slog.Info("controller closed")
	})
	return s.closeErr
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &upstream.CodedError{Code: upstream.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// Subscription is one downstream stream. Frames arrive on C until the
// subscription is cancelled, evicted or the hub closes, at which point C is
// closed.
type Subscription struct {
	ID    string
	Topic fanout.Topic
	C     <-chan []byte

	cancel func()
}

// Cancel removes the subscriber. It is idempotent.
func (s *Subscription) Cancel() { s.cancel() }

// SubscribeGlobal registers a subscriber for every event of every endpoint.
func (s *Service) SubscribeGlobal() (*Subscription, error) {
	return s.subscribe(fanout.Global())
}

// SubscribeTunnel registers a subscriber for events of one instance.
func (s *Service) SubscribeTunnel(instanceID string) (*Subscription, error) {
	if err := s.requireNonEmpty(instanceID, "instance_id"); err != nil {
		return nil, err
	}
	return s.subscribe(fanout.Tunnel(strings.TrimSpace(instanceID)))
}

func (s *Service) subscribe(topic fanout.Topic) (*Subscription, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("subscriber id: %w", err)
	}
	ch, err := s.registry.Add(id.String(), topic)
	switch {
	case errors.Is(err, fanout.ErrDuplicateSubscriber):
		return nil, &upstream.CodedError{Code: upstream.CodeDuplicateSubscriber, Message: "subscriber id already registered", Cause: err}
	case errors.Is(err, fanout.ErrClosed):
		return nil, &upstream.CodedError{Code: upstream.CodeRegistryClosed, Message: "hub is shutting down", Cause: err}
	case errors.Is(err, fanout.ErrInvalidTopic):
		return nil, &upstream.CodedError{Code: upstream.CodeValidation, Message: "invalid topic", Cause: err}
	case err != nil:
		return nil, err
	}
	sid := id.String()
	return &Subscription{
		ID:     sid,
		Topic:  topic,
		C:      ch,
		cancel: func() { s.registry.Remove(sid) },
	}, nil
}

// Unsubscribe removes a subscriber by id. Unknown ids are ignored.
func (s *Service) Unsubscribe(id string) {
	s.registry.Remove(id)
}

// Subscribers lists the registered downstream subscribers.
func (s *Service) Subscribers() []fanout.SubscriberInfo {
	return s.registry.List()
}

// Stats returns registry, classifier and write queue counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Subscribers: s.registry.Stats(),
		Classifier:  s.classifier.Stats(),
	}
	if q, ok := s.gateway.(*persist.Queue); ok {
		qs := q.Stats()
		st.Persist = &qs
	}
	return st
}

func (s *Service) Status() supervisor.Status {
	return s.supervisor.Status()
}

func (s *Service) EndpointStatus(id string) (upstream.Health, error) {
	if err := s.requireNonEmpty(id, "endpoint_id"); err != nil {
		return upstream.Health{}, err
	}
	return s.supervisor.EndpointStatus(strings.TrimSpace(id))
}

func (s *Service) EndpointConnectionDetails(id string) (supervisor.ConnectionDetails, error) {
	if err := s.requireNonEmpty(id, "endpoint_id"); err != nil {
		return supervisor.ConnectionDetails{}, err
	}
	return s.supervisor.EndpointConnectionDetails(strings.TrimSpace(id))
}

// Mirror lists the mirrored instances of one endpoint.
func (s *Service) Mirror(endpointID string) ([]mirror.Instance, error) {
	if err := s.requireNonEmpty(endpointID, "endpoint_id"); err != nil {
		return nil, err
	}
	return s.mirror.List(strings.TrimSpace(endpointID)), nil
}

// Initialize starts connectors for endpoints that have none.
func (s *Service) Initialize(ctx context.Context) (int, error) {
	return s.supervisor.Initialize(ctx)
}

// Reset stops and discards every connector.
func (s *Service) Reset() int {
	return s.supervisor.Reset()
}

// Reload re-reads the endpoint list after a reset.
func (s *Service) Reload(ctx context.Context) (int, error) {
	return s.supervisor.Reload(ctx)
}

func (s *Service) ResetEndpoint(id string) error {
	if err := s.requireNonEmpty(id, "endpoint_id"); err != nil {
		return err
	}
	return s.supervisor.ResetEndpoint(strings.TrimSpace(id))
}

func (s *Service) RemoveEndpoint(id string) error {
	if err := s.requireNonEmpty(id, "endpoint_id"); err != nil {
		return err
	}
	return s.supervisor.RemoveEndpoint(strings.TrimSpace(id))
}

func (s *Service) SubscribeToAllTunnelEvents(h supervisor.TunnelHandlers) supervisor.HookID {
	return s.supervisor.SubscribeToAllTunnelEvents(h)
}

func (s *Service) UnsubscribeFromAllTunnelEvents(id supervisor.HookID) bool {
	return s.supervisor.UnsubscribeFromAllTunnelEvents(id)
}

// Probe runs a one-shot connection test against an arbitrary endpoint.
func (s *Service) Probe(ctx context.Context, baseURL, apiPath, apiKey string) (upstream.ProbeResult, error) {
	if err := s.requireNonEmpty(baseURL, "url"); err != nil {
		return upstream.ProbeResult{}, err
	}
	return upstream.TestConnection(ctx, s.client, baseURL, apiPath, apiKey, s.probeTimeout)
}

// ProbeEndpoint tests a supervised endpoint with its configured credential.
func (s *Service) ProbeEndpoint(ctx context.Context, id string) (upstream.ProbeResult, error) {
	if err := s.requireNonEmpty(id, "endpoint_id"); err != nil {
		return upstream.ProbeResult{}, err
	}
	ep, err := s.supervisor.Endpoint(strings.TrimSpace(id))
	if err != nil {
		return upstream.ProbeResult{}, err
	}
	return upstream.TestConnection(ctx, s.client, ep.URL, ep.APIPath, ep.APIKey, s.probeTimeout)
}
