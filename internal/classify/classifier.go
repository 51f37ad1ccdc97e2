// Package classify turns decoded upstream envelopes into persisted records,
// mirror updates and downstream notices.
package classify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/persist"
)

// Broadcaster receives every notice destined for downstream subscribers. A
// shutdown yields one notice per stopped instance followed by one
// endpoint-level notice with an empty InstanceID.
type Broadcaster interface {
	Broadcast(n event.Notice) int
}

// Notifier receives create, update and delete notices, plus one endpoint-level
// shutdown notice (empty InstanceID) per shutdown envelope.
type Notifier interface {
	Notify(n event.Notice)
}

// Stats counts classifier outcomes.
type Stats struct {
	Handled         uint64 `json:"handled"`
	Dropped         uint64 `json:"dropped"`
	PersistFailures uint64 `json:"persistFailures"`
	CounterResets   uint64 `json:"counterResets"`
	CounterErrors   uint64 `json:"counterErrors"`
}

// Classifier is safe for concurrent use by connectors of different endpoints.
// Envelopes of one endpoint must be handled sequentially by its connector.
type Classifier struct {
	gateway     persist.Gateway
	mirror      *mirror.Store
	broadcaster Broadcaster
	notifier    Notifier
	now         func() time.Time

	handled         atomic.Uint64
	dropped         atomic.Uint64
	persistFailures atomic.Uint64
	counterResets   atomic.Uint64
	counterErrors   atomic.Uint64
}

// New creates a classifier. notifier may be nil.
func New(gateway persist.Gateway, store *mirror.Store, broadcaster Broadcaster, notifier Notifier) *Classifier {
	return &Classifier{
		gateway:     gateway,
		mirror:      store,
		broadcaster: broadcaster,
		notifier:    notifier,
		now:         time.Now,
	}
}

// Handle processes one envelope. The returned error is non-nil only when the
// envelope was dropped as invalid; storage failures are logged and swallowed.
func (c *Classifier) Handle(ctx context.Context, env event.Envelope) error {
	if err := event.Validate(env); err != nil {
		c.dropped.Add(1)
		slog.Warn("classify envelope dropped",
			"endpoint_id", env.EndpointID,
			"instance_id", env.InstanceID,
			"kind", env.Kind(),
			"error", err)
		return err
	}
	c.handled.Add(1)

	at := env.EventTime
	if at.IsZero() {
		at = env.ReceivedAt
	}
	if at.IsZero() {
		at = c.now()
	}
	env.EventTime = at

	c.persisted("append_event", env.EndpointID, env.InstanceID,
		c.gateway.AppendEvent(ctx, persist.RecordFromEnvelope(env)))

	switch p := env.Payload.(type) {
	case event.Initial, event.Create, event.Update:
		st, _ := event.StateOf(p)
		c.applyState(ctx, env, st, at)
	case event.Delete:
		c.mirror.Remove(env.EndpointID, env.InstanceID)
		c.persisted("remove_mirror", env.EndpointID, env.InstanceID,
			c.gateway.RemoveInstanceMirror(ctx, env.EndpointID, env.InstanceID))
		n := event.NoticeFrom(env)
		c.broadcaster.Broadcast(n)
		c.notify(n)
	case event.Shutdown:
		c.applyShutdown(ctx, env, at)
	case event.Log:
		c.broadcaster.Broadcast(event.NoticeFrom(env))
	}
	return nil
}

func (c *Classifier) applyState(ctx context.Context, env event.Envelope, st event.InstanceState, at time.Time) {
	if st.TrafficErr != nil {
		c.counterErrors.Add(1)
		slog.Warn("classify counters unreadable, keeping previous traffic",
			"endpoint_id", env.EndpointID,
			"instance_id", env.InstanceID,
			"error", st.TrafficErr)
	}

	res := c.mirror.Apply(env.EndpointID, env.InstanceID, st, at)
	if len(res.Decreased) > 0 {
		c.counterResets.Add(1)
		if c.mirror.Policy() == mirror.CounterHold {
			slog.Warn("classify counter decrease held, suspected out-of-order push",
				"endpoint_id", env.EndpointID,
				"instance_id", env.InstanceID,
				"counters", res.Decreased)
		} else {
			slog.Info("classify counter reset",
				"endpoint_id", env.EndpointID,
				"instance_id", env.InstanceID,
				"counters", res.Decreased)
		}
	}
	c.persisted("upsert_mirror", env.EndpointID, env.InstanceID,
		c.gateway.UpsertInstanceMirror(ctx, res.Instance))

	n := event.NoticeFrom(env)
	if !res.TrafficKept {
		t := res.Instance.Traffic
		n.Traffic = &t
	}
	c.broadcaster.Broadcast(n)
	if env.Kind() != event.KindInitial {
		c.notify(n)
	}
}

func (c *Classifier) applyShutdown(ctx context.Context, env event.Envelope, at time.Time) {
	stopped := c.mirror.MarkEndpointStopped(env.EndpointID, at)
	slog.Info("classify endpoint shutdown",
		"endpoint_id", env.EndpointID,
		"instances", len(stopped))

	for _, inst := range stopped {
		c.persisted("upsert_mirror", inst.EndpointID, inst.InstanceID,
			c.gateway.UpsertInstanceMirror(ctx, inst))
		t := inst.Traffic
		c.broadcaster.Broadcast(event.Notice{
			Type:         event.KindShutdown,
			PushType:     event.PushState,
			EndpointID:   inst.EndpointID,
			InstanceID:   inst.InstanceID,
			Status:       event.StatusStopped,
			Traffic:      &t,
			InstanceType: inst.Type,
			URL:          inst.URL,
			Time:         at,
		})
	}

	n := event.Notice{
		Type:       event.KindShutdown,
		PushType:   event.PushState,
		EndpointID: env.EndpointID,
		Status:     event.StatusStopped,
		Time:       at,
	}
	c.broadcaster.Broadcast(n)
	c.notify(n)
}

func (c *Classifier) persisted(op, endpointID, instanceID string, err error) {
	if err == nil {
		return
	}
	c.persistFailures.Add(1)
	slog.Warn("classify persist failed",
		"op", op,
		"endpoint_id", endpointID,
		"instance_id", instanceID,
		"error", err)
}

func (c *Classifier) notify(n event.Notice) {
	if c.notifier != nil {
		c.notifier.Notify(n)
	}
}

// Stats returns the classifier counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		Handled:         c.handled.Load(),
		Dropped:         c.dropped.Load(),
		PersistFailures: c.persistFailures.Load(),
		CounterResets:   c.counterResets.Load(),
		CounterErrors:   c.counterErrors.Load(),
	}
}
