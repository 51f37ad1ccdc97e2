// Package fanout multiplexes normalized events to downstream subscribers.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
)

const defaultBufferSize = 256

var (
	ErrDuplicateSubscriber = errors.New("fanout: duplicate subscriber id")
	ErrClosed              = errors.New("fanout: registry closed")
	ErrInvalidTopic        = errors.New("fanout: invalid topic")
)

// TopicKind partitions subscribers.
type TopicKind string

const (
	TopicGlobal TopicKind = "global"
	TopicTunnel TopicKind = "tunnel"
)

// Topic is fixed for the lifetime of a subscriber.
type Topic struct {
	Kind       TopicKind
	InstanceID string
}

// Global is the topic receiving every event.
func Global() Topic { return Topic{Kind: TopicGlobal} }

// Tunnel is the topic receiving only events of one instance.
func Tunnel(instanceID string) Topic {
	return Topic{Kind: TopicTunnel, InstanceID: strings.TrimSpace(instanceID)}
}

func (t Topic) validate() error {
	switch t.Kind {
	case TopicGlobal:
		return nil
	case TopicTunnel:
		if t.InstanceID == "" {
			return fmt.Errorf("%w: tunnel topic requires an instance id", ErrInvalidTopic)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, t.Kind)
	}
}

func (t Topic) matches(instanceID string) bool {
	if t.Kind == TopicGlobal {
		return true
	}
	return instanceID != "" && t.InstanceID == instanceID
}

// SubscriberInfo describes one registered subscriber.
type SubscriberInfo struct {
	ID         string    `json:"id"`
	Topic      TopicKind `json:"topic"`
	InstanceID string    `json:"instanceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Delivered  uint64    `json:"delivered"`
}

// Stats summarizes the registry.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Global      int    `json:"global"`
	Tunnel      int    `json:"tunnel"`
	Instances   int    `json:"instances"`
	Broadcasts  uint64 `json:"broadcasts"`
	Delivered   uint64 `json:"delivered"`
	Evicted     uint64 `json:"evicted"`
}

type subscriber struct {
	id        string
	topic     Topic
	createdAt time.Time
	ch        chan []byte
	delivered atomic.Uint64
}

// Registry is the process-wide subscriber table. A subscriber whose buffer is
// full when an event arrives is treated as a failed write: it is removed and
// its channel closed, which ends the downstream stream.
type Registry struct {
	bufSize int

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	evicted    atomic.Uint64
}

// NewRegistry creates a registry with per-subscriber buffers of bufSize.
func NewRegistry(bufSize int) *Registry {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Registry{bufSize: bufSize, subs: make(map[string]*subscriber)}
}

// Add registers a subscriber and returns the channel its frames arrive on.
// The channel is closed when the subscriber is removed or evicted.
func (r *Registry) Add(id string, topic Topic) (<-chan []byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("fanout: subscriber id is required")
	}
	if err := topic.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.subs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}
	s := &subscriber{
		id:        id,
		topic:     topic,
		createdAt: time.Now(),
		ch:        make(chan []byte, r.bufSize),
	}
	r.subs[id] = s
	slog.Debug("fanout subscriber added", "id", id, "topic", topic.Kind, "instance_id", topic.InstanceID, "subscribers", len(r.subs))
	return s.ch, nil
}

// Remove unregisters a subscriber. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(s.ch)
		slog.Debug("fanout subscriber removed", "id", id, "subscribers", len(r.subs))
	}
}

// Broadcast encodes a notice once and delivers it to every GLOBAL subscriber
// and to the TUNNEL subscribers bound to the notice's instance. It returns the
// number of subscribers that accepted the frame.
func (r *Registry) Broadcast(n event.Notice) int {
	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("fanout encode failed", "type", n.Type, "endpoint_id", n.EndpointID, "error", err)
		return 0
	}
	return r.Publish(n.InstanceID, payload)
}

// Publish delivers a pre-encoded frame using the same routing as Broadcast.
func (r *Registry) Publish(instanceID string, payload []byte) int {
	r.broadcasts.Add(1)

	var (
		sent   int
		failed []*subscriber
	)
	r.mu.RLock()
	for _, s := range r.subs {
		if !s.topic.matches(instanceID) {
			continue
		}
		select {
		case s.ch <- payload:
			s.delivered.Add(1)
			sent++
		default:
			failed = append(failed, s)
		}
	}
	r.mu.RUnlock()

	r.delivered.Add(uint64(sent))
	if len(failed) > 0 {
		r.evict(failed)
	}
	return sent
}

func (r *Registry) evict(failed []*subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range failed {
		// The id may have been removed, or reused, since the read lock was released.
		if cur, ok := r.subs[s.id]; !ok || cur != s {
			continue
		}
		delete(r.subs, s.id)
		close(s.ch)
		r.evicted.Add(1)
		slog.Warn("fanout subscriber evicted", "id", s.id, "topic", s.topic.Kind, "reason", "buffer full")
	}
}

// List returns the registered subscribers sorted by creation time.
func (r *Registry) List() []SubscriberInfo {
	r.mu.RLock()
	out := make([]SubscriberInfo, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, SubscriberInfo{
			ID:         s.id,
			Topic:      s.topic.Kind,
			InstanceID: s.topic.InstanceID,
			CreatedAt:  s.createdAt,
			Delivered:  s.delivered.Load(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns current counts and lifetime counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	st := Stats{Subscribers: len(r.subs)}
	instances := make(map[string]struct{})
	for _, s := range r.subs {
		if s.topic.Kind == TopicGlobal {
			st.Global++
			continue
		}
		st.Tunnel++
		instances[s.topic.InstanceID] = struct{}{}
	}
	r.mu.RUnlock()
	st.Instances = len(instances)
	st.Broadcasts = r.broadcasts.Load()
	st.Delivered = r.delivered.Load()
	st.Evicted = r.evicted.Load()
	return st
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close removes every subscriber and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.ch)
	}
	slog.Info("fanout registry closed")
}
