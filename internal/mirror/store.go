// Package mirror holds the locally cached status and traffic counters of every
// known tunnel instance, keyed by endpoint and instance id.
package mirror

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
)

// CounterPolicy decides what a counter lower than the stored value means.
type CounterPolicy string

const (
	// CounterReset treats a decrease as an upstream restart: the lower value
	// becomes the new baseline.
	CounterReset CounterPolicy = "reset"
	// CounterHold treats a decrease as an out-of-order push: the stored value
	// is kept for that counter.
	CounterHold CounterPolicy = "hold"
)

// ParseCounterPolicy returns CounterReset for anything other than "hold".
func ParseCounterPolicy(s string) CounterPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(CounterHold)) {
		return CounterHold
	}
	return CounterReset
}

// Instance is the mirrored state of one tunnel instance.
type Instance struct {
	EndpointID string        `json:"endpointId"`
	InstanceID string        `json:"instanceId"`
	Status     event.Status  `json:"status"`
	Traffic    event.Traffic `json:"traffic"`
	Type       string        `json:"type,omitempty"`
	URL        string        `json:"url,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Result describes what Apply changed.
type Result struct {
	Instance Instance
	Created  bool
	// Decreased names the counters that went down relative to the stored value.
	Decreased []string
	// TrafficKept is true when the incoming counters were not applied.
	TrafficKept bool
}

// Store is safe for concurrent use.
type Store struct {
	policy CounterPolicy

	mu         sync.RWMutex
	byEndpoint map[string]map[string]Instance
}

// New creates an empty store.
func New(policy CounterPolicy) *Store {
	if policy == "" {
		policy = CounterReset
	}
	return &Store{policy: policy, byEndpoint: make(map[string]map[string]Instance)}
}

// Policy returns the configured counter policy.
func (s *Store) Policy() CounterPolicy { return s.policy }

// Apply replaces status and counters of an instance from a state-bearing push.
func (s *Store) Apply(endpointID, instanceID string, st event.InstanceState, at time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances := s.byEndpoint[endpointID]
	if instances == nil {
		instances = make(map[string]Instance)
		s.byEndpoint[endpointID] = instances
	}

	prev, existed := instances[instanceID]
	next := prev
	next.EndpointID = endpointID
	next.InstanceID = instanceID
	next.Status = st.Status
	next.UpdatedAt = at
	if st.Type != "" {
		next.Type = st.Type
	}
	if st.URL != "" {
		next.URL = st.URL
	}

	res := Result{Created: !existed}
	if st.TrafficErr != nil {
		res.TrafficKept = true
	} else {
		next.Traffic, res.Decreased = s.mergeTraffic(prev.Traffic, st.Traffic, existed)
	}

	instances[instanceID] = next
	res.Instance = next
	return res
}

func (s *Store) mergeTraffic(prev, in event.Traffic, existed bool) (event.Traffic, []string) {
	if !existed {
		return in, nil
	}
	var decreased []string
	pick := func(name string, old, cur event.Counter) event.Counter {
		if cur >= old {
			return cur
		}
		decreased = append(decreased, name)
		if s.policy == CounterHold {
			return old
		}
		return cur
	}
	out := event.Traffic{
		TCPRx: pick("tcpRx", prev.TCPRx, in.TCPRx),
		TCPTx: pick("tcpTx", prev.TCPTx, in.TCPTx),
		UDPRx: pick("udpRx", prev.UDPRx, in.UDPRx),
		UDPTx: pick("udpTx", prev.UDPTx, in.UDPTx),
	}
	return out, decreased
}

// Remove deletes an instance and reports whether it was present.
func (s *Store) Remove(endpointID, instanceID string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.byEndpoint[endpointID]
	inst, ok := instances[instanceID]
	if !ok {
		return Instance{}, false
	}
	delete(instances, instanceID)
	if len(instances) == 0 {
		delete(s.byEndpoint, endpointID)
	}
	return inst, true
}

// MarkEndpointStopped sets every instance of an endpoint to stopped and returns
// the affected instances sorted by id.
func (s *Store) MarkEndpointStopped(endpointID string, at time.Time) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.byEndpoint[endpointID]
	out := make([]Instance, 0, len(instances))
	for id, inst := range instances {
		inst.Status = event.StatusStopped
		inst.UpdatedAt = at
		instances[id] = inst
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

// Get returns one mirrored instance.
func (s *Store) Get(endpointID, instanceID string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byEndpoint[endpointID][instanceID]
	return inst, ok
}

// List returns the instances of one endpoint sorted by id.
func (s *Store) List(endpointID string) []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instances := s.byEndpoint[endpointID]
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

// Count returns the number of instances mirrored for an endpoint.
func (s *Store) Count(endpointID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEndpoint[endpointID])
}

// Seed loads previously persisted state. Entries already present are kept.
func (s *Store) Seed(instances []Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		m := s.byEndpoint[inst.EndpointID]
		if m == nil {
			m = make(map[string]Instance)
			s.byEndpoint[inst.EndpointID] = m
		}
		if _, ok := m[inst.InstanceID]; !ok {
			m[inst.InstanceID] = inst
		}
	}
}

// DropEndpoint forgets every instance of an endpoint.
func (s *Store) DropEndpoint(endpointID string) {
	s.mu.Lock()
	delete(s.byEndpoint, endpointID)
	s.mu.Unlock()
}

func sortInstances(in []Instance) {
	sort.Slice(in, func(i, j int) bool { return in[i].InstanceID < in[j].InstanceID })
}
