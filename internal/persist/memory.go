package persist

import (
	"context"
	"sort"
	"sync"

	"github.com/dgnsrekt/tunnelhub/internal/mirror"
)

// Memory keeps everything in process. It backs tests and single-run setups.
type Memory struct {
	mu      sync.RWMutex
	events  []EventRecord
	digests map[string]struct{}
	mirrors map[string]map[string]mirror.Instance
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		digests: make(map[string]struct{}),
		mirrors: make(map[string]map[string]mirror.Instance),
	}
}

func (m *Memory) AppendEvent(_ context.Context, rec EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Digest == "" {
		rec.Digest = Digest(rec)
	}
	if _, dup := m.digests[rec.Digest]; dup {
		return nil
	}
	m.digests[rec.Digest] = struct{}{}
	m.events = append(m.events, rec)
	return nil
}

func (m *Memory) UpsertInstanceMirror(_ context.Context, inst mirror.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.mirrors[inst.EndpointID]
	if byID == nil {
		byID = make(map[string]mirror.Instance)
		m.mirrors[inst.EndpointID] = byID
	}
	if prev, ok := byID[inst.InstanceID]; ok && prev.UpdatedAt.After(inst.UpdatedAt) {
		return nil
	}
	byID[inst.InstanceID] = inst
	return nil
}

func (m *Memory) RemoveInstanceMirror(_ context.Context, endpointID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mirrors[endpointID], instanceID)
	return nil
}

func (m *Memory) QueryLatestMirror(_ context.Context, endpointID string) ([]mirror.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]mirror.Instance, 0, len(m.mirrors[endpointID]))
	for _, inst := range m.mirrors[endpointID] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// Events returns a copy of the appended records in order.
func (m *Memory) Events() []EventRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventRecord(nil), m.events...)
}
