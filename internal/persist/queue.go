package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/mirror"
)

var (
	ErrQueueFull   = errors.New("persist: write queue full")
	ErrQueueClosed = errors.New("persist: write queue closed")
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

type write struct {
	op         string
	endpointID string
	instanceID string
	run        func(ctx context.Context) error
}

// QueueStats counts queue outcomes since start.
type QueueStats struct {
	Pending   int    `json:"pending"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Abandoned uint64 `json:"abandoned"`
}

// Queue is a Gateway that hands writes to a single background worker so
// callers never wait on storage. Writes run in submission order, each bounded
// by a timeout. A full queue drops the write. Reads pass straight through.
type Queue struct {
	next         Gateway
	writeTimeout time.Duration
	drainTimeout time.Duration

	mu     sync.RWMutex
	writes chan write
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
}

// NewQueue starts the worker. Zero size or timeout selects the defaults.
func NewQueue(next Gateway, size int, writeTimeout time.Duration) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		next:         next,
		writeTimeout: writeTimeout,
		drainTimeout: defaultDrainTimeout,
		writes:       make(chan write, size),
		ctx:          ctx,
		cancel:       cancel,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue) AppendEvent(_ context.Context, rec EventRecord) error {
	return q.enqueue(write{
		op:         "append_event",
		endpointID: rec.EndpointID,
		instanceID: rec.InstanceID,
		run:        func(ctx context.Context) error { return q.next.AppendEvent(ctx, rec) },
	})
}

func (q *Queue) UpsertInstanceMirror(_ context.Context, inst mirror.Instance) error {
	return q.enqueue(write{
		op:         "upsert_mirror",
		endpointID: inst.EndpointID,
		instanceID: inst.InstanceID,
		run:        func(ctx context.Context) error { return q.next.UpsertInstanceMirror(ctx, inst) },
	})
}

func (q *Queue) RemoveInstanceMirror(_ context.Context, endpointID, instanceID string) error {
	return q.enqueue(write{
		op:         "remove_mirror",
		endpointID: endpointID,
		instanceID: instanceID,
		run: func(ctx context.Context) error {
			return q.next.RemoveInstanceMirror(ctx, endpointID, instanceID)
		},
	})
}

func (q *Queue) QueryLatestMirror(ctx context.Context, endpointID string) ([]mirror.Instance, error) {
	return q.next.QueryLatestMirror(ctx, endpointID)
}

func (q *Queue) enqueue(w write) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.writes <- w:
		return nil
	default:
		q.dropped.Add(1)
		slog.Warn("persist queue full, dropping write",
			"op", w.op,
			"endpoint_id", w.endpointID,
			"instance_id", w.instanceID)
		return ErrQueueFull
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for w := range q.writes {
		if q.ctx.Err() != nil {
			q.abandoned.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(q.ctx, q.writeTimeout)
		err := w.run(ctx)
		cancel()
		if err != nil {
			q.failed.Add(1)
			slog.Error("persist write failed",
				"op", w.op,
				"endpoint_id", w.endpointID,
				"instance_id", w.instanceID,
				"error", err)
			continue
		}
		q.written.Add(1)
	}
}

// Stats returns the queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pending:   len(q.writes),
		Written:   q.written.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Abandoned: q.abandoned.Load(),
	}
}

// Close stops accepting writes and waits for the pending ones. Writes still
// queued when the drain timeout expires are abandoned. The wrapped gateway is
// not closed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.writes)
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(q.drainTimeout):
		slog.Warn("persist queue close timeout, some writes may be lost",
			"pending", len(q.writes))
		q.cancel()
		<-finished
	}
	q.cancel()
	return nil
}
