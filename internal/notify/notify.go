// Package notify posts tunnel lifecycle alerts to an ntfy topic.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/supervisor"
)

const (
	queueSize   = 64
	sendTimeout = 10 * time.Second
)

// Notifier delivers messages from a background worker so tunnel hooks never
// wait on the network. Messages arriving while the queue is full are dropped.
type Notifier struct {
	endpoint string
	client   *http.Client

	mu     sync.Mutex
	queue  chan string
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New starts a notifier posting to endpoint.
func New(endpoint string, client *http.Client) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	n := &Notifier{endpoint: endpoint, client: client, queue: make(chan string, queueSize)}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Handlers returns hook callbacks alerting on instance deletion and endpoint
// shutdown.
func (n *Notifier) Handlers() supervisor.TunnelHandlers {
	return supervisor.TunnelHandlers{
		OnDelete:   func(e event.Notice) { n.enqueue(Message(e)) },
		OnShutdown: func(e event.Notice) { n.enqueue(Message(e)) },
	}
}

// Message renders the alert text for a notice.
func Message(e event.Notice) string {
	at := e.Time.UTC().Format(time.RFC3339)
	switch {
	case e.Type == event.KindShutdown && e.InstanceID == "":
		return fmt.Sprintf("endpoint %s shut down at %s; all of its tunnels are stopped", e.EndpointID, at)
	case e.Type == event.KindDelete:
		return fmt.Sprintf("tunnel %s on endpoint %s was deleted at %s", e.InstanceID, e.EndpointID, at)
	default:
		return fmt.Sprintf("tunnel %s on endpoint %s: %s (%s) at %s", e.InstanceID, e.EndpointID, e.Type, e.Status, at)
	}
}

func (n *Notifier) enqueue(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.dropped.Add(1)
		slog.Warn("notify queue full, alert dropped", "endpoint", n.endpoint)
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for msg := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := Send(ctx, n.client, n.endpoint, msg)
		cancel()
		if err != nil {
			n.failed.Add(1)
			slog.Warn("notify send failed", "endpoint", n.endpoint, "error", err)
			continue
		}
		n.sent.Add(1)
	}
}

// Close stops accepting alerts and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

// Counts returns sent, failed and dropped totals.
func (n *Notifier) Counts() (sent, failed, dropped uint64) {
	return n.sent.Load(), n.failed.Load(), n.dropped.Load()
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("ntfy endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Title", "tunnelhub")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
