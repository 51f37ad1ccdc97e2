// Package persist is the narrow interface to durable storage: append an event
// record, upsert or remove mirrored instance state, read the latest mirror.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
)

// EventRecord is one append-only row of the event log.
type EventRecord struct {
	EndpointID string          `json:"endpointId"`
	InstanceID string          `json:"instanceId,omitempty"`
	Kind       event.Kind      `json:"kind"`
	PushType   event.PushType  `json:"pushType"`
	Payload    json.RawMessage `json:"payload"`
	EventTime  time.Time       `json:"eventTime"`
	Digest     string          `json:"digest"`
}

// RecordFromEnvelope builds the log record for a decoded envelope. The event
// time falls back to the receive time when the upstream sent none.
func RecordFromEnvelope(env event.Envelope) EventRecord {
	at := env.EventTime
	if at.IsZero() {
		at = env.ReceivedAt
	}
	rec := EventRecord{
		EndpointID: env.EndpointID,
		InstanceID: env.InstanceID,
		Kind:       env.Kind(),
		PushType:   event.PushTypeOf(env.Kind()),
		Payload:    env.Raw,
		EventTime:  at.UTC(),
	}
	rec.Digest = Digest(rec)
	return rec
}

// Digest identifies a record for idempotent appends. Re-delivery of an
// envelope that carries its own time yields the same digest. Envelopes without
// one are stamped with the receive time, so a re-delivered copy is a new record.
func Digest(rec EventRecord) string {
	h := sha256.New()
	for _, part := range []string{
		rec.EndpointID,
		rec.InstanceID,
		string(rec.Kind),
		rec.EventTime.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// EventLog stores the append-only event history.
type EventLog interface {
	AppendEvent(ctx context.Context, rec EventRecord) error
}

// MirrorStore stores the durable copy of mirrored instance state.
type MirrorStore interface {
	UpsertInstanceMirror(ctx context.Context, inst mirror.Instance) error
	RemoveInstanceMirror(ctx context.Context, endpointID, instanceID string) error
	QueryLatestMirror(ctx context.Context, endpointID string) ([]mirror.Instance, error)
}

// Gateway is the full persistence surface used by the classifier.
type Gateway interface {
	EventLog
	MirrorStore
}

type combined struct {
	EventLog
	MirrorStore
}

// Combine builds a Gateway from one event log and one mirror store. Closing the
// result closes both parts when they implement io.Closer.
func Combine(events EventLog, mirrors MirrorStore) Gateway {
	return &combined{EventLog: events, MirrorStore: mirrors}
}

func (c *combined) Close() error {
	var errs []error
	if cl, ok := c.EventLog.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	if cl, ok := c.MirrorStore.(io.Closer); ok && any(c.MirrorStore) != any(c.EventLog) {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// Close closes g if it holds resources.
func Close(g any) error {
	if cl, ok := g.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
