package event

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMalformed marks a block that could not be decoded at all.
	ErrMalformed = errors.New("malformed event")
	// ErrInvalid marks a decoded envelope missing a field its kind requires.
	ErrInvalid = errors.New("invalid event")
)

// Kind is the event kind carried by an upstream push.
type Kind string

const (
	KindInitial  Kind = "initial"
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindShutdown Kind = "shutdown"
	KindLog      Kind = "log"
)

// ParseKind normalizes a wire event type. ok is false for unknown kinds.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindInitial, KindCreate, KindUpdate, KindDelete, KindShutdown, KindLog:
		return k, true
	default:
		return "", false
	}
}

// PushType separates snapshot/update/log pushes from state-changing pushes in
// the persisted event log.
type PushType string

const (
	PushSnapshot PushType = "snapshot"
	PushUpdate   PushType = "update"
	PushLog      PushType = "log"
	PushState    PushType = "state"
)

// PushTypeOf maps an event kind to the push type it is recorded under.
func PushTypeOf(k Kind) PushType {
	switch k {
	case KindInitial:
		return PushSnapshot
	case KindUpdate:
		return PushUpdate
	case KindLog:
		return PushLog
	default:
		return PushState
	}
}

// Status is the mirrored status of one tunnel instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a wire status to a Status. An empty input yields an empty
// Status so callers can tell "missing" from "unrecognized".
func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return ""
	case StatusRunning, StatusStopped, StatusError:
		return st
	default:
		return StatusUnknown
	}
}

// Counter is an unsigned 64-bit traffic counter. It is encoded as a JSON
// string so values above 2^53 survive JavaScript clients, and decodes from
// either a JSON number or a JSON string.
type Counter uint64

func (c Counter) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(c), 10) + `"`), nil
}

func (c *Counter) UnmarshalJSON(data []byte) error {
	v, err := ParseCounter(data)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Counter) String() string { return strconv.FormatUint(uint64(c), 10) }

// ParseCounter decodes a raw JSON counter token. null and "" decode to zero.
func ParseCounter(raw []byte) (Counter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, fmt.Errorf("counter %s: %w", s, err)
		}
		s = strings.TrimSpace(unq)
		if s == "" {
			return 0, nil
		}
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("counter %s: negative value", s)
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Counter(v), nil
	}
	// Some agents emit integral floats ("1.2e+06"); accept them only when integral.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return 0, fmt.Errorf("counter %s: not an unsigned integer", s)
	}
	return Counter(f), nil
}

// Traffic holds the four traffic counters of an instance.
type Traffic struct {
	TCPRx Counter `json:"tcpRx"`
	TCPTx Counter `json:"tcpTx"`
	UDPRx Counter `json:"udpRx"`
	UDPTx Counter `json:"udpTx"`
}
