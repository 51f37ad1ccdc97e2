package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is the kind-specific body of an Envelope. Only the variants in this
// package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// InstanceState is the status/counter snapshot carried by initial, create and
// update pushes. TrafficErr is set when at least one counter failed to decode;
// Traffic is then not trustworthy and must not replace the mirror.
type InstanceState struct {
	Status     Status
	Traffic    Traffic
	TrafficErr error
	Type       string
	URL        string
}

type Initial struct{ InstanceState }
type Create struct{ InstanceState }
type Update struct{ InstanceState }
type Delete struct{}
type Shutdown struct{}

// Log carries one chunk of instance log output.
type Log struct {
	Text string
}

func (Initial) Kind() Kind  { return KindInitial }
func (Create) Kind() Kind   { return KindCreate }
func (Update) Kind() Kind   { return KindUpdate }
func (Delete) Kind() Kind   { return KindDelete }
func (Shutdown) Kind() Kind { return KindShutdown }
func (Log) Kind() Kind      { return KindLog }

func (Initial) isPayload()  {}
func (Create) isPayload()   {}
func (Update) isPayload()   {}
func (Delete) isPayload()   {}
func (Shutdown) isPayload() {}
func (Log) isPayload()      {}

// StateOf returns the instance state of state-bearing payloads.
func StateOf(p Payload) (InstanceState, bool) {
	switch v := p.(type) {
	case Initial:
		return v.InstanceState, true
	case Create:
		return v.InstanceState, true
	case Update:
		return v.InstanceState, true
	default:
		return InstanceState{}, false
	}
}

// Envelope is one decoded unit of an upstream event stream.
type Envelope struct {
	EndpointID string
	InstanceID string
	Payload    Payload
	Raw        json.RawMessage
	EventTime  time.Time
	ReceivedAt time.Time
}

// Kind returns the payload kind, or "" for an empty envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type wireInstance struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Status string          `json:"status"`
	URL    string          `json:"url"`
	TCPRx  json.RawMessage `json:"tcpRx"`
	TCPTx  json.RawMessage `json:"tcpTx"`
	UDPRx  json.RawMessage `json:"udpRx"`
	UDPTx  json.RawMessage `json:"udpTx"`
}

type wireEnvelope struct {
	wireInstance
	EventType string        `json:"eventType"`
	Time      string        `json:"time"`
	Logs      *string       `json:"logs"`
	Instance  *wireInstance `json:"instance"`
}

// Decode parses one data block of an upstream stream. Two shapes are accepted:
// the flat shape where instance fields sit next to the event type, and the
// nested shape where they live under "instance". When "eventType" is present it
// names the kind and "type" is the instance type.
func Decode(endpointID string, data []byte, receivedAt time.Time) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	inst := w.wireInstance
	kindField := w.Type
	instanceType := ""
	if w.EventType != "" {
		kindField = w.EventType
		instanceType = w.Type
	}
	if w.Instance != nil {
		inst = *w.Instance
		instanceType = w.Instance.Type
	}

	kind, ok := ParseKind(kindField)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: unknown event type %q", ErrMalformed, kindField)
	}

	env := Envelope{
		EndpointID: endpointID,
		InstanceID: strings.TrimSpace(inst.ID),
		Raw:        append(json.RawMessage(nil), data...),
		EventTime:  receivedAt,
		ReceivedAt: receivedAt,
	}
	if w.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.Time); err == nil {
			env.EventTime = t
		}
	}

	state := decodeState(inst, instanceType)
	switch kind {
	case KindInitial:
		env.Payload = Initial{state}
	case KindCreate:
		env.Payload = Create{state}
	case KindUpdate:
		env.Payload = Update{state}
	case KindDelete:
		env.Payload = Delete{}
	case KindShutdown:
		env.Payload = Shutdown{}
	case KindLog:
		var text string
		if w.Logs != nil {
			text = *w.Logs
		}
		env.Payload = Log{Text: text}
	}
	return env, nil
}

func decodeState(inst wireInstance, instanceType string) InstanceState {
	st := InstanceState{
		Status: ParseStatus(inst.Status),
		Type:   instanceType,
		URL:    inst.URL,
	}
	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *Counter
	}{
		{"tcpRx", inst.TCPRx, &st.Traffic.TCPRx},
		{"tcpTx", inst.TCPTx, &st.Traffic.TCPTx},
		{"udpRx", inst.UDPRx, &st.Traffic.UDPRx},
		{"udpTx", inst.UDPTx, &st.Traffic.UDPTx},
	}
	for _, f := range fields {
		v, err := ParseCounter(f.raw)
		if err != nil {
			st.TrafficErr = fmt.Errorf("%s: %w", f.name, err)
			st.Traffic = Traffic{}
			return st
		}
		*f.dst = v
	}
	return st
}

// Validate checks the fields each kind requires. Initial, create and update need
// an instance id and a status; delete needs an instance id; log needs non-empty
// text; shutdown needs only the endpoint id.
func Validate(e Envelope) error {
	if strings.TrimSpace(e.EndpointID) == "" {
		return fmt.Errorf("%w: endpoint id is required", ErrInvalid)
	}
	switch p := e.Payload.(type) {
	case Initial, Create, Update:
		st, _ := StateOf(p)
		if e.InstanceID == "" {
			return fmt.Errorf("%w: %s requires an instance id", ErrInvalid, p.Kind())
		}
		if st.Status == "" {
			return fmt.Errorf("%w: %s requires a status", ErrInvalid, p.Kind())
		}
	case Delete:
		if e.InstanceID == "" {
			return fmt.Errorf("%w: delete requires an instance id", ErrInvalid)
		}
	case Log:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: log requires non-empty text", ErrInvalid)
		}
	case Shutdown:
	case nil:
		return fmt.Errorf("%w: missing payload", ErrInvalid)
	}
	return nil
}
