package event

import "time"

// Notice is the normalized event forwarded to downstream subscribers and
// process-local hooks.
type Notice struct {
	Type         Kind      `json:"type"`
	PushType     PushType  `json:"pushType"`
	EndpointID   string    `json:"endpointId"`
	InstanceID   string    `json:"instanceId,omitempty"`
	Status       Status    `json:"status,omitempty"`
	Traffic      *Traffic  `json:"traffic,omitempty"`
	Logs         string    `json:"logs,omitempty"`
	InstanceType string    `json:"instanceType,omitempty"`
	URL          string    `json:"url,omitempty"`
	Time         time.Time `json:"time"`
}

// NoticeFrom builds the downstream notice for a validated envelope.
func NoticeFrom(e Envelope) Notice {
	n := Notice{
		Type:       e.Kind(),
		PushType:   PushTypeOf(e.Kind()),
		EndpointID: e.EndpointID,
		InstanceID: e.InstanceID,
		Time:       e.EventTime,
	}
	switch p := e.Payload.(type) {
	case Initial, Create, Update:
		st, _ := StateOf(p)
		n.Status = st.Status
		n.InstanceType = st.Type
		n.URL = st.URL
		if st.TrafficErr == nil {
			t := st.Traffic
			n.Traffic = &t
		}
	case Log:
		n.Logs = p.Text
	}
	return n
}
