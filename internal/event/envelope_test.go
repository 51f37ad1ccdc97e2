package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeFlatCreate(t *testing.T) {
	data := []byte(`{"id":"i1","type":"create","status":"running","tcpRx":0,"tcpTx":0,"udpRx":0,"udpTx":0}`)
	env, err := Decode("ep1", data, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind() != KindCreate {
		t.Fatalf("Kind() = %q; want %q", env.Kind(), KindCreate)
	}
	if env.InstanceID != "i1" || env.EndpointID != "ep1" {
		t.Fatalf("ids = %q/%q; want ep1/i1", env.EndpointID, env.InstanceID)
	}
	st, ok := StateOf(env.Payload)
	if !ok {
		t.Fatalf("StateOf() ok = false; want true")
	}
	if st.Status != StatusRunning {
		t.Fatalf("status = %q; want %q", st.Status, StatusRunning)
	}
	if st.Traffic != (Traffic{}) || st.TrafficErr != nil {
		t.Fatalf("traffic = %+v err=%v; want zero", st.Traffic, st.TrafficErr)
	}
	if err := Validate(env); err != nil {
		t.Fatalf("Validate() = %v; want nil", err)
	}
}

func TestDecodeEventTypeField(t *testing.T) {
	data := []byte(`{"id":"i2","eventType":"update","type":"server","status":"stopped","url":"server://:1000/x:2000","tcpRx":"5"}`)
	env, err := Decode("ep1", data, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind() != KindUpdate {
		t.Fatalf("Kind() = %q; want update", env.Kind())
	}
	st, _ := StateOf(env.Payload)
	if st.Type != "server" {
		t.Fatalf("instance type = %q; want server", st.Type)
	}
	if st.Traffic.TCPRx != 5 {
		t.Fatalf("tcpRx = %d; want 5", st.Traffic.TCPRx)
	}
}

func TestDecodeNestedInstance(t *testing.T) {
	data := []byte(`{"type":"initial","time":"2026-03-01T11:59:00Z","instance":{"id":"abc","type":"client","status":"running","tcprx":10,"tcptx":"20","udprx":30,"udptx":40}}`)
	env, err := Decode("ep1", data, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind() != KindInitial || env.InstanceID != "abc" {
		t.Fatalf("got kind=%q id=%q; want initial/abc", env.Kind(), env.InstanceID)
	}
	if want := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC); !env.EventTime.Equal(want) {
		t.Fatalf("EventTime = %v; want %v", env.EventTime, want)
	}
	st, _ := StateOf(env.Payload)
	want := Traffic{TCPRx: 10, TCPTx: 20, UDPRx: 30, UDPTx: 40}
	if st.Traffic != want {
		t.Fatalf("traffic = %+v; want %+v", st.Traffic, want)
	}
	if st.Type != "client" {
		t.Fatalf("instance type = %q; want client", st.Type)
	}
}

func TestDecodeLargeCountersKeepPrecision(t *testing.T) {
	data := []byte(`{"id":"i1","type":"update","status":"running","tcpRx":18446744073709551615,"tcpTx":"9007199254740993"}`)
	env, err := Decode("ep1", data, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	st, _ := StateOf(env.Payload)
	if st.Traffic.TCPRx != 18446744073709551615 {
		t.Fatalf("tcpRx = %d; want max uint64", st.Traffic.TCPRx)
	}
	if st.Traffic.TCPTx != 9007199254740993 {
		t.Fatalf("tcpTx = %d; want 2^53+1", st.Traffic.TCPTx)
	}

	out, err := json.Marshal(st.Traffic)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), `"tcpTx":"9007199254740993"`) {
		t.Fatalf("marshal = %s; want string-encoded counters", out)
	}
}

func TestDecodeBadCounterKeepsEnvelope(t *testing.T) {
	data := []byte(`{"id":"i1","type":"update","status":"running","tcpRx":-4}`)
	env, err := Decode("ep1", data, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v; want nil", err)
	}
	st, _ := StateOf(env.Payload)
	if st.TrafficErr == nil {
		t.Fatalf("TrafficErr = nil; want counter error")
	}
	if err := Validate(env); err != nil {
		t.Fatalf("Validate() = %v; want nil", err)
	}
	if n := NoticeFrom(env); n.Traffic != nil {
		t.Fatalf("notice traffic = %+v; want nil for undecodable counters", n.Traffic)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"id":`},
		{"unknown type", `{"id":"i1","type":"explode"}`},
		{"missing type", `{"id":"i1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("ep1", []byte(tt.data), testNow)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode() error = %v; want ErrMalformed", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"create without status", `{"id":"i1","type":"create"}`, true},
		{"update without id", `{"type":"update","status":"running"}`, true},
		{"log without text", `{"id":"i1","type":"log","logs":"  "}`, true},
		{"log with text", `{"id":"i1","type":"log","logs":"hello"}`, false},
		{"shutdown bare", `{"type":"shutdown"}`, false},
		{"delete without id", `{"type":"delete"}`, true},
		{"unknown status accepted", `{"id":"i1","type":"update","status":"paused"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode("ep1", []byte(tt.data), testNow)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			err = Validate(env)
			if tt.wantErr && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v; want ErrInvalid", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v; want nil", err)
			}
		})
	}
}

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in      string
		want    Counter
		wantErr bool
	}{
		{`null`, 0, false},
		{`""`, 0, false},
		{`"42"`, 42, false},
		{`42`, 42, false},
		{`1.5e3`, 1500, false},
		{`1.5`, 0, true},
		{`"abc"`, 0, true},
		{`"-1"`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCounter([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCounter(%s) error = %v; wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseCounter(%s) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestPushTypeOf(t *testing.T) {
	cases := map[Kind]PushType{
		KindInitial:  PushSnapshot,
		KindUpdate:   PushUpdate,
		KindLog:      PushLog,
		KindCreate:   PushState,
		KindDelete:   PushState,
		KindShutdown: PushState,
	}
	for k, want := range cases {
		if got := PushTypeOf(k); got != want {
			t.Fatalf("PushTypeOf(%q) = %q; want %q", k, got, want)
		}
	}
}
