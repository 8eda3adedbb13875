package protocol

import (
	"encoding/json"
	"testing"
)

func TestWebSocketURL_RewritesScheme(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base string
		path string
		want string
	}{
		{"http://example.com", PathCallsProxy, "ws://example.com/calls-proxy?token=tok"},
		{"https://example.com/", PathEventsProxy, "wss://example.com/events-proxy?token=tok"},
		{"https://example.com/api", PathCallsProxy, "wss://example.com/api/calls-proxy?token=tok"},
		{"ws://127.0.0.1:9000", PathEventsProxy, "ws://127.0.0.1:9000/events-proxy?token=tok"},
	}
	for _, tc := range cases {
		got, err := WebSocketURL(tc.base, tc.path, "tok")
		if err != nil {
			t.Fatalf("WebSocketURL(%q) error: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("WebSocketURL(%q)=%q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestWebSocketURL_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	if _, err := WebSocketURL("ftp://example.com", PathCallsProxy, "tok"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestFlexNumber_AcceptsNumberAndString(t *testing.T) {
	t.Parallel()

	var data PlayAudioData
	if err := json.Unmarshal([]byte(`{"audioContent":"AA==","sampleRate":"24000"}`), &data); err != nil {
		t.Fatalf("unmarshal string rate: %v", err)
	}
	if data.SampleRate.Int() != 24000 {
		t.Fatalf("sampleRate=%d, want 24000", data.SampleRate.Int())
	}

	if err := json.Unmarshal([]byte(`{"sampleRate":16000}`), &data); err != nil {
		t.Fatalf("unmarshal numeric rate: %v", err)
	}
	if data.SampleRate.Int() != 16000 {
		t.Fatalf("sampleRate=%d, want 16000", data.SampleRate.Int())
	}

	if err := json.Unmarshal([]byte(`{"sampleRate":"fast"}`), &data); err == nil {
		t.Fatalf("expected error for non-numeric sampleRate")
	}
}

func TestOutboundFrames_WireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NewPlayDone(1234))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"playDone","data":{"playbackMilliseconds":1234}}` {
		t.Fatalf("playDone=%s", b)
	}

	b, _ = json.Marshal(NewStartCall("asst_1"))
	if string(b) != `{"type":"startCall","assistantId":"asst_1"}` {
		t.Fatalf("startCall=%s", b)
	}

	b, _ = json.Marshal(NewRegister("CA123"))
	if string(b) != `{"type":"register","callSid":"CA123"}` {
		t.Fatalf("register=%s", b)
	}
}

func TestHistoryPath_EscapesCallSid(t *testing.T) {
	t.Parallel()

	if got := HistoryPath("CA 1/2"); got != "/events/v1/calls/CA%201%2F2/history" {
		t.Fatalf("HistoryPath=%q", got)
	}
}
