package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	// EventCallUpdates marks the call-update envelope.
	EventCallUpdates = "call-updates"

	PathCallsProxy  = "/calls-proxy"
	PathEventsProxy = "/events-proxy"

	PathSession = "/events/v1/calls/session"
)

// Call-update types.
const (
	UpdateStatus          = "status"
	UpdateMessage         = "message"
	UpdateAssistantConfig = "assistant-config"
	UpdateRecording       = "recording"
	UpdateSummary         = "summary"
)

// Call status values carried by UpdateStatus.
const (
	StatusTrying     = "trying"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// Control frame types.
const (
	TypePlayAudio  = "playAudio"
	TypeKillAudio  = "killAudio"
	TypeDisconnect = "disconnect"

	TypeStartCall = "startCall"
	TypeRegister  = "register"
	TypePlayDone  = "playDone"
)

// SourceAgent is the payload.source value of assistant messages.
const SourceAgent = "agent"

// ContentTypeWAV marks a playAudio payload that starts with a RIFF header.
const ContentTypeWAV = "wav"

// Envelope is the union of the call-update envelope ({event,type,payload})
// and the control envelope ({type,data}). Both payload shapes are kept raw so
// they can be decoded leniently.
type Envelope struct {
	Event   string          `json:"event,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsCallUpdate reports whether the envelope carries an event field.
func (e Envelope) IsCallUpdate() bool {
	return strings.TrimSpace(e.Event) != ""
}

// PlayAudioData is the data field of a playAudio frame. SampleRate arrives
// either as a number or as a numeric string.
type PlayAudioData struct {
	AudioContent     string     `json:"audioContent"`
	AudioContentType string     `json:"audioContentType"`
	SampleRate       FlexNumber `json:"sampleRate"`
}

// FlexNumber decodes a JSON number or numeric string.
type FlexNumber float64

func (n *FlexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			*n = 0
			return nil
		}
		s = str
	}
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = FlexNumber(f)
	return nil
}

// Int returns n truncated to an int.
func (n FlexNumber) Int() int { return int(n) }

type StartCall struct {
	Type        string `json:"type"`
	AssistantID string `json:"assistantId"`
}

func NewStartCall(assistantID string) StartCall {
	return StartCall{Type: TypeStartCall, AssistantID: assistantID}
}

type Register struct {
	Type    string `json:"type"`
	CallSid string `json:"callSid"`
}

func NewRegister(callSid string) Register {
	return Register{Type: TypeRegister, CallSid: callSid}
}

type PlayDoneData struct {
	PlaybackMilliseconds int64 `json:"playbackMilliseconds"`
}

type PlayDone struct {
	Type string       `json:"type"`
	Data PlayDoneData `json:"data"`
}

func NewPlayDone(ms int64) PlayDone {
	return PlayDone{Type: TypePlayDone, Data: PlayDoneData{PlaybackMilliseconds: ms}}
}

// SessionResponse is the body of GET /events/v1/calls/session.
type SessionResponse struct {
	Session *struct {
		ID string `json:"id"`
	} `json:"session"`
}

// HistoryResponse is the body of GET /events/v1/calls/{callSid}/history.
type HistoryResponse struct {
	Events []json.RawMessage `json:"events"`
}

// HistoryPath returns the history endpoint path for callSid.
func HistoryPath(callSid string) string {
	return "/events/v1/calls/" + url.PathEscape(callSid) + "/history"
}

// WebSocketURL rewrites base onto the ws(s) scheme and appends path and the
// session token.
func WebSocketURL(base, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server URL must use http(s) or ws(s), got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
