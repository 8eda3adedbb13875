// Package events defines the typed application events emitted by a call
// session. Every event kind has exactly one payload struct.
package events

import (
	"encoding/json"
	"time"
)

// Kind names an application event.
type Kind string

const (
	KindOpen            Kind = "open"
	KindClose           Kind = "close"
	KindError           Kind = "error"
	KindMessage         Kind = "message"
	KindCallStart       Kind = "call-start"
	KindCallEnd         Kind = "call-end"
	KindRecording       Kind = "recording"
	KindAssistantConfig Kind = "assistant-config"
	KindSummary         Kind = "summary"
	KindStreamStart     Kind = "streamStart"
	KindStreamEnd       Kind = "streamEnd"
	KindAudioPlay       Kind = "audioPlay"
	KindAudioEnd        Kind = "audioEnd"
	KindReconnecting    Kind = "reconnecting"
	KindReconnected     Kind = "reconnected"
	KindReconnectError  Kind = "reconnectError"
	KindReconnectFailed Kind = "reconnectFailed"
	KindUnknown         Kind = "unknown"
)

var kinds = []Kind{
	KindOpen,
	KindClose,
	KindError,
	KindMessage,
	KindCallStart,
	KindCallEnd,
	KindRecording,
	KindAssistantConfig,
	KindSummary,
	KindStreamStart,
	KindStreamEnd,
	KindAudioPlay,
	KindAudioEnd,
	KindReconnecting,
	KindReconnected,
	KindReconnectError,
	KindReconnectFailed,
	KindUnknown,
}

// Kinds returns every known event kind in declaration order.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is implemented by every payload struct in this package.
type Event interface {
	Kind() Kind
}

// Speaker labels for MessageEvent.
const (
	SpeakerAssistant = "Assistant"
	SpeakerUser      = "User"
)

// OpenEvent fires when the transport handshake completes.
type OpenEvent struct {
	URL string
}

func (OpenEvent) Kind() Kind { return KindOpen }

// CloseEvent fires when the transport closes, for any reason.
type CloseEvent struct {
	Code   int
	Reason string
}

func (CloseEvent) Kind() Kind { return KindClose }

// ErrorEvent carries a non-fatal or operation error.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) Kind() Kind { return KindError }

func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e ErrorEvent) Unwrap() error { return e.Err }

// MessageEvent is one transcript line. Timestamp is the server's
// payload.timestamp when it parses, and the receive time when the field is
// absent or null. RawTimestamp holds the field exactly as sent; when it does
// not parse as a time, Timestamp is zero.
type MessageEvent struct {
	Speaker      string
	Text         string
	Timestamp    time.Time
	RawTimestamp json.RawMessage
}

func (MessageEvent) Kind() Kind { return KindMessage }

type CallStartEvent struct {
	UserNumber string
}

func (CallStartEvent) Kind() Kind { return KindCallStart }

type CallEndEvent struct{}

func (CallEndEvent) Kind() Kind { return KindCallEnd }

type RecordingEvent struct {
	S3Link string
}

func (RecordingEvent) Kind() Kind { return KindRecording }

// AssistantConfigEvent carries the full call-update payload.
type AssistantConfigEvent struct {
	Payload map[string]any
	Raw     json.RawMessage
}

func (AssistantConfigEvent) Kind() Kind { return KindAssistantConfig }

// SummaryEvent carries the full call-update payload.
type SummaryEvent struct {
	Payload map[string]any
	Raw     json.RawMessage
}

func (SummaryEvent) Kind() Kind { return KindSummary }

type StreamStartEvent struct {
	Timestamp time.Time
}

func (StreamStartEvent) Kind() Kind { return KindStreamStart }

type StreamEndEvent struct {
	Timestamp time.Time
}

func (StreamEndEvent) Kind() Kind { return KindStreamEnd }

type AudioPlayEvent struct {
	Timestamp time.Time
}

func (AudioPlayEvent) Kind() Kind { return KindAudioPlay }

// AudioEndEvent is emitted when a playback buffer stops. A buffer that
// played to completion carries PlaybackMilliseconds; a forced stop carries
// only Timestamp.
type AudioEndEvent struct {
	Timestamp            time.Time
	PlaybackMilliseconds *int64
}

func (AudioEndEvent) Kind() Kind { return KindAudioEnd }

// Completed reports whether the buffer played to its natural end.
func (e AudioEndEvent) Completed() bool { return e.PlaybackMilliseconds != nil }

type ReconnectingEvent struct {
	Attempt     int
	Delay       time.Duration
	MaxAttempts int
}

func (ReconnectingEvent) Kind() Kind { return KindReconnecting }

type ReconnectedEvent struct {
	Timestamp time.Time
}

func (ReconnectedEvent) Kind() Kind { return KindReconnected }

type ReconnectErrorEvent struct {
	Err     error
	Attempt int
}

func (ReconnectErrorEvent) Kind() Kind { return KindReconnectError }

type ReconnectFailedEvent struct {
	Attempts int
	Message  string
}

func (ReconnectFailedEvent) Kind() Kind { return KindReconnectFailed }

// UnknownEvent carries a control frame whose type is not recognised.
type UnknownEvent struct {
	Type   string
	Fields map[string]any
	Raw    json.RawMessage
}

func (UnknownEvent) Kind() Kind { return KindUnknown }
