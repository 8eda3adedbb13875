// Package dispatch classifies inbound call-proxy frames into typed events.
//
// Two tiers share one transport: call-update envelopes ({event,type,payload})
// carry call lifecycle telemetry, and control frames ({type,data}) carry audio
// instructions. When a frame has an event field, the call-update tier wins.
package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/events"
	"github.com/vango-go/callstream/pkg/metrics"
	"github.com/vango-go/callstream/pkg/protocol"
)

// Variant selects the classification rules.
type Variant int

const (
	// VariantStream handles call-updates envelopes and audio control frames.
	VariantStream Variant = iota
	// VariantMonitor handles any envelope carrying an event and drops the rest.
	VariantMonitor
)

func (v Variant) String() string {
	switch v {
	case VariantStream:
		return "stream"
	case VariantMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Sink receives the outcome of a dispatched frame.
type Sink interface {
	Emit(events.Event)
	PlayAudio(data protocol.PlayAudioData)
	KillAudio()
	Disconnect()
}

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("parse inbound frame (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Dispatcher turns frames into Sink calls. It holds no per-frame state, so
// frames are classified strictly in the order Dispatch is called.
type Dispatcher struct {
	variant Variant
	sink    Sink
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source used for default message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger used for dropped-frame diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a Dispatcher for variant that reports to sink.
func New(variant Variant, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		variant: variant,
		sink:    sink,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Variant returns the rule set in use.
func (d *Dispatcher) Variant() Variant { return d.variant }

// Dispatch classifies one raw text frame. It never panics or returns an
// error: malformed input is reported as a single error event.
func (d *Dispatcher) Dispatch(frame []byte) {
	var value any
	if err := json.Unmarshal(frame, &value); err != nil || value == nil {
		if err == nil {
			err = fmt.Errorf("frame is null")
		}
		metrics.ParseErrorsTotal.Inc()
		d.sink.Emit(events.ErrorEvent{Err: &ParseError{Size: len(frame), Err: err}})
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		// Scalars and arrays carry no type; the stream tier reports them as
		// unknown.
		if d.variant == VariantMonitor {
			metrics.FramesInTotal.WithLabelValues("dropped").Inc()
			return
		}
		metrics.FramesInTotal.WithLabelValues("unknown").Inc()
		d.sink.Emit(events.UnknownEvent{Raw: cloneRaw(frame)})
		return
	}

	env := protocol.Envelope{
		Event:   rawString(fields["event"]),
		Type:    rawString(fields["type"]),
		Payload: fields["payload"],
		Data:    fields["data"],
	}
	d.route(env, frame)
}

func (d *Dispatcher) route(env protocol.Envelope, frame []byte) {
	if d.isCallUpdate(env) {
		d.handleCallUpdate(env)
		return
	}
	if d.variant == VariantMonitor {
		metrics.FramesInTotal.WithLabelValues("dropped").Inc()
		d.logger.Debug("dropping frame without event", zap.String("type", env.Type))
		return
	}
	d.handleControl(env, frame)
}

func (d *Dispatcher) isCallUpdate(env protocol.Envelope) bool {
	if d.variant == VariantMonitor {
		return env.IsCallUpdate()
	}
	return env.Event == protocol.EventCallUpdates
}

func (d *Dispatcher) handleCallUpdate(env protocol.Envelope) {
	payload := decodeObject(env.Payload)
	metrics.FramesInTotal.WithLabelValues("call-update").Inc()

	switch env.Type {
	case protocol.UpdateStatus:
		switch stringField(payload, "status") {
		case protocol.StatusTrying:
			return
		case protocol.StatusInProgress:
			d.sink.Emit(events.CallStartEvent{UserNumber: stringField(payload, "userNumber")})
		case protocol.StatusCompleted:
			d.sink.Emit(events.CallEndEvent{})
		}
	case protocol.UpdateMessage:
		speaker := events.SpeakerUser
		if stringField(payload, "source") == protocol.SourceAgent {
			speaker = events.SpeakerAssistant
		}
		raw := rawField(env.Payload, "timestamp")
		d.sink.Emit(events.MessageEvent{
			Speaker:      speaker,
			Text:         stringField(payload, "text"),
			Timestamp:    d.timestamp(raw),
			RawTimestamp: raw,
		})
	case protocol.UpdateAssistantConfig:
		d.sink.Emit(events.AssistantConfigEvent{Payload: payload, Raw: cloneRaw(env.Payload)})
	case protocol.UpdateRecording:
		link := ""
		if rec, ok := payload["recording"].(map[string]any); ok {
			link = stringField(rec, "s3Link")
		}
		d.sink.Emit(events.RecordingEvent{S3Link: link})
	case protocol.UpdateSummary:
		d.sink.Emit(events.SummaryEvent{Payload: payload, Raw: cloneRaw(env.Payload)})
	default:
		d.logger.Debug("ignoring call update", zap.String("event", env.Event), zap.String("type", env.Type))
	}
}

func (d *Dispatcher) handleControl(env protocol.Envelope, frame []byte) {
	switch env.Type {
	case protocol.TypePlayAudio:
		metrics.FramesInTotal.WithLabelValues("play-audio").Inc()
		var data protocol.PlayAudioData
		if len(env.Data) == 0 || string(env.Data) == "null" {
			d.sink.Emit(events.ErrorEvent{Err: fmt.Errorf("playAudio frame without data")})
			return
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			d.sink.Emit(events.ErrorEvent{Err: &ParseError{Size: len(frame), Err: fmt.Errorf("decode playAudio data: %w", err)}})
			return
		}
		d.sink.PlayAudio(data)
	case protocol.TypeKillAudio:
		metrics.FramesInTotal.WithLabelValues("kill-audio").Inc()
		d.sink.KillAudio()
	case protocol.TypeDisconnect:
		metrics.FramesInTotal.WithLabelValues("disconnect").Inc()
		d.sink.Disconnect()
	default:
		metrics.FramesInTotal.WithLabelValues("unknown").Inc()
		var obj map[string]any
		_ = json.Unmarshal(frame, &obj)
		d.sink.Emit(events.UnknownEvent{
			Type:   env.Type,
			Fields: obj,
			Raw:    cloneRaw(frame),
		})
	}
}

// timestampLayouts are tried in order for string timestamps. Layouts
// without a zone are read in local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// timestamp resolves payload.timestamp. Only an absent or null field falls
// back to now; numbers and numeric strings are epoch milliseconds, anything
// else unparseable yields the zero time.
func (d *Dispatcher) timestamp(raw json.RawMessage) time.Time {
	if raw == nil {
		return d.now()
	}
	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		text = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
				return t
			}
		}
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseFloat(text, 64); err == nil && !math.IsInf(ms, 0) && !math.IsNaN(ms) {
		return time.UnixMicro(int64(ms * 1000))
	}
	d.logger.Debug("unparseable message timestamp", zap.ByteString("timestamp", raw))
	return time.Time{}
}

// rawField returns obj[key] as sent, or nil when obj is not an object or the
// field is absent or null.
func rawField(obj json.RawMessage, key string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil
	}
	v, ok := fields[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil
	}
	return cloneRaw(v)
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeObject(raw json.RawMessage) map[string]any {
	obj := map[string]any{}
	if len(raw) == 0 {
		return obj
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return obj
	}
	return decoded
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
