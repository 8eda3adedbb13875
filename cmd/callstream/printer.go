package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/vango-go/callstream/pkg/events"
	"github.com/vango-go/callstream/pkg/reconnect"
	callstream "github.com/vango-go/callstream/sdk"
)

// printer writes one line per event to out.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// attach registers the printing handlers. finish is called when the session
// should end: call-end, or reconnection giving up.
func (p *printer) attach(e *callstream.Engine, finish func(error)) {
	e.On(events.KindCallStart, func(ev events.Event) {
		p.printf("Call started by %s", ev.(events.CallStartEvent).UserNumber)
	}).On(events.KindCallEnd, func(events.Event) {
		p.printf("Call ended")
		finish(nil)
	}).On(events.KindMessage, func(ev events.Event) {
		m := ev.(events.MessageEvent)
		at := m.Timestamp.Format("15:04:05")
		if m.Timestamp.IsZero() && m.RawTimestamp != nil {
			at = string(m.RawTimestamp)
		}
		p.printf("message: [%s] %s: %s", at, m.Speaker, m.Text)
	}).On(events.KindRecording, func(ev events.Event) {
		p.printf("recording link: %s", ev.(events.RecordingEvent).S3Link)
	}).On(events.KindAssistantConfig, func(ev events.Event) {
		p.printf("assistant-config: %s", ev.(events.AssistantConfigEvent).Raw)
	}).On(events.KindSummary, func(ev events.Event) {
		p.printf("summary: %s", ev.(events.SummaryEvent).Raw)
	}).On(events.KindError, func(ev events.Event) {
		p.printf("Error: %v", ev.(events.ErrorEvent).Err)
	}).On(events.KindReconnecting, func(ev events.Event) {
		r := ev.(events.ReconnectingEvent)
		p.printf("reconnecting: attempt %d/%d in %s", r.Attempt, r.MaxAttempts, r.Delay)
	}).On(events.KindReconnected, func(events.Event) {
		p.printf("reconnected")
	}).On(events.KindReconnectFailed, func(ev events.Event) {
		r := ev.(events.ReconnectFailedEvent)
		p.printf("reconnect failed after %d attempts", r.Attempts)
		finish(fmt.Errorf("%w after %d attempts", reconnect.ErrExhausted, r.Attempts))
	})
}
