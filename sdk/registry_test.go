package callstream

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/vango-go/callstream/pkg/events"
)

var (
	hitsA atomic.Int32
	hitsB atomic.Int32
)

func handlerA(events.Event) { hitsA.Add(1) }
func handlerB(events.Event) { hitsB.Add(1) }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(WithServerURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// Not parallel: shares the package-level hit counters.
func TestEngineOff_RemovesEveryRegistrationOfAFunc(t *testing.T) {
	e := newTestEngine(t)
	hitsA.Store(0)
	hitsB.Store(0)

	e.On(events.KindSummary, handlerA).On(events.KindSummary, handlerA).On(events.KindSummary, handlerB)
	e.emit(events.SummaryEvent{})
	if hitsA.Load() != 2 || hitsB.Load() != 1 {
		t.Fatalf("duplicate registrations: a=%d b=%d", hitsA.Load(), hitsB.Load())
	}

	e.Off(events.KindSummary, handlerA)
	if n := e.handlers.count(events.KindSummary); n != 1 {
		t.Fatalf("remaining handlers=%d, want 1", n)
	}
	e.emit(events.SummaryEvent{})
	if hitsA.Load() != 2 || hitsB.Load() != 2 {
		t.Fatalf("after Off: a=%d b=%d", hitsA.Load(), hitsB.Load())
	}
}

func TestEngineSubscribe_CancelRemovesOnlyThatRegistration(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	var calls atomic.Int32
	h := func(events.Event) { calls.Add(1) }

	cancel1, err := e.Subscribe(events.KindRecording, h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := e.Subscribe(events.KindRecording, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel1()
	cancel1()
	if n := e.handlers.count(events.KindRecording); n != 1 {
		t.Fatalf("handlers=%d, want 1", n)
	}
	e.emit(events.RecordingEvent{S3Link: "s3://bucket/key"})
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", calls.Load())
	}
}

func TestEngine_UnknownEventKindIsRejected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if got := e.On("transfer", func(events.Event) {}); got != e {
		t.Fatalf("On must return the engine for chaining")
	}
	if n := e.handlers.count("transfer"); n != 0 {
		t.Fatalf("unknown kind registered")
	}
	if _, err := e.Subscribe("transfer", func(events.Event) {}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err=%v, want ErrUnknownEvent", err)
	}
	if _, err := e.Subscribe(events.KindOpen, nil); err == nil {
		t.Fatalf("nil handler accepted")
	}
}

func TestEngine_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	var order []string
	e.On(events.KindCallEnd, func(events.Event) {
		order = append(order, "first")
		panic("boom")
	})
	e.On(events.KindCallEnd, func(events.Event) { order = append(order, "second") })

	e.emit(events.CallEndEvent{})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order=%v", order)
	}
}

func TestEngine_HandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		e.On(events.KindOpen, func(events.Event) { order = append(order, i) })
	}
	e.emit(events.OpenEvent{})
	for i, v := range order {
		if v != i {
			t.Fatalf("order=%v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("calls=%d", len(order))
	}
}

type hitCounter struct{ n atomic.Int32 }

func (c *hitCounter) handle(events.Event) { c.n.Add(1) }

func TestEngineOff_MethodValuesOnDifferentReceiversAreDistinct(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	c1, c2 := &hitCounter{}, &hitCounter{}
	h1, h2 := c1.handle, c2.handle
	e.On(events.KindRecording, h1).On(events.KindRecording, h2)

	e.Off(events.KindRecording, h1)
	e.emit(events.RecordingEvent{})
	if c1.n.Load() != 0 || c2.n.Load() != 1 {
		t.Fatalf("after Off(h1): c1=%d c2=%d", c1.n.Load(), c2.n.Load())
	}

	// A fresh evaluation of the method value is a different func value.
	e.Off(events.KindRecording, c2.handle)
	if n := e.handlers.count(events.KindRecording); n != 1 {
		t.Fatalf("remaining handlers=%d, want 1", n)
	}
	e.Off(events.KindRecording, h2)
	if n := e.handlers.count(events.KindRecording); n != 0 {
		t.Fatalf("remaining handlers=%d, want 0", n)
	}
}

func TestEngineOff_ClosuresFromOneLiteralAreDistinct(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	var hits [2]atomic.Int32
	handlers := make([]Handler, 2)
	for i := range handlers {
		i := i
		handlers[i] = func(events.Event) { hits[i].Add(1) }
		e.On(events.KindSummary, handlers[i])
	}

	e.Off(events.KindSummary, handlers[0])
	e.emit(events.SummaryEvent{})
	if hits[0].Load() != 0 || hits[1].Load() != 1 {
		t.Fatalf("after Off(handlers[0]): h0=%d h1=%d", hits[0].Load(), hits[1].Load())
	}
}
