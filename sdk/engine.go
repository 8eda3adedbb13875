// Package callstream is a client for the real-time call events and audio
// protocol. An Engine owns one session: it bootstraps a token over HTTP,
// keeps a WebSocket open with automatic reconnection, streams microphone
// audio upstream, plays downstream audio and publishes typed events.
package callstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/bootstrap"
	"github.com/vango-go/callstream/pkg/core/codec"
	"github.com/vango-go/callstream/pkg/dispatch"
	"github.com/vango-go/callstream/pkg/events"
	"github.com/vango-go/callstream/pkg/metrics"
	"github.com/vango-go/callstream/pkg/protocol"
	"github.com/vango-go/callstream/pkg/reconnect"
)

const (
	defaultBlockSize      = 1024
	defaultCaptureQueue   = 64
	defaultStartCallDelay = 100 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
)

// Mode selects what a session does with the transport.
type Mode int

const (
	// ModeStream dials /calls-proxy, sends startCall, streams microphone
	// audio and plays downstream audio.
	ModeStream Mode = iota
	// ModeMonitor replays call history, dials /events-proxy, registers for
	// the call and only observes events.
	ModeMonitor
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) path() string {
	if m == ModeMonitor {
		return protocol.PathEventsProxy
	}
	return protocol.PathCallsProxy
}

func (m Mode) variant() dispatch.Variant {
	if m == ModeMonitor {
		return dispatch.VariantMonitor
	}
	return dispatch.VariantStream
}

// TransportState is the lifecycle of the current WebSocket.
type TransportState int

const (
	StateIdle TransportState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session describes the engine's current session.
type Session struct {
	// ID is the server-issued token of the current connection.
	ID string
	// Target is the assistant id (stream) or call sid (monitor).
	Target string
	Mode   Mode
	State  TransportState
}

// Engine manages one call session. All methods are safe for concurrent use.
// Handlers run synchronously on the goroutine that produced the event and
// may call any Engine method, including Stop.
type Engine struct {
	id        string
	serverURL string
	apiToken  string
	mode      Mode
	policy    reconnect.Policy
	logger    *zap.Logger
	clock     clock.Clock

	boot        Bootstrapper
	httpClient  *http.Client
	bootRetries int
	bootBackoff time.Duration
	dialer      *websocket.Dialer

	mic            Microphone
	player         Player
	targetRate     int
	blockSize      int
	captureQueue   int
	startCallDelay time.Duration
	connectTimeout time.Duration

	handlers    *registry
	dispatcher  *dispatch.Dispatcher
	reconnector *reconnect.Controller

	mu      sync.Mutex
	started bool
	gen     uint64
	session Session
	conn    *transport
	capture *capture
	playing *activePlayback
}

// New builds an Engine. WithServerURL is required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		id:             uuid.NewString(),
		mode:           ModeStream,
		policy:         reconnect.DefaultPolicy(),
		logger:         zap.NewNop(),
		clock:          clock.New(),
		dialer:         websocket.DefaultDialer,
		targetRate:     codec.DefaultTargetRate,
		blockSize:      defaultBlockSize,
		captureQueue:   defaultCaptureQueue,
		startCallDelay: defaultStartCallDelay,
		connectTimeout: defaultConnectTimeout,
		handlers:       newRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.serverURL = strings.TrimRight(strings.TrimSpace(e.serverURL), "/")
	if e.serverURL == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := protocol.WebSocketURL(e.serverURL, e.mode.path(), ""); err != nil {
		return nil, err
	}
	if e.mode != ModeStream && e.mode != ModeMonitor {
		return nil, fmt.Errorf("unknown mode %d", int(e.mode))
	}
	if e.targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be > 0, got %d", e.targetRate)
	}
	if e.startCallDelay < 0 {
		e.startCallDelay = 0
	}

	e.logger = e.logger.With(zap.String("engine_id", e.id), zap.String("mode", e.mode.String()))

	if e.boot == nil {
		bc, err := bootstrap.New(e.serverURL,
			bootstrap.WithToken(e.apiToken),
			bootstrap.WithHTTPClient(e.httpClient),
			bootstrap.WithLogger(e.logger),
			bootstrap.WithRetries(e.bootRetries, e.bootBackoff),
		)
		if err != nil {
			return nil, err
		}
		e.boot = bc
	}

	e.dispatcher = dispatch.New(e.mode.variant(), engineSink{e},
		dispatch.WithClock(e.clock.Now),
		dispatch.WithLogger(e.logger),
	)

	rc, err := reconnect.New(e.policy, e.connect, e.emit,
		reconnect.WithClock(e.clock),
		reconnect.WithLogger(e.logger),
		reconnect.WithResume(e.resumeStreaming),
		reconnect.WithExhausted(e.releaseCapture),
	)
	if err != nil {
		return nil, err
	}
	e.reconnector = rc
	e.session = Session{Mode: e.mode, State: StateIdle}
	return e, nil
}

// ID identifies the engine in logs.
func (e *Engine) ID() string { return e.id }

func (e *Engine) Mode() Mode { return e.mode }

// Session returns a snapshot of the current session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) TransportState() TransportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State
}

// ReconnectState returns a snapshot of the reconnection state machine.
func (e *Engine) ReconnectState() reconnect.State {
	return e.reconnector.State()
}

// On registers h for kind and returns the engine for chaining. Unknown kinds
// are logged and ignored.
func (e *Engine) On(kind events.Kind, h Handler) *Engine {
	if !kind.Valid() {
		e.logger.Warn("unknown event", zap.String("event", string(kind)))
		return e
	}
	if h == nil {
		return e
	}
	e.handlers.add(kind, h)
	return e
}

// Off removes every registration of h for kind. h must be the same func
// value passed to On: a method value or closure evaluated again is a new
// value and matches nothing. Use Subscribe to remove one registration.
func (e *Engine) Off(kind events.Kind, h Handler) *Engine {
	if !kind.Valid() {
		e.logger.Warn("unknown event", zap.String("event", string(kind)))
		return e
	}
	if e.handlers.removeFunc(kind, h) == 0 {
		e.logger.Debug("off matched no handler", zap.String("event", string(kind)))
	}
	return e
}

// Subscribe registers h for kind and returns a func removing exactly this
// registration.
func (e *Engine) Subscribe(kind events.Kind, h Handler) (func(), error) {
	if !kind.Valid() {
		return func() {}, fmt.Errorf("%w: %q", ErrUnknownEvent, string(kind))
	}
	if h == nil {
		return func() {}, errors.New("callstream: handler must not be nil")
	}
	id := e.handlers.add(kind, h)
	var once sync.Once
	return func() {
		once.Do(func() { e.handlers.removeID(kind, id) })
	}, nil
}

func (e *Engine) emit(ev events.Event) {
	if ev == nil {
		return
	}
	for _, s := range e.handlers.snapshot(ev.Kind()) {
		e.invoke(s, ev)
	}
}

func (e *Engine) invoke(s *subscription, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.Inc()
			e.logger.Error("event handler panicked",
				zap.String("event", string(ev.Kind())),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}

func (e *Engine) emitError(err error) error {
	e.emit(events.ErrorEvent{Err: err})
	return err
}

// Start stops any previous session and starts a new one for target: an
// assistant id in stream mode, a call sid in monitor mode. Failures are
// emitted as error events and returned; everything acquired before the
// failure is released.
func (e *Engine) Start(ctx context.Context, target string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return e.emitError(errors.New("callstream: target id is required"))
	}

	e.Stop()

	e.mu.Lock()
	e.started = true
	e.gen++
	gen := e.gen
	e.session = Session{Target: target, Mode: e.mode, State: StateIdle}
	e.mu.Unlock()

	e.logger.Info("starting session", zap.String("target", target))

	if e.mode == ModeMonitor {
		e.replayHistory(ctx, target)
	}
	if err := e.connect(ctx); err != nil {
		return e.failStart(gen, err)
	}
	if e.mode == ModeStream {
		if err := e.startStreaming(ctx, gen); err != nil {
			return e.failStart(gen, err)
		}
	}
	return nil
}

func (e *Engine) failStart(gen uint64, err error) error {
	e.logger.Warn("session start failed", zap.Error(err))
	e.mu.Lock()
	current := e.started && e.gen == gen
	e.mu.Unlock()
	if current {
		e.shutdown(false)
	}
	return e.emitError(err)
}

// replayHistory dispatches the recorded events of callSid, oldest first,
// before the live subscription starts. A failed fetch replays nothing.
func (e *Engine) replayHistory(ctx context.Context, callSid string) {
	history := e.boot.History(ctx, callSid)
	e.logger.Debug("replaying call history", zap.Int("events", len(history)))
	for _, frame := range history {
		e.dispatcher.Dispatch(frame)
	}
}

// Stop ends the session. It cancels pending reconnects, closes the
// transport, releases the capture device, stops playback and emits close
// (when a transport was open) and streamEnd (stream mode). Stop is
// idempotent.
func (e *Engine) Stop() {
	e.shutdown(true)
}

func (e *Engine) shutdown(announce bool) {
	e.reconnector.Clear()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.gen++
	t := e.conn
	e.conn = nil
	c := e.capture
	e.capture = nil
	p := e.playing
	e.playing = nil
	e.session.State = StateClosing
	e.mu.Unlock()

	if t != nil {
		t.close(closeQuiet)
	}
	if c != nil {
		c.stop()
	}
	if p != nil {
		p.pb.Stop()
		metrics.PlaybackActive.Set(0)
	}

	e.mu.Lock()
	e.session = Session{Mode: e.mode, State: StateClosed}
	e.mu.Unlock()
	e.logger.Info("session stopped")

	if p != nil {
		e.emit(events.AudioEndEvent{Timestamp: e.clock.Now()})
	}
	if t != nil {
		e.emit(events.CloseEvent{Code: websocket.CloseNormalClosure, Reason: "client stop"})
	}
	if announce && e.mode == ModeStream {
		e.emit(events.StreamEndEvent{Timestamp: e.clock.Now()})
	}
}

// ManualReconnect re-arms reconnection, resets the attempt counter and
// starts reconnecting even when the policy disables automatic reconnects.
func (e *Engine) ManualReconnect(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	e.logger.Info("manual reconnect requested")
	e.reconnector.Manual()
	return nil
}

// connect resolves a session token, dials and installs the transport. It is
// the connect func of the reconnect controller as well.
func (e *Engine) connect(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	gen := e.gen
	target := e.session.Target
	prev := e.conn
	e.conn = nil
	e.session.State = StateConnecting
	e.mu.Unlock()

	if prev != nil {
		prev.close(closeQuiet)
	}

	if _, ok := ctx.Deadline(); !ok && e.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.connectTimeout)
		defer cancel()
	}

	id, err := e.boot.FetchSession(ctx)
	if err != nil {
		e.setState(gen, StateClosed)
		return fmt.Errorf("fetch session: %w", err)
	}
	wsURL, err := protocol.WebSocketURL(e.serverURL, e.mode.path(), id)
	if err != nil {
		e.setState(gen, StateClosed)
		return err
	}

	ws, resp, err := e.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		e.setState(gen, StateClosed)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return dialError(wsURL, status, err)
	}
	t := newTransport(ws, displayURL(wsURL))

	e.mu.Lock()
	if !e.started || e.gen != gen {
		e.mu.Unlock()
		t.close(closeQuiet)
		return ErrNotStarted
	}
	e.conn = t
	e.session.ID = id
	e.session.State = StateOpen
	e.mu.Unlock()
	metrics.ActiveSessions.Inc()

	e.reconnector.Arm()
	e.reconnector.ResetAttempts()
	e.logger.Info("transport open", zap.String("url", t.url))
	e.emit(events.OpenEvent{URL: t.url})

	switch e.mode {
	case ModeMonitor:
		if err := t.writeJSON(protocol.NewRegister(target)); err != nil {
			e.logger.Warn("send register failed", zap.Error(err))
		}
	case ModeStream:
		e.clock.AfterFunc(e.startCallDelay, func() { e.sendStartCall(t, target) })
	}

	go e.readLoop(t)
	return nil
}

func (e *Engine) sendStartCall(t *transport, assistantID string) {
	if e.currentTransport() != t {
		return
	}
	if err := t.writeJSON(protocol.NewStartCall(assistantID)); err != nil {
		e.logger.Warn("send startCall failed", zap.Error(err))
	}
}

func (e *Engine) setState(gen uint64, s TransportState) {
	e.mu.Lock()
	if e.gen == gen && e.started {
		e.session.State = s
	}
	e.mu.Unlock()
}

func (e *Engine) currentTransport() *transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// readLoop processes inbound frames strictly in arrival order.
func (e *Engine) readLoop(t *transport) {
	defer close(t.done)
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			e.transportClosed(t, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			e.dispatcher.Dispatch(data)
		case websocket.BinaryMessage:
			metrics.FramesInTotal.WithLabelValues("binary").Inc()
			e.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
		}
	}
}

func (e *Engine) transportClosed(t *transport, err error) {
	metrics.ActiveSessions.Dec()

	e.mu.Lock()
	current := e.conn == t
	if current {
		e.conn = nil
		e.session.State = StateClosed
	}
	e.mu.Unlock()

	kind := t.closeReason()
	if kind == closeQuiet {
		return
	}
	code, reason := closeDetails(err)
	if kind == closeDeliberate {
		code, reason = websocket.CloseNormalClosure, "server requested disconnect"
	}
	e.logger.Info("transport closed", zap.Int("code", code), zap.String("reason", reason))
	e.emit(events.CloseEvent{Code: code, Reason: reason})

	if current && kind == closeNone && code != websocket.CloseNormalClosure {
		e.reconnector.HandleDisconnect()
	}
}

// startStreaming acquires the microphone and starts the capture pump.
func (e *Engine) startStreaming(ctx context.Context, gen uint64) error {
	if e.mic == nil {
		return errors.New("callstream: no microphone configured")
	}
	src, err := e.mic.Open(ctx)
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	c, err := startCapture(src, e.targetRate, e.blockSize, e.captureQueue, e.sendAudio, e.captureFailed)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("start capture: %w", err)
	}

	e.mu.Lock()
	if !e.started || e.gen != gen {
		e.mu.Unlock()
		c.stop()
		return ErrNotStarted
	}
	e.capture = c
	e.mu.Unlock()

	e.logger.Info("capture started", zap.Int("source_rate", src.SampleRate()), zap.Int("target_rate", e.targetRate))
	e.emit(events.StreamStartEvent{Timestamp: e.clock.Now()})
	return nil
}

// sendAudio is the downsampler output: one binary frame per block, only
// while the transport is open.
func (e *Engine) sendAudio(frame []int16) {
	t := e.currentTransport()
	if t == nil {
		return
	}
	if err := t.writeBinary(codec.PCM16ToBytes(frame)); err != nil {
		e.logger.Debug("send audio frame failed", zap.Error(err))
		return
	}
	metrics.AudioFramesOutTotal.Inc()
}

func (e *Engine) captureFailed(c *capture, err error) {
	e.mu.Lock()
	if e.capture == c {
		e.capture = nil
	}
	e.mu.Unlock()
	c.stop()
	e.emitError(fmt.Errorf("capture device: %w", err))
}

// resumeStreaming runs after a successful reconnect. The capture pump
// survives reconnects, so resuming only re-announces the stream.
func (e *Engine) resumeStreaming() {
	e.mu.Lock()
	capturing := e.capture != nil
	e.mu.Unlock()
	if capturing {
		e.emit(events.StreamStartEvent{Timestamp: e.clock.Now()})
	}
}

// releaseCapture runs once reconnection is exhausted.
func (e *Engine) releaseCapture() {
	e.mu.Lock()
	c := e.capture
	e.capture = nil
	e.mu.Unlock()
	if c != nil {
		c.stop()
		e.logger.Info("capture released after reconnect exhaustion")
	}
}

// engineSink routes dispatcher outcomes back into the engine.
type engineSink struct{ e *Engine }

func (s engineSink) Emit(ev events.Event) { s.e.emit(ev) }

func (s engineSink) PlayAudio(data protocol.PlayAudioData) {
	_ = s.e.PlayAudio(context.Background(), data.AudioContent, data.AudioContentType, data.SampleRate.Int())
}

func (s engineSink) KillAudio() { s.e.StopPlayback() }

func (s engineSink) Disconnect() {
	if t := s.e.currentTransport(); t != nil {
		s.e.logger.Info("server requested disconnect")
		t.close(closeDeliberate)
	}
}
