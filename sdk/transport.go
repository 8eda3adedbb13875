package callstream

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type closeKind int32

const (
	closeNone closeKind = iota
	// closeQuiet is a client-side close that emits no close event (stop,
	// replacement by a new connection, aborted start).
	closeQuiet
	// closeDeliberate is a server-requested disconnect: the close event is
	// emitted but no reconnect is scheduled.
	closeDeliberate
)

// transport is one WebSocket connection. Writes are serialised by writeMu;
// reads happen only on the engine's read loop.
type transport struct {
	ws  *websocket.Conn
	url string

	writeMu   sync.Mutex
	closeOnce sync.Once
	kind      atomic.Int32
	done      chan struct{}
}

func newTransport(ws *websocket.Conn, displayURL string) *transport {
	return &transport{ws: ws, url: displayURL, done: make(chan struct{})}
}

func (t *transport) writeJSON(v any) error {
	if t.closed() {
		return errors.New("transport is closed")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ws.WriteJSON(v)
}

func (t *transport) writeBinary(b []byte) error {
	if t.closed() {
		return errors.New("transport is closed")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (t *transport) closed() bool { return closeKind(t.kind.Load()) != closeNone }

func (t *transport) closeReason() closeKind { return closeKind(t.kind.Load()) }

// close sends a normal-closure frame and tears the socket down. It does not
// wait for the read loop, so it is safe to call from an event handler.
func (t *transport) close(kind closeKind) {
	t.closeOnce.Do(func() {
		t.kind.Store(int32(kind))
		t.writeMu.Lock()
		_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = t.ws.Close()
	})
}

// closeDetails maps a read-loop error to a close code and reason.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// displayURL strips the session token so URLs can be logged and emitted.
func displayURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func dialError(wsURL string, status int, err error) error {
	if status != 0 {
		return &TransportError{Op: "GET", URL: displayURL(wsURL), Err: fmt.Errorf("websocket dial failed (status %d): %w", status, err)}
	}
	return &TransportError{Op: "GET", URL: displayURL(wsURL), Err: err}
}
