// Package callserver is an in-process fake of the call events backend: the
// session and history HTTP endpoints plus the /calls-proxy and /events-proxy
// WebSockets. Tests script it frame by frame.
package callserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/callstream/pkg/protocol"
)

// ErrTimeout is returned by the blocking accessors.
var ErrTimeout = errors.New("callserver: timed out")

// Server is a running fake backend.
type Server struct {
	srv      *httptest.Server
	apiToken string
	upgrader websocket.Upgrader

	mu              sync.Mutex
	history         map[string][]json.RawMessage
	sessions        map[string]bool
	authHeaders     []string
	sessionFailures int
	withoutSession  bool
	rejectUpgrades  bool
	conns           []*Conn

	accepted chan *Conn
}

type Option func(*Server)

// WithAPIToken makes the HTTP endpoints require "Authorization: Bearer token".
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithHistory seeds the history endpoint for callSid with frames, in order.
func WithHistory(callSid string, frames ...string) Option {
	return func(s *Server) {
		for _, f := range frames {
			s.history[callSid] = append(s.history[callSid], json.RawMessage(f))
		}
	}
}

// New starts a fake backend. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		history:  map[string][]json.RawMessage{},
		sessions: map[string]bool{},
		accepted: make(chan *Conn, 16),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Route("/events/v1/calls", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/session", s.handleSession)
		r.Get("/{callSid}/history", s.handleHistory)
	})
	r.Get(protocol.PathCallsProxy, s.handleSocket(protocol.PathCallsProxy))
	r.Get(protocol.PathEventsProxy, s.handleSocket(protocol.PathEventsProxy))

	s.srv = httptest.NewServer(r)
	return s
}

// URL is the http:// base URL of the fake.
func (s *Server) URL() string { return s.srv.URL }

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Drop()
	}
	s.srv.Close()
}

// FailSessions makes the next n session requests answer 503.
func (s *Server) FailSessions(n int) {
	s.mu.Lock()
	s.sessionFailures = n
	s.mu.Unlock()
}

// OmitSession makes the session endpoint answer {} while set.
func (s *Server) OmitSession(v bool) {
	s.mu.Lock()
	s.withoutSession = v
	s.mu.Unlock()
}

// RejectUpgrades makes the socket endpoints answer 503 while set.
func (s *Server) RejectUpgrades(v bool) {
	s.mu.Lock()
	s.rejectUpgrades = v
	s.mu.Unlock()
}

// AuthHeaders returns the Authorization header of every HTTP request seen.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// Accept waits for the next WebSocket connection.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, auth)
		s.mu.Unlock()
		if s.apiToken != "" && auth != "Bearer "+s.apiToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.sessionFailures > 0 {
		s.sessionFailures--
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	if s.withoutSession {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	id := uuid.NewString()
	s.sessions[id] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"session": map[string]string{"id": id}})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	callSid := chi.URLParam(r, "callSid")
	s.mu.Lock()
	evs := append([]json.RawMessage{}, s.history[callSid]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.HistoryResponse{Events: evs})
}

func (s *Server) handleSocket(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		s.mu.Lock()
		known := s.sessions[token]
		reject := s.rejectUpgrades
		s.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if !known {
			http.Error(w, "unknown session", http.StatusUnauthorized)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(path, token, ws)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go c.readLoop()
		s.accepted <- c
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Conn is the server side of one client socket.
type Conn struct {
	Path  string
	Token string

	ws      *websocket.Conn
	writeMu sync.Mutex

	text   chan []byte
	binary chan []byte
	done   chan struct{}
	once   sync.Once
}

func newConn(path, token string, ws *websocket.Conn) *Conn {
	return &Conn{
		Path:   path,
		Token:  token,
		ws:     ws,
		text:   make(chan []byte, 256),
		binary: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

func (c *Conn) readLoop() {
	defer c.once.Do(func() { close(c.done) })
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			select {
			case c.text <- data:
			default:
			}
		case websocket.BinaryMessage:
			select {
			case c.binary <- data:
			default:
			}
		}
	}
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendRaw writes a frame verbatim.
func (c *Conn) SendRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// SendText writes s as a text frame.
func (c *Conn) SendText(s string) error {
	return c.SendRaw(websocket.TextMessage, []byte(s))
}

// Drop closes the socket without a close handshake, as a network failure
// would.
func (c *Conn) Drop() {
	_ = c.ws.Close()
}

// CloseNormal performs a normal-closure handshake.
func (c *Conn) CloseNormal() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Done is closed once the client side has gone away.
func (c *Conn) Done() <-chan struct{} { return c.done }

// NextText waits for the next text frame from the client.
func (c *Conn) NextText(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.text:
		return b, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// NextJSON waits for the next text frame and decodes it into a map.
func (c *Conn) NextJSON(timeout time.Duration) (map[string]any, error) {
	b, err := c.NextText(timeout)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// NextBinary waits for the next binary frame from the client.
func (c *Conn) NextBinary(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.binary:
		return b, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

