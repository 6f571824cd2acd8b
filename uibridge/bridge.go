// Package uibridge serves the browser-facing websocket endpoint: UI
// commands in, backend events out. Each connection runs its own session
// holding a backend subscription; command responses go only to the
// issuing session while broadcasts fan out to every attached session.
package uibridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kc1awv/rrc-web/uimsg"
)

// Backend is the command and event surface the bridge adapts.
// *backend.Service implements it.
type Backend interface {
	HandleCommand(ctx context.Context, cmd uimsg.Command) uimsg.Event
	Subscribe(buffer int) (<-chan uimsg.Event, func())
}

// DefaultMaxSessions caps concurrent UI connections.
const DefaultMaxSessions = 50

// Bridge upgrades HTTP requests to websocket sessions over one backend.
type Bridge struct {
	backend     Backend
	log         *slog.Logger
	maxSessions int
	origins     []string
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMaxSessions overrides the concurrent connection cap.
func WithMaxSessions(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxSessions = n
		}
	}
}

// WithAllowedOrigins adds browser origins accepted besides the loopback
// defaults and the gateway's own host. Entries follow originAllowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Bridge) {
		b.origins = append(b.origins, origins...)
	}
}

// New wires a bridge over the backend.
func New(backend Backend, opts ...Option) *Bridge {
	b := &Bridge{
		backend:     backend,
		log:         slog.Default(),
		maxSessions: DefaultMaxSessions,
		origins:     append([]string(nil), defaultOrigins...),
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, b.origins)
		},
	}
	return b
}

// Handler returns the websocket endpoint handler.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(b.serveWS)
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error, including the 403
		// for a rejected origin.
		b.log.Warn("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	s, total, ok := b.register(conn)
	if !ok {
		b.refuse(conn)
		return
	}
	b.log.Info("ui client connected", "session", s.id, "remote", r.RemoteAddr, "total", total)

	s.run()
	b.unregister(s)
}

// register creates a session if a slot is free. The capacity check and the
// map insert share the lock so concurrent upgrades cannot oversubscribe.
func (b *Bridge) register(conn *websocket.Conn) (*session, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) >= b.maxSessions {
		return nil, 0, false
	}
	s := newSession(conn, b.backend, b.log)
	b.sessions[s.id] = s
	return s, len(b.sessions), true
}

func (b *Bridge) unregister(s *session) {
	s.close()
	b.mu.Lock()
	delete(b.sessions, s.id)
	total := len(b.sessions)
	b.mu.Unlock()
	b.log.Info("ui client disconnected", "session", s.id, "total", total)
}

// refuse accepts the connection just long enough to tell the client the
// server is full. The UI shows the error instead of a bare handshake
// failure.
func (b *Bridge) refuse(conn *websocket.Conn) {
	b.log.Warn("ui connection refused: at capacity", "max", b.maxSessions)
	ev := uimsg.ErrorEvent(fmt.Sprintf("Server is at maximum capacity (%d connections)", b.maxSessions))
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(ev)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server full"),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// Sessions reports the number of attached UI sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close tears down every active session. Handlers still inside serveWS
// unwind on their own once their connections drop.
func (b *Bridge) Close() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
