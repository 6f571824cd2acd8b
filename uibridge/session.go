package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kc1awv/rrc-web/internal/ratelimit"
	"github.com/kc1awv/rrc-web/uimsg"
)

// Connection pacing. pingPeriod must stay under pongWait so the peer's
// pong lands before the read deadline expires.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps one inbound command frame. The largest legal
	// command is a send_message near the text cap; 100 KiB leaves room
	// for JSON escaping without admitting abuse.
	maxFrameBytes = 100 * 1024

	// frameLimit and frameWindow bound the inbound command rate per
	// session. Denied frames get an error event, not a close.
	frameLimit  = 20
	frameWindow = time.Second

	eventBuffer    = 64
	responseBuffer = 16
)

// session is one UI websocket connection: a read pump feeding commands to
// the backend and a write pump draining responses, broadcasts, and pings.
type session struct {
	id      string
	conn    *websocket.Conn
	backend Backend
	log     *slog.Logger

	events      <-chan uimsg.Event // backend broadcasts
	unsubscribe func()
	responses   chan uimsg.Event // replies to this session's own commands

	limiter *ratelimit.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, backend Backend, log *slog.Logger) *session {
	events, unsubscribe := backend.Subscribe(eventBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:          id,
		conn:        conn,
		backend:     backend,
		log:         log.With("session", id),
		events:      events,
		unsubscribe: unsubscribe,
		responses:   make(chan uimsg.Event, responseBuffer),
		limiter:     ratelimit.New(frameLimit, frameWindow),
		ctx:         ctx,
		cancel:      cancel,
		closing:     make(chan struct{}),
	}
}

// run blocks until the connection dies. The read pump runs on the calling
// goroutine; the write pump owns all writes.
func (s *session) run() {
	go s.writePump()
	s.readPump()
	s.close()
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("ui read failed", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}
}

// handleFrame validates one inbound frame and dispatches the command. The
// response goes back to this session only; broadcasts the command causes
// arrive through the subscription like everyone else's.
func (s *session) handleFrame(data []byte) {
	if !s.limiter.Allow("frame") {
		s.log.Warn("ui command rate limit exceeded")
		s.respond(uimsg.ErrorEvent("Rate limit exceeded. Please slow down."))
		return
	}
	var cmd uimsg.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.Warn("undecodable ui frame", "err", err)
		s.respond(uimsg.ErrorEvent(decodeError(err)))
		return
	}
	if !uimsg.KnownCommand(cmd.Type) {
		s.log.Warn("invalid ui message type", "type", cmd.Type)
		s.respond(uimsg.ErrorEvent("Invalid message type"))
		return
	}
	s.respond(s.backend.HandleCommand(s.ctx, cmd))
}

// decodeError maps a JSON decode failure to its UI error string. A type
// error with an empty field path means the top-level value was not an
// object.
func decodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field == "" {
			return "Message must be a JSON object"
		}
		if typeErr.Field == "type" {
			return "Invalid message type"
		}
	}
	return "Invalid JSON format"
}

func (s *session) respond(ev uimsg.Event) {
	select {
	case s.responses <- ev:
	case <-s.closing:
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-s.responses:
			if !s.writeJSON(ev) {
				s.close()
				return
			}
		case ev, ok := <-s.events:
			if !ok {
				// Backend shut down; tell the UI before dropping the link.
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend closed"),
					time.Now().Add(writeWait))
				s.close()
				return
			}
			if !s.writeJSON(ev) {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.closing:
			return
		}
	}
}

func (s *session) writeJSON(ev uimsg.Event) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.log.Warn("ui write failed", "err", err)
		return false
	}
	return true
}

// close is idempotent and safe from any goroutine. Cancelling the session
// context aborts a connect still in flight on the read pump.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		s.unsubscribe()
		_ = s.conn.Close()
	})
}
