package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/kc1awv/rrc-web/client"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/uimsg"
	"github.com/kc1awv/rrc-web/wire"
)

// clientHandlers wires relay client callbacks onto the event loop. The
// callbacks run on transport goroutines; posting moves the work off the
// link read path while keeping delivery order.
func (s *Service) clientHandlers() client.Handlers {
	return client.Handlers{
		OnWelcome: func(hub string) { s.post(func() { s.onWelcome(hub) }) },
		OnMessage: func(env wire.Envelope) { s.post(func() { s.onMessage(env) }) },
		OnNotice:  func(env wire.Envelope) { s.post(func() { s.onNotice(env) }) },
		OnJoined:  func(room string, env wire.Envelope) { s.post(func() { s.onJoined(room, env) }) },
		OnParted:  func(room string, env wire.Envelope) { s.post(func() { s.onParted(room, env) }) },
		OnPong:    func(env wire.Envelope) { s.post(func() { s.onPong(env) }) },
		OnError:   func(env wire.Envelope) { s.post(func() { s.onError(env) }) },
		OnWarning: func(text string) { s.post(func() { s.onWarning(text) }) },
		OnClose:   func() { s.post(func() { s.onClose() }) },
	}
}

func (s *Service) onWelcome(hubName string) {
	s.mu.Lock()
	if hubName != "" {
		s.hubName = hubName
	}
	text := "Connected to hub"
	if s.hubName != "" {
		text = "Connected to hub: " + s.hubName
	}
	ev := uimsg.Event{
		Type:      uimsg.EventNotice,
		Room:      hubRoom,
		Text:      text,
		Timestamp: s.timestamp(),
	}
	if r, ok := s.roomLocked(hubRoom); ok {
		s.appendLocked(r, ev)
	}
	s.startPingLocked()
	named := s.hubName
	s.mu.Unlock()

	if hubName != "" {
		s.log.Info("connected to hub", "name", hubName)
	}
	s.broadcast(ev)
	if named != "" {
		s.broadcast(uimsg.Event{Type: uimsg.EventHubInfo, HubName: named})
	}
}

func (s *Service) onMessage(env wire.Envelope) {
	s.warnSkew("message", env)

	roomName := env.Room
	if roomName == "" {
		roomName = hubRoom
	}
	srcHex := hex.EncodeToString(env.Source)

	// A nickname rides along on every message; a change refreshes the
	// room's user list before the message lands.
	nickChanged := false
	if env.Nick != "" && srcHex != "" {
		if nick := sanitize.DisplayName(env.Nick, maxNickLen); nick != "" {
			s.mu.Lock()
			if s.nicknames[srcHex] != nick {
				s.nicknames[srcHex] = nick
				nickChanged = true
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	r, ok := s.roomLocked(roomName)
	if !ok {
		s.mu.Unlock()
		s.log.Warn("room limit reached, ignoring message for new room", "room", roomName)
		return
	}
	if srcHex != "" {
		r.members[srcHex] = struct{}{}
	}
	ev := uimsg.Event{
		Type:           uimsg.EventMessage,
		Room:           roomName,
		User:           s.formatUserLocked(srcHex),
		Text:           env.BodyText(),
		Timestamp:      s.timestamp(),
		MessageID:      hex.EncodeToString(env.ID),
		SenderIdentity: srcHex,
	}
	s.appendLocked(r, ev)
	var users []string
	if nickChanged {
		users = s.memberNamesLocked(r)
	}
	s.mu.Unlock()

	if nickChanged {
		s.broadcast(uimsg.Event{Type: uimsg.EventUserListUpdate, Room: roomName, Users: users})
	}
	s.broadcast(ev)
}

func (s *Service) onNotice(env wire.Envelope) {
	s.warnSkew("notice", env)

	roomName := env.Room
	if roomName == "" {
		roomName = hubRoom
	}
	ev := uimsg.Event{
		Type:      uimsg.EventNotice,
		Room:      roomName,
		Text:      env.BodyText(),
		Timestamp: s.timestamp(),
	}

	s.mu.Lock()
	r, ok := s.roomLocked(roomName)
	if !ok {
		s.mu.Unlock()
		s.log.Warn("room limit reached, ignoring notice for new room", "room", roomName)
		return
	}
	s.appendLocked(r, ev)
	s.mu.Unlock()

	s.broadcast(ev)
}

// onError relays hub ERROR envelopes. They are transient: broadcast but
// never written into room history.
func (s *Service) onError(env wire.Envelope) {
	text := env.BodyText()
	if text == "" {
		text = "Unknown error"
	}
	roomName := env.Room
	if roomName == "" {
		roomName = hubRoom
	}
	s.broadcast(uimsg.Event{
		Type:      uimsg.EventError,
		Room:      roomName,
		Text:      text,
		Timestamp: s.timestamp(),
	})
}

// onJoined handles both JOINED shapes: a full member snapshot means this
// client entered the room, a single-entry list is another member arriving.
func (s *Service) onJoined(roomName string, env wire.Envelope) {
	members, rawLen := env.MemberList()

	if rawLen != 1 {
		s.mu.Lock()
		r, ok := s.roomLocked(roomName)
		if !ok {
			s.mu.Unlock()
			s.log.Error("room limit reached, cannot join room", "room", roomName)
			s.broadcast(uimsg.ErrorEvent(fmt.Sprintf(
				"Cannot join room: server room limit reached (%d)", defaults.MaxRooms)))
			return
		}
		users := make([]string, 0, len(members))
		for _, m := range members {
			mh := hex.EncodeToString(m)
			r.members[mh] = struct{}{}
			users = append(users, s.formatUserLocked(mh))
		}
		sort.Strings(users)
		ev := uimsg.Event{
			Type:      uimsg.EventSystem,
			Room:      roomName,
			Text:      "Joined room: " + roomName,
			Timestamp: s.timestamp(),
		}
		s.appendLocked(r, ev)
		s.mu.Unlock()

		s.broadcast(ev)
		s.broadcast(uimsg.Event{Type: uimsg.EventRoomJoined, Room: roomName, Users: users})
		return
	}

	s.mu.Lock()
	r, exists := s.rooms[roomName]
	if !exists {
		s.mu.Unlock()
		s.log.Warn("joined delta for unknown room", "room", roomName)
		return
	}
	if len(members) == 0 {
		s.mu.Unlock()
		return
	}
	mh := hex.EncodeToString(members[0])
	r.members[mh] = struct{}{}
	ev := uimsg.Event{
		Type:      uimsg.EventJoin,
		Room:      roomName,
		User:      s.formatUserLocked(mh),
		Timestamp: s.timestamp(),
	}
	s.appendLocked(r, ev)
	users := s.memberNamesLocked(r)
	s.mu.Unlock()

	s.broadcast(ev)
	s.broadcast(uimsg.Event{Type: uimsg.EventUserListUpdate, Room: roomName, Users: users})
}

// onParted mirrors onJoined: a non-single list means we left (history is
// kept, the room stays in the table), a single entry is a member leaving.
func (s *Service) onParted(roomName string, env wire.Envelope) {
	members, rawLen := env.MemberList()

	if rawLen != 1 {
		ev := uimsg.Event{
			Type:      uimsg.EventSystem,
			Room:      roomName,
			Text:      "Left room: " + roomName,
			Timestamp: s.timestamp(),
		}
		s.mu.Lock()
		if r, exists := s.rooms[roomName]; exists {
			s.appendLocked(r, ev)
		}
		s.mu.Unlock()

		s.broadcast(ev)
		s.broadcast(uimsg.Event{Type: uimsg.EventRoomParted, Room: roomName})
		return
	}

	s.mu.Lock()
	r, exists := s.rooms[roomName]
	if !exists {
		s.mu.Unlock()
		s.log.Warn("parted delta for unknown room", "room", roomName)
		return
	}
	if len(members) == 0 {
		s.mu.Unlock()
		return
	}
	mh := hex.EncodeToString(members[0])
	delete(r.members, mh)
	ev := uimsg.Event{
		Type:      uimsg.EventPart,
		Room:      roomName,
		User:      s.formatUserLocked(mh),
		Timestamp: s.timestamp(),
	}
	s.appendLocked(r, ev)
	users := s.memberNamesLocked(r)
	s.mu.Unlock()

	s.broadcast(ev)
	s.broadcast(uimsg.Event{Type: uimsg.EventUserListUpdate, Room: roomName, Users: users})
}

func (s *Service) onPong(_ wire.Envelope) {
	s.mu.Lock()
	last := s.lastPing
	s.lastPing = time.Time{}
	s.mu.Unlock()
	if last.IsZero() {
		return
	}
	d := time.Since(last)
	s.obs.PingLatency(d)
	s.broadcast(uimsg.Event{Type: uimsg.EventLatency, LatencyMs: uimsg.Int64(d.Milliseconds())})
}

// onWarning surfaces local client warnings, such as an outbound message
// exceeding the link packet size. Transient like errors, so no history.
func (s *Service) onWarning(text string) {
	s.broadcast(uimsg.Event{
		Type:      uimsg.EventSystem,
		Room:      hubRoom,
		Text:      text,
		Timestamp: s.timestamp(),
	})
}

func (s *Service) onClose() {
	s.mu.Lock()
	s.stopPingLocked()
	s.mu.Unlock()

	s.broadcast(uimsg.Event{
		Type:      uimsg.EventSystem,
		Room:      hubRoom,
		Text:      "Disconnected from hub",
		Timestamp: s.timestamp(),
	})
	s.broadcast(uimsg.Event{Type: uimsg.EventDisconnected})
}

// startPingLocked launches the keepalive loop for the current client.
// Callers hold mu; idempotent while a loop is running.
func (s *Service) startPingLocked() {
	if s.pingCancel != nil || s.client == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pingCancel = cancel
	done := make(chan struct{})
	s.pingDone = done
	go s.pingLoop(ctx, s.client, done)
}

// stopPingLocked cancels the keepalive loop and forgets any outstanding
// ping. Callers hold mu; the loop exits asynchronously.
func (s *Service) stopPingLocked() {
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	s.lastPing = time.Time{}
}

func (s *Service) pingLoop(ctx context.Context, cl *client.Client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		s.lastPing = time.Now()
		s.mu.Unlock()
		if _, err := cl.Ping(); err != nil {
			s.log.Warn("keepalive ping failed", "err", err)
			s.mu.Lock()
			s.lastPing = time.Time{}
			s.mu.Unlock()
			// Latency with no value tells the UI the measurement is gone.
			s.post(func() {
				s.broadcast(uimsg.Event{Type: uimsg.EventLatency})
			})
		}
	}
}

// warnSkew logs inbound envelopes whose timestamp disagrees with local
// wall clock by more than the tolerated skew. Delivery continues; the
// timestamp shown to users is local receive time anyway.
func (s *Service) warnSkew(kind string, env wire.Envelope) {
	if env.Timestamp == 0 {
		return
	}
	skew := defaults.MaxTimestampSkew.Milliseconds()
	if d := int64(env.Timestamp) - time.Now().UnixMilli(); d > skew || d < -skew {
		s.log.Warn(kind+" timestamp out of acceptable range", "ts", env.Timestamp)
	}
}
