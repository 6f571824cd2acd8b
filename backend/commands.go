package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kc1awv/rrc-web/client"
	"github.com/kc1awv/rrc-web/config"
	"github.com/kc1awv/rrc-web/discovery"
	"github.com/kc1awv/rrc-web/identity"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/rrcerrors"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/uimsg"
)

// Parameter caps for the connect command.
const (
	maxIdentityPathLen = 1024
	maxDestNameLen     = 256
	maxHubHashLen      = 128
	hubHashHexLen      = 32
	maxRoomNameLen     = 64
)

// User-facing command errors. The rate-limit strings double as the
// rate-limited marker for command metrics.
const (
	errNotConnected = "Not connected to hub"
	errInvalidRoom  = "Invalid room name"
	errTooManyJoins = "Too many join requests. Please wait a moment."
	errTooManyParts = "Too many part requests. Please wait a moment."
)

// HandleCommand executes one UI command and returns its response event.
// It runs on the caller's goroutine; broadcasts the command triggers flow
// through the event loop like everything else.
func (s *Service) HandleCommand(ctx context.Context, cmd uimsg.Command) uimsg.Event {
	var ev uimsg.Event
	switch cmd.Type {
	case uimsg.CmdConnect:
		ev = s.handleConnect(ctx, cmd)
	case uimsg.CmdDisconnect:
		ev = s.handleDisconnect()
	case uimsg.CmdJoinRoom:
		ev = s.handleJoin(cmd.Room)
	case uimsg.CmdPartRoom:
		ev = s.handlePart(cmd.Room)
	case uimsg.CmdSendMessage:
		ev = s.handleSendMessage(cmd)
	case uimsg.CmdSendCommand:
		ev = s.handleSendCommand(cmd)
	case uimsg.CmdSetNickname:
		ev = s.handleSetNickname(cmd.Nickname)
	case uimsg.CmdSetActiveRoom:
		ev = s.handleSetActiveRoom(cmd.Room)
	case uimsg.CmdGetState:
		ev = s.handleGetState()
	case uimsg.CmdGetDiscoveredHubs:
		ev = s.handleGetDiscoveredHubs()
	default:
		s.log.Warn("unknown command type", "type", cmd.Type)
		ev = uimsg.ErrorEvent(fmt.Sprintf("Unknown message type: %s", cmd.Type))
	}
	s.obs.Command(cmd.Type, commandResult(ev))
	return ev
}

func commandResult(ev uimsg.Event) observability.CommandResult {
	if ev.Type != uimsg.EventError {
		return observability.CommandResultOK
	}
	if ev.Error == errTooManyJoins || ev.Error == errTooManyParts {
		return observability.CommandResultRateLimited
	}
	return observability.CommandResultError
}

func (s *Service) handleConnect(ctx context.Context, cmd uimsg.Command) uimsg.Event {
	cfg := s.store.Get()

	identityPath := cmd.IdentityPath
	if identityPath == "" {
		identityPath = cfg.IdentityPath
	}
	if len(identityPath) > maxIdentityPathLen {
		return uimsg.ErrorEvent("Invalid identity_path parameter")
	}

	destName := cmd.DestName
	if destName == "" {
		destName = cfg.DestName
	}
	if len(destName) > maxDestNameLen {
		return uimsg.ErrorEvent("Invalid dest_name parameter")
	}

	hubHash := cmd.HubHash
	if hubHash == "" {
		hubHash = cfg.HubHash
	}
	if len(hubHash) > maxHubHashLen {
		return uimsg.ErrorEvent("Invalid hub_hash parameter")
	}

	nickname := cmd.Nickname
	if nickname == "" {
		nickname = cfg.Nickname
	}
	if len(nickname) > maxNickLen {
		return uimsg.ErrorEvent("Invalid nickname parameter")
	}

	s.mu.Lock()
	if s.client != nil && s.client.Connected() {
		s.mu.Unlock()
		return uimsg.ErrorEvent("Already connected to a hub")
	}
	stale := s.client
	s.client = nil
	s.mu.Unlock()
	if stale != nil {
		// A previous attempt that never reached WELCOME, or a session
		// whose link died without the UI disconnecting.
		_ = stale.Close()
	}

	if err := s.store.Update(func(c *config.Config) {
		c.IdentityPath = identityPath
		c.DestName = destName
		c.HubHash = hubHash
		c.Nickname = nickname
	}); err != nil {
		s.log.Warn("cannot persist connection settings", "err", err)
	}

	hashBytes, errText := parseHubHash(hubHash)
	if errText != "" {
		return uimsg.ErrorEvent(errText)
	}

	id, err := identity.LoadOrCreate(s.tr, config.ExpandHome(identityPath), s.log)
	if err != nil {
		s.log.Error("identity load failed", "path", identityPath, "err", err)
		return uimsg.ErrorEvent(fmt.Sprintf("Failed to load identity: %v", err))
	}

	opts := []client.Option{
		client.WithDestName(destName),
		client.WithLogger(s.log),
		client.WithObserver(s.clientObs),
	}
	if nickname != "" {
		opts = append(opts, client.WithNickname(nickname))
	}
	opts = append(opts, s.clientOpts...)

	cl, err := client.New(id, s.tr, opts...)
	if err != nil {
		return uimsg.ErrorEvent(fmt.Sprintf("Invalid connection parameters: %v", err))
	}
	cl.SetHandlers(s.clientHandlers())

	// Install before Connect so events arriving during the handshake find
	// the client in place.
	s.mu.Lock()
	s.client = cl
	s.identity = id
	s.mu.Unlock()

	if err := cl.Connect(ctx, hashBytes); err != nil {
		s.mu.Lock()
		if s.client == cl {
			s.client = nil
		}
		s.mu.Unlock()
		_ = cl.Close()
		return uimsg.ErrorEvent(humanizeConnectError(err))
	}

	if cfg.AutoJoinRoom != "" {
		if err := cl.Join(cfg.AutoJoinRoom); err != nil {
			s.log.Warn("auto-join failed", "room", cfg.AutoJoinRoom, "err", err)
		}
	}

	return uimsg.Event{
		Type:         uimsg.EventConnected,
		IdentityHash: hex.EncodeToString(id.Hash()),
		Nickname:     nickname,
	}
}

// parseHubHash validates a user-supplied hub hash and decodes it. The
// second return is a user-facing error message, empty on success.
func parseHubHash(raw string) ([]byte, string) {
	if raw == "" {
		return nil, "Invalid hub hash: must be a non-empty string"
	}
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ToLower(cleaned)
	for _, c := range cleaned {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return nil, "Hub hash must contain only hexadecimal characters"
		}
	}
	if len(cleaned) != hubHashHexLen {
		return nil, fmt.Sprintf("Hub hash must be exactly %d hexadecimal characters (got %d)",
			hubHashHexLen, len(cleaned))
	}
	b, _ := hex.DecodeString(cleaned)
	return b, ""
}

func humanizeConnectError(err error) string {
	code := rrcerrors.CodeOf(err)
	switch {
	case code == rrcerrors.CodeTimeout:
		return fmt.Sprintf("Connection timeout: %v. Ensure the hub is online and reachable.", err)
	case rrcerrors.KindOf(code) == rrcerrors.KindValidation:
		return fmt.Sprintf("Invalid connection parameters: %v", err)
	case code == rrcerrors.CodeTransport:
		return fmt.Sprintf("Network error: %v. Check your network connectivity.", err)
	default:
		return fmt.Sprintf("Connection failed: %v. Check your mesh configuration and network connectivity.", err)
	}
}

func (s *Service) handleDisconnect() uimsg.Event {
	s.mu.Lock()
	cl := s.client
	s.client = nil
	s.hubName = ""
	s.activeRoom = hubRoom
	s.rooms = map[string]*room{hubRoom: newRoom()}
	s.stopPingLocked()
	s.mu.Unlock()
	s.obs.Rooms(1)

	if cl != nil {
		if err := cl.Close(); err != nil {
			s.log.Warn("client close failed", "err", err)
			return uimsg.ErrorEvent(fmt.Sprintf("Disconnect error: %v", err))
		}
	}
	return uimsg.Event{Type: uimsg.EventDisconnected}
}

func (s *Service) handleJoin(roomName string) uimsg.Event {
	if len(roomName) > maxRoomNameLen {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	cl := s.currentClient()
	if cl == nil {
		return uimsg.ErrorEvent(errNotConnected)
	}
	normalized := sanitize.NormalizeRoom(roomName)
	if normalized == "" {
		return uimsg.ErrorEvent(errInvalidRoom)
	}

	s.mu.Lock()
	allowed := s.limiter.Allow("join:" + normalized)
	s.mu.Unlock()
	if !allowed {
		return uimsg.ErrorEvent(errTooManyJoins)
	}

	if err := cl.Join(normalized); err != nil {
		return uimsg.ErrorEvent(roomOpError(err))
	}
	return uimsg.Event{Type: uimsg.EventJoinRequested, Room: roomName}
}

func (s *Service) handlePart(roomName string) uimsg.Event {
	if len(roomName) > maxRoomNameLen {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	cl := s.currentClient()
	if cl == nil {
		return uimsg.ErrorEvent(errNotConnected)
	}
	normalized := sanitize.NormalizeRoom(roomName)
	if normalized == "" {
		return uimsg.ErrorEvent(errInvalidRoom)
	}

	s.mu.Lock()
	allowed := s.limiter.Allow("part:" + normalized)
	s.mu.Unlock()
	if !allowed {
		return uimsg.ErrorEvent(errTooManyParts)
	}

	if err := cl.Part(normalized); err != nil {
		return uimsg.ErrorEvent(roomOpError(err))
	}
	return uimsg.Event{Type: uimsg.EventPartRequested, Room: roomName}
}

func roomOpError(err error) string {
	if rrcerrors.KindOf(rrcerrors.CodeOf(err)) == rrcerrors.KindValidation {
		return fmt.Sprintf("Invalid room name: %v", err)
	}
	return err.Error()
}

func (s *Service) handleSendMessage(cmd uimsg.Command) uimsg.Event {
	if len(cmd.Room) > maxRoomNameLen {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	if len(cmd.Text) > sanitize.MaxMessageText {
		return uimsg.ErrorEvent("Invalid message text")
	}
	cl := s.currentClient()
	if cl == nil {
		return uimsg.ErrorEvent(errNotConnected)
	}
	normalized := sanitize.NormalizeRoom(cmd.Room)
	if normalized == "" {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	text := sanitize.Text(cmd.Text, sanitize.MaxMessageText)
	if text == "" {
		return uimsg.ErrorEvent("Invalid message text")
	}

	if strings.HasPrefix(text, "/") {
		return s.handleSlash(cl, normalized, text)
	}

	msgID, err := cl.Msg(normalized, text)
	if err != nil {
		return uimsg.ErrorEvent(sendError("message", err))
	}
	return uimsg.Event{Type: uimsg.EventMessageSent, MessageID: hex.EncodeToString(msgID)}
}

// handleSlash runs a client-side slash command. room is the normalized
// current room; unrecognized commands go out literally as chat.
func (s *Service) handleSlash(cl *client.Client, room, text string) uimsg.Event {
	word, arg := text, ""
	if i := strings.IndexAny(text, " \t\n\r"); i >= 0 {
		word, arg = text[:i], strings.TrimSpace(text[i:])
	}
	word = strings.ToLower(word)

	switch {
	case word == "/join" && arg != "":
		return s.handleJoin(arg)
	case word == "/part":
		target := room
		if arg != "" {
			target = arg
		}
		return s.handlePart(target)
	case word == "/ping":
		if _, err := cl.Ping(); err != nil {
			return uimsg.ErrorEvent(err.Error())
		}
		return uimsg.Event{Type: uimsg.EventCommandExecuted, Command: "ping"}
	default:
		if _, err := cl.Msg(room, text); err != nil {
			return uimsg.ErrorEvent(sendError("message", err))
		}
		return uimsg.Event{Type: uimsg.EventMessageSent}
	}
}

func (s *Service) handleSendCommand(cmd uimsg.Command) uimsg.Event {
	roomName := cmd.Room
	if roomName == "" {
		roomName = hubRoom
	}
	if len(cmd.Command) > sanitize.MaxMessageText {
		return uimsg.ErrorEvent("Invalid command")
	}
	if len(roomName) > maxRoomNameLen {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	cl := s.currentClient()
	if cl == nil {
		return uimsg.ErrorEvent(errNotConnected)
	}
	normalized := sanitize.NormalizeRoom(roomName)
	if normalized == "" {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	command := sanitize.Text(cmd.Command, sanitize.MaxMessageText)
	if command == "" {
		return uimsg.ErrorEvent("Invalid command")
	}

	if _, err := cl.Msg(normalized, command); err != nil {
		return uimsg.ErrorEvent(sendError("command", err))
	}
	return uimsg.Event{Type: uimsg.EventCommandSent}
}

func sendError(what string, err error) string {
	if rrcerrors.KindOf(rrcerrors.CodeOf(err)) == rrcerrors.KindValidation {
		return fmt.Sprintf("Invalid %s: %v", what, err)
	}
	return err.Error()
}

func (s *Service) handleSetNickname(nickname string) uimsg.Event {
	if len(nickname) > maxNickLen {
		return uimsg.ErrorEvent("Invalid nickname (max 32 characters)")
	}
	cl := s.currentClient()
	if cl == nil {
		return uimsg.ErrorEvent(errNotConnected)
	}
	if err := cl.SetNickname(nickname); err != nil {
		return uimsg.ErrorEvent(err.Error())
	}
	if err := s.store.Update(func(c *config.Config) {
		c.Nickname = nickname
	}); err != nil {
		s.log.Warn("cannot persist nickname", "err", err)
	}
	return uimsg.Event{Type: uimsg.EventNicknameSet, Nickname: nickname}
}

func (s *Service) handleSetActiveRoom(roomName string) uimsg.Event {
	if len(roomName) > maxRoomNameLen {
		return uimsg.ErrorEvent(errInvalidRoom)
	}
	if roomName == "" {
		return uimsg.ErrorEvent("Invalid room")
	}
	s.mu.Lock()
	s.activeRoom = roomName
	s.mu.Unlock()
	return uimsg.Event{Type: uimsg.EventActiveRoomChanged, Room: roomName}
}

func (s *Service) handleGetState() uimsg.Event {
	cfg := s.store.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	cl := s.client
	connected := cl != nil && cl.Connected()
	nickname := ""
	if cl != nil {
		nickname = cl.Nickname()
	}
	identityHash := ""
	if s.identity != nil {
		identityHash = hex.EncodeToString(s.identity.Hash())
	}

	rooms := make(map[string]uimsg.RoomState, len(s.rooms))
	for name, r := range s.rooms {
		msgs := r.messages
		if len(msgs) > defaults.StateMessages {
			msgs = msgs[len(msgs)-defaults.StateMessages:]
		}
		st := uimsg.RoomState{
			Messages: append([]uimsg.Event(nil), msgs...),
			Users:    make([]string, 0, len(r.members)),
		}
		for srcHex := range r.members {
			st.Users = append(st.Users, srcHex)
		}
		sort.Strings(st.Users)
		rooms[name] = st
	}

	return uimsg.Event{
		Type:         uimsg.EventState,
		Connected:    uimsg.Bool(connected),
		HubName:      s.hubName,
		Nickname:     nickname,
		IdentityHash: identityHash,
		ActiveRoom:   s.activeRoom,
		Config: &uimsg.ConfigInfo{
			DestName:     cfg.DestName,
			HubHash:      cfg.HubHash,
			Nickname:     cfg.Nickname,
			IdentityPath: cfg.IdentityPath,
		},
		Rooms: rooms,
	}
}

func (s *Service) handleGetDiscoveredHubs() uimsg.Event {
	s.mu.Lock()
	removed := s.catalog.CleanupStale(time.Now(), defaults.HubStaleAfter)
	var snapshot *discovery.Catalog
	if removed > 0 {
		snapshot = s.catalog.Clone()
	}
	hubs := s.catalog.Snapshot()
	n := s.catalog.Len()
	s.mu.Unlock()

	if snapshot != nil {
		s.log.Info("removed stale hubs", "count", removed)
		if err := snapshot.Save(s.hubCachePath); err != nil {
			s.log.Warn("cannot save hub cache", "path", s.hubCachePath, "err", err)
		}
	}
	s.obs.HubsKnown(n)
	return uimsg.Event{Type: uimsg.EventDiscoveredHubs, Hubs: hubs}
}

func (s *Service) currentClient() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
