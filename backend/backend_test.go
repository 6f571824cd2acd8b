package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kc1awv/rrc-web/client"
	"github.com/kc1awv/rrc-web/config"
	"github.com/kc1awv/rrc-web/discovery"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/hubsim"
	"github.com/kc1awv/rrc-web/meshsim"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/uimsg"
	"github.com/kc1awv/rrc-web/wire"
)

const testHubName = "Test Hub"

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	return config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
}

// newTestService builds a started Service over a lone mesh node. Good for
// command validation and event handler tests; connecting needs a hub rig.
func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	node := meshsim.NewNode()
	t.Cleanup(node.Close)
	s := New(node, newTestStore(t), opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// matchEvent reads events until one of the wanted type satisfies ok,
// discarding everything else.
func matchEvent(t *testing.T, ch <-chan uimsg.Event, typ string, ok func(uimsg.Event) bool) uimsg.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatalf("event channel closed while waiting for %s", typ)
			}
			if ev.Type == typ && ok(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func nextEvent(t *testing.T, ch <-chan uimsg.Event, typ string) uimsg.Event {
	t.Helper()
	return matchEvent(t, ch, typ, func(uimsg.Event) bool { return true })
}

func chatEnvelope(t *testing.T, room, text, nick string, src []byte) wire.Envelope {
	t.Helper()
	env, err := wire.New(wire.TypeMsg, src)
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	env.Room = room
	env.Body = text
	env.Nick = nick
	return env
}

func memberEnvelope(t *testing.T, typ uint64, src []byte, members [][]byte) wire.Envelope {
	t.Helper()
	env, err := wire.New(typ, src)
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	env.Body = wire.MemberListBody(members)
	return env
}

func TestHandleCommandWithoutClient(t *testing.T) {
	s := newTestService(t)

	cases := []struct {
		name    string
		cmd     uimsg.Command
		wantErr string
	}{
		{"join", uimsg.Command{Type: uimsg.CmdJoinRoom, Room: "general"}, errNotConnected},
		{"part", uimsg.Command{Type: uimsg.CmdPartRoom, Room: "general"}, errNotConnected},
		{"send message", uimsg.Command{Type: uimsg.CmdSendMessage, Room: "general", Text: "hi"}, errNotConnected},
		{"send command", uimsg.Command{Type: uimsg.CmdSendCommand, Command: "help"}, errNotConnected},
		{"set nickname", uimsg.Command{Type: uimsg.CmdSetNickname, Nickname: "alice"}, errNotConnected},
		{"join long room", uimsg.Command{Type: uimsg.CmdJoinRoom, Room: strings.Repeat("a", 65)}, errInvalidRoom},
		{"part long room", uimsg.Command{Type: uimsg.CmdPartRoom, Room: strings.Repeat("a", 65)}, errInvalidRoom},
		{"message long room", uimsg.Command{Type: uimsg.CmdSendMessage, Room: strings.Repeat("a", 65), Text: "hi"}, errInvalidRoom},
		{"message long text", uimsg.Command{Type: uimsg.CmdSendMessage, Room: "general", Text: strings.Repeat("a", 10001)}, "Invalid message text"},
		{"command long text", uimsg.Command{Type: uimsg.CmdSendCommand, Command: strings.Repeat("a", 10001)}, "Invalid command"},
		{"long nickname", uimsg.Command{Type: uimsg.CmdSetNickname, Nickname: strings.Repeat("a", 33)}, "Invalid nickname (max 32 characters)"},
		{"unknown type", uimsg.Command{Type: "bogus"}, "Unknown message type: bogus"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := s.HandleCommand(context.Background(), tc.cmd)
			if ev.Type != uimsg.EventError || ev.Error != tc.wantErr {
				t.Fatalf("got %+v, want error %q", ev, tc.wantErr)
			}
		})
	}
}

func TestDisconnectWithoutClient(t *testing.T) {
	s := newTestService(t)
	ev := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdDisconnect})
	if ev.Type != uimsg.EventDisconnected {
		t.Fatalf("got %+v, want disconnected", ev)
	}
}

func TestSetActiveRoom(t *testing.T) {
	s := newTestService(t)

	ev := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdSetActiveRoom, Room: "general"})
	if ev.Type != uimsg.EventActiveRoomChanged || ev.Room != "general" {
		t.Fatalf("got %+v", ev)
	}
	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if state.ActiveRoom != "general" {
		t.Fatalf("active room = %q, want general", state.ActiveRoom)
	}

	ev = s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdSetActiveRoom})
	if ev.Error != "Invalid room" {
		t.Fatalf("empty room: got %+v", ev)
	}
	ev = s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdSetActiveRoom, Room: strings.Repeat("a", 65)})
	if ev.Error != errInvalidRoom {
		t.Fatalf("long room: got %+v", ev)
	}
}

func TestInitialState(t *testing.T) {
	s := newTestService(t)
	ev := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if ev.Type != uimsg.EventState {
		t.Fatalf("got %+v", ev)
	}
	if ev.Connected == nil || *ev.Connected {
		t.Fatalf("connected = %v, want false", ev.Connected)
	}
	if ev.ActiveRoom != hubRoom {
		t.Fatalf("active room = %q, want %q", ev.ActiveRoom, hubRoom)
	}
	if len(ev.Rooms) != 1 {
		t.Fatalf("rooms = %v, want just %q", ev.Rooms, hubRoom)
	}
	if _, ok := ev.Rooms[hubRoom]; !ok {
		t.Fatalf("missing %q room", hubRoom)
	}
	if ev.Config == nil {
		t.Fatal("missing config snapshot")
	}
	if ev.Config.DestName != defaults.HubAspect {
		t.Fatalf("config dest name = %q", ev.Config.DestName)
	}
}

func TestParseHubHash(t *testing.T) {
	want, _ := hex.DecodeString("aabbccddeeff00112233445566778899")

	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"plain", "aabbccddeeff00112233445566778899", ""},
		{"uppercase", "AABBCCDDEEFF00112233445566778899", ""},
		{"colons", "aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99", ""},
		{"spaces", "  aabbccdd eeff0011 22334455 66778899  ", ""},
		{"empty", "", "Invalid hub hash: must be a non-empty string"},
		{"non-hex", strings.Repeat("zz", 16), "Hub hash must contain only hexadecimal characters"},
		{"short", "abcd", "Hub hash must be exactly 32 hexadecimal characters (got 4)"},
		{"long", strings.Repeat("ab", 17), "Hub hash must be exactly 32 hexadecimal characters (got 34)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, errText := parseHubHash(tc.in)
			if errText != tc.wantErr {
				t.Fatalf("error = %q, want %q", errText, tc.wantErr)
			}
			if tc.wantErr == "" && !bytes.Equal(got, want) {
				t.Fatalf("decoded %x, want %x", got, want)
			}
		})
	}
}

func TestConnectParamValidation(t *testing.T) {
	cases := []struct {
		name    string
		cmd     uimsg.Command
		wantErr string
	}{
		{"identity path", uimsg.Command{IdentityPath: strings.Repeat("a", 1025)}, "Invalid identity_path parameter"},
		{"dest name", uimsg.Command{DestName: strings.Repeat("a", 257)}, "Invalid dest_name parameter"},
		{"hub hash size", uimsg.Command{HubHash: strings.Repeat("a", 129)}, "Invalid hub_hash parameter"},
		{"nickname", uimsg.Command{Nickname: strings.Repeat("a", 33)}, "Invalid nickname parameter"},
		{"hub hash empty", uimsg.Command{}, "Invalid hub hash: must be a non-empty string"},
		{"hub hash non-hex", uimsg.Command{HubHash: strings.Repeat("zz", 16)}, "Hub hash must contain only hexadecimal characters"},
		{"hub hash short", uimsg.Command{HubHash: "abcd"}, "Hub hash must be exactly 32 hexadecimal characters (got 4)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestService(t)
			cmd := tc.cmd
			cmd.Type = uimsg.CmdConnect
			ev := s.HandleCommand(context.Background(), cmd)
			if ev.Type != uimsg.EventError || ev.Error != tc.wantErr {
				t.Fatalf("got %+v, want error %q", ev, tc.wantErr)
			}
		})
	}
}

// Connection settings persist even when the hash turns out invalid, so a
// typo does not erase what the user typed.
func TestConnectPersistsSettings(t *testing.T) {
	s := newTestService(t)
	idPath := filepath.Join(t.TempDir(), "identity")

	ev := s.HandleCommand(context.Background(), uimsg.Command{
		Type:         uimsg.CmdConnect,
		HubHash:      "abcd",
		DestName:     "chat.hub",
		Nickname:     "carol",
		IdentityPath: idPath,
	})
	if ev.Type != uimsg.EventError {
		t.Fatalf("got %+v, want hash error", ev)
	}

	cfg := s.store.Get()
	if cfg.HubHash != "abcd" || cfg.DestName != "chat.hub" || cfg.Nickname != "carol" || cfg.IdentityPath != idPath {
		t.Fatalf("persisted config = %+v", cfg)
	}
}

func TestConnectTimeout(t *testing.T) {
	s := newTestService(t, WithClientOptions(client.WithConnectTimeout(200*time.Millisecond)))
	idPath := filepath.Join(t.TempDir(), "identity")

	ev := s.HandleCommand(context.Background(), uimsg.Command{
		Type:         uimsg.CmdConnect,
		HubHash:      strings.Repeat("ab", 16),
		IdentityPath: idPath,
	})
	if ev.Type != uimsg.EventError || !strings.HasPrefix(ev.Error, "Connection timeout:") {
		t.Fatalf("got %+v, want connection timeout", ev)
	}
	if s.currentClient() != nil {
		t.Fatal("failed connect left a client installed")
	}
	// The identity was created on the way and survives for the retry.
	if _, err := os.Stat(idPath); err != nil {
		t.Fatalf("identity file: %v", err)
	}
}

func TestCommandResult(t *testing.T) {
	cases := []struct {
		ev   uimsg.Event
		want observability.CommandResult
	}{
		{uimsg.Event{Type: uimsg.EventState}, observability.CommandResultOK},
		{uimsg.ErrorEvent(errTooManyJoins), observability.CommandResultRateLimited},
		{uimsg.ErrorEvent(errTooManyParts), observability.CommandResultRateLimited},
		{uimsg.ErrorEvent("nope"), observability.CommandResultError},
	}
	for _, tc := range cases {
		if got := commandResult(tc.ev); got != tc.want {
			t.Errorf("commandResult(%+v) = %v, want %v", tc.ev, got, tc.want)
		}
	}
}

func TestFormatUser(t *testing.T) {
	s := &Service{nicknames: map[string]string{
		"aabbccdd00112233aabbccdd00112233": "alice",
	}}

	cases := []struct {
		srcHex string
		want   string
	}{
		{"aabbccdd00112233aabbccdd00112233", "alice (aabbccdd)"},
		{"ffeeddccbbaa0099ffeeddccbbaa0099", "ffeeddccbbaa0099..."},
		{"abcd", "abcd"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := s.formatUserLocked(tc.srcHex); got != tc.want {
			t.Errorf("formatUserLocked(%q) = %q, want %q", tc.srcHex, got, tc.want)
		}
	}
}

func TestRoomHistoryRing(t *testing.T) {
	s := newTestService(t)

	s.mu.Lock()
	r, ok := s.roomLocked("general")
	if !ok {
		s.mu.Unlock()
		t.Fatal("roomLocked refused a fresh room")
	}
	for i := 0; i < defaults.MaxRoomMessages+5; i++ {
		s.appendLocked(r, uimsg.Event{Type: uimsg.EventMessage, Text: fmt.Sprint(i)})
	}
	got := len(r.messages)
	first := r.messages[0].Text
	s.mu.Unlock()

	if got != defaults.MaxRoomMessages {
		t.Fatalf("history length = %d, want %d", got, defaults.MaxRoomMessages)
	}
	if first != "5" {
		t.Fatalf("oldest retained = %q, want 5", first)
	}
}

func TestStateTrimsMessages(t *testing.T) {
	s := newTestService(t)

	s.mu.Lock()
	r, _ := s.roomLocked("general")
	for i := 0; i < defaults.StateMessages+50; i++ {
		s.appendLocked(r, uimsg.Event{Type: uimsg.EventMessage, Text: fmt.Sprint(i)})
	}
	r.members["cc"] = struct{}{}
	r.members["aa"] = struct{}{}
	r.members["bb"] = struct{}{}
	s.mu.Unlock()

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	room, ok := state.Rooms["general"]
	if !ok {
		t.Fatal("state missing general room")
	}
	if len(room.Messages) != defaults.StateMessages {
		t.Fatalf("state messages = %d, want %d", len(room.Messages), defaults.StateMessages)
	}
	if room.Messages[0].Text != "50" {
		t.Fatalf("oldest state message = %q, want 50", room.Messages[0].Text)
	}
	if want := []string{"aa", "bb", "cc"}; !equalStrings(room.Users, want) {
		t.Fatalf("users = %v, want %v", room.Users, want)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestOnMessage(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	src := bytes.Repeat([]byte{0xaa}, 16)
	srcHex := hex.EncodeToString(src)

	env := chatEnvelope(t, "general", "hello", "alice", src)
	s.onMessage(env)

	// A freshly learned nickname refreshes the member list before the
	// message itself lands.
	users := nextEvent(t, ch, uimsg.EventUserListUpdate)
	if users.Room != "general" || !equalStrings(users.Users, []string{"alice (aaaaaaaa)"}) {
		t.Fatalf("user list = %+v", users)
	}
	msg := nextEvent(t, ch, uimsg.EventMessage)
	if msg.Room != "general" || msg.Text != "hello" || msg.User != "alice (aaaaaaaa)" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.SenderIdentity != srcHex {
		t.Fatalf("sender = %q, want %q", msg.SenderIdentity, srcHex)
	}
	if msg.MessageID != hex.EncodeToString(env.ID) {
		t.Fatalf("message id = %q", msg.MessageID)
	}
	if msg.Timestamp == "" {
		t.Fatal("message missing timestamp")
	}

	// Same nickname again: just the message.
	s.onMessage(chatEnvelope(t, "general", "second", "alice", src))
	ev := nextEvent(t, ch, uimsg.EventMessage)
	if ev.Text != "second" {
		t.Fatalf("got %+v", ev)
	}
	if len(ch) != 0 {
		t.Fatalf("unexpected extra events: %d buffered", len(ch))
	}

	// Nickname change: the list refreshes again.
	s.onMessage(chatEnvelope(t, "general", "third", "bob", src))
	users = nextEvent(t, ch, uimsg.EventUserListUpdate)
	if !equalStrings(users.Users, []string{"bob (aaaaaaaa)"}) {
		t.Fatalf("user list after rename = %+v", users)
	}
	nextEvent(t, ch, uimsg.EventMessage)

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if got := len(state.Rooms["general"].Messages); got != 3 {
		t.Fatalf("history length = %d, want 3", got)
	}
}

func TestOnMessageHubRoomDefault(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.onMessage(chatEnvelope(t, "", "hub wide", "", bytes.Repeat([]byte{0x01}, 16)))
	ev := nextEvent(t, ch, uimsg.EventMessage)
	if ev.Room != hubRoom {
		t.Fatalf("room = %q, want %q", ev.Room, hubRoom)
	}
	if ev.User != "0101010101010101..." {
		t.Fatalf("user = %q", ev.User)
	}
}

// Suspicious timestamps are logged but never block delivery.
func TestSkewedTimestampStillDelivers(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	src := bytes.Repeat([]byte{0x0b}, 16)

	past := chatEnvelope(t, "general", "from the past", "alice", src)
	past.Timestamp = uint64(time.Now().Add(-2 * defaults.MaxTimestampSkew).UnixMilli())
	s.onMessage(past)
	nextEvent(t, ch, uimsg.EventUserListUpdate)
	if ev := nextEvent(t, ch, uimsg.EventMessage); ev.Text != "from the past" {
		t.Fatalf("message = %+v", ev)
	}

	future := chatEnvelope(t, "general", "from the future", "alice", src)
	future.Timestamp = uint64(time.Now().Add(2 * defaults.MaxTimestampSkew).UnixMilli())
	s.onMessage(future)
	if ev := nextEvent(t, ch, uimsg.EventMessage); ev.Text != "from the future" {
		t.Fatalf("message = %+v", ev)
	}
}

func TestRoomCapDropsNewRooms(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.mu.Lock()
	for i := 0; len(s.rooms) < defaults.MaxRooms; i++ {
		if _, ok := s.roomLocked(fmt.Sprintf("room%03d", i)); !ok {
			s.mu.Unlock()
			t.Fatal("roomLocked refused below the cap")
		}
	}
	s.mu.Unlock()

	s.onMessage(chatEnvelope(t, "overflow", "hi", "", bytes.Repeat([]byte{0x02}, 16)))
	s.onNotice(chatEnvelope(t, "overflow", "notice", "", bytes.Repeat([]byte{0x02}, 16)))
	if len(ch) != 0 {
		t.Fatalf("events leaked past the room cap: %d", len(ch))
	}

	// Joining past the cap is loud: the user asked for it and must hear no.
	s.onJoined("overflow", memberEnvelope(t, wire.TypeJoined, bytes.Repeat([]byte{0x03}, 16), nil))
	ev := nextEvent(t, ch, uimsg.EventError)
	want := fmt.Sprintf("Cannot join room: server room limit reached (%d)", defaults.MaxRooms)
	if ev.Error != want {
		t.Fatalf("error = %q, want %q", ev.Error, want)
	}

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if _, ok := state.Rooms["overflow"]; ok {
		t.Fatal("overflow room was created despite the cap")
	}
}

func TestOnNotice(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	env := chatEnvelope(t, "", "server maintenance at noon", "", nil)
	env.Type = wire.TypeNotice
	s.onNotice(env)

	ev := nextEvent(t, ch, uimsg.EventNotice)
	if ev.Room != hubRoom || ev.Text != "server maintenance at noon" {
		t.Fatalf("notice = %+v", ev)
	}

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if got := len(state.Rooms[hubRoom].Messages); got != 1 {
		t.Fatalf("hub history = %d, want 1", got)
	}
}

func TestOnErrorTransient(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	env, err := wire.New(wire.TypeError, bytes.Repeat([]byte{0x04}, 16))
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	s.onError(env)

	ev := nextEvent(t, ch, uimsg.EventError)
	if ev.Room != hubRoom || ev.Text != "Unknown error" {
		t.Fatalf("error event = %+v", ev)
	}

	env.Body = "not in room: secret"
	env.Room = "secret"
	s.onError(env)
	ev = nextEvent(t, ch, uimsg.EventError)
	if ev.Room != "secret" || ev.Text != "not in room: secret" {
		t.Fatalf("error event = %+v", ev)
	}

	// Errors never enter history.
	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if got := len(state.Rooms[hubRoom].Messages); got != 0 {
		t.Fatalf("hub history = %d, want 0", got)
	}
}

func TestOnJoinedAndParted(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(32)
	defer cancel()

	hub := bytes.Repeat([]byte{0xff}, 16)
	memberA := bytes.Repeat([]byte{0xaa}, 16)
	memberB := bytes.Repeat([]byte{0xbb}, 16)
	memberC := bytes.Repeat([]byte{0xcc}, 16)

	// Snapshot: we entered a room that already has two members.
	s.onJoined("general", memberEnvelope(t, wire.TypeJoined, hub, [][]byte{memberA, memberB}))
	sys := nextEvent(t, ch, uimsg.EventSystem)
	if sys.Room != "general" || sys.Text != "Joined room: general" {
		t.Fatalf("system = %+v", sys)
	}
	joined := nextEvent(t, ch, uimsg.EventRoomJoined)
	wantUsers := []string{"aaaaaaaaaaaaaaaa...", "bbbbbbbbbbbbbbbb..."}
	if joined.Room != "general" || !equalStrings(joined.Users, wantUsers) {
		t.Fatalf("room_joined = %+v", joined)
	}

	// Delta: a third member arrives.
	s.onJoined("general", memberEnvelope(t, wire.TypeJoined, hub, [][]byte{memberC}))
	join := nextEvent(t, ch, uimsg.EventJoin)
	if join.User != "cccccccccccccccc..." {
		t.Fatalf("join = %+v", join)
	}
	users := nextEvent(t, ch, uimsg.EventUserListUpdate)
	if len(users.Users) != 3 {
		t.Fatalf("user list = %+v", users)
	}

	// Delta: one member leaves.
	s.onParted("general", memberEnvelope(t, wire.TypeParted, hub, [][]byte{memberB}))
	part := nextEvent(t, ch, uimsg.EventPart)
	if part.User != "bbbbbbbbbbbbbbbb..." {
		t.Fatalf("part = %+v", part)
	}
	users = nextEvent(t, ch, uimsg.EventUserListUpdate)
	if want := []string{"aaaaaaaaaaaaaaaa...", "cccccccccccccccc..."}; !equalStrings(users.Users, want) {
		t.Fatalf("user list = %+v, want %v", users.Users, want)
	}

	// We leave. History stays for scrollback.
	s.onParted("general", memberEnvelope(t, wire.TypeParted, hub, nil))
	sys = nextEvent(t, ch, uimsg.EventSystem)
	if sys.Text != "Left room: general" {
		t.Fatalf("system = %+v", sys)
	}
	nextEvent(t, ch, uimsg.EventRoomParted)

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	room, ok := state.Rooms["general"]
	if !ok {
		t.Fatal("room history dropped on part")
	}
	if len(room.Messages) < 4 {
		t.Fatalf("history = %d entries, want at least 4", len(room.Messages))
	}
}

func TestDeltasForUnknownRoomAreDropped(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	hub := bytes.Repeat([]byte{0xff}, 16)
	member := bytes.Repeat([]byte{0xaa}, 16)

	s.onJoined("nowhere", memberEnvelope(t, wire.TypeJoined, hub, [][]byte{member}))
	s.onParted("nowhere", memberEnvelope(t, wire.TypeParted, hub, [][]byte{member}))
	if len(ch) != 0 {
		t.Fatalf("deltas for unknown room broadcast %d events", len(ch))
	}
}

func TestOnPongLatency(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.mu.Lock()
	s.lastPing = time.Now().Add(-50 * time.Millisecond)
	s.mu.Unlock()

	s.onPong(wire.Envelope{})
	ev := nextEvent(t, ch, uimsg.EventLatency)
	if ev.LatencyMs == nil || *ev.LatencyMs < 50 || *ev.LatencyMs > 5000 {
		t.Fatalf("latency = %+v", ev.LatencyMs)
	}

	// The measurement is consumed; a stray pong reports nothing.
	s.onPong(wire.Envelope{})
	if len(ch) != 0 {
		t.Fatalf("stray pong broadcast %d events", len(ch))
	}
}

func TestOnWelcome(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.onWelcome("Big Hub")
	notice := nextEvent(t, ch, uimsg.EventNotice)
	if notice.Room != hubRoom || notice.Text != "Connected to hub: Big Hub" {
		t.Fatalf("notice = %+v", notice)
	}
	info := nextEvent(t, ch, uimsg.EventHubInfo)
	if info.HubName != "Big Hub" {
		t.Fatalf("hub_info = %+v", info)
	}

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if state.HubName != "Big Hub" {
		t.Fatalf("state hub name = %q", state.HubName)
	}
}

func TestOnWelcomeUnnamedHub(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.onWelcome("")
	notice := nextEvent(t, ch, uimsg.EventNotice)
	if notice.Text != "Connected to hub" {
		t.Fatalf("notice = %+v", notice)
	}
	if len(ch) != 0 {
		t.Fatalf("unnamed hub produced %d extra events", len(ch))
	}
}

func TestOnWarningAndCloseAreTransient(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.onWarning("Message is too large to send.")
	ev := nextEvent(t, ch, uimsg.EventSystem)
	if ev.Room != hubRoom || ev.Text != "Message is too large to send." {
		t.Fatalf("warning = %+v", ev)
	}

	s.onClose()
	ev = nextEvent(t, ch, uimsg.EventSystem)
	if ev.Text != "Disconnected from hub" {
		t.Fatalf("close system = %+v", ev)
	}
	nextEvent(t, ch, uimsg.EventDisconnected)

	state := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if got := len(state.Rooms[hubRoom].Messages); got != 0 {
		t.Fatalf("hub history = %d, want 0", got)
	}
}

func TestSubscribeCancel(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(4)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("received an event after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	cancel() // idempotent

	// Broadcasts after detach go nowhere, without panicking.
	s.broadcast(uimsg.Event{Type: uimsg.EventSystem, Text: "late"})
}

func TestCloseClosesSubscribers(t *testing.T) {
	s := newTestService(t)
	ch, _ := s.Subscribe(4)
	s.Close()

	if _, open := <-ch; open {
		t.Fatal("channel still open after Close")
	}

	// Subscribing to a closed service yields an already closed channel.
	ch2, cancel2 := s.Subscribe(4)
	if _, open := <-ch2; open {
		t.Fatal("post-close subscription delivered an event")
	}
	cancel2()
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(1)
	defer cancel()

	s.broadcast(uimsg.Event{Type: uimsg.EventSystem, Text: "first"})
	s.broadcast(uimsg.Event{Type: uimsg.EventSystem, Text: "second"})

	ev := <-ch
	if ev.Text != "first" {
		t.Fatalf("got %q, want first", ev.Text)
	}
	if len(ch) != 0 {
		t.Fatal("overflow event was not dropped")
	}
}

func TestHubDiscovered(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	hub := discovery.Hub{
		Hash:     strings.Repeat("ab", 16),
		Name:     "Mesh Hub",
		Aspect:   defaults.HubAspect,
		LastSeen: time.Now().Unix(),
	}
	s.HubDiscovered(hub)

	ev := nextEvent(t, ch, uimsg.EventHubDiscovered)
	if ev.Hub == nil || ev.Hub.Name != "Mesh Hub" || ev.Hub.Hash != hub.Hash {
		t.Fatalf("hub_discovered = %+v", ev.Hub)
	}
	if _, err := os.Stat(s.hubCachePath); err != nil {
		t.Fatalf("hub cache not persisted: %v", err)
	}

	list := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetDiscoveredHubs})
	if len(list.Hubs) != 1 || list.Hubs[0].Hash != hub.Hash {
		t.Fatalf("discovered hubs = %+v", list.Hubs)
	}
}

func TestGetDiscoveredHubsEvictsStale(t *testing.T) {
	s := newTestService(t)

	now := time.Now()
	s.mu.Lock()
	s.catalog.Upsert(discovery.Hub{
		Hash:     strings.Repeat("aa", 16),
		Name:     "Stale Hub",
		Aspect:   defaults.HubAspect,
		LastSeen: now.Add(-2 * defaults.HubStaleAfter).Unix(),
	})
	s.catalog.Upsert(discovery.Hub{
		Hash:     strings.Repeat("bb", 16),
		Name:     "Fresh Hub",
		Aspect:   defaults.HubAspect,
		LastSeen: now.Unix(),
	})
	s.mu.Unlock()

	ev := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetDiscoveredHubs})
	if len(ev.Hubs) != 1 || ev.Hubs[0].Name != "Fresh Hub" {
		t.Fatalf("hubs after cleanup = %+v", ev.Hubs)
	}
	if _, err := os.Stat(s.hubCachePath); err != nil {
		t.Fatalf("eviction not persisted: %v", err)
	}
}

func TestCatalogLoadedAtStartup(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "discovered_hubs.json")

	seeded := discovery.Load(cachePath, nil)
	seeded.Upsert(discovery.Hub{
		Hash:     strings.Repeat("cd", 16),
		Name:     "Known Hub",
		Aspect:   defaults.HubAspect,
		LastSeen: time.Now().Unix(),
	})
	if err := seeded.Save(cachePath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	node := meshsim.NewNode()
	t.Cleanup(node.Close)
	s := New(node, config.Open(filepath.Join(dir, "config.json"), nil))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)

	ev := s.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetDiscoveredHubs})
	if len(ev.Hubs) != 1 || ev.Hubs[0].Name != "Known Hub" {
		t.Fatalf("hubs = %+v", ev.Hubs)
	}
}

// hubRig is a gateway service piped to an in-process hub.
type hubRig struct {
	svc    *Service
	hub    *hubsim.Hub
	store  *config.Store
	events <-chan uimsg.Event
	idPath string
}

func newHubRig(t *testing.T, hubOpts ...hubsim.Option) *hubRig {
	t.Helper()
	gw := meshsim.NewNode()
	hubNode := meshsim.NewNode()
	t.Cleanup(gw.Close)
	t.Cleanup(hubNode.Close)
	if err := meshsim.Pipe(gw, hubNode); err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	opts := append([]hubsim.Option{hubsim.WithName(testHubName)}, hubOpts...)
	hub, err := hubsim.New(hubNode, opts...)
	if err != nil {
		t.Fatalf("hubsim.New: %v", err)
	}

	store := config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	svc := New(gw, store, WithClientOptions(client.WithConnectTimeout(5*time.Second)))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Close)

	events, cancel := svc.Subscribe(64)
	t.Cleanup(cancel)

	return &hubRig{
		svc:    svc,
		hub:    hub,
		store:  store,
		events: events,
		idPath: filepath.Join(t.TempDir(), "identity"),
	}
}

func (r *hubRig) connect(t *testing.T, nickname string) uimsg.Event {
	t.Helper()
	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type:         uimsg.CmdConnect,
		HubHash:      r.hub.HashHex(),
		Nickname:     nickname,
		IdentityPath: r.idPath,
	})
	if ev.Type != uimsg.EventConnected {
		t.Fatalf("connect reply = %+v, want connected", ev)
	}
	return ev
}

func (r *hubRig) join(t *testing.T, room string) {
	t.Helper()
	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdJoinRoom, Room: room})
	if ev.Type != uimsg.EventJoinRequested {
		t.Fatalf("join reply = %+v", ev)
	}
	matchEvent(t, r.events, uimsg.EventRoomJoined, func(ev uimsg.Event) bool {
		return ev.Room == strings.ToLower(room)
	})
}

func TestRigConnect(t *testing.T) {
	r := newHubRig(t)

	reply := r.connect(t, "alice")
	if len(reply.IdentityHash) != 32 || reply.Nickname != "alice" {
		t.Fatalf("connected reply = %+v", reply)
	}

	notice := nextEvent(t, r.events, uimsg.EventNotice)
	if notice.Text != "Connected to hub: "+testHubName {
		t.Fatalf("notice = %+v", notice)
	}
	info := nextEvent(t, r.events, uimsg.EventHubInfo)
	if info.HubName != testHubName {
		t.Fatalf("hub_info = %+v", info)
	}

	state := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if state.Connected == nil || !*state.Connected {
		t.Fatal("state not connected")
	}
	if state.HubName != testHubName || state.Nickname != "alice" {
		t.Fatalf("state = hub %q nick %q", state.HubName, state.Nickname)
	}
	if state.IdentityHash != reply.IdentityHash {
		t.Fatalf("identity hash drifted: %q vs %q", state.IdentityHash, reply.IdentityHash)
	}
	if state.Config.HubHash != r.hub.HashHex() {
		t.Fatalf("config hub hash = %q", state.Config.HubHash)
	}
	if got := len(state.Rooms[hubRoom].Messages); got != 1 {
		t.Fatalf("hub history = %d, want the connect notice", got)
	}
}

func TestRigConnectTwice(t *testing.T) {
	r := newHubRig(t)
	r.connect(t, "alice")

	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type:         uimsg.CmdConnect,
		HubHash:      r.hub.HashHex(),
		IdentityPath: r.idPath,
	})
	if ev.Type != uimsg.EventError || ev.Error != "Already connected to a hub" {
		t.Fatalf("second connect = %+v", ev)
	}
}

func TestRigJoinAndChat(t *testing.T) {
	r := newHubRig(t)
	reply := r.connect(t, "alice")

	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdJoinRoom, Room: "General"})
	if ev.Type != uimsg.EventJoinRequested || ev.Room != "General" {
		t.Fatalf("join reply = %+v", ev)
	}
	sys := matchEvent(t, r.events, uimsg.EventSystem, func(ev uimsg.Event) bool {
		return ev.Room == "general"
	})
	if sys.Text != "Joined room: general" {
		t.Fatalf("system = %+v", sys)
	}
	joined := nextEvent(t, r.events, uimsg.EventRoomJoined)
	if joined.Room != "general" || len(joined.Users) != 0 {
		t.Fatalf("room_joined = %+v", joined)
	}

	sent := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage,
		Room: "General",
		Text: "hello world",
	})
	if sent.Type != uimsg.EventMessageSent || len(sent.MessageID) != 16 {
		t.Fatalf("send reply = %+v", sent)
	}

	// The hub echoes to everyone in the room, ourselves included. Our own
	// nickname is learned from the echo, so the member list refreshes
	// before the message is delivered.
	sawUserList := false
	var msg uimsg.Event
	deadline := time.After(3 * time.Second)
	for msg.Type == "" {
		select {
		case ev := <-r.events:
			switch {
			case ev.Type == uimsg.EventUserListUpdate && ev.Room == "general":
				sawUserList = true
			case ev.Type == uimsg.EventMessage:
				msg = ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for message echo")
		}
	}
	if !sawUserList {
		t.Fatal("message arrived before the user list update")
	}
	if msg.Room != "general" || msg.Text != "hello world" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.MessageID != sent.MessageID {
		t.Fatalf("echo id %q, sent id %q", msg.MessageID, sent.MessageID)
	}
	if msg.SenderIdentity != reply.IdentityHash {
		t.Fatalf("sender = %q, want %q", msg.SenderIdentity, reply.IdentityHash)
	}
	wantUser := fmt.Sprintf("alice (%s)", reply.IdentityHash[:8])
	if msg.User != wantUser {
		t.Fatalf("user = %q, want %q", msg.User, wantUser)
	}
}

func TestRigSlashCommands(t *testing.T) {
	r := newHubRig(t)
	r.connect(t, "alice")
	r.join(t, "general")

	ping := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage,
		Room: "general",
		Text: "/ping",
	})
	if ping.Type != uimsg.EventCommandExecuted || ping.Command != "ping" {
		t.Fatalf("/ping reply = %+v", ping)
	}

	// Unrecognized slash commands go out as literal chat.
	wave := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage,
		Room: "general",
		Text: "/wave hi there",
	})
	if wave.Type != uimsg.EventMessageSent || wave.MessageID != "" {
		t.Fatalf("/wave reply = %+v", wave)
	}
	echo := nextEvent(t, r.events, uimsg.EventMessage)
	if echo.Text != "/wave hi there" {
		t.Fatalf("echo = %+v", echo)
	}

	// /join with an argument behaves like the join command.
	joinReply := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage,
		Room: "general",
		Text: "/join lounge",
	})
	if joinReply.Type != uimsg.EventJoinRequested || joinReply.Room != "lounge" {
		t.Fatalf("/join reply = %+v", joinReply)
	}
	matchEvent(t, r.events, uimsg.EventRoomJoined, func(ev uimsg.Event) bool {
		return ev.Room == "lounge"
	})

	// Bare /part leaves the room the message was typed in.
	partReply := r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage,
		Room: "general",
		Text: "/part",
	})
	if partReply.Type != uimsg.EventPartRequested || partReply.Room != "general" {
		t.Fatalf("/part reply = %+v", partReply)
	}
	matchEvent(t, r.events, uimsg.EventRoomParted, func(ev uimsg.Event) bool {
		return ev.Room == "general"
	})
}

func TestRigJoinRateLimited(t *testing.T) {
	r := newHubRig(t)
	r.connect(t, "alice")

	for i := 0; i < defaults.RoomOpsPerWindow; i++ {
		ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdJoinRoom, Room: "general"})
		if ev.Type != uimsg.EventJoinRequested {
			t.Fatalf("join %d = %+v", i, ev)
		}
	}
	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdJoinRoom, Room: "general"})
	if ev.Error != errTooManyJoins {
		t.Fatalf("join over limit = %+v", ev)
	}

	// Other rooms keep their own budget.
	ev = r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdJoinRoom, Room: "lounge"})
	if ev.Type != uimsg.EventJoinRequested {
		t.Fatalf("join other room = %+v", ev)
	}
}

func TestRigSetNickname(t *testing.T) {
	r := newHubRig(t)
	reply := r.connect(t, "")
	r.join(t, "general")

	// Without a nickname the sender renders as a truncated hash.
	r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage, Room: "general", Text: "anonymous",
	})
	msg := nextEvent(t, r.events, uimsg.EventMessage)
	if msg.User != reply.IdentityHash[:16]+"..." {
		t.Fatalf("anonymous user = %q", msg.User)
	}

	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdSetNickname, Nickname: "bob"})
	if ev.Type != uimsg.EventNicknameSet || ev.Nickname != "bob" {
		t.Fatalf("set_nickname = %+v", ev)
	}
	if got := r.store.Get().Nickname; got != "bob" {
		t.Fatalf("persisted nickname = %q", got)
	}

	r.svc.HandleCommand(context.Background(), uimsg.Command{
		Type: uimsg.CmdSendMessage, Room: "general", Text: "named now",
	})
	users := matchEvent(t, r.events, uimsg.EventUserListUpdate, func(ev uimsg.Event) bool {
		return ev.Room == "general"
	})
	wantUser := fmt.Sprintf("bob (%s)", reply.IdentityHash[:8])
	if !equalStrings(users.Users, []string{wantUser}) {
		t.Fatalf("user list = %+v, want %q", users.Users, wantUser)
	}
	msg = nextEvent(t, r.events, uimsg.EventMessage)
	if msg.User != wantUser {
		t.Fatalf("named user = %q, want %q", msg.User, wantUser)
	}
}

func TestRigDisconnect(t *testing.T) {
	r := newHubRig(t)
	r.connect(t, "alice")
	r.join(t, "general")

	ev := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdDisconnect})
	if ev.Type != uimsg.EventDisconnected {
		t.Fatalf("disconnect reply = %+v", ev)
	}

	sys := matchEvent(t, r.events, uimsg.EventSystem, func(ev uimsg.Event) bool {
		return ev.Text == "Disconnected from hub"
	})
	if sys.Room != hubRoom {
		t.Fatalf("system = %+v", sys)
	}
	nextEvent(t, r.events, uimsg.EventDisconnected)

	state := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetState})
	if state.Connected == nil || *state.Connected {
		t.Fatal("state still connected")
	}
	if len(state.Rooms) != 1 {
		t.Fatalf("rooms after disconnect = %v", state.Rooms)
	}
	if state.HubName != "" || state.ActiveRoom != hubRoom {
		t.Fatalf("state = hub %q active %q", state.HubName, state.ActiveRoom)
	}
}

func TestRigMOTD(t *testing.T) {
	motd := "Welcome to the test hub!\nBe excellent to each other."
	r := newHubRig(t, hubsim.WithMOTD(motd))
	r.connect(t, "alice")

	notice := matchEvent(t, r.events, uimsg.EventNotice, func(ev uimsg.Event) bool {
		return strings.Contains(ev.Text, "Welcome to the test hub!")
	})
	if notice.Room != hubRoom {
		t.Fatalf("motd room = %q, want %q", notice.Room, hubRoom)
	}
}

func TestRigAutoJoin(t *testing.T) {
	r := newHubRig(t)
	if err := r.store.Update(func(c *config.Config) { c.AutoJoinRoom = "lobby" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	r.connect(t, "alice")
	joined := matchEvent(t, r.events, uimsg.EventRoomJoined, func(ev uimsg.Event) bool {
		return ev.Room == "lobby"
	})
	if joined.Room != "lobby" {
		t.Fatalf("auto-join = %+v", joined)
	}
}

func TestRigAnnounceDiscovery(t *testing.T) {
	r := newHubRig(t)

	if err := r.hub.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	ev := matchEvent(t, r.events, uimsg.EventHubDiscovered, func(ev uimsg.Event) bool {
		return ev.Hub != nil && ev.Hub.Hash == r.hub.HashHex()
	})
	if ev.Hub.Name != testHubName {
		t.Fatalf("discovered name = %q, want %q", ev.Hub.Name, testHubName)
	}

	list := r.svc.HandleCommand(context.Background(), uimsg.Command{Type: uimsg.CmdGetDiscoveredHubs})
	if len(list.Hubs) != 1 || list.Hubs[0].Hash != r.hub.HashHex() {
		t.Fatalf("discovered hubs = %+v", list.Hubs)
	}
	if _, err := os.Stat(r.svc.hubCachePath); err != nil {
		t.Fatalf("hub cache not persisted: %v", err)
	}
}
