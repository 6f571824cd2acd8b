// Package uimsg defines the JSON messages exchanged with the browser UI
// over the websocket bridge: commands in, events out. Field names are
// stable snake_case; optional fields are omitted when empty, and a missing
// field means "not applicable" rather than "empty".
package uimsg

import "github.com/kc1awv/rrc-web/discovery"

// Command types accepted from the UI.
const (
	CmdConnect           = "connect"
	CmdDisconnect        = "disconnect"
	CmdJoinRoom          = "join_room"
	CmdPartRoom          = "part_room"
	CmdSendMessage       = "send_message"
	CmdSendCommand       = "send_command"
	CmdSetNickname       = "set_nickname"
	CmdSetActiveRoom     = "set_active_room"
	CmdGetState          = "get_state"
	CmdGetDiscoveredHubs = "get_discovered_hubs"
)

// KnownCommand reports whether t is a command type the backend accepts.
// The bridge rejects unknown types before they reach the backend.
func KnownCommand(t string) bool {
	switch t {
	case CmdConnect, CmdDisconnect, CmdJoinRoom, CmdPartRoom,
		CmdSendMessage, CmdSendCommand, CmdSetNickname,
		CmdSetActiveRoom, CmdGetState, CmdGetDiscoveredHubs:
		return true
	}
	return false
}

// Broadcast event types, delivered to every attached UI session.
const (
	EventMessage        = "message"
	EventNotice         = "notice"
	EventError          = "error"
	EventSystem         = "system"
	EventJoin           = "join"
	EventPart           = "part"
	EventUserListUpdate = "user_list_update"
	EventRoomJoined     = "room_joined"
	EventRoomParted     = "room_parted"
	EventHubInfo        = "hub_info"
	EventHubDiscovered  = "hub_discovered"
	EventDisconnected   = "disconnected"
	EventLatency        = "latency"
)

// Command response event types, delivered only to the issuing session.
const (
	EventConnected         = "connected"
	EventJoinRequested     = "join_requested"
	EventPartRequested     = "part_requested"
	EventMessageSent       = "message_sent"
	EventCommandSent       = "command_sent"
	EventCommandExecuted   = "command_executed"
	EventNicknameSet       = "nickname_set"
	EventActiveRoomChanged = "active_room_changed"
	EventState             = "state"
	EventDiscoveredHubs    = "discovered_hubs"
)

// Command is one UI request. Type selects the operation; the remaining
// fields are read per type and ignored otherwise.
type Command struct {
	Type         string `json:"type"`
	Room         string `json:"room,omitempty"`
	Text         string `json:"text,omitempty"`
	Command      string `json:"command,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
	IdentityPath string `json:"identity_path,omitempty"`
	DestName     string `json:"dest_name,omitempty"`
	HubHash      string `json:"hub_hash,omitempty"`
}

// Event is one UI-bound message, either a command response or a broadcast.
// One struct covers every event type; consumers switch on Type.
type Event struct {
	Type           string               `json:"type"`
	Room           string               `json:"room,omitempty"`
	Text           string               `json:"text,omitempty"`
	User           string               `json:"user,omitempty"`
	Users          []string             `json:"users,omitempty"`
	Error          string               `json:"error,omitempty"`
	Command        string               `json:"command,omitempty"`
	Nickname       string               `json:"nickname,omitempty"`
	HubName        string               `json:"hub_name,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	SenderIdentity string               `json:"sender_identity,omitempty"`
	IdentityHash   string               `json:"identity_hash,omitempty"`
	Timestamp      string               `json:"timestamp,omitempty"`
	LatencyMs      *int64               `json:"latency_ms,omitempty"`
	Connected      *bool                `json:"connected,omitempty"`
	ActiveRoom     string               `json:"active_room,omitempty"`
	Hub            *discovery.Hub       `json:"hub,omitempty"`
	Hubs           []discovery.Hub      `json:"hubs,omitempty"`
	Rooms          map[string]RoomState `json:"rooms,omitempty"`
	Config         *ConfigInfo          `json:"config,omitempty"`
}

// RoomState is the per-room slice of a state snapshot.
type RoomState struct {
	Messages []Event  `json:"messages"`
	Users    []string `json:"users"`
}

// ConfigInfo is the subset of gateway configuration shown to the UI.
type ConfigInfo struct {
	DestName     string `json:"dest_name"`
	HubHash      string `json:"hub_hash"`
	Nickname     string `json:"nickname"`
	IdentityPath string `json:"identity_path"`
}

// ErrorEvent builds the standard command failure response.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// Bool returns a pointer for optional boolean event fields.
func Bool(v bool) *bool { return &v }

// Int64 returns a pointer for optional numeric event fields.
func Int64(v int64) *int64 { return &v }
