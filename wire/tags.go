// Package wire implements the RRC v1 envelope format: maps with small
// unsigned-integer keys, encoded as msgpack. Integer keys keep packets small
// enough for low-MTU mesh links.
package wire

// Version is the protocol version carried in every envelope.
const Version = 1

// Envelope keys.
const (
	KeyVersion   = 0 // uint, required, must equal Version
	KeyType      = 1 // uint, required, one of the Type* values
	KeyID        = 2 // bytes, required, 8 random bytes
	KeyTimestamp = 3 // uint, required, milliseconds since the Unix epoch
	KeySource    = 4 // bytes, required, sender identity hash (16 or 32 bytes)
	KeyRoom      = 5 // string, optional, normalized room name
	KeyBody      = 6 // optional, type-specific payload
	KeyNick      = 7 // string, optional, sender display name
)

// Message types.
const (
	TypeHello            = 1  // client -> hub greeting with capabilities
	TypeWelcome          = 2  // hub -> client, session accepted
	TypeJoin             = 10 // client -> hub room join request
	TypeJoined           = 11 // hub -> client join confirmation / member delta
	TypePart             = 12 // client -> hub room part request
	TypeParted           = 13 // hub -> client part confirmation / member delta
	TypeMsg              = 20 // chat message
	TypeNotice           = 21 // system notice, room optional
	TypePing             = 30 // latency probe
	TypePong             = 31 // probe reply echoing the ping body
	TypeError            = 40 // hub -> client error text
	TypeResourceEnvelope = 50 // hub -> client resource transfer announcement
)

// HELLO body keys.
const (
	HelloName = 0 // string, client software name
	HelloVer  = 1 // string, client software version
	HelloCaps = 2 // map[uint]bool, capability flags
)

// WELCOME body keys.
const (
	WelcomeHub  = 0 // string, hub display name
	WelcomeVer  = 1 // string, hub software version
	WelcomeCaps = 2 // map[uint]bool, capability flags
)

// JOINED/PARTED body keys.
const (
	JoinedUsers = 0 // list of member identity hashes
)

// Capability flags used in HELLO/WELCOME caps maps.
const (
	CapResourceEnvelope = 0
)

// RESOURCE_ENVELOPE body keys.
const (
	ResID       = 0 // bytes, transfer id
	ResKind     = 1 // string, one of the Kind* values
	ResSize     = 2 // uint, total payload bytes
	ResSHA256   = 3 // bytes, optional, 32-byte digest
	ResEncoding = 4 // string, optional, text encoding name
)

// Resource kinds.
const (
	KindNotice = "notice"
	KindMOTD   = "motd"
	KindBlob   = "blob" // reserved, transfers are dropped after completion
)

// typeNames maps every message type this dialect understands to a stable
// lowercase label for logs and metrics.
var typeNames = map[uint64]string{
	TypeHello:            "hello",
	TypeWelcome:          "welcome",
	TypeJoin:             "join",
	TypeJoined:           "joined",
	TypePart:             "part",
	TypeParted:           "parted",
	TypeMsg:              "msg",
	TypeNotice:           "notice",
	TypePing:             "ping",
	TypePong:             "pong",
	TypeError:            "error",
	TypeResourceEnvelope: "resource_envelope",
}

// KnownType reports whether t is a message type defined by this dialect.
// Receivers discard envelopes with unknown types instead of erroring.
func KnownType(t uint64) bool {
	_, ok := typeNames[t]
	return ok
}

// TypeName returns the stable label for a message type, or "unknown".
func TypeName(t uint64) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}
