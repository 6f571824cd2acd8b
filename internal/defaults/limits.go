package defaults

import "time"

const (
	// MaxEnvelopeBytes is the hard cap on an encoded envelope accepted for
	// decoding. Anything larger is rejected before the decoder runs.
	MaxEnvelopeBytes = 512 * 1024
	// MaxResourceBytes is the largest out-of-band resource transfer a client
	// will announce an expectation for or read back.
	MaxResourceBytes = 256 * 1024
	// MaxPendingExpectations caps the resource expectation table.
	MaxPendingExpectations = 8
	// MaxActiveResources caps concurrently accepted resource transfers.
	MaxActiveResources = 16
	// ExpectationTTL is how long a resource expectation stays valid.
	ExpectationTTL = 30 * time.Second

	// MaxRooms caps the backend room table, including the hub pseudo-room.
	MaxRooms = 100
	// MaxRoomMessages is the per-room message ring size.
	MaxRoomMessages = 1000
	// StateMessages is how many trailing messages a state snapshot returns
	// per room.
	StateMessages = 100

	// RoomOpsPerWindow and RoomOpWindow bound join/part churn per room key.
	RoomOpsPerWindow = 10
	RoomOpWindow     = 5 * time.Second

	// MaxAnnounceAppData caps announce application data considered for hub
	// discovery.
	MaxAnnounceAppData = 10240
	// HubStaleAfter is the age past which a discovered hub is dropped.
	HubStaleAfter = time.Hour
	// MaxDiscoveryFileBytes caps the discovered-hubs cache file on load.
	MaxDiscoveryFileBytes = 1024 * 1024

	// MaxTimestampSkew is the tolerated wall-clock disagreement before an
	// inbound message timestamp is logged as suspect.
	MaxTimestampSkew = 300 * time.Second

	// MaxConfigFileBytes caps the gateway config file on load.
	MaxConfigFileBytes = 1024 * 1024
	// MaxIdentityFileBytes caps the identity file on load.
	MaxIdentityFileBytes = 64 * 1024
)
