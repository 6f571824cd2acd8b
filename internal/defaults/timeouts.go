package defaults

import "time"

const (
	// ConnectTimeout is the default budget for a full hub connection attempt
	// (path discovery, identity recall, link establishment and HELLO/WELCOME).
	ConnectTimeout = 20 * time.Second
	// PathWaitCap bounds the path-discovery phase of a connection attempt.
	PathWaitCap = 5 * time.Second
	// HelloInterval is the delay between HELLO retransmissions while waiting
	// for a WELCOME.
	HelloInterval = 3 * time.Second
	// HelloAttempts is how many HELLOs are sent before giving up on a link.
	HelloAttempts = 3
	// WelcomePoll is the granularity at which the HELLO loop checks for a
	// WELCOME or a replaced link.
	WelcomePoll = 100 * time.Millisecond
	// LinkSettle is the grace period after tearing down stale links to the
	// same destination before opening a fresh one.
	LinkSettle = 1 * time.Second
	// PingInterval is the keepalive ping cadence once a session is welcomed.
	PingInterval = 30 * time.Second
)

// HubAspect is the destination name hubs announce under and clients dial.
const HubAspect = "rrc.hub"
