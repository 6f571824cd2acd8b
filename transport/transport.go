// Package transport defines the mesh-facing surface the gateway programs
// against.
//
// The chat client, announce listener, and identity store all speak to the
// mesh through these interfaces. The in-process simulator in package meshsim
// is the stock implementation; a binding to a real mesh stack only has to
// satisfy this package.
package transport

import (
	"errors"
	"io"
)

var (
	// ErrPayloadTooLarge is returned by Packet.Pack when the payload does
	// not fit the link MTU.
	ErrPayloadTooLarge = errors.New("transport: payload exceeds link MTU")

	// ErrLinkClosed is returned for operations on a torn-down link.
	ErrLinkClosed = errors.New("transport: link closed")
)

// ResourceStrategy controls which inbound resource transfers a link accepts.
type ResourceStrategy int

const (
	// AcceptNone refuses all inbound resources.
	AcceptNone ResourceStrategy = iota
	// AcceptApp defers to the resource-started callback.
	AcceptApp
	// AcceptAll accepts every inbound resource.
	AcceptAll
)

// ResourceStatus is the lifecycle state of a resource transfer.
type ResourceStatus int

const (
	ResourcePending ResourceStatus = iota
	ResourceTransferring
	ResourceCompleted
	ResourceFailed
	ResourceCanceled
)

func (s ResourceStatus) String() string {
	switch s {
	case ResourcePending:
		return "pending"
	case ResourceTransferring:
		return "transferring"
	case ResourceCompleted:
		return "completed"
	case ResourceFailed:
		return "failed"
	case ResourceCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Identity is a mesh identity. Hash is the short public fingerprint;
// Bytes is the opaque serialized private form used for persistence.
type Identity interface {
	Hash() []byte
	Bytes() []byte
}

// Destination is an addressable endpoint derived from an identity and an
// application name.
type Destination interface {
	Hash() []byte
	Name() string
}

// Packet is a single datagram staged for a link.
//
// Pack validates the payload against the link MTU without sending, so
// callers can fail fast before committing to a send.
type Packet interface {
	Pack() error
	Send() error
}

// Resource is an inbound bulk transfer riding a link.
//
// Data returns nil unless Status is ResourceCompleted.
type Resource interface {
	Size() int64
	Status() ResourceStatus
	Data() io.ReadCloser
	Cancel()
}

// Link is an established or pending point-to-point session with a
// destination.
//
// Callbacks are invoked sequentially per link; implementations must not
// call them while holding locks the callback code could re-enter.
type Link interface {
	// Identify presents a local identity to the remote peer.
	Identify(id Identity) error

	// NewPacket stages payload for sending on this link.
	NewPacket(payload []byte) Packet

	// SetPacketCallback registers the receiver for inbound packets.
	SetPacketCallback(fn func(data []byte))

	// SetResourceStrategy selects the inbound resource admission policy.
	SetResourceStrategy(s ResourceStrategy)

	// SetResourceStartedCallback registers the admission hook consulted
	// under AcceptApp. Returning false rejects the transfer.
	SetResourceStartedCallback(fn func(r Resource) bool)

	// SetResourceConcludedCallback registers the completion hook, invoked
	// once per resource on completion, failure, or cancellation.
	SetResourceConcludedCallback(fn func(r Resource))

	// RemoteIdentity returns the peer identity, or nil before the peer
	// has identified.
	RemoteIdentity() Identity

	// Destination returns the destination this link was opened to.
	Destination() Destination

	// IsActive reports whether the link is established and usable.
	IsActive() bool

	// Teardown closes the link. Safe to call more than once.
	Teardown()
}

// AnnounceHandler receives destination announces matching its aspect filter.
type AnnounceHandler interface {
	// AspectFilter returns the application name this handler wants, or ""
	// for all announces.
	AspectFilter() string

	// ReceivedAnnounce delivers one announce. announced may be nil when
	// the announcing identity is not known to the local node.
	ReceivedAnnounce(destHash []byte, announced Identity, appData []byte)
}

// Transport is a node's view of the mesh.
type Transport interface {
	// RequestPath asks the mesh to resolve a path to dest.
	RequestPath(dest []byte)

	// HasPath reports whether a usable path to dest is known.
	HasPath(dest []byte) bool

	// RecallIdentity returns the identity previously announced for dest,
	// or nil when unknown.
	RecallIdentity(dest []byte) Identity

	// NewDestination derives the addressable destination for id under the
	// given application name.
	NewDestination(id Identity, name string) (Destination, error)

	// OpenLink starts establishing a link to dst. onEstablished and
	// onClosed may each be nil; onClosed fires at most once.
	OpenLink(dst Destination, onEstablished, onClosed func(Link)) (Link, error)

	// Links returns current links, established and pending.
	Links() []Link

	// AttachAnnounceHandler registers h for future announces.
	AttachAnnounceHandler(h AnnounceHandler)

	// DetachAnnounceHandler removes h. Unknown handlers are ignored.
	DetachAnnounceHandler(h AnnounceHandler)

	// NewIdentity mints a fresh identity.
	NewIdentity() (Identity, error)

	// LoadIdentity restores an identity from its serialized private form.
	LoadIdentity(data []byte) (Identity, error)
}
