package meshsim

import (
	"fmt"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/kc1awv/rrc-web/framing/binframe"
	"github.com/kc1awv/rrc-web/transport"
)

const maxLinkFrameBytes = 1 << 20

// ResourceSender is the simulator-side extension for pushing a bulk
// transfer to the peer. Hub implementations assert a link to this interface
// to deliver MOTD and notice payloads.
type ResourceSender interface {
	SendResource(data []byte) error
}

type link struct {
	node *Node
	sess *session
	id   [linkIDLen]byte
	dst  transport.Destination

	writeMu sync.Mutex
	stream  *yamux.Stream

	mu          sync.Mutex
	established bool
	closed      bool
	remote      transport.Identity
	packetCb    func([]byte)
	strategy    transport.ResourceStrategy
	startedCb   func(transport.Resource) bool
	concludedCb func(transport.Resource)
	resources   map[*inboundResource]struct{}

	onEstablished func(transport.Link)
	onClosed      func(transport.Link)

	closeOnce sync.Once
}

func (l *link) Identify(id transport.Identity) error {
	if id == nil {
		return fmt.Errorf("meshsim: identify with nil identity")
	}
	if !l.IsActive() {
		return transport.ErrLinkClosed
	}
	return l.writeFrame(frameIdentify, id.Hash())
}

func (l *link) NewPacket(payload []byte) transport.Packet {
	return &packet{link: l, payload: append([]byte(nil), payload...)}
}

func (l *link) SetPacketCallback(fn func(data []byte)) {
	l.mu.Lock()
	l.packetCb = fn
	l.mu.Unlock()
}

func (l *link) SetResourceStrategy(s transport.ResourceStrategy) {
	l.mu.Lock()
	l.strategy = s
	l.mu.Unlock()
}

func (l *link) SetResourceStartedCallback(fn func(r transport.Resource) bool) {
	l.mu.Lock()
	l.startedCb = fn
	l.mu.Unlock()
}

func (l *link) SetResourceConcludedCallback(fn func(r transport.Resource)) {
	l.mu.Lock()
	l.concludedCb = fn
	l.mu.Unlock()
}

func (l *link) RemoteIdentity() transport.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *link) Destination() transport.Destination { return l.dst }

func (l *link) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established && !l.closed
}

func (l *link) Teardown() { l.teardown() }

func (l *link) writeFrame(typ byte, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := binframe.WriteFrame(l.stream, typ, payload); err != nil {
		return fmt.Errorf("meshsim: link write: %w", err)
	}
	return nil
}

func (l *link) resourceHooks() (transport.ResourceStrategy, func(transport.Resource) bool, func(transport.Resource)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strategy, l.startedCb, l.concludedCb
}

func (l *link) packetCallback() func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.packetCb
}

func (l *link) registerResource(r *inboundResource) {
	l.mu.Lock()
	if l.resources == nil {
		l.resources = make(map[*inboundResource]struct{})
	}
	l.resources[r] = struct{}{}
	l.mu.Unlock()
}

func (l *link) unregisterResource(r *inboundResource) {
	l.mu.Lock()
	delete(l.resources, r)
	l.mu.Unlock()
}

// markEstablished flips the link active and reports the callback to invoke.
func (l *link) markEstablished() func(transport.Link) {
	l.mu.Lock()
	l.established = true
	fn := l.onEstablished
	l.mu.Unlock()
	return fn
}

// teardown closes the link exactly once: the stream goes down, in-flight
// inbound resources abort, and the closed callback fires last.
func (l *link) teardown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.established = false
		pending := make([]*inboundResource, 0, len(l.resources))
		for r := range l.resources {
			pending = append(pending, r)
		}
		l.resources = nil
		onClosed := l.onClosed
		l.mu.Unlock()

		_ = l.stream.Close()
		for _, r := range pending {
			r.abort()
		}
		l.node.removeLink(l)
		if onClosed != nil {
			onClosed(l)
		}
	})
}

// awaitAccept runs on the initiating side: the first frame decides whether
// the link establishes, then the normal read loop takes over.
func (l *link) awaitAccept() {
	typ, _, err := binframe.ReadFrame(l.stream, maxLinkFrameBytes)
	if err != nil || typ != frameLinkAccept {
		l.teardown()
		return
	}
	if fn := l.markEstablished(); fn != nil {
		fn(l)
	}
	l.readLoop()
}

// readLoop dispatches inbound frames sequentially, preserving per-link
// packet order.
func (l *link) readLoop() {
	defer l.teardown()
	for {
		typ, payload, err := binframe.ReadFrame(l.stream, maxLinkFrameBytes)
		if err != nil {
			return
		}
		switch typ {
		case framePacket:
			if cb := l.packetCallback(); cb != nil {
				cb(payload)
			}
		case frameIdentify:
			if len(payload) == identityHashLen {
				var h [identityHashLen]byte
				copy(h[:], payload)
				l.mu.Lock()
				l.remote = &pubIdentity{hash: h}
				l.mu.Unlock()
			}
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

// SendResource pushes data to the link peer as a dedicated bulk stream.
func (l *link) SendResource(data []byte) error {
	if !l.IsActive() {
		return transport.ErrLinkClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("meshsim: empty resource")
	}
	st, err := l.sess.mux.OpenStream()
	if err != nil {
		return fmt.Errorf("meshsim: open resource stream: %w", err)
	}
	f := resourceOpenFrame{linkID: l.id, size: uint64(len(data))}
	if err := binframe.WriteFrame(st, frameResourceOpen, f.encode()); err != nil {
		_ = st.Close()
		return fmt.Errorf("meshsim: resource header: %w", err)
	}
	if _, err := st.Write(data); err != nil {
		_ = st.Close()
		return fmt.Errorf("meshsim: resource payload: %w", err)
	}
	return st.Close()
}

type packet struct {
	link    *link
	payload []byte
}

func (p *packet) Pack() error {
	if len(p.payload) > p.link.node.mtu {
		return transport.ErrPayloadTooLarge
	}
	return nil
}

func (p *packet) Send() error {
	if err := p.Pack(); err != nil {
		return err
	}
	if !p.link.IsActive() {
		return transport.ErrLinkClosed
	}
	return p.link.writeFrame(framePacket, p.payload)
}
