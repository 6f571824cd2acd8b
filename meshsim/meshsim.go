// Package meshsim is an in-process mesh transport used for development and
// tests.
//
// Nodes connect pairwise over net.Pipe or TCP; each connection carries a
// yamux session. Links, announces, path probes, and resource transfers all
// ride dedicated streams, so packet order per link is FIFO and bulk
// transfers never block chat traffic. The simulator implements
// transport.Transport; nothing outside this package depends on how the
// wires are strung.
package meshsim

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/kc1awv/rrc-web/framing/binframe"
	muxyamux "github.com/kc1awv/rrc-web/mux/yamux"
	"github.com/kc1awv/rrc-web/transport"
)

// DefaultMTU mirrors the small per-packet budget of low-bandwidth mesh
// radios. Payloads beyond it must travel as resources.
const DefaultMTU = 431

var (
	ErrNoPath = errors.New("meshsim: no path to destination")
	ErrClosed = errors.New("meshsim: node closed")
)

// Option configures a Node.
type Option func(*Node)

// WithMTU overrides the per-packet payload budget. Values below 64 bytes
// are ignored.
func WithMTU(n int) Option {
	return func(nd *Node) {
		if n >= 64 {
			nd.mtu = n
		}
	}
}

type localDest struct {
	dst    *destination
	id     transport.Identity
	onLink func(transport.Link)
}

// Node is one mesh participant.
type Node struct {
	mtu int

	mu        sync.Mutex
	closed    bool
	sessions  map[*session]struct{}
	local     map[[destHashLen]byte]*localDest
	paths     map[[destHashLen]byte]*session
	recalled  map[[destHashLen]byte]*pubIdentity
	handlers  []transport.AnnounceHandler
	links     map[[linkIDLen]byte]*link
	listeners []net.Listener
}

// NewNode returns an unconnected node.
func NewNode(opts ...Option) *Node {
	n := &Node{
		mtu:      DefaultMTU,
		sessions: make(map[*session]struct{}),
		local:    make(map[[destHashLen]byte]*localDest),
		paths:    make(map[[destHashLen]byte]*session),
		recalled: make(map[[destHashLen]byte]*pubIdentity),
		links:    make(map[[linkIDLen]byte]*link),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Pipe connects two nodes over an in-process duplex pipe.
func Pipe(a, b *Node) error {
	c1, c2 := net.Pipe()
	am, err := muxyamux.NewClient(c1, nil)
	if err != nil {
		_ = c1.Close()
		_ = c2.Close()
		return fmt.Errorf("meshsim: pipe client mux: %w", err)
	}
	bm, err := muxyamux.NewServer(c2, nil)
	if err != nil {
		_ = am.Close()
		_ = c2.Close()
		return fmt.Errorf("meshsim: pipe server mux: %w", err)
	}
	if err := a.addMux(am); err != nil {
		_ = bm.Close()
		return err
	}
	return b.addMux(bm)
}

// ListenTCP accepts peer connections on addr until the node closes.
// The returned address carries the chosen port when addr ends in ":0".
func (n *Node) ListenTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("meshsim: listen: %w", err)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ln.Close()
		return nil, ErrClosed
	}
	n.listeners = append(n.listeners, ln)
	n.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mux, err := muxyamux.NewServer(conn, nil)
			if err != nil {
				_ = conn.Close()
				continue
			}
			if err := n.addMux(mux); err != nil {
				_ = mux.Close()
			}
		}
	}()
	return ln.Addr(), nil
}

// DialTCP connects to a peer node listening on addr.
func (n *Node) DialTCP(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("meshsim: dial: %w", err)
	}
	mux, err := muxyamux.NewClient(conn, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("meshsim: dial mux: %w", err)
	}
	return n.addMux(mux)
}

func (n *Node) addMux(mux *yamux.Session) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.mu.Unlock()

	s, err := newSession(n, mux)
	if err != nil {
		return fmt.Errorf("meshsim: session setup: %w", err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.close()
		return ErrClosed
	}
	n.sessions[s] = struct{}{}
	n.mu.Unlock()
	return nil
}

// Close tears down all links, sessions, and listeners.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	listeners := n.listeners
	n.listeners = nil
	sessions := make([]*session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, l := range links {
		l.teardown()
	}
	for _, s := range sessions {
		s.close()
	}
}

// NewIdentity mints a fresh identity.
func (n *Node) NewIdentity() (transport.Identity, error) {
	return newIdentity()
}

// LoadIdentity restores an identity from its serialized private form.
func (n *Node) LoadIdentity(data []byte) (transport.Identity, error) {
	return loadIdentity(data)
}

// NewDestination derives the addressable destination for id under name.
func (n *Node) NewDestination(id transport.Identity, name string) (transport.Destination, error) {
	if id == nil {
		return nil, fmt.Errorf("meshsim: nil identity")
	}
	if name == "" {
		return nil, fmt.Errorf("meshsim: empty destination name")
	}
	return &destination{hash: destHashFor(id.Hash(), name), name: name}, nil
}

// RegisterDestination makes the node accept inbound links addressed to the
// destination derived from id and name. onLink fires for each established
// inbound link before any of its packets are dispatched.
func (n *Node) RegisterDestination(id transport.Identity, name string, onLink func(transport.Link)) (transport.Destination, error) {
	d, err := n.NewDestination(id, name)
	if err != nil {
		return nil, err
	}
	dst := d.(*destination)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	n.local[dst.hash] = &localDest{dst: dst, id: id, onLink: onLink}
	return dst, nil
}

// Announce broadcasts an announce for a registered destination, carrying
// appData verbatim to every connected peer.
func (n *Node) Announce(dst transport.Destination, appData []byte) error {
	key, ok := destKey(dst.Hash())
	if !ok {
		return fmt.Errorf("meshsim: bad destination hash")
	}
	n.mu.Lock()
	ld := n.local[key]
	if ld == nil {
		n.mu.Unlock()
		return fmt.Errorf("meshsim: destination not registered")
	}
	f := announceFrame{
		destHash: ld.dst.hash,
		name:     ld.dst.name,
		appData:  appData,
	}
	copy(f.identityHash[:], ld.id.Hash())
	sessions := make([]*session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	payload := f.encode()
	for _, s := range sessions {
		_ = s.writeControl(frameAnnounce, payload)
	}
	return nil
}

// RequestPath probes all peers for a path to dest. Replies arrive
// asynchronously; poll HasPath to observe them.
func (n *Node) RequestPath(dest []byte) {
	if len(dest) != destHashLen {
		return
	}
	n.mu.Lock()
	sessions := make([]*session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		_ = s.writeControl(framePathProbe, dest)
	}
}

// HasPath reports whether a peer has claimed reachability for dest.
func (n *Node) HasPath(dest []byte) bool {
	key, ok := destKey(dest)
	if !ok {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, found := n.paths[key]
	return found
}

// RecallIdentity returns the identity learned for dest from announces or
// path replies, or nil when unknown.
func (n *Node) RecallIdentity(dest []byte) transport.Identity {
	key, ok := destKey(dest)
	if !ok {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, found := n.recalled[key]; found {
		return id
	}
	return nil
}

// OpenLink starts establishing a link to dst over the session that claims
// a path to it. The returned link is pending until onEstablished fires.
func (n *Node) OpenLink(dst transport.Destination, onEstablished, onClosed func(transport.Link)) (transport.Link, error) {
	key, ok := destKey(dst.Hash())
	if !ok {
		return nil, fmt.Errorf("meshsim: bad destination hash")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	sess := n.paths[key]
	n.mu.Unlock()
	if sess == nil {
		return nil, ErrNoPath
	}

	var id [linkIDLen]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("meshsim: link id: %w", err)
	}

	st, err := sess.mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("meshsim: open link stream: %w", err)
	}
	l := &link{
		node:          n,
		sess:          sess,
		id:            id,
		dst:           dst,
		stream:        st,
		onEstablished: onEstablished,
		onClosed:      onClosed,
	}
	f := linkOpenFrame{linkID: id, destHash: key}
	if err := binframe.WriteFrame(st, frameLinkOpen, f.encode()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("meshsim: link open: %w", err)
	}
	n.addLink(l)
	go l.awaitAccept()
	return l, nil
}

// Links returns current links, established and pending.
func (n *Node) Links() []transport.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]transport.Link, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	return out
}

// AttachAnnounceHandler registers h for future announces.
func (n *Node) AttachAnnounceHandler(h transport.AnnounceHandler) {
	if h == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// DetachAnnounceHandler removes h. Unknown handlers are ignored.
func (n *Node) DetachAnnounceHandler(h transport.AnnounceHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.handlers {
		if cur == h {
			n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
			return
		}
	}
}

func (n *Node) addLink(l *link) {
	n.mu.Lock()
	n.links[l.id] = l
	n.mu.Unlock()
}

func (n *Node) removeLink(l *link) {
	n.mu.Lock()
	if cur, ok := n.links[l.id]; ok && cur == l {
		delete(n.links, l.id)
	}
	n.mu.Unlock()
}

func (n *Node) linkByID(id [linkIDLen]byte) *link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[id]
}

func (n *Node) localDest(hash [destHashLen]byte) *localDest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local[hash]
}

func (n *Node) handleAnnounce(s *session, f announceFrame) {
	rec := &pubIdentity{hash: f.identityHash}
	n.mu.Lock()
	n.paths[f.destHash] = s
	n.recalled[f.destHash] = rec
	handlers := append([]transport.AnnounceHandler(nil), n.handlers...)
	n.mu.Unlock()

	for _, h := range handlers {
		filter := h.AspectFilter()
		if filter != "" && filter != f.name {
			continue
		}
		dest := make([]byte, destHashLen)
		copy(dest, f.destHash[:])
		h.ReceivedAnnounce(dest, rec, append([]byte(nil), f.appData...))
	}
}

func (n *Node) handlePathProbe(s *session, dest []byte) {
	key, ok := destKey(dest)
	if !ok {
		return
	}
	ld := n.localDest(key)
	if ld == nil {
		return
	}
	f := pathInfoFrame{destHash: ld.dst.hash, name: ld.dst.name}
	copy(f.identityHash[:], ld.id.Hash())
	_ = s.writeControl(framePathInfo, f.encode())
}

func (n *Node) handlePathInfo(s *session, f pathInfoFrame) {
	n.mu.Lock()
	n.paths[f.destHash] = s
	n.recalled[f.destHash] = &pubIdentity{hash: f.identityHash}
	n.mu.Unlock()
}

// dropSession removes a dead session along with the paths and links that
// depended on it.
func (n *Node) dropSession(s *session) {
	n.mu.Lock()
	delete(n.sessions, s)
	for k, owner := range n.paths {
		if owner == s {
			delete(n.paths, k)
		}
	}
	stale := make([]*link, 0)
	for _, l := range n.links {
		if l.sess == s {
			stale = append(stale, l)
		}
	}
	n.mu.Unlock()

	for _, l := range stale {
		l.teardown()
	}
	s.close()
}

func destKey(hash []byte) ([destHashLen]byte, bool) {
	var key [destHashLen]byte
	if len(hash) != destHashLen {
		return key, false
	}
	copy(key[:], hash)
	return key, true
}
