// Package hubsim implements enough hub behavior to run the gateway against
// without a real relay hub: the HELLO/WELCOME handshake, room membership
// with the snapshot/delta member-list convention, chat relay, keepalive
// echo, an optional MOTD pushed as a resource transfer, and periodic
// announces. The dev hub binary and the end-to-end tests share it.
package hubsim

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/meshsim"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/wire"
)

// member is one identified session. A reconnect under the same identity
// replaces the link.
type member struct {
	hash []byte
	link transport.Link
}

// Hub is a simulated relay hub bound to one meshsim node.
type Hub struct {
	node *meshsim.Node
	log  *slog.Logger

	name    string
	version string
	motd    string

	id  transport.Identity
	dst transport.Destination

	mu      sync.Mutex
	members map[string]*member            // identity hash hex -> session
	rooms   map[string]map[string]*member // room -> member hash hex
	fences  map[string]pendingResource    // ping marker -> transfer to start
}

// pendingResource is a resource transfer waiting for its fence PONG, which
// proves the peer has processed the announcement.
type pendingResource struct {
	link    transport.Link
	payload []byte
}

// Option adjusts a Hub.
type Option func(*Hub)

// WithName sets the hub display name sent in WELCOME and announces.
func WithName(name string) Option {
	return func(h *Hub) {
		if name != "" {
			h.name = name
		}
	}
}

// WithVersion sets the version string sent in WELCOME.
func WithVersion(v string) Option {
	return func(h *Hub) {
		if v != "" {
			h.version = v
		}
	}
}

// WithMOTD sets a message of the day pushed to every client after WELCOME.
func WithMOTD(text string) Option {
	return func(h *Hub) { h.motd = text }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// New registers a hub destination on node and starts accepting links.
func New(node *meshsim.Node, opts ...Option) (*Hub, error) {
	h := &Hub{
		node:    node,
		log:     slog.Default(),
		name:    "RRC Hub Simulator",
		version: "0.1.0",
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
		fences:  make(map[string]pendingResource),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	id, err := node.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("hub identity: %w", err)
	}
	h.id = id

	dst, err := node.RegisterDestination(id, defaults.HubAspect, h.onLink)
	if err != nil {
		return nil, fmt.Errorf("hub destination: %w", err)
	}
	h.dst = dst

	h.log.Info("hub ready", "name", h.name, "hash", h.HashHex())
	return h, nil
}

// Identity returns the hub identity.
func (h *Hub) Identity() transport.Identity { return h.id }

// Name returns the hub display name.
func (h *Hub) Name() string { return h.name }

// Destination returns the hub destination clients dial.
func (h *Hub) Destination() transport.Destination { return h.dst }

// HashHex returns the hub destination hash as lowercase hex, the form
// users type into the gateway.
func (h *Hub) HashHex() string { return hex.EncodeToString(h.dst.Hash()) }

// Announce broadcasts the hub destination with the discovery app-data map.
func (h *Hub) Announce() error {
	appData, err := msgpack.Marshal(map[string]string{
		"proto": "rrc",
		"hub":   h.name,
	})
	if err != nil {
		return fmt.Errorf("announce app data: %w", err)
	}
	return h.node.Announce(h.dst, appData)
}

// AnnounceEvery announces immediately and then on the given interval until
// ctx is canceled.
func (h *Hub) AnnounceEvery(ctx context.Context, interval time.Duration) {
	if err := h.Announce(); err != nil {
		h.log.Warn("announce failed", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Announce(); err != nil {
				h.log.Warn("announce failed", "err", err)
			}
		}
	}
}

func (h *Hub) onLink(l transport.Link) {
	l.SetPacketCallback(func(data []byte) { h.onPacket(l, data) })
}

func (h *Hub) onPacket(l transport.Link, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		h.log.Debug("dropping undecodable packet", "err", err)
		return
	}
	switch env.Type {
	case wire.TypeHello:
		h.onHello(l, env)
	case wire.TypeJoin:
		h.onJoin(l, env)
	case wire.TypePart:
		h.onPart(l, env)
	case wire.TypeMsg, wire.TypeNotice:
		h.relay(l, env)
	case wire.TypePing:
		h.onPing(l, env)
	case wire.TypePong:
		h.onPong(env)
	default:
		// Unknown types are ignored so newer clients keep working.
	}
}

func (h *Hub) onHello(l transport.Link, env wire.Envelope) {
	mh := hex.EncodeToString(env.Source)

	h.mu.Lock()
	h.members[mh] = &member{hash: env.Source, link: l}
	h.mu.Unlock()

	welcome, err := wire.New(wire.TypeWelcome, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build welcome", "err", err)
		return
	}
	welcome.Body = wire.WelcomeBodyMap(h.name, h.version,
		map[uint64]bool{wire.CapResourceEnvelope: true})
	if err := h.send(l, welcome); err != nil {
		h.log.Warn("welcome send failed", "err", err)
		return
	}
	name, ver, _ := env.HelloBody()
	h.log.Info("client connected", "hash", mh, "client", name, "ver", ver)

	if h.motd != "" {
		h.pushMOTD(l)
	}
}

// pushMOTD announces the MOTD as a resource, then sends a fence PING. The
// raw transfer starts only when the fence PONG comes back, which proves
// the client has registered the expectation.
func (h *Hub) pushMOTD(l transport.Link) {
	payload := []byte(h.motd)
	sum := sha256.Sum256(payload)

	resID := make([]byte, 8)
	if _, err := rand.Read(resID); err != nil {
		h.log.Warn("cannot build resource id", "err", err)
		return
	}

	ann, err := wire.New(wire.TypeResourceEnvelope, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build resource envelope", "err", err)
		return
	}
	ann.Body = wire.ResourceBody(wire.ResourceAnnouncement{
		ID:     resID,
		Kind:   wire.KindMOTD,
		Size:   int64(len(payload)),
		SHA256: sum[:],
	})
	if err := h.send(l, ann); err != nil {
		h.log.Warn("motd announcement failed", "err", err)
		return
	}

	marker := hex.EncodeToString(resID)
	h.mu.Lock()
	h.fences[marker] = pendingResource{link: l, payload: payload}
	h.mu.Unlock()

	fence, err := wire.New(wire.TypePing, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build fence ping", "err", err)
		return
	}
	fence.Body = marker
	if err := h.send(l, fence); err != nil {
		h.log.Warn("fence ping failed", "err", err)
	}
}

// onPong completes a pending MOTD fence. Pongs that match no fence are
// keepalive echoes and carry no hub-side state.
func (h *Hub) onPong(env wire.Envelope) {
	marker := env.BodyText()
	if marker == "" {
		return
	}
	h.mu.Lock()
	pending, ok := h.fences[marker]
	if ok {
		delete(h.fences, marker)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	sender, ok := pending.link.(meshsim.ResourceSender)
	if !ok {
		h.log.Warn("link cannot carry resources")
		return
	}
	// Off the packet callback: the transfer is flow-controlled and may
	// outlive several inbound packets.
	go func() {
		if err := sender.SendResource(pending.payload); err != nil {
			h.log.Warn("motd transfer failed", "err", err)
		}
	}()
}

func (h *Hub) onJoin(l transport.Link, env wire.Envelope) {
	room := sanitize.NormalizeRoom(env.Room)
	if room == "" {
		return
	}
	mh := hex.EncodeToString(env.Source)

	h.mu.Lock()
	m, known := h.members[mh]
	if !known {
		m = &member{hash: env.Source, link: l}
		h.members[mh] = m
	}
	m.link = l
	r, ok := h.rooms[room]
	if !ok {
		r = make(map[string]*member)
		h.rooms[room] = r
	}
	_, already := r[mh]
	r[mh] = m

	// Snapshot for the joiner: every member including the joiner, or an
	// empty list when alone. A single-element list would read as a delta.
	var snapshot [][]byte
	if len(r) > 1 {
		snapshot = h.memberHashesLocked(r)
	}
	others := h.othersLocked(r, mh)
	h.mu.Unlock()

	joined, err := wire.New(wire.TypeJoined, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build joined", "err", err)
		return
	}
	joined.Room = room
	joined.Body = wire.MemberListBody(snapshot)
	if err := h.send(l, joined); err != nil {
		h.log.Warn("joined send failed", "room", room, "err", err)
	}

	if already {
		return
	}
	delta, err := wire.New(wire.TypeJoined, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build joined delta", "err", err)
		return
	}
	delta.Room = room
	delta.Body = wire.MemberListBody([][]byte{env.Source})
	h.sendToAll(others, delta)
}

func (h *Hub) onPart(l transport.Link, env wire.Envelope) {
	room := sanitize.NormalizeRoom(env.Room)
	if room == "" {
		return
	}
	mh := hex.EncodeToString(env.Source)

	h.mu.Lock()
	r := h.rooms[room]
	_, wasMember := r[mh]
	if wasMember {
		delete(r, mh)
		if len(r) == 0 {
			delete(h.rooms, room)
		}
	}
	others := h.othersLocked(r, mh)
	h.mu.Unlock()

	parted, err := wire.New(wire.TypeParted, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build parted", "err", err)
		return
	}
	parted.Room = room
	parted.Body = wire.MemberListBody(nil)
	if err := h.send(l, parted); err != nil {
		h.log.Warn("parted send failed", "room", room, "err", err)
	}

	if !wasMember {
		return
	}
	delta, err := wire.New(wire.TypeParted, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build parted delta", "err", err)
		return
	}
	delta.Room = room
	delta.Body = wire.MemberListBody([][]byte{env.Source})
	h.sendToAll(others, delta)
}

// relay forwards a chat envelope unchanged. Room messages go to every room
// member including the sender; the echo is how the sender's own UI renders
// the message. Room-less messages are hub-wide and reach every session.
func (h *Hub) relay(l transport.Link, env wire.Envelope) {
	mh := hex.EncodeToString(env.Source)

	h.mu.Lock()
	var targets []*member
	if env.Room == "" {
		targets = h.allMembersLocked()
	} else {
		room := sanitize.NormalizeRoom(env.Room)
		r := h.rooms[room]
		if _, ok := r[mh]; !ok {
			h.mu.Unlock()
			h.sendError(l, fmt.Sprintf("not in room: %s", room))
			return
		}
		targets = h.allOfLocked(r)
	}
	h.mu.Unlock()

	h.sendToAll(targets, env)
}

func (h *Hub) onPing(l transport.Link, env wire.Envelope) {
	pong, err := wire.New(wire.TypePong, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build pong", "err", err)
		return
	}
	pong.Body = env.Body
	if err := h.send(l, pong); err != nil {
		h.log.Debug("pong send failed", "err", err)
	}
}

func (h *Hub) sendError(l transport.Link, text string) {
	errEnv, err := wire.New(wire.TypeError, h.id.Hash())
	if err != nil {
		h.log.Warn("cannot build error", "err", err)
		return
	}
	errEnv.Body = text
	if err := h.send(l, errEnv); err != nil {
		h.log.Debug("error send failed", "err", err)
	}
}

func (h *Hub) send(l transport.Link, env wire.Envelope) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", wire.TypeName(env.Type), err)
	}
	return l.NewPacket(payload).Send()
}

// sendToAll delivers env to every target, pruning members whose link
// rejects the send. A dead link surfaces here first.
func (h *Hub) sendToAll(targets []*member, env wire.Envelope) {
	var dead []string
	for _, m := range targets {
		if err := h.send(m.link, env); err != nil {
			h.log.Debug("relay send failed", "peer", hex.EncodeToString(m.hash), "err", err)
			dead = append(dead, hex.EncodeToString(m.hash))
		}
	}
	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, mh := range dead {
		delete(h.members, mh)
		for room, r := range h.rooms {
			delete(r, mh)
			if len(r) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

// memberHashesLocked returns the room's member hashes in stable order.
func (h *Hub) memberHashesLocked(r map[string]*member) [][]byte {
	keys := make([]string, 0, len(r))
	for mh := range r {
		keys = append(keys, mh)
	}
	sort.Strings(keys)
	hashes := make([][]byte, 0, len(keys))
	for _, mh := range keys {
		hashes = append(hashes, r[mh].hash)
	}
	return hashes
}

func (h *Hub) othersLocked(r map[string]*member, except string) []*member {
	others := make([]*member, 0, len(r))
	for mh, m := range r {
		if mh != except {
			others = append(others, m)
		}
	}
	return others
}

func (h *Hub) allOfLocked(r map[string]*member) []*member {
	all := make([]*member, 0, len(r))
	for _, m := range r {
		all = append(all, m)
	}
	return all
}

func (h *Hub) allMembersLocked() []*member {
	all := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		all = append(all, m)
	}
	return all
}
