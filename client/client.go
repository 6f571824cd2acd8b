// Package client implements the RRC side of the gateway: one Client holds
// one link to one hub and translates between wire envelopes and Go
// callbacks.
//
// A Client moves through Disconnected, PathWait, LinkPending, Identifying,
// HelloLoop and Welcomed. Connect drives the first five; the hub's WELCOME
// completes the handshake. After a link loss the same Client can Connect
// again.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kc1awv/rrc-web/internal/contextutil"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/version"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/rrcerrors"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/wire"

	"log/slog"
)

const (
	// clientName identifies this implementation in HELLO bodies.
	clientName = "rrc-web"

	hubHashLen    = 16
	maxNickLen    = 32
	maxHubNameLen = 200
)

// Client is a single-hub RRC protocol client.
//
// All methods are safe for concurrent use. Event delivery happens through
// Handlers registered with SetHandlers.
type Client struct {
	tr       transport.Transport
	identity transport.Identity
	opts     options
	log      *slog.Logger
	obs      observability.ClientObserver

	mu         sync.Mutex
	connecting bool
	link       transport.Link
	hubID      []byte
	welcomed   bool
	hubName    string
	hubVersion string
	hubCaps    map[uint64]bool
	nickname   string
	rooms      map[string]struct{}
	expect     []expectation
	active     map[transport.Resource]expectation
	handlers   Handlers
}

// New builds a Client for the given identity and mesh transport. The client
// does nothing until Connect.
func New(identity transport.Identity, tr transport.Transport, opts ...Option) (*Client, error) {
	if identity == nil {
		return nil, wrapErr(StageValidate, CodeBadField, ErrMissingIdentity)
	}
	if tr == nil {
		return nil, wrapErr(StageValidate, CodeBadField, ErrMissingTransport)
	}
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, wrapErr(StageValidate, CodeBadField, err)
	}
	return &Client{
		tr:       tr,
		identity: identity,
		opts:     cfg,
		log:      cfg.logger,
		obs:      cfg.observer,
		nickname: cfg.nickname,
		rooms:    make(map[string]struct{}),
		active:   make(map[transport.Resource]expectation),
	}, nil
}

// Connect establishes a session with the hub addressed by hubHash: resolve
// a path, recall the hub identity, derive and check the destination, open
// and identify a link, then repeat HELLO until the hub answers WELCOME.
//
// It returns once the session is welcomed or with a structured error
// (*Error) describing the stage that failed. One Connect at a time; a
// second call while connected or connecting fails with ALREADY_CONNECTED.
func (c *Client) Connect(ctx context.Context, hubHash []byte) error {
	start := time.Now()
	err := c.connect(ctx, hubHash)
	switch {
	case err == nil:
		c.obs.Connect(observability.ConnectResultOK, observability.ConnectReasonOK)
		c.obs.ConnectLatency(time.Since(start))
	case rrcerrors.CodeOf(err) != rrcerrors.CodeAlreadyConnected:
		c.obs.Connect(observability.ConnectResultFail, connectFailReason(err))
	}
	return err
}

func (c *Client) connect(ctx context.Context, hubHash []byte) error {
	start := time.Now()
	c.mu.Lock()
	if c.link != nil || c.connecting {
		c.mu.Unlock()
		return wrapErr(StageValidate, CodeAlreadyConnected, ErrAlreadyConnected)
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if len(hubHash) != hubHashLen {
		return wrapErr(StageValidate, CodeInvalidHash, ErrInvalidHubHash)
	}
	hubHex := hex.EncodeToString(hubHash)

	ctx, cancel := contextutil.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	c.log.Debug("resolving path to hub", "hub", hubHex)
	pathCtx, pathCancel := contextutil.WithTimeout(ctx, defaults.PathWaitCap)
	err := c.awaitPath(pathCtx, hubHash)
	pathCancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return wrapErr(StagePathWait, CodeCanceled, err)
		}
		return wrapErr(StagePathWait, CodeTimeout, ErrNoPathToHub)
	}

	hubID, err := c.awaitIdentity(ctx, hubHash)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return wrapErr(StageRecall, CodeCanceled, err)
		}
		return wrapErr(StageRecall, CodeTimeout, ErrIdentityUnknown)
	}

	dest, err := c.tr.NewDestination(hubID, c.opts.destName)
	if err != nil {
		return wrapErr(StageRecall, CodeTransport, err)
	}
	if !bytes.Equal(dest.Hash(), hubHash) {
		return wrapErr(StageRecall, CodeHashMismatch, ErrHashMismatch)
	}

	if c.opts.cleanupLinks {
		stale := 0
		for _, l := range c.tr.Links() {
			if d := l.Destination(); d != nil && bytes.Equal(d.Hash(), hubHash) {
				l.Teardown()
				stale++
			}
		}
		if stale > 0 {
			c.log.Debug("tore down stale links to hub", "hub", hubHex, "count", stale)
			if err := contextutil.Sleep(ctx, defaults.LinkSettle); err != nil {
				return wrapErr(StageLink, rrcerrors.ClassifyCode(err, CodeTimeout), err)
			}
		}
	}

	estCh := make(chan struct{})
	closedCh := make(chan struct{})
	var estOnce, closedOnce sync.Once
	link, err := c.tr.OpenLink(dest,
		func(transport.Link) {
			estOnce.Do(func() { close(estCh) })
		},
		func(l transport.Link) {
			closedOnce.Do(func() { close(closedCh) })
			c.handleLinkClosed(l)
		})
	if err != nil {
		return wrapErr(StageLink, CodeTransport, err)
	}

	c.mu.Lock()
	c.link = link
	c.hubID = hubID.Hash()
	c.welcomed = false
	c.hubName = ""
	c.hubVersion = ""
	c.hubCaps = nil
	c.rooms = make(map[string]struct{})
	c.expect = nil
	c.active = make(map[transport.Resource]expectation)
	c.mu.Unlock()

	// The hub never speaks before our HELLO, so registering callbacks after
	// OpenLink cannot miss traffic.
	link.SetResourceStrategy(transport.AcceptApp)
	link.SetResourceStartedCallback(func(r transport.Resource) bool {
		return c.resourceStarted(link, r)
	})
	link.SetResourceConcludedCallback(func(r transport.Resource) {
		c.resourceConcluded(link, r)
	})
	link.SetPacketCallback(func(data []byte) {
		c.handlePacket(link, data)
	})

	select {
	case <-estCh:
	case <-closedCh:
		return c.abortConnect(link, wrapErr(StageLink, CodeTransport, ErrLinkLost))
	case <-ctx.Done():
		return c.abortConnect(link, wrapErr(StageLink, rrcerrors.ClassifyCode(ctx.Err(), CodeTimeout), ctx.Err()))
	}
	c.obs.LinkUp(true)
	c.log.Debug("link established", "hub", hubHex)

	if err := link.Identify(c.identity); err != nil {
		return c.abortConnect(link, wrapErr(StageIdentify, CodeTransport, err))
	}

	if err := c.helloLoop(ctx, link, closedCh); err != nil {
		return c.abortConnect(link, err)
	}

	c.log.Info("connected to hub", "hub", hubHex, "name", c.HubName(), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// abortConnect tears down a half-built session. The teardown callback
// clears client state and fires OnClose.
func (c *Client) abortConnect(link transport.Link, err error) error {
	link.Teardown()
	return err
}

// awaitPath polls the transport path table with backoff until a path to
// dest shows up or ctx expires.
func (c *Client) awaitPath(ctx context.Context, dest []byte) error {
	c.tr.RequestPath(dest)
	interval := defaults.PathPollStart()
	for {
		if c.tr.HasPath(dest) {
			return nil
		}
		if err := contextutil.Sleep(ctx, interval); err != nil {
			return err
		}
		interval = defaults.NextPathPoll(interval)
	}
}

// awaitIdentity polls the transport identity cache with backoff until the
// identity behind dest is recalled or ctx expires.
func (c *Client) awaitIdentity(ctx context.Context, dest []byte) (transport.Identity, error) {
	interval := defaults.PathPollStart()
	for {
		if id := c.tr.RecallIdentity(dest); id != nil {
			return id, nil
		}
		if err := contextutil.Sleep(ctx, interval); err != nil {
			return nil, err
		}
		interval = defaults.NextPathPoll(interval)
	}
}

// helloLoop sends HELLO up to helloAttempts times, one per helloInterval,
// polling the welcomed flag between sends. It returns nil once a WELCOME
// for this link lands.
func (c *Client) helloLoop(ctx context.Context, link transport.Link, closedCh <-chan struct{}) error {
	poll := time.NewTicker(defaults.WelcomePoll)
	defer poll.Stop()

	for attempt := 1; attempt <= c.opts.helloAttempts; attempt++ {
		env, err := c.helloEnvelope()
		if err != nil {
			return err
		}
		if err := c.sendOn(StageHello, link, env); err != nil {
			return err
		}
		c.log.Debug("sent hello", "attempt", attempt)

		deadline := time.Now().Add(c.opts.helloInterval)
		for time.Now().Before(deadline) {
			select {
			case <-closedCh:
				return wrapErr(StageHello, CodeTransport, ErrLinkLost)
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return wrapErr(StageHello, CodeCanceled, ctx.Err())
				}
				return wrapErr(StageHello, CodeTimeout, ErrNoWelcome)
			case <-poll.C:
			}
			if c.welcomedOn(link) {
				return nil
			}
		}
	}
	return wrapErr(StageHello, CodeTimeout, ErrNoWelcome)
}

func (c *Client) helloEnvelope() (wire.Envelope, error) {
	env, err := c.newEnvelope(wire.TypeHello)
	if err != nil {
		return wire.Envelope{}, err
	}
	env.Body = wire.HelloBodyMap(clientName, version.Short(), map[uint64]bool{
		wire.CapResourceEnvelope: true,
	})
	return env, nil
}

func (c *Client) welcomedOn(link transport.Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == link && c.welcomed
}

// connectFailReason buckets a connect error for metrics.
func connectFailReason(err error) observability.ConnectReason {
	var e *Error
	if !errors.As(err, &e) {
		return observability.ConnectReasonLinkTimeout
	}
	if e.Code == CodeCanceled {
		return observability.ConnectReasonCanceled
	}
	switch e.Stage {
	case StageValidate:
		return observability.ConnectReasonInvalidHash
	case StagePathWait:
		return observability.ConnectReasonPathTimeout
	case StageRecall:
		if e.Code == CodeHashMismatch {
			return observability.ConnectReasonHashMismatch
		}
		return observability.ConnectReasonRecallFailed
	case StageHello, StageSend:
		return observability.ConnectReasonHelloTimeout
	default:
		return observability.ConnectReasonLinkTimeout
	}
}

// Join asks the hub to add us to room. An optional room key travels as the
// JOIN body. The local rooms set is only updated when the hub confirms
// with JOINED.
func (c *Client) Join(room string, key ...string) error {
	r := sanitize.NormalizeRoom(room)
	if r == "" {
		return wrapErr(StageValidate, CodeInvalidRoom, ErrInvalidRoom)
	}
	env, err := c.newEnvelope(wire.TypeJoin)
	if err != nil {
		return err
	}
	env.Room = r
	if len(key) > 0 && key[0] != "" {
		env.Body = key[0]
	}
	return c.send(env)
}

// Part asks the hub to remove us from room. On send success the room
// leaves the local set immediately, without waiting for PARTED.
func (c *Client) Part(room string) error {
	r := sanitize.NormalizeRoom(room)
	if r == "" {
		return wrapErr(StageValidate, CodeInvalidRoom, ErrInvalidRoom)
	}
	env, err := c.newEnvelope(wire.TypePart)
	if err != nil {
		return err
	}
	env.Room = r
	if err := c.send(env); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.rooms, r)
	c.mu.Unlock()
	return nil
}

// Msg sends chat text to room and returns the envelope id for delivery
// receipts.
func (c *Client) Msg(room, text string) ([]byte, error) {
	return c.sendText(wire.TypeMsg, room, text)
}

// Notice sends a notice to room. Same shape as Msg, different type.
func (c *Client) Notice(room, text string) ([]byte, error) {
	return c.sendText(wire.TypeNotice, room, text)
}

func (c *Client) sendText(t uint64, room, text string) ([]byte, error) {
	r := sanitize.NormalizeRoom(room)
	if r == "" {
		return nil, wrapErr(StageValidate, CodeInvalidRoom, ErrInvalidRoom)
	}
	clean := sanitize.Text(text, sanitize.MaxMessageText)
	if clean == "" {
		return nil, wrapErr(StageValidate, CodeBadField, ErrInvalidText)
	}
	env, err := c.newEnvelope(t)
	if err != nil {
		return nil, err
	}
	env.Room = r
	env.Body = clean
	if err := c.send(env); err != nil {
		return nil, err
	}
	return env.ID, nil
}

// Ping sends a keepalive PING and returns its envelope id.
func (c *Client) Ping() ([]byte, error) {
	env, err := c.newEnvelope(wire.TypePing)
	if err != nil {
		return nil, err
	}
	if err := c.send(env); err != nil {
		return nil, err
	}
	return env.ID, nil
}

// SetNickname updates the display name attached to subsequent envelopes.
// An empty nick clears it; a nick that sanitizes to nothing is an error.
func (c *Client) SetNickname(nick string) error {
	clean := ""
	if nick != "" {
		clean = sanitize.DisplayName(nick, maxNickLen)
		if clean == "" {
			return wrapErr(StageValidate, CodeInvalidNick, ErrInvalidNick)
		}
	}
	c.mu.Lock()
	c.nickname = clean
	c.mu.Unlock()
	return nil
}

// Close tears down the hub session. Safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	link := c.link
	if link == nil {
		c.mu.Unlock()
		return nil
	}
	actives := c.clearSessionLocked()
	onClose := c.handlers.OnClose
	c.mu.Unlock()

	c.cancelResources(actives)
	link.Teardown()
	c.obs.LinkUp(false)
	c.log.Info("disconnected from hub")
	c.emit("close", onClose)
	return nil
}

// handleLinkClosed reacts to the transport's link-closed callback. Events
// for links that are not the current one are stale and ignored.
func (c *Client) handleLinkClosed(link transport.Link) {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	actives := c.clearSessionLocked()
	onClose := c.handlers.OnClose
	c.mu.Unlock()

	c.cancelResources(actives)
	c.obs.LinkUp(false)
	c.log.Info("hub link closed")
	c.emit("close", onClose)
}

// clearSessionLocked resets all per-session state and returns the active
// resources for the caller to cancel outside the lock.
func (c *Client) clearSessionLocked() []transport.Resource {
	c.link = nil
	c.hubID = nil
	c.welcomed = false
	c.hubName = ""
	c.hubVersion = ""
	c.hubCaps = nil
	c.rooms = make(map[string]struct{})
	c.expect = nil
	actives := make([]transport.Resource, 0, len(c.active))
	for r := range c.active {
		actives = append(actives, r)
	}
	c.active = make(map[transport.Resource]expectation)
	return actives
}

func (c *Client) cancelResources(actives []transport.Resource) {
	for _, r := range actives {
		r.Cancel()
		if rc := r.Data(); rc != nil {
			_ = rc.Close()
		}
	}
}

// newEnvelope builds an outbound envelope carrying our source hash and the
// current nickname.
func (c *Client) newEnvelope(t uint64) (wire.Envelope, error) {
	env, err := wire.New(t, c.identity.Hash())
	if err != nil {
		return wire.Envelope{}, wrapErr(StageSend, CodeTransport, err)
	}
	env.Nick = c.Nickname()
	return env, nil
}

// sessionLink returns the current link when the session is welcomed.
// User-originated envelopes must not be sent before WELCOME.
func (c *Client) sessionLink() (transport.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil || !c.welcomed {
		return nil, wrapErr(StageSend, CodeNotConnected, ErrNotConnected)
	}
	return c.link, nil
}

func (c *Client) send(env wire.Envelope) error {
	link, err := c.sessionLink()
	if err != nil {
		return err
	}
	return c.sendOn(StageSend, link, env)
}

// sendOn encodes and transmits one envelope on link. The MTU pre-check via
// Pack runs before anything hits the wire, so an oversize message fails
// whole.
func (c *Client) sendOn(stage Stage, link transport.Link, env wire.Envelope) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return wrapErr(stage, rrcerrors.ClassifyCode(err, CodeBadField), err)
	}
	pkt := link.NewPacket(payload)
	if err := pkt.Pack(); err != nil {
		if errors.Is(err, transport.ErrPayloadTooLarge) {
			c.warn("Message is too large to send on this link.")
			return wrapErr(stage, CodeMsgTooLarge, ErrMessageTooLarge)
		}
		return wrapErr(stage, CodeTransport, err)
	}
	if err := pkt.Send(); err != nil {
		if errors.Is(err, transport.ErrLinkClosed) {
			return wrapErr(stage, CodeNotConnected, ErrNotConnected)
		}
		return wrapErr(stage, CodeTransport, err)
	}
	c.obs.EnvelopeOut(wire.TypeName(env.Type))
	return nil
}

func (c *Client) warn(text string) {
	h := c.handlersSnapshot()
	if h.OnWarning != nil {
		c.emit("warning", func() { h.OnWarning(text) })
	}
}

// Connected reports whether the session reached Welcomed and still holds a
// link.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && c.welcomed
}

// HubName returns the display name from the hub's WELCOME, or "".
func (c *Client) HubName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubName
}

// HubVersion returns the version string from the hub's WELCOME, or "".
func (c *Client) HubVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubVersion
}

// Rooms returns the rooms the hub has confirmed us into, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Nickname returns the current display name, or "".
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// IdentityHash returns a copy of the local identity hash.
func (c *Client) IdentityHash() []byte {
	h := c.identity.Hash()
	out := make([]byte, len(h))
	copy(out, h)
	return out
}
