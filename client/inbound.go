package client

import (
	"errors"

	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/wire"
)

// handlePacket decodes one inbound packet and dispatches it. Anything that
// does not decode into a valid envelope is dropped; a protocol peer must
// never be able to take the client down with a crafted packet.
func (c *Client) handlePacket(link transport.Link, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		c.obs.EnvelopeDrop(dropReason(err))
		c.log.Debug("dropping undecodable packet", "bytes", len(data), "err", err)
		return
	}
	c.obs.EnvelopeIn(wire.TypeName(env.Type))

	switch env.Type {
	case wire.TypeWelcome:
		c.handleWelcome(link, env)
	case wire.TypeJoined:
		c.handleMembership(link, env, true)
	case wire.TypeParted:
		c.handleMembership(link, env, false)
	case wire.TypeMsg:
		h := c.handlersSnapshot()
		if h.OnMessage != nil {
			c.emit("message", func() { h.OnMessage(env) })
		}
	case wire.TypeNotice:
		h := c.handlersSnapshot()
		if h.OnNotice != nil {
			c.emit("notice", func() { h.OnNotice(env) })
		}
	case wire.TypePing:
		c.replyPong(link, env)
	case wire.TypePong:
		h := c.handlersSnapshot()
		if h.OnPong != nil {
			c.emit("pong", func() { h.OnPong(env) })
		}
	case wire.TypeError:
		h := c.handlersSnapshot()
		if h.OnError != nil {
			c.emit("error", func() { h.OnError(env) })
		}
	case wire.TypeResourceEnvelope:
		c.registerExpectation(link, env)
	default:
		c.obs.EnvelopeDrop(observability.DropReasonUnknownType)
		c.log.Debug("ignoring unknown envelope type", "type", env.Type)
	}
}

// handleWelcome records the hub's identity card and flips the session to
// welcomed. Only the first WELCOME on a link fires OnWelcome; hubs that
// re-send their greeting just refresh the stored metadata.
func (c *Client) handleWelcome(link transport.Link, env wire.Envelope) {
	hub, ver, caps := env.WelcomeBody()
	hub = sanitize.DisplayName(hub, maxHubNameLen)

	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	first := !c.welcomed
	c.welcomed = true
	c.hubName = hub
	c.hubVersion = ver
	c.hubCaps = caps
	onWelcome := c.handlers.OnWelcome
	c.mu.Unlock()

	c.log.Debug("welcome received", "hub", hub, "version", ver, "first", first)
	if first && onWelcome != nil {
		c.emit("welcome", func() { onWelcome(hub) })
	}
}

// handleMembership applies a JOINED or PARTED to the local room set and
// forwards the envelope. Interpreting the member list (self versus delta)
// is the consumer's call; the client only tracks which rooms it is in.
func (c *Client) handleMembership(link transport.Link, env wire.Envelope, joined bool) {
	room := sanitize.NormalizeRoom(env.Room)
	if room == "" {
		c.obs.EnvelopeDrop(observability.DropReasonBadField)
		c.log.Debug("membership event without a usable room", "type", wire.TypeName(env.Type))
		return
	}

	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	if joined {
		c.rooms[room] = struct{}{}
	} else {
		delete(c.rooms, room)
	}
	var fn func(room string, env wire.Envelope)
	if joined {
		fn = c.handlers.OnJoined
	} else {
		fn = c.handlers.OnParted
	}
	c.mu.Unlock()

	if fn != nil {
		name := "parted"
		if joined {
			name = "joined"
		}
		c.emit(name, func() { fn(room, env) })
	}
}

// replyPong answers a hub PING in kind, echoing the probe body. Pongs are
// protocol traffic, not user traffic, so they go out even before WELCOME.
func (c *Client) replyPong(link transport.Link, ping wire.Envelope) {
	env, err := wire.New(wire.TypePong, c.identity.Hash())
	if err != nil {
		c.log.Debug("cannot build pong", "err", err)
		return
	}
	env.Body = ping.Body
	if err := c.sendOn(StageSend, link, env); err != nil {
		c.log.Debug("pong send failed", "err", err)
	}
}

// dropReason buckets a decode failure for metrics.
func dropReason(err error) observability.DropReason {
	switch {
	case errors.Is(err, wire.ErrBadVersion):
		return observability.DropReasonBadVersion
	case errors.Is(err, wire.ErrBadField):
		return observability.DropReasonBadField
	case errors.Is(err, wire.ErrTooLarge):
		return observability.DropReasonOversize
	default:
		return observability.DropReasonMalformed
	}
}
