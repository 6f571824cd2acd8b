package client

import "github.com/kc1awv/rrc-web/wire"

// Handlers receives protocol events. All fields are optional; nil handlers
// are skipped.
//
// Handlers run on transport goroutines, outside the client lock, one event
// at a time per link. They must not block for long and must not call back
// into Connect or Close; outbound sends (Join, Msg, Pong replies already
// happen internally) are safe.
type Handlers struct {
	// OnWelcome fires once per connection when the hub accepts the HELLO.
	OnWelcome func(hub string)

	// OnMessage fires for every chat message, OnNotice for every notice,
	// including notices the client synthesizes from resource transfers.
	OnMessage func(env wire.Envelope)
	OnNotice  func(env wire.Envelope)

	// OnJoined and OnParted fire on hub confirmations. room is the
	// normalized room name; env carries the member list.
	OnJoined func(room string, env wire.Envelope)
	OnParted func(room string, env wire.Envelope)

	// OnPong fires on keepalive replies.
	OnPong func(env wire.Envelope)

	// OnError fires on ERROR envelopes from the hub.
	OnError func(env wire.Envelope)

	// OnWarning fires for local conditions worth surfacing to a person,
	// such as an outbound message exceeding the link packet size.
	OnWarning func(text string)

	// OnClose fires once when the hub link goes away, whatever the cause.
	OnClose func()
}

// SetHandlers replaces the event handlers. Call it before Connect;
// replacing handlers mid-session applies to subsequent events.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Client) handlersSnapshot() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// emit runs one handler, swallowing panics so a misbehaving handler cannot
// poison the transport worker that delivered the event.
func (c *Client) emit(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}
