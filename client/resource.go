package client

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/wire"
)

// maxResourceTextLen caps the decoded text of a resource. A resource byte
// decodes to at most one rune, and a rune re-encodes to at most 4 UTF-8
// bytes, so 4x the byte cap can never reject a size-conformant transfer.
const maxResourceTextLen = 4 * defaults.MaxResourceBytes

// expectation is one announced-but-not-yet-transferred resource. The hub
// declares id, kind, size and digest in a RESOURCE_ENVELOPE; the transfer
// itself arrives out of band and is matched back by exact size.
type expectation struct {
	id        []byte
	kind      string
	size      int64
	sha256    []byte
	encoding  string
	room      string
	createdAt time.Time
	expiresAt time.Time
}

// registerExpectation records a RESOURCE_ENVELOPE announcement. Announcing
// is cheap for the hub, so the table is small, keyed by id, and entries
// expire; an abusive peer can only ever evict its own announcements.
func (c *Client) registerExpectation(link transport.Link, env wire.Envelope) {
	ann, err := env.ResourceAnnouncement()
	if err != nil {
		c.obs.EnvelopeDrop(observability.DropReasonBadField)
		c.log.Debug("dropping bad resource announcement", "err", err)
		return
	}
	if ann.Size > c.opts.maxResourceBytes {
		c.obs.EnvelopeDrop(observability.DropReasonOversize)
		c.log.Debug("dropping resource announcement over size cap",
			"size", ann.Size, "max", c.opts.maxResourceBytes)
		return
	}

	now := time.Now()
	exp := expectation{
		id:        append([]byte(nil), ann.ID...),
		kind:      ann.Kind,
		size:      ann.Size,
		sha256:    append([]byte(nil), ann.SHA256...),
		encoding:  ann.Encoding,
		room:      sanitize.NormalizeRoom(env.Room),
		createdAt: now,
		expiresAt: now.Add(c.opts.expectationTTL),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != link {
		return
	}
	c.purgeExpectationsLocked(now)
	for i := range c.expect {
		if bytes.Equal(c.expect[i].id, exp.id) {
			c.expect[i] = exp
			return
		}
	}
	if len(c.expect) >= c.opts.maxExpectations {
		oldest := 0
		for i := range c.expect {
			if c.expect[i].createdAt.Before(c.expect[oldest].createdAt) {
				oldest = i
			}
		}
		c.log.Debug("evicting oldest resource expectation", "kind", c.expect[oldest].kind)
		c.expect = append(c.expect[:oldest], c.expect[oldest+1:]...)
	}
	c.expect = append(c.expect, exp)
}

// purgeExpectationsLocked drops expired entries. Expiry is lazy: it runs on
// registration and on transfer start, never on a timer.
func (c *Client) purgeExpectationsLocked(now time.Time) {
	kept := c.expect[:0]
	for _, exp := range c.expect {
		if now.Before(exp.expiresAt) {
			kept = append(kept, exp)
		}
	}
	c.expect = kept
}

// resourceStarted decides whether to accept an inbound transfer. Only
// transfers the hub announced first, matched by exact size in announcement
// order, are allowed through.
func (c *Client) resourceStarted(link transport.Link, r transport.Resource) bool {
	size := r.Size()
	if size <= 0 || size > c.opts.maxResourceBytes {
		c.log.Debug("rejecting resource over size cap", "size", size, "max", c.opts.maxResourceBytes)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != link {
		return false
	}
	if len(c.active) >= c.opts.maxActive {
		c.log.Warn("rejecting resource, too many active transfers", "active", len(c.active))
		return false
	}
	c.purgeExpectationsLocked(time.Now())
	for i := range c.expect {
		if c.expect[i].size == size {
			exp := c.expect[i]
			c.expect = append(c.expect[:i], c.expect[i+1:]...)
			c.active[r] = exp
			c.log.Debug("accepted resource transfer", "kind", exp.kind, "size", size, "active", len(c.active))
			return true
		}
	}
	c.log.Debug("rejecting resource without matching expectation", "size", size)
	return false
}

// resourceConcluded consumes a finished transfer: verify, decode, and hand
// the text to OnNotice as a synthesized NOTICE envelope.
func (c *Client) resourceConcluded(link transport.Link, r transport.Resource) {
	c.mu.Lock()
	exp, matched := c.active[r]
	delete(c.active, r)
	stale := c.link != link
	hubID := c.hubID
	c.mu.Unlock()

	if !matched || stale {
		c.closeResource(r)
		return
	}
	if status := r.Status(); status != transport.ResourceCompleted {
		c.closeResource(r)
		c.obs.ResourceConcluded(observability.ResourceResultFailed)
		c.log.Debug("resource transfer did not complete", "status", status)
		return
	}

	data, err := c.readResource(r)
	if err != nil {
		c.obs.ResourceConcluded(observability.ResourceResultFailed)
		c.log.Warn("failed to read resource data", "err", err)
		return
	}

	if len(exp.sha256) == sha256.Size {
		sum := sha256.Sum256(data)
		if !bytes.Equal(sum[:], exp.sha256) {
			c.obs.ResourceConcluded(observability.ResourceResultDigestMismatch)
			c.log.Warn("resource sha256 mismatch", "kind", exp.kind, "size", len(data))
			return
		}
	}

	if exp.kind == wire.KindBlob {
		c.obs.ResourceConcluded(observability.ResourceResultDiscarded)
		c.log.Debug("discarding blob resource", "size", len(data))
		return
	}

	text, err := decodeResourceText(data, exp.encoding)
	if err != nil {
		c.obs.ResourceConcluded(observability.ResourceResultDecodeError)
		c.log.Warn("failed to decode resource text", "encoding", exp.encoding, "err", err)
		return
	}
	text = sanitize.Text(text, maxResourceTextLen)
	if text == "" {
		c.obs.ResourceConcluded(observability.ResourceResultDiscarded)
		c.log.Debug("resource text empty after sanitization", "kind", exp.kind)
		return
	}

	env, err := c.syntheticNotice(hubID, exp, text)
	if err != nil {
		c.obs.ResourceConcluded(observability.ResourceResultFailed)
		c.log.Warn("cannot synthesize notice envelope", "err", err)
		return
	}
	c.obs.ResourceConcluded(observability.ResourceResultDelivered)
	c.log.Debug("resource delivered as notice", "kind", exp.kind, "room", exp.room, "chars", len(text))

	h := c.handlersSnapshot()
	if h.OnNotice != nil {
		c.emit("notice", func() { h.OnNotice(env) })
	}
}

// syntheticNotice wraps decoded resource text in a NOTICE envelope so
// consumers see one notice path. MOTDs carry no room; hub-side notices keep
// the room from their announcement.
func (c *Client) syntheticNotice(hubID []byte, exp expectation, text string) (wire.Envelope, error) {
	source := hubID
	if len(source) == 0 {
		source = make([]byte, hubHashLen)
	}
	env, err := wire.New(wire.TypeNotice, source)
	if err != nil {
		return wire.Envelope{}, err
	}
	if exp.kind == wire.KindNotice {
		env.Room = exp.room
	}
	env.Body = text
	return env, nil
}

// readResource drains the transfer payload with a hard byte cap. The size
// was checked at acceptance; the cap guards against a stream that delivers
// more than it announced.
func (c *Client) readResource(r transport.Resource) ([]byte, error) {
	rc := r.Data()
	if rc == nil {
		return nil, fmt.Errorf("completed resource has no data")
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, c.opts.maxResourceBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.opts.maxResourceBytes {
		return nil, fmt.Errorf("resource data exceeds %d bytes", c.opts.maxResourceBytes)
	}
	return data, nil
}

func (c *Client) closeResource(r transport.Resource) {
	if rc := r.Data(); rc != nil {
		_ = rc.Close()
	}
}

// decodeResourceText converts resource bytes to a UTF-8 string using an
// IANA-registered character set name. An empty name means UTF-8.
func decodeResourceText(data []byte, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, "utf-8") || strings.EqualFold(trimmed, "utf8") {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("payload is not valid UTF-8")
		}
		return string(data), nil
	}
	enc, err := ianaindex.IANA.Encoding(trimmed)
	if err != nil || enc == nil {
		return "", fmt.Errorf("unsupported text encoding %q", name)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", trimmed, err)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("decoded payload is not valid UTF-8")
	}
	return string(out), nil
}
