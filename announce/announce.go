// Package announce turns transport announces into hub catalog records.
//
// Hubs advertise themselves by announcing a destination under the
// "rrc.hub" aspect, optionally attaching a display name in the announce
// app data. Several app-data shapes circulate: a msgpack map with
// proto/hub (or name/n/hub) fields, a msgpack list whose last element is
// the name, a bare msgpack string, or raw UTF-8 text. Handler accepts all
// of them and synthesizes a name from the destination hash when none is
// offered. Structurally hostile app data drops the whole announce so a
// malformed broadcast can never disturb catalog entries recorded earlier.
package announce

import (
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/kc1awv/rrc-web/discovery"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/sanitize"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/wire"
)

const (
	destHashLen   = 16
	maxNameLen    = 200
	maxMapKeys    = 20
	maxListItems  = 20
	maxBareString = 200

	// maxDecodedChars bounds the stringified form of any decoded value a
	// name could come from. Larger values mean someone is stuffing data
	// into the announce channel, not naming a hub.
	maxDecodedChars = 1000
)

// Sink receives hubs parsed from announces. Calls arrive on transport
// callback goroutines; implementations own their locking.
type Sink interface {
	HubDiscovered(hub discovery.Hub)
}

// Handler implements transport.AnnounceHandler for hub discovery. Attach
// it with Transport.AttachAnnounceHandler; the sink must not be nil.
type Handler struct {
	sink   Sink
	aspect string
	log    *slog.Logger
}

// Option adjusts a Handler.
type Option func(*Handler)

// WithAspect overrides the destination aspect the handler listens for.
func WithAspect(aspect string) Option {
	return func(h *Handler) {
		if aspect != "" {
			h.aspect = aspect
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler builds a Handler delivering parsed hubs to sink.
func NewHandler(sink Sink, opts ...Option) *Handler {
	h := &Handler{
		sink:   sink,
		aspect: defaults.HubAspect,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// AspectFilter reports the destination aspect this handler wants
// announces for.
func (h *Handler) AspectFilter() string { return h.aspect }

// ReceivedAnnounce parses one announce into a hub record and hands it to
// the sink. Announces that fail a structural check are dropped without
// reaching the sink.
func (h *Handler) ReceivedAnnounce(destHash []byte, announced transport.Identity, appData []byte) {
	if len(destHash) != destHashLen {
		h.log.Debug("ignoring announce with unexpected hash length", "len", len(destHash))
		return
	}
	hashHex := fmt.Sprintf("%x", destHash)

	var name string
	if len(appData) > 0 {
		if len(appData) > defaults.MaxAnnounceAppData {
			h.log.Warn("ignoring announce with oversized app data",
				"bytes", len(appData), "max", defaults.MaxAnnounceAppData)
			return
		}
		extracted, ok := h.extractName(appData)
		if !ok {
			return
		}
		name = extracted
	}

	if len(name) > maxDecodedChars {
		h.log.Debug("announce name too long, synthesizing", "chars", len(name))
		name = ""
	}
	if name == "" {
		name = "Hub " + hashHex[:8]
	}
	cleaned := sanitize.DisplayName(name, maxNameLen)
	if cleaned == "" {
		cleaned = "Hub " + hashHex[:8]
	}

	hub := discovery.Hub{
		Hash:     hashHex,
		Name:     cleaned,
		Aspect:   h.aspect,
		LastSeen: time.Now().Unix(),
	}
	h.log.Info("discovered hub", "name", hub.Name, "hash", hashHex[:16])
	h.sink.HubDiscovered(hub)
}

// extractName pulls a display name out of announce app data. ok reports
// whether the announce should proceed at all: false drops it. An empty
// name with ok=true means the announce offered none and a name should be
// synthesized.
func (h *Handler) extractName(appData []byte) (string, bool) {
	v, err := wire.DecodeValue(appData, defaults.MaxAnnounceAppData)
	if err != nil {
		// Not msgpack. Minimal hubs announce a bare UTF-8 name.
		if !utf8.Valid(appData) {
			h.log.Debug("ignoring announce app data that is neither msgpack nor UTF-8",
				"bytes", len(appData))
			return "", false
		}
		return string(appData), true
	}

	switch val := v.(type) {
	case map[any]any:
		return h.nameFromMap(val)
	case []any:
		if len(val) > maxListItems {
			h.log.Warn("ignoring announce with oversized list", "items", len(val))
			return "", false
		}
		if len(val) == 0 {
			return "", true
		}
		if s, ok := valueString(val[len(val)-1]); ok {
			return s, true
		}
		return "", true
	case string:
		if len(val) > maxBareString {
			h.log.Warn("ignoring announce with oversized string", "chars", len(val))
			return "", false
		}
		return val, true
	default:
		return "", true
	}
}

// nameFromMap resolves a name from a decoded announce map. RRC hubs send
// {proto: "rrc", hub: <name>}; other announcers use name, n, or hub keys.
func (h *Handler) nameFromMap(m map[any]any) (string, bool) {
	if len(m) > maxMapKeys {
		h.log.Warn("ignoring announce with oversized map", "keys", len(m))
		return "", false
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		ks, ok := keyString(k)
		if !ok {
			h.log.Warn("ignoring announce with unsupported map key", "type", fmt.Sprintf("%T", k))
			return "", false
		}
		switch v.(type) {
		case map[any]any, []any:
			if len(fmt.Sprint(v)) > maxDecodedChars {
				h.log.Warn("ignoring announce with oversized nested value", "key", ks)
				return "", false
			}
		}
		fields[ks] = v
	}

	if proto, ok := valueString(fields["proto"]); ok && proto == "rrc" {
		if hubVal, present := fields["hub"]; present {
			if name, ok := valueString(hubVal); ok {
				return name, true
			}
			return "", true
		}
	}
	for _, key := range []string{"name", "n", "hub"} {
		if name, ok := valueString(fields[key]); ok && name != "" {
			return name, true
		}
	}
	return "", true
}

// keyString normalizes a decoded map key. Announcers key with strings,
// byte strings, or integers; anything else marks the map as hostile.
func keyString(k any) (string, bool) {
	switch key := k.(type) {
	case string:
		return key, true
	case []byte:
		if !utf8.Valid(key) {
			return "", false
		}
		return string(key), true
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, uint:
		return fmt.Sprint(key), true
	default:
		return "", false
	}
}

// valueString extracts a usable name value. Byte strings must be valid
// UTF-8; any other type is not a name.
func valueString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		if !utf8.Valid(val) {
			return "", false
		}
		return string(val), true
	default:
		return "", false
	}
}
