package wire

import (
	"errors"
	"fmt"
)

// ErrBadResource marks resource announcements that violate the sub-schema.
var ErrBadResource = errors.New("invalid resource announcement")

// ResourceAnnouncement is the parsed body of a RESOURCE_ENVELOPE message.
type ResourceAnnouncement struct {
	ID       []byte
	Kind     string
	Size     int64
	SHA256   []byte // nil when the hub did not supply a digest
	Encoding string // "" means utf-8
}

// bodyMap returns the envelope body as an untyped map, or nil.
func (e Envelope) bodyMap() map[any]any {
	m, _ := e.Body.(map[any]any)
	return m
}

// BodyText returns the body when it is a string, else "".
func (e Envelope) BodyText() string {
	s, _ := e.Body.(string)
	return s
}

// mapString looks up a string-valued field in an untyped body map.
func mapString(m map[any]any, key uint64) string {
	for k, v := range m {
		if u, ok := asUint(k); ok && u == key {
			s, _ := v.(string)
			return s
		}
	}
	return ""
}

// mapValue looks up any field in an untyped body map.
func mapValue(m map[any]any, key uint64) (any, bool) {
	for k, v := range m {
		if u, ok := asUint(k); ok && u == key {
			return v, true
		}
	}
	return nil, false
}

// HelloBody reads a HELLO body: client name, version and capability flags.
// Missing or mistyped fields come back as zero values.
func (e Envelope) HelloBody() (name, ver string, caps map[uint64]bool) {
	m := e.bodyMap()
	if m == nil {
		return "", "", nil
	}
	return mapString(m, HelloName), mapString(m, HelloVer), capsMap(m, HelloCaps)
}

// WelcomeBody reads a WELCOME body: hub name, version and capability flags.
func (e Envelope) WelcomeBody() (hub, ver string, caps map[uint64]bool) {
	m := e.bodyMap()
	if m == nil {
		return "", "", nil
	}
	return mapString(m, WelcomeHub), mapString(m, WelcomeVer), capsMap(m, WelcomeCaps)
}

func capsMap(m map[any]any, key uint64) map[uint64]bool {
	v, ok := mapValue(m, key)
	if !ok {
		return nil
	}
	raw, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	caps := make(map[uint64]bool, len(raw))
	for k, val := range raw {
		u, ok := asUint(k)
		if !ok {
			continue
		}
		b, ok := val.(bool)
		if !ok {
			continue
		}
		caps[u] = b
	}
	return caps
}

// MemberList reads a JOINED/PARTED member list. The body may be a map with
// the users key or a bare list. rawLen is the unfiltered list length: the
// self-vs-delta decision uses it, so junk entries still count.
func (e Envelope) MemberList() (members [][]byte, rawLen int) {
	var list []any
	switch b := e.Body.(type) {
	case map[any]any:
		if v, ok := mapValue(b, JoinedUsers); ok {
			list, _ = v.([]any)
		}
	case []any:
		list = b
	}
	for _, item := range list {
		if b, ok := item.([]byte); ok {
			members = append(members, b)
		}
	}
	return members, len(list)
}

// ResourceAnnouncement parses a RESOURCE_ENVELOPE body. Size-versus-limit
// policy is the receiver's concern; this only enforces the schema.
func (e Envelope) ResourceAnnouncement() (ResourceAnnouncement, error) {
	m := e.bodyMap()
	if m == nil {
		return ResourceAnnouncement{}, fmt.Errorf("%w: body is not a map", ErrBadResource)
	}

	var ann ResourceAnnouncement

	idv, _ := mapValue(m, ResID)
	id, ok := idv.([]byte)
	if !ok || len(id) == 0 {
		return ResourceAnnouncement{}, fmt.Errorf("%w: missing id", ErrBadResource)
	}
	ann.ID = id

	switch kind := mapString(m, ResKind); kind {
	case KindNotice, KindMOTD, KindBlob:
		ann.Kind = kind
	default:
		return ResourceAnnouncement{}, fmt.Errorf("%w: unknown kind %q", ErrBadResource, kind)
	}

	sizev, _ := mapValue(m, ResSize)
	size, ok := asUint(sizev)
	if !ok || size == 0 {
		return ResourceAnnouncement{}, fmt.Errorf("%w: bad size", ErrBadResource)
	}
	ann.Size = int64(size)

	if v, present := mapValue(m, ResSHA256); present && v != nil {
		sum, ok := v.([]byte)
		if !ok || len(sum) != 32 {
			return ResourceAnnouncement{}, fmt.Errorf("%w: sha256 must be 32 bytes", ErrBadResource)
		}
		ann.SHA256 = sum
	}

	if v, present := mapValue(m, ResEncoding); present && v != nil {
		enc, ok := v.(string)
		if !ok {
			return ResourceAnnouncement{}, fmt.Errorf("%w: encoding must be a string", ErrBadResource)
		}
		ann.Encoding = enc
	}

	return ann, nil
}

// HelloBodyMap builds an outbound HELLO body.
func HelloBodyMap(name, ver string, caps map[uint64]bool) map[uint64]any {
	return map[uint64]any{
		HelloName: name,
		HelloVer:  ver,
		HelloCaps: caps,
	}
}

// WelcomeBodyMap builds an outbound WELCOME body.
func WelcomeBodyMap(hub, ver string, caps map[uint64]bool) map[uint64]any {
	return map[uint64]any{
		WelcomeHub:  hub,
		WelcomeVer:  ver,
		WelcomeCaps: caps,
	}
}

// MemberListBody builds an outbound JOINED/PARTED body.
func MemberListBody(members [][]byte) map[uint64]any {
	list := make([]any, 0, len(members))
	for _, m := range members {
		list = append(list, m)
	}
	return map[uint64]any{JoinedUsers: list}
}

// ResourceBody builds an outbound RESOURCE_ENVELOPE body.
func ResourceBody(ann ResourceAnnouncement) map[uint64]any {
	m := map[uint64]any{
		ResID:   ann.ID,
		ResKind: ann.Kind,
		ResSize: uint64(ann.Size),
	}
	if len(ann.SHA256) == 32 {
		m[ResSHA256] = ann.SHA256
	}
	if ann.Encoding != "" {
		m[ResEncoding] = ann.Encoding
	}
	return m
}
