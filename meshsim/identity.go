package meshsim

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	identityKeyLen  = 32
	identityHashLen = 16
	destHashLen     = 16
)

var errBadIdentityData = errors.New("meshsim: identity data must be 32 bytes")

// identity is a full (private) simulator identity.
type identity struct {
	key  [identityKeyLen]byte
	hash [identityHashLen]byte
}

func newIdentity() (*identity, error) {
	id := &identity{}
	if _, err := rand.Read(id.key[:]); err != nil {
		return nil, fmt.Errorf("meshsim: generate identity: %w", err)
	}
	id.hash = hashIdentityKey(id.key[:])
	return id, nil
}

func loadIdentity(data []byte) (*identity, error) {
	if len(data) != identityKeyLen {
		return nil, errBadIdentityData
	}
	id := &identity{}
	copy(id.key[:], data)
	id.hash = hashIdentityKey(id.key[:])
	return id, nil
}

func hashIdentityKey(key []byte) [identityHashLen]byte {
	sum := sha256.Sum256(key)
	var h [identityHashLen]byte
	copy(h[:], sum[:identityHashLen])
	return h
}

func (id *identity) Hash() []byte {
	out := make([]byte, identityHashLen)
	copy(out, id.hash[:])
	return out
}

func (id *identity) Bytes() []byte {
	out := make([]byte, identityKeyLen)
	copy(out, id.key[:])
	return out
}

// pubIdentity is a remote identity known only by its announced hash.
type pubIdentity struct {
	hash [identityHashLen]byte
}

func (id *pubIdentity) Hash() []byte {
	out := make([]byte, identityHashLen)
	copy(out, id.hash[:])
	return out
}

// Bytes returns nil; the private form of a remote identity is never known.
func (id *pubIdentity) Bytes() []byte { return nil }

// destination is an identity-derived address under an application name.
type destination struct {
	hash [destHashLen]byte
	name string
}

// destHashFor derives the stable destination hash for an identity hash and
// application name. Both ends of the mesh must agree on this derivation for
// recall-based hash verification to work.
func destHashFor(identityHash []byte, name string) [destHashLen]byte {
	h := sha256.New()
	h.Write(identityHash)
	h.Write([]byte{0})
	h.Write([]byte(name))
	var out [destHashLen]byte
	copy(out[:], h.Sum(nil)[:destHashLen])
	return out
}

func (d *destination) Hash() []byte {
	out := make([]byte, destHashLen)
	copy(out, d.hash[:])
	return out
}

func (d *destination) Name() string { return d.name }
