package meshsim

import (
	"encoding/binary"
	"errors"
)

// Stream-opening frames tell the acceptor what the stream is for; the
// remaining types flow on already-classified streams.
const (
	frameControlOpen  byte = 1
	frameLinkOpen     byte = 2
	frameLinkAccept   byte = 3
	frameLinkReject   byte = 4
	framePacket       byte = 5
	frameIdentify     byte = 6
	frameAnnounce     byte = 7
	framePathProbe    byte = 8
	framePathInfo     byte = 9
	frameResourceOpen byte = 10
)

const linkIDLen = 8

var errShortFrame = errors.New("meshsim: short frame")

type linkOpenFrame struct {
	linkID   [linkIDLen]byte
	destHash [destHashLen]byte
}

func (f linkOpenFrame) encode() []byte {
	out := make([]byte, linkIDLen+destHashLen)
	copy(out, f.linkID[:])
	copy(out[linkIDLen:], f.destHash[:])
	return out
}

func parseLinkOpen(p []byte) (linkOpenFrame, error) {
	var f linkOpenFrame
	if len(p) != linkIDLen+destHashLen {
		return f, errShortFrame
	}
	copy(f.linkID[:], p)
	copy(f.destHash[:], p[linkIDLen:])
	return f, nil
}

type announceFrame struct {
	destHash     [destHashLen]byte
	identityHash [identityHashLen]byte
	name         string
	appData      []byte
}

func (f announceFrame) encode() []byte {
	out := make([]byte, 0, destHashLen+identityHashLen+1+len(f.name)+len(f.appData))
	out = append(out, f.destHash[:]...)
	out = append(out, f.identityHash[:]...)
	out = append(out, byte(len(f.name)))
	out = append(out, f.name...)
	out = append(out, f.appData...)
	return out
}

func parseAnnounce(p []byte) (announceFrame, error) {
	var f announceFrame
	if len(p) < destHashLen+identityHashLen+1 {
		return f, errShortFrame
	}
	copy(f.destHash[:], p)
	p = p[destHashLen:]
	copy(f.identityHash[:], p)
	p = p[identityHashLen:]
	nameLen := int(p[0])
	p = p[1:]
	if len(p) < nameLen {
		return f, errShortFrame
	}
	f.name = string(p[:nameLen])
	f.appData = append([]byte(nil), p[nameLen:]...)
	return f, nil
}

type pathInfoFrame struct {
	destHash     [destHashLen]byte
	identityHash [identityHashLen]byte
	name         string
}

func (f pathInfoFrame) encode() []byte {
	out := make([]byte, 0, destHashLen+identityHashLen+1+len(f.name))
	out = append(out, f.destHash[:]...)
	out = append(out, f.identityHash[:]...)
	out = append(out, byte(len(f.name)))
	out = append(out, f.name...)
	return out
}

func parsePathInfo(p []byte) (pathInfoFrame, error) {
	var f pathInfoFrame
	if len(p) < destHashLen+identityHashLen+1 {
		return f, errShortFrame
	}
	copy(f.destHash[:], p)
	p = p[destHashLen:]
	copy(f.identityHash[:], p)
	p = p[identityHashLen:]
	nameLen := int(p[0])
	p = p[1:]
	if len(p) != nameLen {
		return f, errShortFrame
	}
	f.name = string(p)
	return f, nil
}

type resourceOpenFrame struct {
	linkID [linkIDLen]byte
	size   uint64
}

func (f resourceOpenFrame) encode() []byte {
	out := make([]byte, linkIDLen+8)
	copy(out, f.linkID[:])
	binary.BigEndian.PutUint64(out[linkIDLen:], f.size)
	return out
}

func parseResourceOpen(p []byte) (resourceOpenFrame, error) {
	var f resourceOpenFrame
	if len(p) != linkIDLen+8 {
		return f, errShortFrame
	}
	copy(f.linkID[:], p)
	f.size = binary.BigEndian.Uint64(p[linkIDLen:])
	return f, nil
}
