package meshsim

import (
	"io"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/kc1awv/rrc-web/framing/binframe"
	"github.com/kc1awv/rrc-web/transport"
)

const maxControlFrameBytes = 64 << 10

// session is one yamux connection to a peer node. Each side opens its own
// outbound control stream at session start; links and resources get a fresh
// stream per use, classified by the first frame the initiator writes.
type session struct {
	node *Node
	mux  *yamux.Session

	ctrlMu sync.Mutex
	ctrl   *yamux.Stream

	closeOnce sync.Once
}

func newSession(n *Node, mux *yamux.Session) (*session, error) {
	s := &session{node: n, mux: mux}
	st, err := mux.OpenStream()
	if err != nil {
		_ = mux.Close()
		return nil, err
	}
	if err := binframe.WriteFrame(st, frameControlOpen, nil); err != nil {
		_ = mux.Close()
		return nil, err
	}
	s.ctrl = st
	go s.acceptLoop()
	return s, nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.mux.Close()
	})
}

func (s *session) writeControl(typ byte, payload []byte) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return binframe.WriteFrame(s.ctrl, typ, payload)
}

func (s *session) acceptLoop() {
	for {
		st, err := s.mux.AcceptStream()
		if err != nil {
			s.node.dropSession(s)
			return
		}
		go s.classifyStream(st)
	}
}

func (s *session) classifyStream(st *yamux.Stream) {
	typ, payload, err := binframe.ReadFrame(st, maxControlFrameBytes)
	if err != nil {
		_ = st.Close()
		return
	}
	switch typ {
	case frameControlOpen:
		s.controlReadLoop(st)
	case frameLinkOpen:
		s.acceptLink(st, payload)
	case frameResourceOpen:
		s.receiveResource(st, payload)
	default:
		_ = st.Close()
	}
}

func (s *session) controlReadLoop(st *yamux.Stream) {
	defer st.Close()
	for {
		typ, payload, err := binframe.ReadFrame(st, maxControlFrameBytes)
		if err != nil {
			return
		}
		switch typ {
		case frameAnnounce:
			f, err := parseAnnounce(payload)
			if err != nil {
				continue
			}
			s.node.handleAnnounce(s, f)
		case framePathProbe:
			if len(payload) != destHashLen {
				continue
			}
			s.node.handlePathProbe(s, payload)
		case framePathInfo:
			f, err := parsePathInfo(payload)
			if err != nil {
				continue
			}
			s.node.handlePathInfo(s, f)
		}
	}
}

// acceptLink handles an inbound link-open. The destination must be
// registered locally; otherwise the open is rejected on the spot.
func (s *session) acceptLink(st *yamux.Stream, payload []byte) {
	f, err := parseLinkOpen(payload)
	if err != nil {
		_ = st.Close()
		return
	}
	ld := s.node.localDest(f.destHash)
	if ld == nil {
		_ = binframe.WriteFrame(st, frameLinkReject, nil)
		_ = st.Close()
		return
	}
	l := &link{
		node:        s.node,
		sess:        s,
		id:          f.linkID,
		dst:         ld.dst,
		stream:      st,
		established: true,
	}
	if err := binframe.WriteFrame(st, frameLinkAccept, nil); err != nil {
		_ = st.Close()
		return
	}
	s.node.addLink(l)
	if ld.onLink != nil {
		ld.onLink(l)
	}
	l.readLoop()
}

// receiveResource handles an inbound bulk stream for an established link,
// applying the link's admission strategy before reading the payload.
func (s *session) receiveResource(st *yamux.Stream, payload []byte) {
	f, err := parseResourceOpen(payload)
	if err != nil {
		_ = st.Close()
		return
	}
	l := s.node.linkByID(f.linkID)
	if l == nil || !l.IsActive() {
		_ = st.Close()
		return
	}
	if f.size == 0 || f.size > maxResourceStreamBytes {
		_ = st.Close()
		return
	}

	res := &inboundResource{
		link:   l,
		size:   int64(f.size),
		stream: st,
		status: transport.ResourcePending,
	}
	strategy, started, concluded := l.resourceHooks()

	accept := false
	switch strategy {
	case transport.AcceptAll:
		accept = true
	case transport.AcceptApp:
		accept = started != nil && started(res)
	}
	if !accept {
		_ = st.Close()
		return
	}

	l.registerResource(res)
	res.setTransferring()

	buf := make([]byte, f.size)
	_, err = io.ReadFull(st, buf)
	_ = st.Close()

	l.unregisterResource(res)
	res.conclude(err == nil, buf)
	if concluded != nil {
		concluded(res)
	}
}
