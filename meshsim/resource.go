package meshsim

import (
	"bytes"
	"io"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/kc1awv/rrc-web/transport"
)

const maxResourceStreamBytes = 16 << 20

type inboundResource struct {
	link   *link
	size   int64
	stream *yamux.Stream

	mu     sync.Mutex
	status transport.ResourceStatus
	data   []byte
}

func (r *inboundResource) Size() int64 { return r.size }

func (r *inboundResource) Status() transport.ResourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *inboundResource) Data() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != transport.ResourceCompleted {
		return nil
	}
	return io.NopCloser(bytes.NewReader(r.data))
}

// Cancel stops an in-flight transfer. Terminal resources are unaffected.
func (r *inboundResource) Cancel() {
	r.mu.Lock()
	if r.status == transport.ResourcePending || r.status == transport.ResourceTransferring {
		r.status = transport.ResourceCanceled
	}
	r.mu.Unlock()
	_ = r.stream.Close()
}

// abort fails an in-flight transfer during link teardown.
func (r *inboundResource) abort() {
	r.mu.Lock()
	if r.status == transport.ResourcePending || r.status == transport.ResourceTransferring {
		r.status = transport.ResourceFailed
	}
	r.mu.Unlock()
	_ = r.stream.Close()
}

func (r *inboundResource) setTransferring() {
	r.mu.Lock()
	if r.status == transport.ResourcePending {
		r.status = transport.ResourceTransferring
	}
	r.mu.Unlock()
}

// conclude records the final state. A cancellation or abort that raced the
// read keeps its status; only a clean full read completes the resource.
func (r *inboundResource) conclude(ok bool, data []byte) {
	r.mu.Lock()
	switch {
	case ok && r.status == transport.ResourceTransferring:
		r.status = transport.ResourceCompleted
		r.data = data
	case r.status == transport.ResourceCanceled || r.status == transport.ResourceFailed:
		// keep
	default:
		r.status = transport.ResourceFailed
	}
	r.mu.Unlock()
}
