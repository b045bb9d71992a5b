package wire

import (
	"sync"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

type pendingHeader struct {
	source types.NodeIdentity
	size   int
	at     time.Time
}

// Reassembler pairs UDP header datagrams with the payload datagram that follows
// them from the same remote address. Unpaired datagrams are discarded: a payload
// without a header immediately, a header without a payload after the timeout.
type Reassembler struct {
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]pendingHeader
	discarded int
}

// NewReassembler returns a reassembler that keeps a header for at most timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout: timeout,
		pending: make(map[string]pendingHeader),
	}
}

// Feed consumes one datagram received from addr.
// It returns the message and true once a header and its payload have both arrived.
// A non-nil error means the datagram (or a stale header) was discarded.
func (r *Reassembler) Feed(addr string, datagram []byte, now time.Time) (types.FrameMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, hasPending := r.pending[addr]
	if hasPending && now.Sub(p.at) > r.timeout {
		delete(r.pending, addr)
		r.discarded++
		hasPending = false
	}

	if hasPending && len(datagram) == p.size {
		delete(r.pending, addr)
		payload := make([]byte, len(datagram))
		copy(payload, datagram)
		return types.FrameMessage{Source: p.source, Payload: payload}, true, nil
	}

	source, size, err := ParseUDPHeader(datagram)
	if err != nil {
		r.discarded++
		return types.FrameMessage{}, false, ErrOrphanPayload
	}

	r.pending[addr] = pendingHeader{source: source, size: size, at: now}
	if hasPending {
		r.discarded++
		return types.FrameMessage{}, false, ErrHeaderSuperseded
	}
	return types.FrameMessage{}, false, nil
}

// Expire drops headers older than the timeout and returns how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for addr, p := range r.pending {
		if now.Sub(p.at) > r.timeout {
			delete(r.pending, addr)
			n++
		}
	}
	r.discarded += n
	return n
}

// Pending returns the number of headers waiting for a payload.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Discarded returns the number of datagrams dropped so far.
func (r *Reassembler) Discarded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded
}
