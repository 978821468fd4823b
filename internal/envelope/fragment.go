package envelope

import (
	"fmt"
	"sort"
)

// Reassembler accumulates sequence-indexed fragments of a single upload and
// concatenates them once the expected count has arrived. It mirrors the
// teacher's chunk-merge logic (internal/envelope chunking, originally
// token-budget driven) but is keyed by wire sequence index rather than a
// generated chunk-group ID, since the proxy's upload protocol already
// carries x-frag-idx/x-frag-total on every channel-upload message.
type Reassembler struct {
	total    int
	received map[int][]byte
}

// NewReassembler creates a reassembler expecting exactly total fragments.
// total is learned from the first fragment's x-frag-total header; it is
// allowed to be zero until the first fragment arrives (set via Add).
func NewReassembler() *Reassembler {
	return &Reassembler{received: make(map[int][]byte)}
}

// Add records one fragment. It is idempotent for a repeated index (the
// last write for a given index wins) so that a retransmitted fragment does
// not corrupt the count-based completion check.
func (r *Reassembler) Add(index, total int, payload []byte) {
	if total > 0 {
		r.total = total
	}
	if _, exists := r.received[index]; !exists || len(payload) > 0 {
		r.received[index] = payload
	}
}

// Count returns the number of distinct fragment indices received so far.
func (r *Reassembler) Count() int {
	return len(r.received)
}

// Complete reports whether every fragment 0..total-1 has arrived.
func (r *Reassembler) Complete() bool {
	if r.total <= 0 {
		return false
	}
	return len(r.received) >= r.total
}

// ForceComplete finalizes the reassembler using whatever fragments have
// arrived so far, regardless of the declared total — used when an explicit
// channel-end message terminates a stream whose fragment count was not
// known upfront.
func (r *Reassembler) ForceComplete() {
	r.total = len(r.received)
}

// Concat returns the fragments concatenated in sequence order. Callers must
// check Complete first; Concat does not itself validate completeness beyond
// what indices are actually present.
func (r *Reassembler) Concat() []byte {
	indices := make([]int, 0, len(r.received))
	for idx := range r.received {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	size := 0
	for _, idx := range indices {
		size += len(r.received[idx])
	}
	out := make([]byte, 0, size)
	for _, idx := range indices {
		out = append(out, r.received[idx]...)
	}
	return out
}

// Fragment is one piece of a size-gated split, carrying the sequence header
// pair (x-frag-idx, x-frag-total) used on both the upload and the
// response-fragmentation paths.
type Fragment struct {
	Index int
	Total int
	Data  []byte
}

// Split breaks payload into fragments of at most maxSize bytes each. The
// fragmentation trigger is a raw byte-length comparison against
// max_message_size, not a token budget, so no token counter is consulted
// here.
func Split(payload []byte, maxSize int) ([]Fragment, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("envelope: max fragment size must be positive, got %d", maxSize)
	}
	if len(payload) <= maxSize {
		return []Fragment{{Index: 0, Total: 1, Data: payload}}, nil
	}

	total := (len(payload) + maxSize - 1) / maxSize
	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxSize
		end := start + maxSize
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, Fragment{Index: i, Total: total, Data: payload[start:end]})
	}
	return fragments, nil
}
