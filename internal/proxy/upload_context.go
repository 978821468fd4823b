package proxy

import (
	"sync"
	"time"

	"github.com/castlemq/reqproxy/internal/envelope"
)

// uploadContext is the server-side upload context: the call-table entry
// installed while a multi-fragment channel-upload is still being
// received on its own private destination. It owns the reassembler and
// nothing else — a handler is never invoked until the upload completes,
// so it exposes no response surface. Atomic promotion to a
// responseContext happens in Proxy.admitAndInvoke.
type uploadContext struct {
	callID              string
	listenDestination   string // the proxy's consumer destination, used to look up the handler on completion
	replyDestination    string // the caller's destination, used to send the eventual response
	privateDestination  string // allocated via Adapter.CreateTemporaryDestination and advertised to the caller; fragments arrive here, not on listenDestination
	serializerID        string
	protocolVersion     int
	deadline            time.Time
	uploadDeadline      time.Time

	mu          sync.Mutex
	reassembler *envelope.Reassembler
	closed      bool
}

func newUploadContext(callID, listenDestination, replyDestination, privateDestination, serializerID string, protocolVersion int, deadline, uploadDeadline time.Time) *uploadContext {
	return &uploadContext{
		callID:             callID,
		listenDestination:  listenDestination,
		replyDestination:   replyDestination,
		privateDestination: privateDestination,
		serializerID:       serializerID,
		protocolVersion:    protocolVersion,
		deadline:           deadline,
		uploadDeadline:     uploadDeadline,
		reassembler:        envelope.NewReassembler(),
	}
}

// IsClosed reports whether the upload was abandoned or its upload deadline
// has passed, so the call-table sweep reclaims an upload that stalls.
// Satisfies calltable.Context.
func (u *uploadContext) IsClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed || u.expired(time.Now())
}

// addFragment folds one channel-upload fragment into the reassembler and
// reports whether all fragments for this upload have now arrived.
func (u *uploadContext) addFragment(in envelope.Inbound) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	u.reassembler.Add(in.FragmentIndex, in.FragmentTotal, in.Payload)
	return u.reassembler.Complete()
}

// forceComplete finalizes the upload on an explicit channel-end message,
// using whatever fragments have arrived so far.
func (u *uploadContext) forceComplete() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reassembler.ForceComplete()
}

// payload returns the concatenated, reassembled upload body. Only valid
// once addFragment has reported completion.
func (u *uploadContext) payload() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reassembler.Concat()
}

// abandon marks the upload closed without completing, used when a fragment
// arrives after the upload deadline has elapsed.
func (u *uploadContext) abandon() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
}

// expired reports whether the upload's own deadline (distinct from the
// overall call deadline) has passed as of now.
func (u *uploadContext) expired(now time.Time) bool {
	return !u.uploadDeadline.IsZero() && now.After(u.uploadDeadline)
}
