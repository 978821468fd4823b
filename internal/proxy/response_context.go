package proxy

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/castlemq/reqproxy/internal/broker"
	"github.com/castlemq/reqproxy/internal/envelope"
	"github.com/castlemq/reqproxy/internal/metrics"
	"github.com/castlemq/reqproxy/internal/serializer"
)

// responseContext is the server-side response context: one instance per
// active call, owning the reply destination and streaming serialized
// responses back to it until end-of-stream or error closes it.
type responseContext struct {
	callID           string
	adapter          broker.Adapter
	replyDestination string
	deadline         time.Time
	protocolVersion  int
	codec            serializer.Serializer
	maxMessageSize   int
	metricsSink      *metrics.Sink

	mu     sync.Mutex // serializes writes so responses are delivered in send_response call order
	closed bool
}

func newResponseContext(callID string, adapter broker.Adapter, replyDestination string, deadline time.Time, protocolVersion int, codec serializer.Serializer, maxMessageSize int, sink *metrics.Sink) *responseContext {
	return &responseContext{
		callID:           callID,
		adapter:          adapter,
		replyDestination: replyDestination,
		deadline:         deadline,
		protocolVersion:  protocolVersion,
		codec:            codec,
		maxMessageSize:   maxMessageSize,
		metricsSink:      sink,
	}
}

// CallID reports the correlation identifier this context was opened for.
func (r *responseContext) CallID() string { return r.callID }

// IsClosed reports whether end-of-stream or an error has already been sent.
// Safe to call concurrently with SendResponse/EndOfStream/ReportError.
func (r *responseContext) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SendResponse serializes v and sends it as one or more broker messages,
// fragmenting when the serialized size exceeds maxMessageSize. Writes
// after close, or attempted past the deadline, are dropped silently — a
// late handler goroutine writing after its call already timed out or
// finished must not resurrect a closed call.
func (r *responseContext) SendResponse(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if r.pastDeadlineLocked() {
		r.closeAsTimeoutLocked()
		return nil
	}

	payload, err := r.codec.Serialize(v)
	if err != nil {
		return fmt.Errorf("proxy: serialize response: %w", err)
	}

	if len(payload) <= r.maxMessageSize {
		return r.sendLocked(envelope.TypeResponse, payload, 0, 0)
	}

	fragments, err := envelope.Split(payload, r.maxMessageSize)
	if err != nil {
		return fmt.Errorf("proxy: fragment response: %w", err)
	}
	for _, f := range fragments {
		if err := r.sendLocked(envelope.TypeResponseFragment, f.Data, f.Index, f.Total); err != nil {
			return err
		}
	}
	return r.sendLocked(envelope.TypeResponseFragmentEnd, nil, 0, 0)
}

// EndOfStream sends the terminal control message and closes the context.
// Idempotent: a second call is a silent no-op.
func (r *responseContext) EndOfStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_ = r.sendLocked(envelope.TypeEndOfStream, nil, 0, 0)
	r.closed = true
}

// ReportError sends a terminal error message carrying kind/detail and
// closes the context. error is not re-counted on a subsequent call since
// the context is already closed by then.
func (r *responseContext) ReportError(kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	payload := []byte(fmt.Sprintf(`{"kind":%q,"detail":%q}`, kind, detail))
	_ = r.sendLocked(envelope.TypeError, payload, 0, 0)
	r.closed = true
	if r.metricsSink != nil {
		r.metricsSink.Error()
	}
}

// pastDeadlineLocked reports whether the call's absolute deadline has
// already passed. mu must be held.
func (r *responseContext) pastDeadlineLocked() bool {
	return !r.deadline.IsZero() && !time.Now().Before(r.deadline)
}

// closeAsTimeoutLocked converts a post-deadline write attempt into an
// end-of-stream close, observable only via IsClosed. mu must be held.
func (r *responseContext) closeAsTimeoutLocked() {
	if r.closed {
		return
	}
	_ = r.sendLocked(envelope.TypeEndOfStream, nil, 0, 0)
	r.closed = true
}

func (r *responseContext) sendLocked(msgType envelope.MessageType, payload []byte, fragIdx, fragTotal int) error {
	headers := map[string]string{
		envelope.HeaderMsgType:  string(msgType),
		envelope.HeaderProtoVer: strconv.Itoa(r.protocolVersion),
		"__correlation_id":      r.callID,
	}
	if fragTotal > 0 {
		headers[envelope.HeaderFragIdx] = strconv.Itoa(fragIdx)
		headers[envelope.HeaderFragTotal] = strconv.Itoa(fragTotal)
	}
	return r.adapter.Send(r.replyDestination, headers, payload, 0, false)
}
