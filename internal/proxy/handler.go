package proxy

import "context"

// RawRequest carries a request's deserialized-on-demand payload into a
// Handler. The proxy does not know the handler's domain request type, so
// it hands back the wire bytes plus a Deserialize closure bound to the
// call's negotiated Serializer.
type RawRequest struct {
	CallID       string
	SerializerID string
	Payload      []byte
	Deserialize  func(v interface{}) error
}

// ResponseSink is the handler-facing half of a response context:
// everything a handler needs to stream zero or more responses back to the
// caller and close the call.
type ResponseSink interface {
	// SendResponse serializes v with the call's negotiated Serializer and
	// sends it, transparently fragmenting payloads over max_message_size.
	// Valid to call zero or more times before EndOfStream or ReportError.
	SendResponse(v interface{}) error

	// EndOfStream sends the terminal control message and closes the call.
	// Idempotent.
	EndOfStream()

	// ReportError sends a terminal error response carrying kind and detail,
	// then closes the call. Idempotent alongside EndOfStream: whichever
	// fires first wins.
	ReportError(kind, detail string)

	// IsClosed reports whether the call has already been closed, by the
	// handler, a timeout, or shutdown. Long-running handlers should poll
	// this to stop producing responses no one can receive anymore.
	IsClosed() bool
}

// Handler processes one channel-request or signal delivered by the proxy.
// Both arrive with the same sink contract: Handle should call
// sink.EndOfStream() or sink.ReportError() exactly once before returning,
// though the proxy calls EndOfStream on the handler's behalf if Handle
// returns without closing the sink itself. ctx carries the call's
// deadline, if any, and is canceled once that deadline elapses.
type Handler interface {
	Handle(ctx context.Context, request RawRequest, sink ResponseSink)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, request RawRequest, sink ResponseSink)

func (f HandlerFunc) Handle(ctx context.Context, request RawRequest, sink ResponseSink) {
	f(ctx, request, sink)
}
