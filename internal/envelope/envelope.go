// Package envelope defines the wire-level message model exchanged between
// the Request Proxy and the broker adapter: the inbound message carried on
// the listening destination, and the header vocabulary used to negotiate
// protocol version, serializer, deadline, and fragment position.
//
// Called by: broker adapters (decoding raw broker payloads into Inbound),
// the proxy dispatcher (reading Inbound fields to route and admit calls).
package envelope

import (
	"strconv"
	"time"
)

// MessageType is the x-msg-type header tag carried on every broker message.
type MessageType string

const (
	TypeSignal             MessageType = "signal"
	TypeChannelRequest      MessageType = "channel-request"
	TypeChannelUpload       MessageType = "channel-upload"
	TypeChannelEnd          MessageType = "channel-end"
	TypeUploadReady         MessageType = "upload-ready"
	TypeResponse            MessageType = "response"
	TypeResponseFragment    MessageType = "response-fragment"
	TypeResponseFragmentEnd MessageType = "response-fragment-end"
	TypeEndOfStream         MessageType = "end-of-stream"
	TypeError               MessageType = "error"
)

// Header keys in the wire vocabulary.
const (
	HeaderMsgType          = "x-msg-type"
	HeaderProtoVer         = "x-proto-ver"
	HeaderSerializerID     = "x-serializer-id"
	HeaderReqTimeout       = "x-req-timeout"
	HeaderFragIdx          = "x-frag-idx"
	HeaderFragTotal        = "x-frag-total"
	HeaderUploadDestination = "x-upload-destination"
	HeaderMaxFragmentSize   = "x-max-frag-size"
)

// Inbound is one message delivered by the broker adapter to the proxy's
// on_message entry point. CorrelationID and ReplyDestination are treated
// as broker-native fields rather than headers.
type Inbound struct {
	CorrelationID   string
	ReplyDestination string
	Type            MessageType
	SerializerID    string
	ProtocolVersion int
	Deadline        time.Time
	FragmentIndex   int
	FragmentTotal   int
	Headers         map[string]string
	Payload         []byte
}

// FromHeaders populates the typed fields of Inbound from a raw header map
// and payload, the shape a broker adapter receives off the wire. Returns
// false if a required field is absent or malformed — callers treat this as
// a protocol-incompatible / malformed message.
func FromHeaders(correlationID, replyDestination string, headers map[string]string, payload []byte) (Inbound, bool) {
	in := Inbound{
		CorrelationID:    correlationID,
		ReplyDestination: replyDestination,
		Headers:          headers,
		Payload:          payload,
		Type:             MessageType(headers[HeaderMsgType]),
		SerializerID:     headers[HeaderSerializerID],
	}

	if v, ok := headers[HeaderProtoVer]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Inbound{}, false
		}
		in.ProtocolVersion = n
	}

	if v, ok := headers[HeaderReqTimeout]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Inbound{}, false
		}
		in.Deadline = time.UnixMilli(ms)
	}

	if v, ok := headers[HeaderFragIdx]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Inbound{}, false
		}
		in.FragmentIndex = n
	}
	if v, ok := headers[HeaderFragTotal]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Inbound{}, false
		}
		in.FragmentTotal = n
	}

	return in, true
}

// ToHeaders renders the typed fields back into the wire header map. The
// shipped adapters and response contexts build their header maps directly
// and do not call it.
func (in Inbound) ToHeaders() map[string]string {
	h := make(map[string]string, len(in.Headers)+4)
	for k, v := range in.Headers {
		h[k] = v
	}
	h[HeaderMsgType] = string(in.Type)
	if in.SerializerID != "" {
		h[HeaderSerializerID] = in.SerializerID
	}
	if in.ProtocolVersion != 0 {
		h[HeaderProtoVer] = strconv.Itoa(in.ProtocolVersion)
	}
	if !in.Deadline.IsZero() {
		h[HeaderReqTimeout] = strconv.FormatInt(in.Deadline.UnixMilli(), 10)
	}
	return h
}

// Malformed reports whether the message is missing the two fields every
// path requires before routing: correlation identifier and reply
// destination.
func (in Inbound) Malformed() bool {
	return in.CorrelationID == "" || in.ReplyDestination == ""
}
