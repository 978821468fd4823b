// Package broker defines the Broker Adapter contract and ships concrete
// adapters. The contract is deliberately narrow: open a producer with no
// bound destination, open a consumer on a named destination with a
// callback, create a private temporary destination for fragmented uploads,
// send a payload with headers at a priority, non-persistent, and close.
//
// Connection lifecycle, naming lookup, and credential acquisition are
// explicitly out of scope for the proxy itself; each adapter owns those
// concerns internally.
package broker

import "github.com/castlemq/reqproxy/internal/envelope"

// Adapter is the external collaborator the proxy dispatches through. All
// four concrete adapters in this package (MemoryAdapter, TCPAdapter,
// KafkaAdapter, WebSocketAdapter) implement it identically from the
// proxy's point of view.
type Adapter interface {
	// OpenProducer prepares the adapter to send messages. No destination is
	// bound here — every Send call names its own destination.
	OpenProducer() error

	// OpenConsumer starts delivering inbound messages on destination to
	// onMessage. onMessage is invoked synchronously on the adapter's
	// delivery goroutine/thread; the proxy's permit acquisition inside
	// onMessage is what turns this into backpressure.
	OpenConsumer(destination string, onMessage func(envelope.Inbound)) error

	// CreateTemporaryDestination allocates a private, transient destination
	// for a single fragmented upload.
	CreateTemporaryDestination() (string, error)

	// Send delivers payload with headers to destination. persistent is
	// always false for responses, which always use non-persistent
	// delivery; priority is adapter-defined (0 = default).
	Send(destination string, headers map[string]string, payload []byte, priority int, persistent bool) error

	// OnFatal registers fn to be invoked at most once if the adapter
	// detects an unrecoverable connection failure (e.g. a broker
	// connection drop). Adapters with no such single point of failure
	// (an in-process adapter, a multi-connection server, a client library
	// that reconnects on its own) may treat this as a no-op; each
	// concrete adapter documents which case it is.
	OnFatal(fn func(error))

	// Close releases adapter resources. Safe to call more than once.
	Close() error
}

// ErrClosed is returned by adapter operations invoked after Close.
type errClosed string

func (e errClosed) Error() string { return string(e) }

const ErrClosed = errClosed("broker: adapter is closed")
