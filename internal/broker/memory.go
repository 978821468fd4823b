package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/castlemq/reqproxy/internal/envelope"
)

// MemoryAdapter is an in-process Adapter backed by buffered Go channels,
// one per destination: a named, lazily-created, buffered channel keyed by
// destination string, matching a point-to-point request/reply model
// rather than fan-out publish/subscribe.
//
// It is the reference adapter used by this module's own tests and is also
// suitable for embedding a Request Proxy directly in another Go process
// without a network hop.
type MemoryAdapter struct {
	mu           sync.RWMutex
	destinations map[string]chan wireMessage
	closed       bool

	consumerDest string
	onMessage    func(envelope.Inbound)
}

type wireMessage struct {
	headers map[string]string
	payload []byte
}

const memoryChannelCapacity = 256

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{destinations: make(map[string]chan wireMessage)}
}

func (a *MemoryAdapter) OpenProducer() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// OpenConsumer registers onMessage as the callback for destination and
// starts a goroutine draining its channel, decoding each wireMessage into
// an envelope.Inbound via envelope.FromHeaders exactly as a real adapter
// would decode broker-native correlation/reply fields plus headers.
func (a *MemoryAdapter) OpenConsumer(destination string, onMessage func(envelope.Inbound)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	ch := a.channelLocked(destination)
	a.consumerDest = destination
	a.onMessage = onMessage
	a.mu.Unlock()

	go func() {
		for msg := range ch {
			correlationID := msg.headers["__correlation_id"]
			replyDestination := msg.headers["__reply_destination"]
			in, ok := envelope.FromHeaders(correlationID, replyDestination, msg.headers, msg.payload)
			if !ok {
				continue
			}
			onMessage(in)
		}
	}()
	return nil
}

// CreateTemporaryDestination allocates a fresh channel under a generated
// name, created lazily on first use.
func (a *MemoryAdapter) CreateTemporaryDestination() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}
	name := fmt.Sprintf("tmp.%s", uuid.New().String())
	a.channelLocked(name)
	return name, nil
}

func (a *MemoryAdapter) channelLocked(destination string) chan wireMessage {
	ch, ok := a.destinations[destination]
	if !ok {
		ch = make(chan wireMessage, memoryChannelCapacity)
		a.destinations[destination] = ch
	}
	return ch
}

// Send enqueues payload on destination's channel. priority and persistent
// are accepted for interface compatibility but have no effect in-process;
// delivery is always immediate and always non-durable.
func (a *MemoryAdapter) Send(destination string, headers map[string]string, payload []byte, priority int, persistent bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	ch := a.channelLocked(destination)
	a.mu.Unlock()

	select {
	case ch <- wireMessage{headers: headers, payload: payload}:
		return nil
	default:
		return fmt.Errorf("broker: destination %q buffer full", destination)
	}
}

// OnFatal is a no-op: an in-process channel adapter has no network
// connection that can drop out from under it.
func (a *MemoryAdapter) OnFatal(func(error)) {}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, ch := range a.destinations {
		close(ch)
	}
	return nil
}

// SendCorrelated is a MemoryAdapter-specific convenience used by tests and
// by local callers simulating a request sink: it stamps the broker-native
// correlation ID and reply destination into the header map under the same
// private keys OpenConsumer's decode loop reads back out, since a true
// broker carries those two fields out-of-band from application headers.
func (a *MemoryAdapter) SendCorrelated(destination, correlationID, replyDestination string, headers map[string]string, payload []byte) error {
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	h["__correlation_id"] = correlationID
	h["__reply_destination"] = replyDestination
	return a.Send(destination, h, payload, 0, false)
}
