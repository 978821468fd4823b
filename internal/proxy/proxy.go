// Package proxy implements the Request Proxy: a broker-mediated
// request/response dispatcher that admits inbound calls under a bounded
// concurrency permit, reassembles fragmented uploads, invokes a
// registered Handler, and streams back fragmented responses until
// end-of-stream or error closes the call.
package proxy

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/castlemq/reqproxy/internal/broker"
	"github.com/castlemq/reqproxy/internal/calltable"
	"github.com/castlemq/reqproxy/internal/envelope"
	"github.com/castlemq/reqproxy/internal/metrics"
	"github.com/castlemq/reqproxy/internal/serializer"
)

// ConnectionListener is notified once after Start successfully opens the
// broker producer.
type ConnectionListener interface {
	OnConnection()
}

// CloseListener is notified once as the proxy finishes tearing down,
// whether via an explicit Stop or a stop scheduled after a broker-fatal
// error. Fires exactly once per Proxy, no matter how many times Stop is
// called.
type CloseListener interface {
	OnClose()
}

// ConnectionListenerFunc adapts a plain function to ConnectionListener.
// Listener de-duplication compares listeners by interface equality, and a
// bare func value is not comparable, so callers register *ConnectionListenerFunc
// (take its address) rather than the func value itself.
type ConnectionListenerFunc func()

func (f *ConnectionListenerFunc) OnConnection() { (*f)() }

// CloseListenerFunc adapts a plain function to CloseListener, with the
// same pointer-for-comparability requirement as ConnectionListenerFunc.
type CloseListenerFunc func()

func (f *CloseListenerFunc) OnClose() { (*f)() }

// Proxy is one Request Proxy instance: one Adapter, one Serializer
// Registry, one call table, one admission semaphore, one Metrics Sink.
// Every dependency is owned by the instance, with no global mutable
// state, so hosting several Proxy values in one process keeps them fully
// independent.
type Proxy struct {
	cfg       *Config
	adapter   broker.Adapter
	registry  *serializer.Registry
	metrics   *metrics.Sink
	calls     *calltable.Table

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	permits chan struct{} // counting semaphore: len(permits) in flight, cap(permits) == MaxConcurrentCalls

	listenersMu         sync.Mutex
	connectionListeners []ConnectionListener
	closeListeners      []CloseListener

	wg       sync.WaitGroup // in-flight handler goroutines
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  bool
	stopMu   sync.Mutex
}

// NewProxy wires a Proxy from its collaborators. Returns an error instead
// of panicking on an invalid Config.
func NewProxy(cfg *Config, adapter broker.Adapter, registry *serializer.Registry, sink *metrics.Sink) (*Proxy, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:      cfg,
		adapter:  adapter,
		registry: registry,
		metrics:  sink,
		calls:    calltable.New(),
		handlers: make(map[string]Handler),
		permits:  make(chan struct{}, cfg.MaxConcurrentCalls),
		stopCh:   make(chan struct{}),
	}, nil
}

// handlerFor looks up the Handler bound to a listen destination.
func (p *Proxy) handlerFor(listenDestination string) (Handler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[listenDestination]
	return h, ok
}

// AddConnectionListener registers l to be notified once Start opens the
// broker producer. Adding the same listener a second time is a no-op.
func (p *Proxy) AddConnectionListener(l ConnectionListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	for _, existing := range p.connectionListeners {
		if existing == l {
			return
		}
	}
	p.connectionListeners = append(p.connectionListeners, l)
}

// AddCloseListener registers l to be notified once the proxy finishes
// tearing down. Adding the same listener a second time is a no-op.
func (p *Proxy) AddCloseListener(l CloseListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	for _, existing := range p.closeListeners {
		if existing == l {
			return
		}
	}
	p.closeListeners = append(p.closeListeners, l)
}

// notifyConnectionListeners snapshots the listener slice before iterating
// so a listener removing itself (were removal ever added) or a slow
// listener never holds listenersMu during the callback.
func (p *Proxy) notifyConnectionListeners() {
	p.listenersMu.Lock()
	snapshot := make([]ConnectionListener, len(p.connectionListeners))
	copy(snapshot, p.connectionListeners)
	p.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnConnection()
	}
}

func (p *Proxy) notifyCloseListeners() {
	p.listenersMu.Lock()
	snapshot := make([]CloseListener, len(p.closeListeners))
	copy(snapshot, p.closeListeners)
	p.listenersMu.Unlock()
	for _, l := range snapshot {
		l.OnClose()
	}
}

// Start opens the broker producer side and notifies registered connection
// listeners. Call Listen once per request destination the proxy should
// serve after Start: TCPAdapter's OpenConsumer fails until OpenProducer
// has dialed its connection.
func (p *Proxy) Start() error {
	if err := p.adapter.OpenProducer(); err != nil {
		return fmt.Errorf("proxy: open producer: %w", err)
	}
	p.adapter.OnFatal(p.handleBrokerFatal)
	if p.cfg.Debug {
		log.Printf("[Proxy] started, max_concurrent_calls=%d", p.cfg.MaxConcurrentCalls)
	}
	p.notifyConnectionListeners()
	return nil
}

// handleBrokerFatal is the broker-fatal path from the lifecycle contract:
// count an error and schedule Stop from its own goroutine, never from the
// adapter's delivery/read goroutine that reported the failure.
func (p *Proxy) handleBrokerFatal(err error) {
	p.metrics.Error()
	if p.cfg.Debug {
		log.Printf("[Proxy] broker-fatal error, scheduling stop: %v", err)
	}
	go p.Stop()
}

// Listen binds handler to destination and opens a consumer on it. A
// proxy may listen on any number of destinations, each with its own
// handler.
func (p *Proxy) Listen(destination string, handler Handler) error {
	p.handlersMu.Lock()
	p.handlers[destination] = handler
	p.handlersMu.Unlock()

	return p.adapter.OpenConsumer(destination, func(in envelope.Inbound) {
		p.dispatch(destination, in)
	})
}

// Stop signals shutdown, waits for in-flight handler goroutines to finish,
// closes the adapter, and notifies registered close listeners exactly
// once. Safe to call more than once; every call after the first is a
// no-op, which is what keeps the close-listener notification to exactly
// one firing even if Stop is both called explicitly and scheduled again
// from handleBrokerFatal.
func (p *Proxy) Stop() error {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return nil
	}
	p.stopped = true
	p.stopMu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	err := p.adapter.Close()
	p.notifyCloseListeners()
	return err
}

// isStopped reports whether Stop has been called.
func (p *Proxy) isStopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// dispatch is the on_message entry point: it runs synchronously on the
// adapter's delivery goroutine, which is exactly what makes admission
// backpressure work — a blocked permit acquisition here stalls the
// broker consumer rather than growing an unbounded queue.
func (p *Proxy) dispatch(listenDestination string, in envelope.Inbound) {
	if p.isStopped() {
		return
	}
	p.metrics.RequestReceived()

	if in.Malformed() {
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] dropping malformed envelope")
		}
		return
	}
	if _, ok := p.registry.Lookup(in.SerializerID); !ok {
		p.metrics.IncompatibleMessage()
		p.sendProtocolError(in, ErrKindUnknownSerializer, fmt.Sprintf("unknown serializer id %q", in.SerializerID))
		return
	}

	switch in.Type {
	case envelope.TypeSignal:
		p.dispatchSignal(listenDestination, in)
	case envelope.TypeChannelRequest:
		p.dispatchChannelRequest(listenDestination, in)
	case envelope.TypeChannelUpload, envelope.TypeChannelEnd:
		// Upload fragments are accepted only on the call's private upload
		// destination (dispatchUploadFragment), never on a listen destination.
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] dropping %q sent to listen destination %q", in.Type, listenDestination)
		}
	default:
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] dropping message of unhandled type %q", in.Type)
		}
	}

	p.calls.MaybeSweep(p.cfg.sweepInterval(), time.Now())
}

// dispatchSignal handles a one-shot request: it installs (or reuses) a
// Server Response Context keyed by the call's correlation id, exactly as
// admitAndInvoke does for a channel-request, so a signal handler can
// stream responses and a terminal end-of-stream back through the same
// sink contract a channel-request handler gets.
func (p *Proxy) dispatchSignal(listenDestination string, in envelope.Inbound) {
	handler, ok := p.handlerFor(listenDestination)
	if !ok {
		if p.cfg.Debug {
			log.Printf("[Proxy] no handler listening on %q", listenDestination)
		}
		return
	}

	deadline := p.effectiveDeadline(in.Deadline)
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		p.metrics.RequestTimeout()
		return
	}

	rc, ok := p.signalResponseContext(in, deadline)
	if !ok {
		return
	}

	if !p.acquirePermit() {
		return // shutting down
	}
	codec, _ := p.registry.Lookup(in.SerializerID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.releasePermit()
		defer p.recoverHandlerPanic(in.CorrelationID, rc)

		ctx := context.Background()
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		req := RawRequest{
			CallID:       in.CorrelationID,
			SerializerID: in.SerializerID,
			Payload:      in.Payload,
			Deserialize:  func(v interface{}) error { return codec.Deserialize(in.Payload, v) },
		}
		handler.Handle(ctx, req, rc)
		rc.EndOfStream() // no-op if the handler already closed the call
	}()
}

// signalResponseContext installs or reuses the Server Response Context for
// a signal's correlation id. A signal arriving for a correlation id
// currently mid-upload is a protocol violation; this rejects it
// explicitly rather than casting unconditionally.
func (p *Proxy) signalResponseContext(in envelope.Inbound, deadline time.Time) (*responseContext, bool) {
	if existing, exists := p.calls.Get(in.CorrelationID); exists {
		if rc, ok := existing.(*responseContext); ok {
			return rc, true
		}
		p.metrics.Error()
		if p.cfg.Debug {
			log.Printf("[Proxy] signal for %q arrived while an upload was in progress, dropping", in.CorrelationID)
		}
		return nil, false
	}

	codec, _ := p.registry.Lookup(in.SerializerID)
	rc := newResponseContext(in.CorrelationID, p.adapter, in.ReplyDestination, deadline, in.ProtocolVersion, codec, p.cfg.MaxMessageSizeBytes, p.metrics)
	p.calls.Put(in.CorrelationID, rc)
	return rc, true
}

// dispatchChannelRequest handles the control message announcing a request.
// A single-fragment request carries its whole payload and is admitted and
// dispatched to a handler immediately; a multi-fragment request carries no
// payload of its own — it opens a private upload destination and defers
// admission until the upload completes there — admission happens at task
// submission, not at upload start.
func (p *Proxy) dispatchChannelRequest(listenDestination string, in envelope.Inbound) {
	if _, exists := p.calls.Get(in.CorrelationID); exists {
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] duplicate correlation id %q on channel-request", in.CorrelationID)
		}
		return
	}

	deadline := p.effectiveDeadline(in.Deadline)

	if in.FragmentTotal > 1 {
		p.openUpload(listenDestination, in, deadline)
		return
	}

	p.admitAndInvoke(listenDestination, in.CorrelationID, in.ReplyDestination, in.SerializerID, in.ProtocolVersion, deadline, in.Payload)
}

// openUpload implements the upload half of handle_channel_request:
// allocate a private reply destination via the adapter, install the
// uploadContext and a consumer bound to that destination, then advertise
// the destination and the negotiated maximum fragment size back on the
// original reply destination. From this point on, channel-upload and
// channel-end fragments for this call are only accepted on the private
// destination, never on listenDestination.
func (p *Proxy) openUpload(listenDestination string, in envelope.Inbound, deadline time.Time) {
	privateDest, err := p.adapter.CreateTemporaryDestination()
	if err != nil {
		p.metrics.Error()
		p.sendProtocolError(in, ErrKindTransport, fmt.Sprintf("create upload destination: %v", err))
		return
	}

	uc := newUploadContext(in.CorrelationID, listenDestination, in.ReplyDestination, privateDest, in.SerializerID, in.ProtocolVersion, deadline, time.Now().Add(p.cfg.uploadTimeout()))
	p.calls.Put(in.CorrelationID, uc)
	p.metrics.FragmentedUploadRequested()

	if err := p.adapter.OpenConsumer(privateDest, p.dispatchUploadFragment); err != nil {
		p.calls.Remove(in.CorrelationID)
		p.metrics.Error()
		p.sendProtocolError(in, ErrKindTransport, fmt.Sprintf("open upload consumer: %v", err))
		return
	}

	if err := p.advertiseUploadDestination(in, privateDest); err != nil {
		p.calls.Remove(in.CorrelationID)
		p.metrics.Error()
		if p.cfg.Debug {
			log.Printf("[Proxy] advertise upload destination for %q: %v", in.CorrelationID, err)
		}
	}
}

// advertiseUploadDestination sends the upload-ready control message
// carrying the private destination fragments must arrive on, and the
// negotiated maximum fragment size, back on the original reply
// destination.
func (p *Proxy) advertiseUploadDestination(in envelope.Inbound, privateDestination string) error {
	headers := map[string]string{
		envelope.HeaderMsgType:           string(envelope.TypeUploadReady),
		envelope.HeaderProtoVer:          strconv.Itoa(in.ProtocolVersion),
		"__correlation_id":               in.CorrelationID,
		envelope.HeaderUploadDestination: privateDestination,
		envelope.HeaderMaxFragmentSize:   strconv.Itoa(p.cfg.MaxMessageSizeBytes),
	}
	return p.adapter.Send(in.ReplyDestination, headers, nil, 0, false)
}

// dispatchUploadFragment is the consumer callback bound to one call's
// private upload destination. It applies the same received/malformed
// bookkeeping dispatch applies on the listen destination, then accepts
// only the two message types that belong on an upload destination.
func (p *Proxy) dispatchUploadFragment(in envelope.Inbound) {
	if p.isStopped() {
		return
	}
	p.metrics.RequestReceived()
	if in.Malformed() {
		p.metrics.IncompatibleMessage()
		return
	}

	switch in.Type {
	case envelope.TypeChannelUpload:
		p.dispatchChannelUpload(in)
	case envelope.TypeChannelEnd:
		p.dispatchChannelEnd(in)
	default:
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] dropping message of unexpected type %q on upload destination", in.Type)
		}
	}

	p.calls.MaybeSweep(p.cfg.sweepInterval(), time.Now())
}

// effectiveDeadline applies the configured default call timeout when a
// request carries no x-req-timeout header of its own.
func (p *Proxy) effectiveDeadline(deadline time.Time) time.Time {
	if !deadline.IsZero() {
		return deadline
	}
	return time.Now().Add(p.cfg.defaultCallTimeout())
}

// dispatchChannelUpload folds one continuation fragment into its
// previously-opened uploadContext.
func (p *Proxy) dispatchChannelUpload(in envelope.Inbound) {
	ctx, ok := p.calls.Get(in.CorrelationID)
	if !ok {
		p.metrics.IncompatibleMessage()
		if p.cfg.Debug {
			log.Printf("[Proxy] channel-upload fragment for unknown correlation id %q", in.CorrelationID)
		}
		return
	}
	uc, ok := ctx.(*uploadContext)
	if !ok {
		p.metrics.IncompatibleMessage()
		return
	}
	if uc.expired(time.Now()) {
		uc.abandon()
		p.metrics.RequestTimeout()
		return
	}
	if uc.addFragment(in) {
		p.completeUpload(uc)
	}
}

// dispatchChannelEnd force-completes an upload whose total fragment count
// was not known upfront.
func (p *Proxy) dispatchChannelEnd(in envelope.Inbound) {
	ctx, ok := p.calls.Get(in.CorrelationID)
	if !ok {
		return
	}
	uc, ok := ctx.(*uploadContext)
	if !ok {
		return
	}
	uc.forceComplete()
	p.completeUpload(uc)
}

// completeUpload is on_upload_completed: admission happens here, the
// first point at which a full request body is available.
func (p *Proxy) completeUpload(uc *uploadContext) {
	p.metrics.FragmentedUploadCompleted()
	p.admitAndInvoke(uc.listenDestination, uc.callID, uc.replyDestination, uc.serializerID, uc.protocolVersion, uc.deadline, uc.payload())
}

// admitAndInvoke acquires a permit, builds the response context,
// atomically promotes the call-table entry to it, and runs the handler on
// a new goroutine. The call-table Put — response context replacing any
// upload context — happens before the handler goroutine starts, never
// after.
func (p *Proxy) admitAndInvoke(listenDestination, callID, replyDestination, serializerID string, protocolVersion int, deadline time.Time, payload []byte) {
	handler, ok := p.handlerFor(listenDestination)
	if !ok {
		p.calls.Remove(callID) // drop any upload context this call promoted from
		p.reportNoHandler(callID, replyDestination, serializerID, protocolVersion, deadline)
		return
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		p.calls.Remove(callID)
		p.metrics.RequestTimeout()
		return
	}

	if !p.acquirePermit() {
		return // shutting down
	}

	codec, _ := p.registry.Lookup(serializerID)
	rc := newResponseContext(callID, p.adapter, replyDestination, deadline, protocolVersion, codec, p.cfg.MaxMessageSizeBytes, p.metrics)
	p.calls.Put(callID, rc)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.releasePermit()
		defer p.recoverHandlerPanic(callID, rc)

		ctx := context.Background()
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}

		req := RawRequest{
			CallID:       callID,
			SerializerID: serializerID,
			Payload:      payload,
			Deserialize:  func(v interface{}) error { return codec.Deserialize(payload, v) },
		}
		handler.Handle(ctx, req, rc)
		rc.EndOfStream() // no-op if the handler already closed the call
	}()
}

// reportNoHandler sends a terminal error response when no Handler is bound
// to the request's listen destination, without ever admitting or creating
// a call-table entry for it.
func (p *Proxy) reportNoHandler(callID, replyDestination, serializerID string, protocolVersion int, deadline time.Time) {
	codec, ok := p.registry.Lookup(serializerID)
	if !ok {
		return
	}
	rc := newResponseContext(callID, p.adapter, replyDestination, deadline, protocolVersion, codec, p.cfg.MaxMessageSizeBytes, p.metrics)
	rc.ReportError(string(ErrKindNoHandler), fmt.Sprintf("no handler registered for %q", replyDestination))
}

// sendProtocolError reports a terminal error for a message the proxy
// rejected before a call-table entry could even be created (e.g. an
// unknown serializer id).
func (p *Proxy) sendProtocolError(in envelope.Inbound, kind ErrorKind, detail string) {
	codec, ok := p.registry.Lookup(p.cfg.Serializer)
	if !ok {
		return
	}
	rc := newResponseContext(in.CorrelationID, p.adapter, in.ReplyDestination, in.Deadline, in.ProtocolVersion, codec, p.cfg.MaxMessageSizeBytes, p.metrics)
	rc.ReportError(string(kind), detail)
}

// acquirePermit blocks until a permit is free or Stop is called, returning
// false in the latter case. Blocking here — not queuing — is the
// backpressure mechanism the admission design relies on.
func (p *Proxy) acquirePermit() bool {
	select {
	case p.permits <- struct{}{}:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Proxy) releasePermit() {
	<-p.permits
}

// recoverHandlerPanic converts a handler panic into a logged error and a
// terminal error response rather than letting it crash the process or
// leak an open call-table entry. A nil rc skips the error response.
func (p *Proxy) recoverHandlerPanic(callID string, rc *responseContext) {
	if r := recover(); r != nil {
		p.metrics.Error()
		log.Printf("[Proxy] handler panic for call %s: %v", callID, r)
		if rc != nil {
			rc.ReportError(string(ErrKindHandlerPanic), fmt.Sprintf("%v", r))
		}
	}
}

// Snapshot reports the proxy's current metrics counters.
func (p *Proxy) Snapshot() metrics.Snapshot {
	return p.metrics.Snapshot()
}

// InFlight reports the number of calls currently holding a permit.
func (p *Proxy) InFlight() int {
	return len(p.permits)
}
