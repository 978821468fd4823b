package proxy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/castlemq/reqproxy/internal/broker"
	"github.com/castlemq/reqproxy/internal/envelope"
	"github.com/castlemq/reqproxy/internal/metrics"
	"github.com/castlemq/reqproxy/internal/serializer"
)

func newTestProxy(t *testing.T, cfg *Config) (*Proxy, *broker.MemoryAdapter) {
	t.Helper()
	reg, err := serializer.NewRegistry(serializer.JSON{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sink := metrics.NewSink(prometheus.NewRegistry(), "reqproxy_test")
	adapter := broker.NewMemoryAdapter()
	p, err := NewProxy(cfg, adapter, reg, sink)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, adapter
}

func baseHeaders() map[string]string {
	return map[string]string{
		envelope.HeaderMsgType:      string(envelope.TypeChannelRequest),
		envelope.HeaderProtoVer:     "1",
		envelope.HeaderSerializerID: "json",
	}
}

// TestRoundTripChannelRequest checks that a single-fragment request reaches its
// handler and the handler's response round-trips back to the caller's
// reply destination.
func TestRoundTripChannelRequest(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 4, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	done := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		var got map[string]string
		if err := req.Deserialize(&got); err != nil {
			t.Errorf("Deserialize: %v", err)
		}
		if err := sink.SendResponse(map[string]string{"echo": got["name"]}); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
		sink.EndOfStream()
		close(done)
	})
	if err := p.Listen("svc.echo", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, err := adapter.CreateTemporaryDestination()
	if err != nil {
		t.Fatalf("CreateTemporaryDestination: %v", err)
	}
	received := make(chan envelope.Inbound, 4)
	if err := adapter.OpenConsumer(replyDest, func(in envelope.Inbound) { received <- in }); err != nil {
		t.Fatalf("OpenConsumer: %v", err)
	}

	if err := adapter.SendCorrelated("svc.echo", "call-1", replyDest, baseHeaders(), []byte(`{"name":"ada"}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	var sawResponse, sawEnd bool
	for i := 0; i < 2; i++ {
		select {
		case in := <-received:
			switch in.Type {
			case envelope.TypeResponse:
				sawResponse = true
				if string(in.Payload) != `{"echo":"ada"}` {
					t.Errorf("payload = %s, want echo of ada", in.Payload)
				}
			case envelope.TypeEndOfStream:
				sawEnd = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response/end-of-stream")
		}
	}
	if !sawResponse || !sawEnd {
		t.Fatalf("sawResponse=%v sawEnd=%v", sawResponse, sawEnd)
	}
}

// TestRoundTripSignal checks that a signal reaches its handler through a
// real response context, not a silent sink, and that the handler's
// response round-trips back to the caller exactly as a channel-request's
// would.
func TestRoundTripSignal(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 4, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	done := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		var got map[string]string
		if err := req.Deserialize(&got); err != nil {
			t.Errorf("Deserialize: %v", err)
		}
		if err := sink.SendResponse(map[string]string{"echo": got["name"]}); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
		sink.EndOfStream()
		close(done)
	})
	if err := p.Listen("svc.ping", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, err := adapter.CreateTemporaryDestination()
	if err != nil {
		t.Fatalf("CreateTemporaryDestination: %v", err)
	}
	received := make(chan envelope.Inbound, 4)
	if err := adapter.OpenConsumer(replyDest, func(in envelope.Inbound) { received <- in }); err != nil {
		t.Fatalf("OpenConsumer: %v", err)
	}

	h := baseHeaders()
	h[envelope.HeaderMsgType] = string(envelope.TypeSignal)
	if err := adapter.SendCorrelated("svc.ping", "call-signal", replyDest, h, []byte(`{"name":"ada"}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler never ran")
	}

	var sawResponse, sawEnd bool
	for i := 0; i < 2; i++ {
		select {
		case in := <-received:
			switch in.Type {
			case envelope.TypeResponse:
				sawResponse = true
				if string(in.Payload) != `{"echo":"ada"}` {
					t.Errorf("payload = %s, want echo of ada", in.Payload)
				}
			case envelope.TypeEndOfStream:
				sawEnd = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response/end-of-stream")
		}
	}
	if !sawResponse || !sawEnd {
		t.Fatalf("sawResponse=%v sawEnd=%v", sawResponse, sawEnd)
	}
}

// TestSignalPastDeadlineDropsRequest checks that a signal whose deadline
// has already elapsed is dropped before ever reaching a handler, the same
// admission check a channel-request gets.
func TestSignalPastDeadlineDropsRequest(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 1, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	var invoked int32
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		atomic.AddInt32(&invoked, 1)
		sink.EndOfStream()
	})
	if err := p.Listen("svc.latesignal", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, _ := adapter.CreateTemporaryDestination()
	h := baseHeaders()
	h[envelope.HeaderMsgType] = string(envelope.TypeSignal)
	h[envelope.HeaderReqTimeout] = strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	if err := adapter.SendCorrelated("svc.latesignal", "call-latesignal", replyDest, h, []byte(`{}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&invoked) != 0 {
		t.Fatal("handler ran for a signal past its deadline")
	}
	if snap := p.Snapshot(); snap.RequestTimeout == 0 {
		t.Fatal("expected request_timeout_total to be incremented")
	}
}

// TestConcurrencyBound checks that no more than MaxConcurrentCalls
// handler invocations run at once.
func TestConcurrencyBound(t *testing.T) {
	const limit = 3
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: limit, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	var inFlight, maxSeen int64
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		sink.EndOfStream()
	})
	if err := p.Listen("svc.block", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	const attempts = limit * 3
	for i := 0; i < attempts; i++ {
		replyDest, _ := adapter.CreateTemporaryDestination()
		go adapter.SendCorrelated("svc.block", "call-"+strconv.Itoa(i), replyDest, baseHeaders(), []byte(`{}`))
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&inFlight) < limit {
		select {
		case <-deadline:
			t.Fatalf("never reached %d in flight, saw %d", limit, atomic.LoadInt64(&inFlight))
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)

	if got := atomic.LoadInt64(&maxSeen); got > limit {
		t.Fatalf("max concurrent handlers = %d, want <= %d", got, limit)
	}
}

// TestFragmentedUploadReassembly checks that announcing a multi-fragment
// upload gets a private destination advertised back to the caller, that
// fragments sent to that private destination (never to the listen
// destination) reassemble into the original payload before the handler
// runs.
func TestFragmentedUploadReassembly(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 1, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	var gotPayload []byte
	done := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		gotPayload = req.Payload
		sink.EndOfStream()
		close(done)
	})
	if err := p.Listen("svc.upload", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, _ := adapter.CreateTemporaryDestination()
	ready := make(chan envelope.Inbound, 1)
	if err := adapter.OpenConsumer(replyDest, func(in envelope.Inbound) {
		if in.Type == envelope.TypeUploadReady {
			ready <- in
		}
	}); err != nil {
		t.Fatalf("OpenConsumer: %v", err)
	}

	full := []byte("abcdefghij") // split into 3 fragments of size 4,4,2
	fragments, err := envelope.Split(full, 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(fragments))
	}

	announce := baseHeaders()
	announce[envelope.HeaderFragIdx] = "0"
	announce[envelope.HeaderFragTotal] = strconv.Itoa(len(fragments))
	if err := adapter.SendCorrelated("svc.upload", "call-upload", replyDest, announce, nil); err != nil {
		t.Fatalf("SendCorrelated announce: %v", err)
	}

	var uploadDest string
	select {
	case in := <-ready:
		uploadDest = in.Headers[envelope.HeaderUploadDestination]
		if uploadDest == "" {
			t.Fatal("upload-ready carried no upload destination header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received upload-ready advertisement")
	}

	for _, f := range fragments {
		h := baseHeaders()
		h[envelope.HeaderMsgType] = string(envelope.TypeChannelUpload)
		h[envelope.HeaderFragIdx] = strconv.Itoa(f.Index)
		h[envelope.HeaderFragTotal] = strconv.Itoa(f.Total)
		if err := adapter.SendCorrelated(uploadDest, "call-upload", replyDest, h, f.Data); err != nil {
			t.Fatalf("SendCorrelated fragment %d: %v", f.Index, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran after reassembly")
	}
	if string(gotPayload) != string(full) {
		t.Fatalf("reassembled payload = %q, want %q", gotPayload, full)
	}
}

// TestPastDeadlineDropsRequest checks that a channel-request whose
// deadline has already elapsed is never admitted to a handler.
func TestPastDeadlineDropsRequest(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 1, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	var invoked int32
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		atomic.AddInt32(&invoked, 1)
		sink.EndOfStream()
	})
	if err := p.Listen("svc.late", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, _ := adapter.CreateTemporaryDestination()
	h := baseHeaders()
	h[envelope.HeaderReqTimeout] = strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	if err := adapter.SendCorrelated("svc.late", "call-late", replyDest, h, []byte(`{}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&invoked) != 0 {
		t.Fatal("handler ran for a request past its deadline")
	}
	if snap := p.Snapshot(); snap.RequestTimeout == 0 {
		t.Fatal("expected request_timeout_total to be incremented")
	}
}

// TestShutdownWaitsForInFlight checks that Stop blocks until in-flight
// handlers finish.
func TestShutdownWaitsForInFlight(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 2, MaxMessageSizeBytes: 1024})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		close(started)
		<-release
		atomic.StoreInt32(&finished, 1)
		sink.EndOfStream()
	})
	if err := p.Listen("svc.slow", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, _ := adapter.CreateTemporaryDestination()
	if err := adapter.SendCorrelated("svc.slow", "call-slow", replyDest, baseHeaders(), []byte(`{}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}
	<-started

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Stop()
	}()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&finished) != 0 {
		t.Fatal("Stop returned before the in-flight handler finished")
	}
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("handler never finished")
	}
}

// TestCallTableUniqueness checks that a duplicate correlation id on a
// second channel-request is rejected, never overwriting the original
// call's context.
func TestCallTableUniqueness(t *testing.T) {
	p, adapter := newTestProxy(t, &Config{MaxConcurrentCalls: 4, MaxMessageSizeBytes: 1024})
	defer p.Stop()

	var invocations int32
	block := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req RawRequest, sink ResponseSink) {
		atomic.AddInt32(&invocations, 1)
		<-block
		sink.EndOfStream()
	})
	if err := p.Listen("svc.dup", handler); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	replyDest, _ := adapter.CreateTemporaryDestination()
	if err := adapter.SendCorrelated("svc.dup", "call-dup", replyDest, baseHeaders(), []byte(`{}`)); err != nil {
		t.Fatalf("SendCorrelated: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := adapter.SendCorrelated("svc.dup", "call-dup", replyDest, baseHeaders(), []byte(`{}`)); err != nil {
		t.Fatalf("SendCorrelated (duplicate): %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("handler invoked %d times for duplicate correlation id, want 1", got)
	}
}

// TestListenerSets checks that a connection listener fires exactly once on
// Start, a close listener fires exactly once even across a double Stop,
// and registering the same listener twice does not duplicate delivery.
func TestListenerSets(t *testing.T) {
	reg, err := serializer.NewRegistry(serializer.JSON{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sink := metrics.NewSink(prometheus.NewRegistry(), "reqproxy_test_listeners")
	adapter := broker.NewMemoryAdapter()
	p, err := NewProxy(&Config{MaxConcurrentCalls: 1, MaxMessageSizeBytes: 1024}, adapter, reg, sink)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	var connected, closed int32
	onConnected := ConnectionListenerFunc(func() { atomic.AddInt32(&connected, 1) })
	onClosed := CloseListenerFunc(func() { atomic.AddInt32(&closed, 1) })

	p.AddConnectionListener(&onConnected)
	p.AddConnectionListener(&onConnected) // duplicate add must not double-fire
	p.AddCloseListener(&onClosed)
	p.AddCloseListener(&onClosed)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := atomic.LoadInt32(&connected); got != 1 {
		t.Fatalf("connection listener fired %d times, want 1", got)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil { // second Stop must be a no-op
		t.Fatalf("second Stop: %v", err)
	}
	if got := atomic.LoadInt32(&closed); got != 1 {
		t.Fatalf("close listener fired %d times, want 1", got)
	}
}

// fatalAdapter wraps MemoryAdapter to capture the callback registered via
// OnFatal so a test can simulate a broker-fatal error without a real
// network connection to break.
type fatalAdapter struct {
	*broker.MemoryAdapter
	mu sync.Mutex
	fn func(error)
}

func (a *fatalAdapter) OnFatal(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fn = fn
}

func (a *fatalAdapter) trigger(err error) {
	a.mu.Lock()
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// TestBrokerFatalSchedulesStop checks that a broker-fatal error counts an
// error and schedules Stop, firing the close listener exactly once without
// the caller ever invoking Stop itself.
func TestBrokerFatalSchedulesStop(t *testing.T) {
	reg, err := serializer.NewRegistry(serializer.JSON{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sink := metrics.NewSink(prometheus.NewRegistry(), "reqproxy_test_fatal")
	adapter := &fatalAdapter{MemoryAdapter: broker.NewMemoryAdapter()}
	p, err := NewProxy(&Config{MaxConcurrentCalls: 1, MaxMessageSizeBytes: 1024}, adapter, reg, sink)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	var closed int32
	onClosed := CloseListenerFunc(func() { atomic.AddInt32(&closed, 1) })
	p.AddCloseListener(&onClosed)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	adapter.trigger(fmt.Errorf("connection dropped"))

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&closed) == 0 {
		select {
		case <-deadline:
			t.Fatal("close listener never fired after broker-fatal error")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if snap := p.Snapshot(); snap.Error == 0 {
		t.Fatal("expected error_total to be incremented by the broker-fatal path")
	}

	if err := p.Stop(); err != nil { // already stopped; must stay a no-op
		t.Fatalf("Stop after broker-fatal: %v", err)
	}
	if got := atomic.LoadInt32(&closed); got != 1 {
		t.Fatalf("close listener fired %d times, want 1", got)
	}
}
