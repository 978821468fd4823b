// Package metrics implements the proxy's observability counters: request
// received, incompatible message, timed-out request, fragmented upload
// requested, fragmented upload completed, and error, surfaced both as an
// in-memory snapshot and as a Prometheus pull endpoint.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is a point-in-time read of every counter, independent of any
// particular metrics backend.
type Snapshot struct {
	RequestReceived         uint64
	IncompatibleMessage     uint64
	RequestTimeout          uint64
	FragmentedUploadRequested uint64
	FragmentedUploadCompleted uint64
	Error                   uint64
}

// Sink is the proxy's metrics counters. Each Proxy instance owns its own
// Sink, registered against a caller-supplied Prometheus registry so that hosting
// multiple proxies in one process keeps their metrics independent, exactly
// as independent as their call tables.
type Sink struct {
	requestReceived           prometheus.Counter
	incompatibleMessage       prometheus.Counter
	requestTimeout            prometheus.Counter
	fragmentedUploadRequested prometheus.Counter
	fragmentedUploadCompleted prometheus.Counter
	errorCount                prometheus.Counter
}

// NewSink creates a Sink with its counters registered under namespace on
// reg. Passing a fresh prometheus.NewRegistry() per Proxy avoids the
// "duplicate metrics collector registration" panic when multiple proxies
// share a process; passing prometheus.DefaultRegisterer is fine for a
// single-proxy process that wants the counters on the default /metrics
// handler.
func NewSink(reg prometheus.Registerer, namespace string) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		requestReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_received_total",
			Help: "Inbound broker messages observed by on_message.",
		}),
		incompatibleMessage: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "incompatible_message_total",
			Help: "Messages dropped for unknown protocol version, serializer, or malformed headers.",
		}),
		requestTimeout: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_timeout_total",
			Help: "Messages whose deadline had already passed when observed.",
		}),
		fragmentedUploadRequested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fragmented_upload_requested_total",
			Help: "channel-request messages that opened a fragmented upload.",
		}),
		fragmentedUploadCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fragmented_upload_completed_total",
			Help: "Fragmented uploads that reassembled successfully.",
		}),
		errorCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "error_total",
			Help: "Handler errors, recoverable broker errors, and fatal broker errors.",
		}),
	}
}

func (s *Sink) RequestReceived()           { s.requestReceived.Inc() }
func (s *Sink) IncompatibleMessage()       { s.incompatibleMessage.Inc() }
func (s *Sink) RequestTimeout()            { s.requestTimeout.Inc() }
func (s *Sink) FragmentedUploadRequested() { s.fragmentedUploadRequested.Inc() }
func (s *Sink) FragmentedUploadCompleted() { s.fragmentedUploadCompleted.Inc() }
func (s *Sink) Error()                     { s.errorCount.Inc() }

// Snapshot reads every counter's current value. Prometheus counters don't
// expose a direct read, so this goes through the collector's own Write
// path — the same mechanism /metrics scraping uses internally.
func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		RequestReceived:           readCounter(s.requestReceived),
		IncompatibleMessage:       readCounter(s.incompatibleMessage),
		RequestTimeout:            readCounter(s.requestTimeout),
		FragmentedUploadRequested: readCounter(s.fragmentedUploadRequested),
		FragmentedUploadCompleted: readCounter(s.fragmentedUploadCompleted),
		Error:                     readCounter(s.errorCount),
	}
}

func readCounter(c prometheus.Counter) uint64 {
	var m dto.Metric
	_ = c.Write(&m)
	return uint64(m.GetCounter().GetValue())
}
