package proxy

// ErrorKind labels a terminal error reported over a response context.
// The proxy itself reports ErrKindUnknownSerializer, ErrKindNoHandler and
// ErrKindTransport before a handler ever runs, and ErrKindHandlerPanic when
// a handler panics; a Handler implementation passes the rest
// (ErrKindDeserializeFailed, a domain-specific kind, or any of these) to
// its own sink.ReportError call.
type ErrorKind string

const (
	ErrKindMalformedEnvelope ErrorKind = "malformed-envelope"
	ErrKindUnknownSerializer ErrorKind = "unknown-serializer"
	ErrKindDeserializeFailed ErrorKind = "deserialize-failed"
	ErrKindNoHandler         ErrorKind = "no-handler"
	ErrKindDeadlineExceeded  ErrorKind = "deadline-exceeded"
	ErrKindUploadTimeout     ErrorKind = "upload-timeout"
	ErrKindAtCapacity        ErrorKind = "at-capacity"
	ErrKindShuttingDown      ErrorKind = "shutting-down"
	ErrKindHandlerPanic      ErrorKind = "handler-panic"
	ErrKindTransport         ErrorKind = "transport"
)
