package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies failures surfaced by the control layer.
type ErrorKind string

const (
	// KindUnsupportedHardwareType means no transport is registered for
	// the node's hardware type.
	KindUnsupportedHardwareType ErrorKind = "unsupported_hardware_type"

	// KindUnsupportedOperation means the hardware type, or the node,
	// does not support the requested operation.
	KindUnsupportedOperation ErrorKind = "unsupported_operation"

	// KindTransport covers connection refused or reset, authentication
	// failures and malformed replies.
	KindTransport ErrorKind = "transport_error"

	// KindTimeout means a single call exceeded its timeout.
	KindTimeout ErrorKind = "timeout"

	// KindDevice means the device itself reported a fault.
	KindDevice ErrorKind = "device_error"

	// KindReconciliationTimeout means the target power state was not
	// observed before the reconciliation deadline.
	KindReconciliationTimeout ErrorKind = "reconciliation_timeout"

	// KindRetriesExhausted means every permitted attempt failed with a
	// retryable error.
	KindRetriesExhausted ErrorKind = "retries_exhausted"

	// KindCancelled means the caller cancelled the operation.
	KindCancelled ErrorKind = "cancelled"

	// KindInvalidNode means the node handle was rejected before any I/O.
	KindInvalidNode ErrorKind = "invalid_node"
)

// Error is the single error type that crosses the control layer's
// boundary.
type Error struct {
	// Kind is the classification used for retry and reporting.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code optionally refines Kind, e.g. ErrCodeAuth.
	Code string `json:"code,omitempty"`

	// Node identifies the node the error relates to.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed.
	Operation Operation `json:"operation,omitempty"`

	// Temporary marks a transport failure that may succeed on retry.
	Temporary bool `json:"temporary,omitempty"`

	// EffectUnknown is set when a mutating command may or may not have
	// reached the device.
	EffectUnknown bool `json:"effect_unknown,omitempty"`

	// Attempts is the number of attempts made, for RetriesExhausted.
	Attempts int `json:"attempts,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Node != "" && e.Operation != "" {
		prefix = fmt.Sprintf("[%s] (node=%s, operation=%s)", e.Kind, e.Node, e.Operation)
	} else if e.Node != "" {
		prefix = fmt.Sprintf("[%s] (node=%s)", e.Kind, e.Node)
	}
	msg := prefix + " " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// KindLabel returns Kind as a metric and span label.
func (e *Error) KindLabel() string { return string(e.Kind) }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// Sentinels for errors.Is. They carry only a Kind.
var (
	ErrUnsupportedHardwareType = &Error{Kind: KindUnsupportedHardwareType}
	ErrUnsupportedOperation    = &Error{Kind: KindUnsupportedOperation}
	ErrTransport               = &Error{Kind: KindTransport}
	ErrTimeout                 = &Error{Kind: KindTimeout}
	ErrDevice                  = &Error{Kind: KindDevice}
	ErrReconciliationTimeout   = &Error{Kind: KindReconciliationTimeout}
	ErrRetriesExhausted        = &Error{Kind: KindRetriesExhausted}
	ErrCancelled               = &Error{Kind: KindCancelled}
	ErrInvalidNode             = &Error{Kind: KindInvalidNode}
)

// Transport error codes.
const (
	ErrCodeAuth              = "AUTH_FAILED"
	ErrCodeConnectionRefused = "CONNECTION_REFUSED"
	ErrCodeConnectionReset   = "CONNECTION_RESET"
	ErrCodeMalformedReply    = "MALFORMED_REPLY"
	ErrCodeBusy              = "DEVICE_BUSY"
	ErrCodeUnreachable       = "UNREACHABLE"
)

// ErrCodeInvalidArgument refines UnsupportedOperation for requests whose
// arguments cannot be expressed to the device.
const ErrCodeInvalidArgument = "INVALID_ARGUMENT"

// NewInvalidArgumentError rejects malformed operation arguments before
// any I/O.
func NewInvalidArgumentError(message string) *Error {
	return &Error{
		Kind:    KindUnsupportedOperation,
		Code:    ErrCodeInvalidArgument,
		Message: message,
	}
}

// NewUnsupportedHardwareTypeError reports an unregistered hardware type.
func NewUnsupportedHardwareTypeError(hardwareType string) *Error {
	return &Error{
		Kind:    KindUnsupportedHardwareType,
		Message: fmt.Sprintf("hardware type %q is not registered", hardwareType),
	}
}

// NewUnsupportedOperationError reports an operation outside the
// hardware type's capability set.
func NewUnsupportedOperationError(hardwareType string, op Operation) *Error {
	return &Error{
		Kind:      KindUnsupportedOperation,
		Message:   fmt.Sprintf("hardware type %q does not support %s", hardwareType, op),
		Operation: op,
	}
}

// NewTransportError wraps a transport failure. temporary marks it as
// retryable.
func NewTransportError(message string, err error, temporary bool) *Error {
	return &Error{
		Kind:      KindTransport,
		Message:   message,
		Err:       err,
		Temporary: temporary,
	}
}

// NewAuthError reports an authentication or authorization failure. It
// is never retryable.
func NewAuthError(message string, err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Code:    ErrCodeAuth,
		Message: message,
		Err:     err,
	}
}

// NewMalformedReplyError reports a reply the transport could not decode.
func NewMalformedReplyError(message string, raw []byte) *Error {
	e := &Error{
		Kind:    KindTransport,
		Code:    ErrCodeMalformedReply,
		Message: message,
	}
	if len(raw) > 0 {
		e.WithDetail("raw", string(raw))
	}
	return e
}

// NewTimeoutError reports a call that exceeded its timeout.
func NewTimeoutError(message string, err error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: message,
		Err:     err,
	}
}

// NewDeviceError reports a fault reported by the device.
func NewDeviceError(message string, err error) *Error {
	return &Error{
		Kind:    KindDevice,
		Message: message,
		Err:     err,
	}
}

// NewReconciliationTimeoutError reports a target state that was never
// observed. last is the most recent observation failure, if any.
func NewReconciliationTimeoutError(message string, last error) *Error {
	return &Error{
		Kind:    KindReconciliationTimeout,
		Message: message,
		Err:     last,
	}
}

// NewRetriesExhaustedError wraps the last error of a failed retry
// sequence.
func NewRetriesExhaustedError(attempts int, last error) *Error {
	return &Error{
		Kind:     KindRetriesExhausted,
		Message:  fmt.Sprintf("gave up after %d attempt(s)", attempts),
		Attempts: attempts,
		Err:      last,
	}
}

// NewCancelledError reports caller cancellation.
func NewCancelledError(err error) *Error {
	return &Error{
		Kind:    KindCancelled,
		Message: "operation cancelled",
		Err:     err,
	}
}

// NewInvalidNodeError reports a rejected node handle.
func NewInvalidNodeError(message string) *Error {
	return &Error{
		Kind:    KindInvalidNode,
		Message: message,
	}
}

// WithNode adds node context.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op Operation) *Error {
	e.Operation = op
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithEffectUnknown marks the error as possibly having changed the device.
func (e *Error) WithEffectUnknown() *Error {
	e.EffectUnknown = true
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindTransport && e.Code == ErrCodeAuth
}

// IsEffectUnknown reports whether a mutating command may have taken
// effect despite err.
func IsEffectUnknown(err error) bool {
	e, ok := AsError(err)
	return ok && e.EffectUnknown
}

// IsRetryable reports whether err is worth another attempt. Timeouts and
// temporary, non-authentication transport errors are retryable.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTimeout:
		return true
	case KindTransport:
		return e.Temporary && e.Code != ErrCodeAuth
	}
	return false
}

// FromContext converts a context error to Cancelled or Timeout.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("deadline exceeded", err)
	}
	return NewCancelledError(err)
}

// ClassifyTransportError converts an arbitrary error raised by a
// transport into an *Error. Values that already are *Error are returned
// unchanged.
func ClassifyTransportError(message string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FromContext(err)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewTransportError(message, err, true).WithCode(ErrCodeConnectionRefused)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return NewTransportError(message, err, true).WithCode(ErrCodeConnectionReset)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return NewTransportError(message, err, true).WithCode(ErrCodeUnreachable)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NewTransportError(message, err, true).WithCode(ErrCodeConnectionReset)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransportError(message, err, true)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewTransportError(message, err, true)
	}

	return NewTransportError(message, err, false)
}
