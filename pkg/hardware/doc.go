// Package hardware defines the vocabulary shared by every layer of the
// out-of-band control stack: node handles, power states, boot devices,
// the closed set of operations, commands and results exchanged with
// transports, and the error taxonomy surfaced to callers.
//
// A Transport is the pluggable outbound protocol adapter. It opens a
// Session against a node's management endpoint; a Session sends one
// Command at a time and returns a decoded Result. Everything above the
// transport (retry, execution, reconciliation, the driver facade) is
// protocol-agnostic and speaks only the types in this package.
//
// Errors returned across package boundaries are always *Error values.
// Use errors.Is against the exported sentinels to test the kind:
//
//	if errors.Is(err, hardware.ErrUnsupportedOperation) {
//		// the hardware type cannot do this
//	}
//
// and the predicate helpers (IsRetryable, IsEffectUnknown, IsAuth) to
// drive control flow.
package hardware
