package hardware

import "context"

// Transport is a protocol adapter able to reach a node's management
// controller. Implementations must be safe for concurrent use; all
// per-connection state lives in the Session.
type Transport interface {
	// Open establishes a session with the node's endpoint using its
	// credentials. Authentication failures must be reported as
	// non-temporary transport errors.
	Open(ctx context.Context, node *Node) (Session, error)
}

// Session is one open connection to a management controller.
type Session interface {
	// Send executes cmd and returns the decoded reply. If the transport
	// cannot tell whether a mutating command reached the device it must
	// say so with an EffectUnknown transport error.
	Send(ctx context.Context, cmd Command) (*Result, error)

	// Close releases the session. It is called exactly once.
	Close() error
}

// TransportFactory builds the Transport for a hardware type.
type TransportFactory func() (Transport, error)
