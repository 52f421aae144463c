package transport

import (
	"context"
	"net"
)

// Kind identifies the link type carrying a connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Conn is a framed bidirectional byte link to a single peer. Frames are
// opaque to the transport; the rpc layer encodes envelopes into them.
// SendFrame is safe for concurrent use; RecvFrame expects exactly one
// reader goroutine.
type Conn interface {
	// SendFrame writes one message frame.
	SendFrame([]byte) error
	// RecvFrame blocks until the next inbound frame or a transport error.
	RecvFrame() ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Close tears down the link. A blocked RecvFrame unblocks with an error.
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound connections on address
	// (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound connection to address.
	Dial(ctx context.Context, address string) (Conn, error)
}
