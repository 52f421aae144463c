// Package transport defines the byte-level transport interfaces the rpc
// layer runs on and provides basic implementations (tcp, quic, mem).
//
// Key concepts:
// - Transport: dials/listens for Conns of a specific Kind (TCP/QUIC/mem)
// - Conn: a framed bidirectional link to a peer; frames are opaque bytes
// - Listener: accepts inbound Conns
//
// The transport layer knows nothing about request ids, actions, or
// handlers; all of that lives in pkg/rpc.
package transport
