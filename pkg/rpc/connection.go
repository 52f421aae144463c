package rpc

import (
	"errors"
	"sync"
	"sync/atomic"

	"meshrpc/pkg/transport"
	"meshrpc/pkg/wire"
)

// Connection is a live link to a peer able to carry requests and responses.
// Two variants exist: netConn over a real transport link, and the service's
// loopback connection used when the destination is the local node.
type Connection interface {
	// Node returns the peer identity this connection is bound to.
	Node() Node
	// SendRequest transmits one request frame. It returns an error only for
	// local failures (serialization, write); the response arrives through
	// the service's dispatch path.
	SendRequest(requestID uint64, action string, payload []byte, opts RequestOptions) error
	// AddCloseListener registers f to run once when the connection closes.
	// If the connection is already closed, f runs immediately.
	AddCloseListener(f func())
	IsClosed() bool
	Close() error
}

var errConnClosed = errors.New("connection closed")

// netConn wraps a transport link. The service runs one reader goroutine per
// netConn; writes may come from any goroutine.
type netConn struct {
	node Node
	tc   transport.Conn

	closed    atomic.Bool
	closeOnce sync.Once

	mu        sync.Mutex
	listeners []func()
}

func newNetConn(node Node, tc transport.Conn) *netConn {
	return &netConn{node: node, tc: tc}
}

func (c *netConn) Node() Node { return c.node }

func (c *netConn) SendRequest(requestID uint64, action string, payload []byte, opts RequestOptions) error {
	if c.closed.Load() {
		return errConnClosed
	}
	b, err := wire.Marshal(&wire.Envelope{
		Type:      wire.TypeRequest,
		RequestID: requestID,
		Action:    action,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return c.tc.SendFrame(b)
}

func (c *netConn) sendResponse(requestID uint64, payload []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	b, err := wire.Marshal(&wire.Envelope{
		Type:      wire.TypeResponse,
		RequestID: requestID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return c.tc.SendFrame(b)
}

func (c *netConn) sendError(requestID uint64, action string, remote *wire.RemoteErr) error {
	if c.closed.Load() {
		return errConnClosed
	}
	b, err := wire.Marshal(&wire.Envelope{
		Type:      wire.TypeError,
		RequestID: requestID,
		Action:    action,
		Error:     remote,
	})
	if err != nil {
		return err
	}
	return c.tc.SendFrame(b)
}

func (c *netConn) AddCloseListener(f func()) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.listeners = append(c.listeners, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	f()
}

func (c *netConn) IsClosed() bool { return c.closed.Load() }

func (c *netConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		ls := c.listeners
		c.listeners = nil
		c.mu.Unlock()
		_ = c.tc.Close()
		for _, f := range ls {
			f()
		}
	})
	return nil
}
