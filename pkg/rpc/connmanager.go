package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// ConnectionValidator performs an application-level handshake over a fresh
// connection and either confirms the peer matches expectations or fails the
// connection attempt. Supplied by the dispatcher so the manager stays
// decoupled from node-identity verification.
type ConnectionValidator func(ctx context.Context, conn Connection) error

// ConnectionListener is notified when any managed connection closes,
// locally or peer-initiated.
type ConnectionListener interface {
	OnConnectionClosed(conn Connection)
}

// dialFunc opens a ready-to-use connection to a node, including its reader
// goroutine. Provided by the service.
type dialFunc func(ctx context.Context, node Node) (Connection, error)

// ConnectionManager owns the pool of peer connections.
type ConnectionManager struct {
	dial   dialFunc
	conns  *xsync.MapOf[NodeID, Connection]
	logger *zap.Logger

	mu        sync.Mutex
	listeners []ConnectionListener // copy-on-write, read without mu
	closed    bool
}

func NewConnectionManager(dial dialFunc, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.L()
	}
	return &ConnectionManager{
		dial:   dial,
		conns:  xsync.NewMapOf[NodeID, Connection](),
		logger: logger,
	}
}

// AddListener registers a close listener.
func (m *ConnectionManager) AddListener(l ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]ConnectionListener, len(m.listeners), len(m.listeners)+1)
	copy(next, m.listeners)
	m.listeners = append(next, l)
}

// RemoveListener deregisters a close listener.
func (m *ConnectionManager) RemoveListener(l ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]ConnectionListener, 0, len(m.listeners))
	for _, x := range m.listeners {
		if x != l {
			next = append(next, x)
		}
	}
	m.listeners = next
}

func (m *ConnectionManager) snapshotListeners() []ConnectionListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners
}

// Connect establishes and pools a validated connection to the node. Already
// connected nodes are a no-op. A validation failure closes the connection
// and leaves the pool untouched.
func (m *ConnectionManager) Connect(ctx context.Context, node Node, validator ConnectionValidator) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("connection manager closed")
	}
	if _, ok := m.conns.Load(node.ID); ok {
		return nil
	}
	conn, err := m.dial(ctx, node)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", node, err)
	}
	if validator != nil {
		if err := validator(ctx, conn); err != nil {
			_ = conn.Close()
			return err
		}
	}
	if _, loaded := m.conns.LoadOrStore(node.ID, conn); loaded {
		// lost a connect race; keep the established one
		_ = conn.Close()
		return nil
	}
	conn.AddCloseListener(func() {
		m.conns.Compute(node.ID, func(cur Connection, ok bool) (Connection, bool) {
			if !ok || cur == conn {
				return nil, true // delete
			}
			return cur, false // a newer connection took the slot; keep it
		})
		for _, l := range m.snapshotListeners() {
			l.OnConnectionClosed(conn)
		}
	})
	m.logger.Debug("connected to node", zap.String("node", node.String()))
	return nil
}

// GetConnection returns the pooled connection for the node.
func (m *ConnectionManager) GetConnection(node Node) (Connection, error) {
	if c, ok := m.conns.Load(node.ID); ok {
		return c, nil
	}
	return nil, &NodeNotConnectedError{Node: node}
}

// NodeConnected reports whether the node has a pooled connection.
func (m *ConnectionManager) NodeConnected(node Node) bool {
	_, ok := m.conns.Load(node.ID)
	return ok
}

// Disconnect closes and removes the node's pooled connection.
func (m *ConnectionManager) Disconnect(node Node) {
	if c, ok := m.conns.LoadAndDelete(node.ID); ok {
		_ = c.Close()
	}
}

// OpenConnection establishes a connection that is NOT pooled; the caller
// owns it and must close it.
func (m *ConnectionManager) OpenConnection(ctx context.Context, node Node) (Connection, error) {
	return m.dial(ctx, node)
}

// Close closes every pooled connection and refuses further connects.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.conns.Range(func(id NodeID, c Connection) bool {
		_ = c.Close()
		return true
	})
}
