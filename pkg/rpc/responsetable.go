package rpc

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ResponseContext links a pending request id to its handler, connection,
// and action. Exactly one context exists per outstanding request id.
type ResponseContext struct {
	RequestID  uint64
	Handler    ResponseHandler
	Connection Connection
	Action     string
}

// ResponseTable issues request ids and holds the pending response context
// for each. Removal is the single linearization point for delivering a
// terminal outcome: whichever path removes the context owns delivery.
type ResponseTable struct {
	nextID  atomic.Uint64
	pending *xsync.MapOf[uint64, *ResponseContext]
}

func NewResponseTable() *ResponseTable {
	return &ResponseTable{pending: xsync.NewMapOf[uint64, *ResponseContext]()}
}

// Add issues a fresh request id and stores a context for it. Never blocks.
func (t *ResponseTable) Add(handler ResponseHandler, conn Connection, action string) *ResponseContext {
	c := &ResponseContext{
		RequestID:  t.nextID.Add(1),
		Handler:    handler,
		Connection: conn,
		Action:     action,
	}
	t.pending.Store(c.RequestID, c)
	return c
}

// Remove atomically detaches and returns the context for the id. The second
// return is false if the id was already resolved or never existed. Every
// delivery path must go through Remove and only proceed on true.
func (t *ResponseTable) Remove(requestID uint64) (*ResponseContext, bool) {
	return t.pending.LoadAndDelete(requestID)
}

// Prune atomically removes and returns every context matching pred. Safe
// against concurrent Add/Remove; a context claimed by a racing Remove is
// not returned twice.
func (t *ResponseTable) Prune(pred func(*ResponseContext) bool) []*ResponseContext {
	var matched []uint64
	t.pending.Range(func(id uint64, c *ResponseContext) bool {
		if pred(c) {
			matched = append(matched, id)
		}
		return true
	})
	var out []*ResponseContext
	for _, id := range matched {
		if c, ok := t.pending.LoadAndDelete(id); ok && pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// Contains reports whether the id is still pending. Diagnostic only; never
// use it for delivery decisions that could race.
func (t *ResponseTable) Contains(requestID uint64) bool {
	_, ok := t.pending.Load(requestID)
	return ok
}

// Len returns the number of pending contexts. Diagnostic only.
func (t *ResponseTable) Len() int {
	return t.pending.Size()
}
