package rpc

import "sync"

// MessageListener observes request/response traffic flowing through the
// service. All hooks are invoked inline on the dispatching goroutine and
// must be fast.
type MessageListener interface {
	// OnRequestReceived fires before the request payload is parsed.
	OnRequestReceived(requestID uint64, action string)
	// OnRequestSent fires once a request was handed to the connection.
	OnRequestSent(node Node, requestID uint64, action string, opts RequestOptions)
	// OnResponseReceived fires when response bytes were matched to a
	// request id; ctx is nil if the id was already resolved.
	OnResponseReceived(requestID uint64, ctx *ResponseContext)
	// OnResponseSent fires once a response (or error response, err != nil)
	// was sent to the calling node.
	OnResponseSent(requestID uint64, action string, err error)
}

// messageListeners fans out to registered listeners. Reads take a snapshot;
// mutation copies under the lock.
type messageListeners struct {
	mu sync.Mutex
	ls []MessageListener
}

func (d *messageListeners) Add(l MessageListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]MessageListener, len(d.ls), len(d.ls)+1)
	copy(next, d.ls)
	d.ls = append(next, l)
}

func (d *messageListeners) Remove(l MessageListener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]MessageListener, 0, len(d.ls))
	removed := false
	for _, x := range d.ls {
		if x == l && !removed {
			removed = true
			continue
		}
		next = append(next, x)
	}
	d.ls = next
	return removed
}

func (d *messageListeners) snapshot() []MessageListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ls
}

func (d *messageListeners) OnRequestReceived(requestID uint64, action string) {
	for _, l := range d.snapshot() {
		l.OnRequestReceived(requestID, action)
	}
}

func (d *messageListeners) OnRequestSent(node Node, requestID uint64, action string, opts RequestOptions) {
	for _, l := range d.snapshot() {
		l.OnRequestSent(node, requestID, action, opts)
	}
}

func (d *messageListeners) OnResponseReceived(requestID uint64, ctx *ResponseContext) {
	for _, l := range d.snapshot() {
		l.OnResponseReceived(requestID, ctx)
	}
}

func (d *messageListeners) OnResponseSent(requestID uint64, action string, err error) {
	for _, l := range d.snapshot() {
		l.OnResponseSent(requestID, action, err)
	}
}
