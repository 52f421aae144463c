package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// TimeoutInfo records a fired timeout so a straggler response for an
// already-timed-out request id can be diagnosed later. Kept in a small LRU;
// not part of correctness.
type TimeoutInfo struct {
	Node        Node
	Action      string
	SentTime    time.Time
	TimeoutTime time.Time
}

// timeoutInfoCapacity bounds the diagnostic LRU.
const timeoutInfoCapacity = 100

// timeoutHandler arms one cancellable timer for a request sent with a
// timeout. State machine: armed -> fired, or armed -> cancelled. The fire
// path claims the request id through the response table; if the claim fails
// the request already resolved and the timer does nothing. Cancellation is
// best effort and must only happen after the id left the table.
type timeoutHandler struct {
	svc       *Service
	requestID uint64
	node      Node
	action    string
	sentTime  time.Time
	timer     *time.Timer
}

func newTimeoutHandler(svc *Service, requestID uint64, node Node, action string) *timeoutHandler {
	return &timeoutHandler{
		svc:       svc,
		requestID: requestID,
		node:      node,
		action:    action,
		sentTime:  time.Now(),
	}
}

func (th *timeoutHandler) schedule(d time.Duration) {
	th.timer = time.AfterFunc(d, th.onTimeout)
}

func (th *timeoutHandler) onTimeout() {
	s := th.svc
	if !s.responses.Contains(th.requestID) {
		return
	}
	timeoutTime := time.Now()
	// make the diagnostic info visible before attempting the claim, so a
	// racing late response finds it
	s.timeoutInfo.Add(th.requestID, TimeoutInfo{
		Node:        th.node,
		Action:      th.action,
		SentTime:    th.sentTime,
		TimeoutTime: timeoutTime,
	})
	c, ok := s.responses.Remove(th.requestID)
	if !ok {
		// response won the race; drop the diagnostic entry again
		s.timeoutInfo.Remove(th.requestID)
		return
	}
	requestTimeouts.Inc()
	err := &ReceiveTimeoutError{
		Node:   c.Connection.Node(),
		Action: c.Action,
		Message: fmt.Sprintf("request_id [%d] timed out after [%s]",
			th.requestID, timeoutTime.Sub(th.sentTime).Round(time.Millisecond)),
	}
	// delivery happens on a background executor, not the timer goroutine
	s.deliverFailure(c, err)
}

// cancel stops the timer if it has not fired. Call only after the request
// id has been removed from the response table.
func (th *timeoutHandler) cancel() {
	if th.timer != nil {
		th.timer.Stop()
	}
}

// ctxHandler wraps the caller's handler: it cancels the timeout on any
// terminal outcome and restores the logical context captured at send time,
// not the context active at delivery time.
type ctxHandler struct {
	ctx      context.Context
	delegate ResponseHandler
	timeout  atomic.Pointer[timeoutHandler]
}

func newCtxHandler(ctx context.Context, delegate ResponseHandler) *ctxHandler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ctxHandler{ctx: context.WithoutCancel(ctx), delegate: delegate}
}

func (h *ctxHandler) setTimeout(th *timeoutHandler) { h.timeout.Store(th) }

func (h *ctxHandler) cancelTimeout() {
	if th := h.timeout.Load(); th != nil {
		th.cancel()
	}
}

func (h *ctxHandler) HandleResponse(_ context.Context, payload []byte) {
	h.cancelTimeout()
	h.delegate.HandleResponse(h.ctx, payload)
}

func (h *ctxHandler) HandleError(_ context.Context, err error) {
	h.cancelTimeout()
	h.delegate.HandleError(h.ctx, err)
}

func (h *ctxHandler) HandleRejection(_ context.Context, err error) {
	h.cancelTimeout()
	h.delegate.HandleRejection(h.ctx, err)
}

func (h *ctxHandler) Executor() string { return h.delegate.Executor() }
