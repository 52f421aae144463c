package rpc

import (
	"context"
	"time"
)

// RequestOptions carries per-request settings.
type RequestOptions struct {
	// Timeout, when positive, arms a timer that fails the request with a
	// ReceiveTimeoutError if no response arrived first. Zero means wait
	// forever.
	Timeout time.Duration
}

// ResponseHandler receives the terminal outcome of a request. Exactly one of
// HandleResponse, HandleError, or HandleRejection fires, exactly once. The
// ctx passed in is the logical context captured when the request was sent,
// detached from cancellation, so correlation metadata survives into the
// callback regardless of which goroutine delivers it.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, payload []byte)
	HandleError(ctx context.Context, err error)
	// HandleRejection fires instead of HandleError when delivery itself was
	// refused by the executor, e.g. during shutdown.
	HandleRejection(ctx context.Context, err error)
	// Executor names the pool the outcome must be delivered on.
	// ExecutorSame means inline on the delivering goroutine.
	Executor() string
}

// ResponseHandlerFuncs adapts plain functions to ResponseHandler. Nil
// callbacks are ignored; a nil OnRejection falls back to OnError.
type ResponseHandlerFuncs struct {
	OnResponse   func(ctx context.Context, payload []byte)
	OnError      func(ctx context.Context, err error)
	OnRejection  func(ctx context.Context, err error)
	ExecutorName string
}

func (h ResponseHandlerFuncs) HandleResponse(ctx context.Context, payload []byte) {
	if h.OnResponse != nil {
		h.OnResponse(ctx, payload)
	}
}

func (h ResponseHandlerFuncs) HandleError(ctx context.Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}

func (h ResponseHandlerFuncs) HandleRejection(ctx context.Context, err error) {
	if h.OnRejection != nil {
		h.OnRejection(ctx, err)
		return
	}
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}

func (h ResponseHandlerFuncs) Executor() string {
	if h.ExecutorName == "" {
		return ExecutorGeneric
	}
	return h.ExecutorName
}

// Channel is the reply path handed to request handlers. At most one of
// SendResponse or SendError may be called per request.
type Channel interface {
	SendResponse(payload []byte) error
	SendError(err error) error
}

// Handler processes one incoming request. The payload is the raw request
// bytes; the handler replies through ch, possibly after ctx-aware async
// work. Panics are recovered and sent back as a remote-style error.
type Handler func(ctx context.Context, payload []byte, ch Channel)
