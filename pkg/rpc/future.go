package rpc

import (
	"context"
	"sync"
)

// Future is the blocking adapter over the asynchronous request path: it is
// a ResponseHandler that records the single terminal outcome and lets a
// caller wait for it. There is no separate synchronous code path.
type Future struct {
	done     chan struct{}
	once     sync.Once
	payload  []byte
	err      error
	executor string
}

// NewFuture creates a future delivered on the named executor (generic when
// empty).
func NewFuture(executor string) *Future {
	if executor == "" {
		executor = ExecutorGeneric
	}
	return &Future{done: make(chan struct{}), executor: executor}
}

func (f *Future) complete(payload []byte, err error) {
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		close(f.done)
	})
}

func (f *Future) HandleResponse(_ context.Context, payload []byte) { f.complete(payload, nil) }
func (f *Future) HandleError(_ context.Context, err error)         { f.complete(nil, err) }
func (f *Future) HandleRejection(_ context.Context, err error)     { f.complete(nil, err) }
func (f *Future) Executor() string                                 { return f.executor }

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is available or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
