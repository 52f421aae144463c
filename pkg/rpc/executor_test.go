package rpc

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestExecutorSameRunsInline(t *testing.T) {
	e := NewExecutors(1, 1, zap.NewNop())
	defer e.Shutdown()
	ran := false
	if err := e.Submit(ExecutorSame, false, func() { ran = true }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ran {
		t.Fatalf("same-executor task must run before Submit returns")
	}
}

func TestExecutorGenericRunsTasks(t *testing.T) {
	e := NewExecutors(4, 16, zap.NewNop())
	defer e.Shutdown()
	var n atomic.Int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		if err := e.Submit(ExecutorGeneric, false, func() {
			n.Add(1)
			done <- struct{}{}
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never ran", i)
		}
	}
	if n.Load() != 10 {
		t.Fatalf("ran %d tasks, want 10", n.Load())
	}
}

func TestExecutorRejectsWhenQueueFull(t *testing.T) {
	e := NewExecutors(1, 1, zap.NewNop())
	defer e.Shutdown()
	gate := make(chan struct{})
	defer close(gate)

	// occupy the single worker, then fill the single queue slot
	_ = e.Submit(ExecutorGeneric, false, func() { <-gate })
	waitQueued := func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if err := e.Submit(ExecutorGeneric, false, func() { <-gate }); err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("could not queue second task")
	}
	waitQueued()

	err := e.Submit(ExecutorGeneric, false, func() {})
	var re *RejectedExecutionError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RejectedExecutionError", err)
	}
}

func TestExecutorShutdownDrainsQueued(t *testing.T) {
	e := NewExecutors(1, 16, zap.NewNop())
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		if err := e.Submit(ExecutorGeneric, true, func() { n.Add(1) }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	e.Shutdown()
	if n.Load() != 8 {
		t.Fatalf("ran %d tasks after shutdown, want 8", n.Load())
	}
}

// A force submit racing shutdown is either rejected or run; an accepted task
// can never be left stranded in the queue.
func TestExecutorShutdownRunsEveryAcceptedTask(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := newPool("race", 2, 16)
		var accepted, ran atomic.Int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if err := p.submit(func() { ran.Add(1) }, true); err != nil {
					return
				}
				accepted.Add(1)
			}
		}()
		p.shutdown()
		<-done
		if ran.Load() != accepted.Load() {
			t.Fatalf("iteration %d: accepted %d tasks, ran %d", i, accepted.Load(), ran.Load())
		}
	}
}

func TestExecutorSubmitAfterShutdown(t *testing.T) {
	e := NewExecutors(1, 1, zap.NewNop())
	e.Shutdown()
	err := e.Submit(ExecutorGeneric, true, func() { t.Errorf("task ran after shutdown") })
	var re *RejectedExecutionError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RejectedExecutionError", err)
	}
}

func TestExecutorNamedPoolAndFallback(t *testing.T) {
	e := NewExecutors(1, 4, zap.NewNop())
	defer e.Shutdown()
	e.RegisterPool("search", 2, 4)
	done := make(chan struct{}, 2)
	if err := e.Submit("search", false, func() { done <- struct{}{} }); err != nil {
		t.Fatalf("submit to named pool: %v", err)
	}
	// unknown names land on the generic pool instead of failing
	if err := e.Submit("no-such-pool", false, func() { done <- struct{}{} }); err != nil {
		t.Fatalf("submit to unknown pool: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never ran", i)
		}
	}
}
