package rpc

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Executor names with built-in meaning.
const (
	// ExecutorSame runs the task inline on the delivering goroutine.
	ExecutorSame = "same"
	// ExecutorGeneric is the default background pool; handler callbacks and
	// failure deliveries land here unless a handler names another pool.
	ExecutorGeneric = "generic"
)

var (
	errExecutorShutDown  = errors.New("executor shut down")
	errExecutorQueueFull = errors.New("executor queue full")
)

// pool is a fixed set of workers draining a bounded queue.
type pool struct {
	name   string
	mu     sync.Mutex
	closed bool
	queue  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newPool(name string, workers, queueSize int) *pool {
	p := &pool{
		name:   name,
		queue:  make(chan func(), queueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *pool) run() {
	defer p.wg.Done()
	for {
		select {
		case f := <-p.queue:
			f()
		case <-p.stopCh:
			// drain whatever was queued before shutdown
			for {
				select {
				case f := <-p.queue:
					f()
				default:
					return
				}
			}
		}
	}
}

// submit queues f. With force set it blocks until the task is queued;
// otherwise a full queue rejects immediately. The mutex pairs the shut-down
// check with the enqueue: a task accepted here was queued before stopCh
// closed, so the workers' drain loop is guaranteed to run it.
func (p *pool) submit(f func(), force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &RejectedExecutionError{Executor: p.name, Err: errExecutorShutDown}
	}
	if force {
		// workers are still live while the lock is held, so a full queue
		// drains and this send completes
		p.queue <- f
		return nil
	}
	select {
	case p.queue <- f:
		return nil
	default:
		return &RejectedExecutionError{Executor: p.name, Err: errExecutorQueueFull}
	}
}

func (p *pool) shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stopCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Executors is the set of named worker pools requests and responses are
// delivered on.
type Executors struct {
	mu     sync.RWMutex
	pools  map[string]*pool
	logger *zap.Logger
}

// NewExecutors creates the executor set with a generic pool of the given
// size. Additional named pools can be registered before the service starts.
func NewExecutors(workers, queueSize int, logger *zap.Logger) *Executors {
	if logger == nil {
		logger = zap.L()
	}
	e := &Executors{pools: make(map[string]*pool), logger: logger}
	e.pools[ExecutorGeneric] = newPool(ExecutorGeneric, workers, queueSize)
	return e
}

// RegisterPool adds a named pool. Registering an existing name is a no-op.
func (e *Executors) RegisterPool(name string, workers, queueSize int) {
	if name == ExecutorSame || name == ExecutorGeneric {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pools[name]; !ok {
		e.pools[name] = newPool(name, workers, queueSize)
	}
}

// Submit runs f on the named executor. ExecutorSame runs inline and never
// fails. Unknown names fall back to the generic pool.
func (e *Executors) Submit(name string, force bool, f func()) error {
	if name == ExecutorSame {
		f()
		return nil
	}
	e.mu.RLock()
	p, ok := e.pools[name]
	if !ok {
		p = e.pools[ExecutorGeneric]
	}
	e.mu.RUnlock()
	return p.submit(f, force)
}

// Shutdown stops all pools, draining tasks queued before the call.
func (e *Executors) Shutdown() {
	e.mu.RLock()
	pools := make([]*pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.RUnlock()
	for _, p := range pools {
		p.shutdown()
	}
}
