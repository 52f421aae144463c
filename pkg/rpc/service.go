package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"meshrpc/pkg/transport"
	"meshrpc/pkg/wire"
)

// Version is the protocol version advertised during handshakes when the
// caller does not set one on the local node.
const Version = "1.0.0"

const (
	defaultWorkers          = 8
	defaultQueueSize        = 1024
	defaultHandshakeTimeout = 10 * time.Second
)

// Options configures a Service.
type Options struct {
	// LocalNode is this node's identity. A missing ID is generated; the
	// Address is filled in from the bound listener on Start.
	LocalNode   Node
	ClusterName string

	// Transport carries frames to peers. May be nil for a service that only
	// ever talks to itself.
	Transport transport.Transport
	// ListenAddress is the transport-specific bind address used by Start.
	ListenAddress string

	// Workers and QueueSize shape the generic executor pool.
	Workers   int
	QueueSize int

	HandshakeTimeout time.Duration

	// TraceInclude / TraceExclude select actions for debug tracing.
	TraceInclude []string
	TraceExclude []string

	Logger *zap.Logger
}

// Service routes requests to peers and delivers every terminal outcome
// (response, error, timeout, disconnect, shutdown) exactly once per request.
type Service struct {
	mu        sync.RWMutex
	localNode Node

	clusterName      string
	handshakeTimeout time.Duration

	tp     transport.Transport
	addr   string
	logger *zap.Logger

	registry    *HandlerRegistry
	responses   *ResponseTable
	executors   *Executors
	connManager *ConnectionManager
	taskManager *TaskManager
	listeners   *messageListeners
	tracer      *traceLogger
	timeoutInfo *lru.Cache[uint64, TimeoutInfo]

	localConn Connection
	served    *xsync.MapOf[*netConn, struct{}]

	accepting atomic.Bool
	stopping  atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	listener transport.Listener
	wg       sync.WaitGroup
}

// NewService builds a stopped service. Handlers may be registered and local
// requests sent immediately; network traffic needs Start.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	node := opts.LocalNode
	if node.ID == "" {
		node.ID = NodeID(randomID())
	}
	if node.Version == "" {
		node.Version = Version
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	timeoutInfo, _ := lru.New[uint64, TimeoutInfo](timeoutInfoCapacity)

	s := &Service{
		localNode:        node,
		clusterName:      opts.ClusterName,
		handshakeTimeout: handshakeTimeout,
		tp:               opts.Transport,
		addr:             opts.ListenAddress,
		logger:           logger,
		registry:         NewHandlerRegistry(logger),
		responses:        NewResponseTable(),
		executors:        NewExecutors(workers, queueSize, logger),
		taskManager:      NewTaskManager(),
		listeners:        &messageListeners{},
		tracer:           newTraceLogger(opts.TraceInclude, opts.TraceExclude, logger),
		timeoutInfo:      timeoutInfo,
		served:           xsync.NewMapOf[*netConn, struct{}](),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.localConn = &localConn{svc: s}
	s.connManager = NewConnectionManager(s.dialConn, logger)
	s.registerHandshakeHandler()
	return s
}

func randomID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// LocalNode returns this node's identity, including the bound address once
// the service started.
func (s *Service) LocalNode() Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localNode
}

// BoundAddr returns the listener address, or nil before Start.
func (s *Service) BoundAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// PendingRequests returns the number of requests awaiting an outcome.
func (s *Service) PendingRequests() int { return s.responses.Len() }

// ResponseHandlers exposes the pending-response table. Transport-level code
// detects arrivals; the service decides delivery.
func (s *Service) ResponseHandlers() *ResponseTable { return s.responses }

// RegisterHandler binds an action to a request handler.
func (s *Service) RegisterHandler(reg *Registration) { s.registry.Register(reg) }

// RegisterExecutorPool adds a named worker pool handlers and response
// handlers can be pinned to. Register pools before traffic arrives.
func (s *Service) RegisterExecutorPool(name string, workers, queueSize int) {
	s.executors.RegisterPool(name, workers, queueSize)
}

// AddMessageListener registers a hook observing request/response traffic.
func (s *Service) AddMessageListener(l MessageListener) { s.listeners.Add(l) }

// RemoveMessageListener deregisters a traffic hook.
func (s *Service) RemoveMessageListener(l MessageListener) bool { return s.listeners.Remove(l) }

// AddConnectionListener registers a hook observing pooled connection closes.
func (s *Service) AddConnectionListener(l ConnectionListener) { s.connManager.AddListener(l) }

// TaskManager exposes parent/child task bookkeeping for request fan-out.
func (s *Service) TaskManager() *TaskManager { return s.taskManager }

// Start binds the listener and begins accepting connections. Incoming
// requests are still refused until AcceptIncomingRequests is called, so
// callers can finish handler registration first.
func (s *Service) Start(ctx context.Context) error {
	if s.tp == nil {
		return fmt.Errorf("no transport configured")
	}
	l, err := s.tp.Listen(ctx, s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s %q: %w", s.tp.Kind(), s.addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.localNode.Address = l.Addr().String()
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(l)
	s.logger.Info("transport service started",
		zap.String("node", s.LocalNode().String()),
		zap.String("kind", s.tp.Kind().String()))
	return nil
}

// AcceptIncomingRequests flips the service into serving mode. Requests that
// arrive before this call are answered with an error instead of a handler.
func (s *Service) AcceptIncomingRequests() { s.accepting.Store(true) }

// Stop shuts the service down: the listener and every connection close, and
// every pending request fails with NodeClosedError. No callback is lost and
// none fires twice.
func (s *Service) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.accepting.Store(false)
	s.cancel()
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		_ = l.Close()
	}
	s.connManager.Close()
	s.served.Range(func(c *netConn, _ struct{}) bool {
		_ = c.Close()
		return true
	})

	local := s.LocalNode()
	for _, rc := range s.responses.Prune(func(*ResponseContext) bool { return true }) {
		s.deliverFailure(rc, &NodeClosedError{Node: local})
	}
	s.executors.Shutdown()
	s.wg.Wait()
	s.logger.Info("transport service stopped", zap.String("node", local.String()))
}

// ConnectToNode dials, handshakes, and pools a connection to the node.
// Already-connected nodes are a no-op.
func (s *Service) ConnectToNode(ctx context.Context, node Node) error {
	if node.Equal(s.LocalNode()) {
		return nil
	}
	return s.connManager.Connect(ctx, node, s.connectionValidator(node))
}

// OpenConnection dials a connection that bypasses the pool; the caller owns
// it and must close it. No handshake is performed.
func (s *Service) OpenConnection(ctx context.Context, node Node) (Connection, error) {
	return s.connManager.OpenConnection(ctx, node)
}

// DisconnectFromNode closes the pooled connection to the node, if any.
// Requests pending on it fail with NodeDisconnectedError.
func (s *Service) DisconnectFromNode(node Node) { s.connManager.Disconnect(node) }

// NodeConnected reports whether a pooled connection to the node exists.
func (s *Service) NodeConnected(node Node) bool { return s.connManager.NodeConnected(node) }

// GetConnection returns the connection used to reach the node: the loopback
// connection for the local node, the pooled connection otherwise.
func (s *Service) GetConnection(node Node) (Connection, error) {
	if node.Equal(s.LocalNode()) {
		return s.localConn, nil
	}
	return s.connManager.GetConnection(node)
}

// SendRequest sends a request to the node and arranges for handler to see
// exactly one outcome. A missing connection fails the handler on a
// background executor, never on the calling goroutine.
func (s *Service) SendRequest(ctx context.Context, node Node, action string, payload []byte, opts RequestOptions, handler ResponseHandler) {
	conn, err := s.GetConnection(node)
	if err != nil {
		s.deliverFailure(&ResponseContext{Handler: newCtxHandler(ctx, handler), Action: action}, err)
		return
	}
	s.SendRequestToConnection(ctx, conn, action, payload, opts, handler)
}

// SendChildRequest sends a request on behalf of a parent task. The node is
// registered as a child of the task for the lifetime of the request and
// released on any outcome.
func (s *Service) SendChildRequest(ctx context.Context, parentTaskID uint64, node Node, action string, payload []byte, opts RequestOptions, handler ResponseHandler) {
	release := s.taskManager.RegisterChildNode(parentTaskID, node)
	s.SendRequest(ctx, node, action, payload, opts, &releaseHandler{delegate: handler, release: release})
}

// SubmitRequest sends a request and returns a Future resolving to its
// outcome.
func (s *Service) SubmitRequest(ctx context.Context, node Node, action string, payload []byte, opts RequestOptions) *Future {
	fut := NewFuture(ExecutorSame)
	s.SendRequest(ctx, node, action, payload, opts, fut)
	return fut
}

// SendRequestToConnection sends a request over an explicit connection. The
// request id is registered before the frame is written so a response racing
// the send finds its context; a write failure claims the id back and fails
// the handler with SendRequestError.
func (s *Service) SendRequestToConnection(ctx context.Context, conn Connection, action string, payload []byte, opts RequestOptions, handler ResponseHandler) {
	wrapped := newCtxHandler(ctx, handler)
	rc := s.responses.Add(wrapped, conn, action)
	requestsSent.Inc()
	s.listeners.OnRequestSent(conn.Node(), rc.RequestID, action, opts)
	if s.tracer.enabled() && s.tracer.shouldTrace(action) {
		s.tracer.log.Debug("sent request",
			zap.Uint64("request_id", rc.RequestID),
			zap.String("action", action),
			zap.String("node", conn.Node().String()))
	}
	if opts.Timeout > 0 {
		th := newTimeoutHandler(s, rc.RequestID, conn.Node(), action)
		wrapped.setTimeout(th)
		th.schedule(opts.Timeout)
	}
	if s.stopping.Load() {
		// lost to a concurrent Stop: its prune may or may not have seen the
		// id, so claim it here and only deliver on success
		if claimed, ok := s.responses.Remove(rc.RequestID); ok {
			s.deliverFailure(claimed, &NodeClosedError{Node: s.LocalNode()})
		}
		return
	}
	if err := conn.SendRequest(rc.RequestID, action, payload, opts); err != nil {
		if claimed, ok := s.responses.Remove(rc.RequestID); ok {
			s.deliverFailure(claimed, &SendRequestError{Node: conn.Node(), Action: action, Err: err})
		}
	}
}

// dialConn opens a transport connection to the node and starts its reader.
func (s *Service) dialConn(ctx context.Context, node Node) (Connection, error) {
	if s.tp == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	tc, err := s.tp.Dial(ctx, node.Address)
	if err != nil {
		return nil, err
	}
	return s.startConn(node, tc), nil
}

func (s *Service) startConn(node Node, tc transport.Conn) *netConn {
	c := newNetConn(node, tc)
	s.served.Store(c, struct{}{})
	c.AddCloseListener(func() {
		s.served.Delete(c)
		s.handleConnClosed(c)
	})
	// a connection racing Stop may miss its close sweep; close it here
	// instead of starting a reader that would outlive shutdown
	if s.stopping.Load() {
		_ = c.Close()
		return c
	}
	s.wg.Add(1)
	go s.serveConn(c)
	return c
}

func (s *Service) acceptLoop(l transport.Listener) {
	defer s.wg.Done()
	for {
		tc, err := l.Accept(s.ctx)
		if err != nil {
			if !s.stopping.Load() {
				s.logger.Warn("listener stopped", zap.Error(err))
			}
			return
		}
		// inbound peers identify themselves through the handshake action;
		// until then the connection carries only the remote address
		s.startConn(Node{Address: tc.RemoteAddr().String()}, tc)
	}
}

func (s *Service) serveConn(c *netConn) {
	defer s.wg.Done()
	defer func() { _ = c.Close() }()
	for {
		frame, err := c.tc.RecvFrame()
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(frame)
		if err != nil {
			s.logger.Warn("dropping connection on malformed frame",
				zap.String("remote", c.tc.RemoteAddr().String()), zap.Error(err))
			return
		}
		switch env.Type {
		case wire.TypeRequest:
			s.handleRequest(c, env)
		case wire.TypeResponse:
			s.handleResponse(env)
		case wire.TypeError:
			s.handleRemoteError(env)
		}
	}
}

// handleConnClosed fails every request pending on the closed connection with
// NodeDisconnectedError. During shutdown Stop owns the sweep instead, so the
// failures report the node as closed rather than disconnected.
func (s *Service) handleConnClosed(c Connection) {
	if s.stopping.Load() {
		return
	}
	pruned := s.responses.Prune(func(rc *ResponseContext) bool { return rc.Connection == c })
	for _, rc := range pruned {
		prunedRequests.Inc()
		s.deliverFailure(rc, &NodeDisconnectedError{Node: rc.Connection.Node(), Action: rc.Action})
	}
	if len(pruned) > 0 {
		s.logger.Debug("failed pending requests on closed connection",
			zap.String("node", c.Node().String()), zap.Int("count", len(pruned)))
	}
}

func (s *Service) handleRequest(c *netConn, env *wire.Envelope) {
	requestsReceived.Inc()
	s.listeners.OnRequestReceived(env.RequestID, env.Action)
	if s.tracer.enabled() && s.tracer.shouldTrace(env.Action) {
		s.tracer.log.Debug("received request",
			zap.Uint64("request_id", env.RequestID), zap.String("action", env.Action))
	}
	ch := &remoteChannel{svc: s, conn: c, requestID: env.RequestID, action: env.Action}
	// handshakes are exempt so peers can establish identity while the node
	// is still wiring up its handlers
	if !s.accepting.Load() && env.Action != HandshakeAction {
		_ = ch.SendError(ErrNotAcceptingRequests)
		return
	}
	reg := s.registry.Get(env.Action)
	if reg == nil {
		s.logger.Warn("no handler for action", zap.String("action", env.Action))
		_ = ch.SendError(&ActionNotFoundError{Action: env.Action})
		return
	}
	if reg.Limiter != nil && !reg.Limiter.Allow() {
		_ = ch.SendError(fmt.Errorf("action [%s] rejected, rate limit exceeded", env.Action))
		return
	}
	payload := env.Payload
	if err := s.executors.Submit(reg.Executor, reg.ForceExecution, func() {
		s.runHandler(reg, payload, ch)
	}); err != nil {
		_ = ch.SendError(err)
	}
}

func (s *Service) runHandler(reg *Registration, payload []byte, ch Channel) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked",
				zap.String("action", reg.Action), zap.Any("panic", r))
			_ = ch.SendError(fmt.Errorf("handler failed: %v", r))
		}
	}()
	reg.Handler(s.ctx, payload, ch)
}

func (s *Service) handleResponse(env *wire.Envelope) {
	responsesReceived.Inc()
	rc, ok := s.responses.Remove(env.RequestID)
	if !ok {
		s.listeners.OnResponseReceived(env.RequestID, nil)
		s.checkForTimeout(env.RequestID)
		return
	}
	s.listeners.OnResponseReceived(env.RequestID, rc)
	if s.tracer.enabled() && s.tracer.shouldTrace(rc.Action) {
		s.tracer.log.Debug("received response",
			zap.Uint64("request_id", rc.RequestID), zap.String("action", rc.Action))
	}
	s.deliverResponse(rc, env.Payload)
}

func (s *Service) handleRemoteError(env *wire.Envelope) {
	responsesReceived.Inc()
	rc, ok := s.responses.Remove(env.RequestID)
	if !ok {
		s.listeners.OnResponseReceived(env.RequestID, nil)
		s.checkForTimeout(env.RequestID)
		return
	}
	s.listeners.OnResponseReceived(env.RequestID, rc)
	err := &RemoteError{Action: rc.Action, Message: "unknown remote failure"}
	if env.Error != nil {
		err.NodeName = env.Error.NodeName
		err.Message = env.Error.Message
		if env.Error.Action != "" {
			err.Action = env.Error.Action
		}
	}
	s.deliverFailure(rc, err)
}

// checkForTimeout explains a response that found no pending context: either
// the request timed out earlier, or the id is simply unknown.
func (s *Service) checkForTimeout(requestID uint64) {
	info, ok := s.timeoutInfo.Get(requestID)
	if !ok {
		s.logger.Warn("response handler not found", zap.Uint64("request_id", requestID))
		return
	}
	s.timeoutInfo.Remove(requestID)
	now := time.Now()
	s.logger.Warn("received response for a request that timed out",
		zap.Uint64("request_id", requestID),
		zap.String("action", info.Action),
		zap.String("node", info.Node.String()),
		zap.Duration("sent_ago", now.Sub(info.SentTime).Round(time.Millisecond)),
		zap.Duration("timed_out_ago", now.Sub(info.TimeoutTime).Round(time.Millisecond)))
}

// deliverResponse hands the payload to the handler on its executor. A
// handler panic is converted into HandleError so the callback contract
// (exactly one outcome) still holds.
func (s *Service) deliverResponse(rc *ResponseContext, payload []byte) {
	h := rc.Handler
	if err := s.executors.Submit(h.Executor(), true, func() {
		defer func() {
			if r := recover(); r != nil {
				s.safeHandleError(rc, fmt.Errorf("failed to handle response for action [%s]: %v", rc.Action, r))
			}
		}()
		h.HandleResponse(context.Background(), payload)
	}); err != nil {
		h.HandleRejection(context.Background(), err)
	}
}

// deliverFailure hands a terminal error to the handler on a background
// executor. Inline handlers are routed to the generic pool here: a send
// failure delivered synchronously could recurse straight back into the
// sending code. If the executor refuses the task the handler's rejection
// callback fires inline instead, so no outcome is ever dropped.
func (s *Service) deliverFailure(rc *ResponseContext, failure error) {
	h := rc.Handler
	exec := h.Executor()
	if exec == ExecutorSame {
		exec = ExecutorGeneric
	}
	if err := s.executors.Submit(exec, true, func() {
		s.safeHandleError(rc, failure)
	}); err != nil {
		h.HandleRejection(context.Background(), err)
	}
}

func (s *Service) safeHandleError(rc *ResponseContext, failure error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error handler panicked",
				zap.String("action", rc.Action), zap.Any("panic", r))
		}
	}()
	rc.Handler.HandleError(context.Background(), failure)
}

// localConn is the loopback connection for requests addressed to the local
// node. Requests skip serialization and the network entirely but still flow
// through the response table, so timeouts, tracing, and exactly-once
// delivery behave identically to the remote path.
type localConn struct {
	svc *Service
}

func (c *localConn) Node() Node            { return c.svc.LocalNode() }
func (c *localConn) AddCloseListener(func()) {}
func (c *localConn) IsClosed() bool        { return false }
func (c *localConn) Close() error          { return nil }

func (c *localConn) SendRequest(requestID uint64, action string, payload []byte, _ RequestOptions) error {
	s := c.svc
	requestsReceived.Inc()
	s.listeners.OnRequestReceived(requestID, action)
	ch := &directChannel{svc: s, requestID: requestID, action: action}
	reg := s.registry.Get(action)
	if reg == nil {
		return ch.SendError(&ActionNotFoundError{Action: action})
	}
	if reg.Limiter != nil && !reg.Limiter.Allow() {
		return ch.SendError(fmt.Errorf("action [%s] rejected, rate limit exceeded", action))
	}
	if err := s.executors.Submit(reg.Executor, reg.ForceExecution, func() {
		s.runHandler(reg, payload, ch)
	}); err != nil {
		return ch.SendError(err)
	}
	return nil
}

var errChannelUsed = fmt.Errorf("response already sent on channel")

// remoteChannel replies to a request received over a network connection.
// At most one reply crosses the wire per request.
type remoteChannel struct {
	svc       *Service
	conn      *netConn
	requestID uint64
	action    string
	once      sync.Once
}

func (ch *remoteChannel) SendResponse(payload []byte) error {
	err := errChannelUsed
	ch.once.Do(func() {
		responsesSent.Inc()
		err = ch.conn.sendResponse(ch.requestID, payload)
		ch.svc.listeners.OnResponseSent(ch.requestID, ch.action, nil)
	})
	return err
}

func (ch *remoteChannel) SendError(failure error) error {
	err := errChannelUsed
	ch.once.Do(func() {
		responsesSent.Inc()
		err = ch.conn.sendError(ch.requestID, ch.action, &wire.RemoteErr{
			NodeName: ch.svc.LocalNode().Name,
			Action:   ch.action,
			Message:  failure.Error(),
		})
		ch.svc.listeners.OnResponseSent(ch.requestID, ch.action, failure)
	})
	return err
}

// directChannel replies to a loopback request by resolving the pending
// context in-process, re-entering the same claim-then-deliver path a frame
// off the wire would take.
type directChannel struct {
	svc       *Service
	requestID uint64
	action    string
	once      sync.Once
}

func (ch *directChannel) SendResponse(payload []byte) error {
	err := errChannelUsed
	ch.once.Do(func() {
		err = nil
		s := ch.svc
		responsesSent.Inc()
		s.listeners.OnResponseSent(ch.requestID, ch.action, nil)
		responsesReceived.Inc()
		rc, ok := s.responses.Remove(ch.requestID)
		if !ok {
			s.listeners.OnResponseReceived(ch.requestID, nil)
			s.checkForTimeout(ch.requestID)
			return
		}
		s.listeners.OnResponseReceived(ch.requestID, rc)
		s.deliverResponse(rc, payload)
	})
	return err
}

func (ch *directChannel) SendError(failure error) error {
	err := errChannelUsed
	ch.once.Do(func() {
		err = nil
		s := ch.svc
		responsesSent.Inc()
		s.listeners.OnResponseSent(ch.requestID, ch.action, failure)
		responsesReceived.Inc()
		rc, ok := s.responses.Remove(ch.requestID)
		if !ok {
			s.listeners.OnResponseReceived(ch.requestID, nil)
			s.checkForTimeout(ch.requestID)
			return
		}
		s.listeners.OnResponseReceived(ch.requestID, rc)
		s.deliverFailure(rc, &RemoteError{
			NodeName: s.LocalNode().Name,
			Action:   ch.action,
			Message:  failure.Error(),
		})
	})
	return err
}

// releaseHandler releases a task-manager child registration on whichever
// outcome fires.
type releaseHandler struct {
	delegate ResponseHandler
	release  func()
}

func (h *releaseHandler) HandleResponse(ctx context.Context, payload []byte) {
	h.release()
	h.delegate.HandleResponse(ctx, payload)
}

func (h *releaseHandler) HandleError(ctx context.Context, err error) {
	h.release()
	h.delegate.HandleError(ctx, err)
}

func (h *releaseHandler) HandleRejection(ctx context.Context, err error) {
	h.release()
	h.delegate.HandleRejection(ctx, err)
}

func (h *releaseHandler) Executor() string { return h.delegate.Executor() }
