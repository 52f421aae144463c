package rpc

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshrpc/pkg/transport"
	memtransport "meshrpc/pkg/transport/mem"
)

func startService(t *testing.T, tp transport.Transport, name, addr string) *Service {
	t.Helper()
	s := NewService(Options{
		LocalNode:     Node{ID: NodeID(name), Name: name},
		ClusterName:   "test-cluster",
		Transport:     tp,
		ListenAddress: addr,
		Logger:        zap.NewNop(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	s.AcceptIncomingRequests()
	t.Cleanup(s.Stop)
	return s
}

func connect(t *testing.T, from, to *Service) {
	t.Helper()
	if err := from.ConnectToNode(context.Background(), to.LocalNode()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingHandler records every callback so tests can assert an outcome
// fired exactly once.
type countingHandler struct {
	responses  atomic.Int32
	failures   atomic.Int32
	rejections atomic.Int32
	lastErr    atomic.Value
	outcome    chan struct{}
}

func newCountingHandler() *countingHandler {
	return &countingHandler{outcome: make(chan struct{}, 4)}
}

func (h *countingHandler) HandleResponse(_ context.Context, _ []byte) {
	h.responses.Add(1)
	h.outcome <- struct{}{}
}

func (h *countingHandler) HandleError(_ context.Context, err error) {
	h.lastErr.Store(err)
	h.failures.Add(1)
	h.outcome <- struct{}{}
}

func (h *countingHandler) HandleRejection(_ context.Context, err error) {
	h.lastErr.Store(err)
	h.rejections.Add(1)
	h.outcome <- struct{}{}
}

func (h *countingHandler) Executor() string { return ExecutorGeneric }

func (h *countingHandler) total() int32 {
	return h.responses.Load() + h.failures.Load() + h.rejections.Load()
}

func (h *countingHandler) waitOutcome(t *testing.T) {
	t.Helper()
	select {
	case <-h.outcome:
	case <-time.After(5 * time.Second):
		t.Fatalf("no outcome delivered")
	}
}

func registerEcho(s *Service) {
	s.RegisterHandler(&Registration{
		Action: "internal:test/echo",
		Handler: func(_ context.Context, payload []byte, ch Channel) {
			_ = ch.SendResponse(payload)
		},
	})
}

// registerHang installs a handler that never replies on its own; the
// returned release channel lets a test trigger the reply later.
func registerHang(s *Service) chan struct{} {
	release := make(chan struct{})
	s.RegisterHandler(&Registration{
		Action: "internal:test/hang",
		Handler: func(ctx context.Context, _ []byte, ch Channel) {
			select {
			case <-release:
				_ = ch.SendResponse(nil)
			case <-ctx.Done():
			}
		},
	})
	return release
}

func TestRoundTrip(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerEcho(srv)
	connect(t, cli, srv)

	fut := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/echo",
		[]byte("ping"), RequestOptions{Timeout: 5 * time.Second})
	got, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("payload = %q, want %q", got, "ping")
	}
	if n := cli.PendingRequests(); n != 0 {
		t.Fatalf("pending after response = %d, want 0", n)
	}
}

func TestResponseDeliveredExactlyOnce(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerEcho(srv)
	connect(t, cli, srv)

	h := newCountingHandler()
	cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/echo",
		[]byte("x"), RequestOptions{Timeout: 5 * time.Second}, h)
	h.waitOutcome(t)
	time.Sleep(50 * time.Millisecond)
	if h.responses.Load() != 1 || h.total() != 1 {
		t.Fatalf("outcomes = %d responses / %d total, want exactly one response",
			h.responses.Load(), h.total())
	}
}

func TestTimeout(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerHang(srv)
	connect(t, cli, srv)

	const timeout = 50 * time.Millisecond
	h := newCountingHandler()
	start := time.Now()
	cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
		nil, RequestOptions{Timeout: timeout}, h)
	h.waitOutcome(t)
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("timeout fired after %s, want >= %s", elapsed, timeout)
	}
	err, _ := h.lastErr.Load().(error)
	var te *ReceiveTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want ReceiveTimeoutError", err)
	}
	if n := cli.PendingRequests(); n != 0 {
		t.Fatalf("pending after timeout = %d, want 0", n)
	}
	time.Sleep(50 * time.Millisecond)
	if h.total() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", h.total())
	}
}

// A response racing the timeout timer must produce exactly one outcome,
// whichever side wins.
func TestResponseTimeoutRaceSingleDelivery(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	srv.RegisterHandler(&Registration{
		Action: "internal:test/delay",
		Handler: func(_ context.Context, payload []byte, ch Channel) {
			time.Sleep(time.Duration(payload[0]) * time.Millisecond)
			_ = ch.SendResponse(nil)
		},
	})
	connect(t, cli, srv)

	for i := 0; i < 100; i++ {
		h := newCountingHandler()
		cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/delay",
			[]byte{byte(i % 6)}, RequestOptions{Timeout: 3 * time.Millisecond}, h)
		h.waitOutcome(t)
		time.Sleep(10 * time.Millisecond)
		if h.total() != 1 {
			t.Fatalf("iteration %d: outcomes = %d (resp=%d fail=%d rej=%d), want exactly one",
				i, h.total(), h.responses.Load(), h.failures.Load(), h.rejections.Load())
		}
	}
	waitFor(t, 2*time.Second, "pending table to drain", func() bool {
		return cli.PendingRequests() == 0
	})
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerHang(srv)
	connect(t, cli, srv)

	const n = 5
	handlers := make([]*countingHandler, n)
	for i := range handlers {
		handlers[i] = newCountingHandler()
		cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
			nil, RequestOptions{}, handlers[i])
	}
	waitFor(t, 2*time.Second, "requests to be pending", func() bool {
		return cli.PendingRequests() == n
	})

	cli.DisconnectFromNode(srv.LocalNode())
	for _, h := range handlers {
		h.waitOutcome(t)
		err, _ := h.lastErr.Load().(error)
		var de *NodeDisconnectedError
		if !errors.As(err, &de) {
			t.Fatalf("error = %v, want NodeDisconnectedError", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	for i, h := range handlers {
		if h.total() != 1 {
			t.Fatalf("handler %d: outcomes = %d, want exactly one", i, h.total())
		}
	}
	if n := cli.PendingRequests(); n != 0 {
		t.Fatalf("pending after disconnect = %d, want 0", n)
	}
}

// Requests carrying live timeout timers at disconnect time get exactly one
// disconnection failure; the timers fire later into an empty table.
func TestDisconnectWithArmedTimersExactlyOnce(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerHang(srv)
	connect(t, cli, srv)

	const n = 4
	const timeout = 100 * time.Millisecond
	handlers := make([]*countingHandler, n)
	for i := range handlers {
		handlers[i] = newCountingHandler()
		cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
			nil, RequestOptions{Timeout: timeout}, handlers[i])
	}
	waitFor(t, 2*time.Second, "requests to be pending", func() bool {
		return cli.PendingRequests() == n
	})

	cli.DisconnectFromNode(srv.LocalNode())
	for _, h := range handlers {
		h.waitOutcome(t)
		err, _ := h.lastErr.Load().(error)
		var de *NodeDisconnectedError
		if !errors.As(err, &de) {
			t.Fatalf("error = %v, want NodeDisconnectedError", err)
		}
	}
	// wait out the timer deadlines; none may produce a second outcome
	time.Sleep(timeout + 100*time.Millisecond)
	for i, h := range handlers {
		if h.total() != 1 {
			t.Fatalf("handler %d: outcomes = %d (fail=%d), want exactly one",
				i, h.total(), h.failures.Load())
		}
	}
}

// A disconnect prune racing a firing timeout must yield exactly one outcome,
// attributed to whichever side claimed the request first.
func TestDisconnectTimeoutRaceSingleDelivery(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerHang(srv)

	for i := 0; i < 30; i++ {
		connect(t, cli, srv)
		h := newCountingHandler()
		cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
			nil, RequestOptions{Timeout: time.Duration(1+i%5) * time.Millisecond}, h)
		cli.DisconnectFromNode(srv.LocalNode())
		h.waitOutcome(t)
		err, _ := h.lastErr.Load().(error)
		var de *NodeDisconnectedError
		var te *ReceiveTimeoutError
		if !errors.As(err, &de) && !errors.As(err, &te) {
			t.Fatalf("iteration %d: error = %v, want disconnect or timeout failure", i, err)
		}
		time.Sleep(10 * time.Millisecond)
		if h.total() != 1 {
			t.Fatalf("iteration %d: outcomes = %d (fail=%d rej=%d), want exactly one",
				i, h.total(), h.failures.Load(), h.rejections.Load())
		}
	}
}

func TestStopFailsPendingWithNodeClosed(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerHang(srv)
	connect(t, cli, srv)

	const k = 4
	handlers := make([]*countingHandler, k)
	for i := range handlers {
		handlers[i] = newCountingHandler()
		cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
			nil, RequestOptions{}, handlers[i])
	}
	waitFor(t, 2*time.Second, "requests to be pending", func() bool {
		return cli.PendingRequests() == k
	})

	cli.Stop()
	for i, h := range handlers {
		h.waitOutcome(t)
		err, _ := h.lastErr.Load().(error)
		var ce *NodeClosedError
		if !errors.As(err, &ce) {
			t.Fatalf("handler %d: error = %v, want NodeClosedError", i, err)
		}
		if h.total() != 1 {
			t.Fatalf("handler %d: outcomes = %d, want exactly one", i, h.total())
		}
	}
}

func TestSendRequestToUnknownNode(t *testing.T) {
	tp := memtransport.New()
	cli := startService(t, tp, "cli", "cli")

	h := newCountingHandler()
	cli.SendRequest(context.Background(), Node{ID: "nobody", Name: "nobody"},
		"internal:test/echo", nil, RequestOptions{}, h)
	h.waitOutcome(t)
	err, _ := h.lastErr.Load().(error)
	var ne *NodeNotConnectedError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want NodeNotConnectedError", err)
	}
}

// goroutineID extracts the id from the first stack trace line,
// "goroutine N [running]:".
func goroutineID() string {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	return strings.Fields(string(buf[:n]))[1]
}

// A handler asking for inline delivery still gets failures on a background
// worker, so a send failure cannot recurse into the sending goroutine.
func TestSendFailureDeliveredOffCallingGoroutine(t *testing.T) {
	tp := memtransport.New()
	cli := startService(t, tp, "cli", "cli")

	caller := goroutineID()
	delivered := make(chan string, 1)
	cli.SendRequest(context.Background(), Node{ID: "nobody", Name: "nobody"},
		"internal:test/echo", nil, RequestOptions{}, ResponseHandlerFuncs{
			ExecutorName: ExecutorSame,
			OnError:      func(context.Context, error) { delivered <- goroutineID() },
		})
	select {
	case g := <-delivered:
		if g == caller {
			t.Fatalf("send failure ran inline on the sending goroutine")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no failure delivered")
	}
}

func TestLocalRequestShortCircuit(t *testing.T) {
	// no transport at all: local requests must still work
	s := NewService(Options{
		LocalNode: Node{ID: "solo", Name: "solo"},
		Logger:    zap.NewNop(),
	})
	t.Cleanup(s.Stop)
	registerEcho(s)

	fut := s.SubmitRequest(context.Background(), s.LocalNode(), "internal:test/echo",
		[]byte("loop"), RequestOptions{Timeout: time.Second})
	got, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("local request: %v", err)
	}
	if string(got) != "loop" {
		t.Fatalf("payload = %q, want %q", got, "loop")
	}
	if n := s.PendingRequests(); n != 0 {
		t.Fatalf("pending after local response = %d, want 0", n)
	}
}

func TestLocalHandlerPanicBecomesRemoteError(t *testing.T) {
	s := NewService(Options{
		LocalNode: Node{ID: "solo", Name: "solo"},
		Logger:    zap.NewNop(),
	})
	t.Cleanup(s.Stop)
	s.RegisterHandler(&Registration{
		Action: "internal:test/panic",
		Handler: func(_ context.Context, _ []byte, _ Channel) {
			panic("boom")
		},
	})

	fut := s.SubmitRequest(context.Background(), s.LocalNode(), "internal:test/panic",
		nil, RequestOptions{Timeout: time.Second})
	_, err := fut.Wait(context.Background())
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if !strings.Contains(re.Message, "boom") {
		t.Fatalf("message = %q, want the panic value", re.Message)
	}
}

func TestRemoteHandlerErrorPropagates(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	srv.RegisterHandler(&Registration{
		Action: "internal:test/fail",
		Handler: func(_ context.Context, _ []byte, ch Channel) {
			_ = ch.SendError(errors.New("handler says no"))
		},
	})
	connect(t, cli, srv)

	fut := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/fail",
		nil, RequestOptions{Timeout: time.Second})
	_, err := fut.Wait(context.Background())
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if re.NodeName != "srv" || !strings.Contains(re.Message, "handler says no") {
		t.Fatalf("remote error = %+v, want srv / handler message", re)
	}
}

func TestUnknownActionFailsRequest(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	connect(t, cli, srv)

	fut := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/missing",
		nil, RequestOptions{Timeout: time.Second})
	_, err := fut.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v, want action-not-found failure", err)
	}
}

func TestRequestsRefusedBeforeAccepting(t *testing.T) {
	tp := memtransport.New()
	srv := NewService(Options{
		LocalNode:     Node{ID: "srv", Name: "srv"},
		ClusterName:   "test-cluster",
		Transport:     tp,
		ListenAddress: "srv",
		Logger:        zap.NewNop(),
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	registerEcho(srv)
	cli := startService(t, tp, "cli", "cli")

	// handshake bypasses the accepting gate, but ordinary actions must not
	conn, err := cli.OpenConnection(context.Background(), srv.LocalNode())
	if err != nil {
		t.Fatalf("open connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	fut := NewFuture(ExecutorSame)
	cli.SendRequestToConnection(context.Background(), conn, "internal:test/echo",
		nil, RequestOptions{Timeout: time.Second}, fut)
	_, err = fut.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("error = %v, want not-ready failure", err)
	}
}

func TestHandlerContextCarriesSendTimeValues(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerEcho(srv)
	connect(t, cli, srv)

	type key struct{}
	got := make(chan any, 1)
	sendCtx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	cli.SendRequest(sendCtx, srv.LocalNode(), "internal:test/echo", nil,
		RequestOptions{Timeout: time.Second}, ResponseHandlerFuncs{
			OnResponse: func(ctx context.Context, _ []byte) { got <- ctx.Value(key{}) },
			OnError:    func(_ context.Context, err error) { t.Errorf("unexpected error: %v", err) },
		})
	// cancelling the send context must not strip its values from delivery
	cancel()
	select {
	case v := <-got:
		if v != "v" {
			t.Fatalf("ctx value = %v, want %q", v, "v")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
}

func TestHandshakeClusterMismatch(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")

	conn, err := cli.OpenConnection(context.Background(), srv.LocalNode())
	if err != nil {
		t.Fatalf("open connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_, err = cli.Handshake(context.Background(), conn, time.Second,
		func(cluster string) bool { return cluster == "some-other-cluster" })
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want HandshakeError", err)
	}

	resp, err := cli.Handshake(context.Background(), conn, time.Second, nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if resp.NodeName != "srv" || resp.ClusterName != "test-cluster" {
		t.Fatalf("handshake response = %+v", resp)
	}
}

func TestConnectToNodeRejectsWrongIdentity(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")

	impostor := srv.LocalNode()
	impostor.ID = "someone-else"
	err := cli.ConnectToNode(context.Background(), impostor)
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want HandshakeError", err)
	}
	if cli.NodeConnected(impostor) {
		t.Fatalf("rejected connection must not be pooled")
	}
}

func TestSendChildRequestReleasesOnOutcome(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	release := registerHang(srv)
	connect(t, cli, srv)

	const parentTask = 7
	h := newCountingHandler()
	cli.SendChildRequest(context.Background(), parentTask, srv.LocalNode(),
		"internal:test/hang", nil, RequestOptions{}, h)
	waitFor(t, 2*time.Second, "child registration", func() bool {
		return len(cli.TaskManager().ChildNodes(parentTask)) == 1
	})

	close(release)
	h.waitOutcome(t)
	waitFor(t, 2*time.Second, "child release", func() bool {
		return len(cli.TaskManager().ChildNodes(parentTask)) == 0
	})
}

func TestLateResponseAfterTimeoutIsRecognized(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	release := registerHang(srv)
	connect(t, cli, srv)

	h := newCountingHandler()
	cli.SendRequest(context.Background(), srv.LocalNode(), "internal:test/hang",
		nil, RequestOptions{Timeout: 20 * time.Millisecond}, h)
	h.waitOutcome(t)
	if cli.timeoutInfo.Len() != 1 {
		t.Fatalf("timeout info entries = %d, want 1", cli.timeoutInfo.Len())
	}

	// the straggler response must consume the diagnostic entry, not a handler
	close(release)
	waitFor(t, 2*time.Second, "late response to clear diagnostics", func() bool {
		return cli.timeoutInfo.Len() == 0
	})
	time.Sleep(50 * time.Millisecond)
	if h.total() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", h.total())
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	connect(t, cli, srv)
	connect(t, cli, srv)
	if !cli.NodeConnected(srv.LocalNode()) {
		t.Fatalf("node not connected after Connect")
	}
}

func TestMessageListenerSeesTraffic(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	registerEcho(srv)
	connect(t, cli, srv)

	var sent, received atomic.Int32
	l := &recordingListener{sent: &sent, received: &received}
	cli.AddMessageListener(l)
	fut := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/echo",
		nil, RequestOptions{Timeout: time.Second})
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if sent.Load() != 1 || received.Load() != 1 {
		t.Fatalf("listener saw sent=%d received=%d, want 1/1", sent.Load(), received.Load())
	}
	if !cli.RemoveMessageListener(l) {
		t.Fatalf("listener not removed")
	}
}

type recordingListener struct {
	sent, received *atomic.Int32
}

func (l *recordingListener) OnRequestReceived(uint64, string)              {}
func (l *recordingListener) OnRequestSent(Node, uint64, string, RequestOptions) {
	l.sent.Add(1)
}
func (l *recordingListener) OnResponseReceived(_ uint64, ctx *ResponseContext) {
	if ctx != nil {
		l.received.Add(1)
	}
}
func (l *recordingListener) OnResponseSent(uint64, string, error) {}

func TestRateLimitedActionRejects(t *testing.T) {
	tp := memtransport.New()
	srv := startService(t, tp, "srv", "srv")
	cli := startService(t, tp, "cli", "cli")
	srv.RegisterHandler(&Registration{
		Action:  "internal:test/limited",
		Limiter: rate.NewLimiter(0, 1), // one request, no refill
		Handler: func(_ context.Context, _ []byte, ch Channel) {
			_ = ch.SendResponse(nil)
		},
	})
	connect(t, cli, srv)

	first := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/limited",
		nil, RequestOptions{Timeout: time.Second})
	if _, err := first.Wait(context.Background()); err != nil {
		t.Fatalf("first request: %v", err)
	}
	second := cli.SubmitRequest(context.Background(), srv.LocalNode(), "internal:test/limited",
		nil, RequestOptions{Timeout: time.Second})
	_, err := second.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("error = %v, want rate limit failure", err)
	}
}
