package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"meshrpc/pkg/rpc"
	"meshrpc/pkg/transport"
	memtransport "meshrpc/pkg/transport/mem"
	quictransport "meshrpc/pkg/transport/quic"
	tcptransport "meshrpc/pkg/transport/tcp"
)

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|quic|mem")
	addr := flag.String("addr", "127.0.0.1:7600", "address of the remote node")
	nodeID := flag.String("node", "", "expected remote node id (optional)")
	payload := flag.String("payload", "ping", "payload to echo")
	count := flag.Int("count", 1, "number of pings to send")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	var tp transport.Transport
	switch *kind {
	case "tcp":
		tp = tcptransport.New()
	case "quic":
		tp = quictransport.New()
	case "mem":
		tp = memtransport.New()
	default:
		fatalf("unknown transport kind: %s", *kind)
	}

	svc := rpc.NewService(rpc.Options{
		LocalNode: rpc.Node{Name: "meshrpc-ping"},
		Transport: tp,
		Logger:    logger,
	})
	defer svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := svc.OpenConnection(ctx, rpc.Node{ID: rpc.NodeID(*nodeID), Address: *addr})
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	peer, err := svc.Handshake(ctx, conn, *timeout, nil)
	if err != nil {
		fatalf("handshake: %v", err)
	}
	fmt.Printf("connected to %s [%s] cluster %q version %s\n",
		peer.NodeName, peer.NodeID, peer.ClusterName, peer.Version)

	for i := 0; i < *count; i++ {
		start := time.Now()
		fut := rpc.NewFuture(rpc.ExecutorSame)
		svc.SendRequestToConnection(ctx, conn, "internal:node/ping", []byte(*payload),
			rpc.RequestOptions{Timeout: *timeout}, fut)
		reply, err := fut.Wait(ctx)
		if err != nil {
			fatalf("ping %d: %v", i+1, err)
		}
		fmt.Printf("reply %d: %q in %s\n", i+1, reply, time.Since(start).Round(time.Microsecond))
	}
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
