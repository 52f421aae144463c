package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"meshrpc/pkg/config"
	"meshrpc/pkg/observability"
	"meshrpc/pkg/rpc"
	"meshrpc/pkg/transport"
	memtransport "meshrpc/pkg/transport/mem"
	quictransport "meshrpc/pkg/transport/quic"
	tcptransport "meshrpc/pkg/transport/tcp"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("meshrpc-node started", zap.String("node", cfg.NodeName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	tp, err := newTransport(cfg.Transport.Kind)
	if err != nil {
		zap.L().Error("failed to create transport", zap.Error(err))
		return 1
	}

	svc := rpc.NewService(rpc.Options{
		LocalNode:        rpc.Node{Name: cfg.NodeName},
		ClusterName:      cfg.ClusterName,
		Transport:        tp,
		ListenAddress:    cfg.Transport.Listen,
		Workers:          cfg.RPC.Workers,
		QueueSize:        cfg.RPC.QueueSize,
		HandshakeTimeout: cfg.RPC.HandshakeTimeout,
		TraceInclude:     cfg.RPC.TraceInclude,
		TraceExclude:     cfg.RPC.TraceExclude,
		Logger:           logger,
	})

	// liveness probe peers can call to verify the link
	svc.RegisterHandler(&rpc.Registration{
		Action:   "internal:node/ping",
		Executor: rpc.ExecutorSame,
		Handler: func(_ context.Context, payload []byte, ch rpc.Channel) {
			_ = ch.SendResponse(payload)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		zap.L().Error("failed to start transport service", zap.Error(err))
		return 1
	}
	svc.AcceptIncomingRequests()
	zap.L().Info("node is running; press Ctrl+C to exit",
		zap.String("addr", svc.BoundAddr().String()))

	<-ctx.Done()
	zap.L().Info("shutting down")
	svc.Stop()
	return 0
}

func newTransport(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcptransport.New(), nil
	case "quic":
		return quictransport.New(), nil
	case "mem":
		return memtransport.New(), nil
	}
	return nil, &unknownTransportError{kind: kind}
}

type unknownTransportError struct{ kind string }

func (e *unknownTransportError) Error() string { return "unknown transport kind: " + e.kind }
