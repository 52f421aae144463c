package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Transport.Kind != "tcp" || cfg.RPC.Workers <= 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshrpc.yaml")
	yaml := `
node_name: alpha
cluster_name: prod
log:
  level: debug
  format: json
transport:
  kind: mem
  listen: alpha
rpc:
  handshake_timeout: 3s
  workers: 2
  trace_include: ["cluster:*"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeName != "alpha" || cfg.ClusterName != "prod" {
		t.Fatalf("identity = %q/%q", cfg.NodeName, cfg.ClusterName)
	}
	if cfg.Transport.Kind != "mem" || cfg.Transport.Listen != "alpha" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.RPC.HandshakeTimeout != 3*time.Second || cfg.RPC.Workers != 2 {
		t.Fatalf("rpc = %+v", cfg.RPC)
	}
	if len(cfg.RPC.TraceInclude) != 1 || cfg.RPC.TraceInclude[0] != "cluster:*" {
		t.Fatalf("trace include = %v", cfg.RPC.TraceInclude)
	}
	// unset fields keep defaults
	if cfg.RPC.QueueSize != 1024 {
		t.Fatalf("queue size = %d, want default", cfg.RPC.QueueSize)
	}
}

func TestLoadRejectsBadTransportKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshrpc.yaml")
	if err := os.WriteFile(path, []byte("transport:\n  kind: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad transport kind must be rejected")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshrpc.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad log level must be rejected")
	}
}
