package mem

import (
	"bytes"
	"context"
	"testing"
)

func TestDialAndFrameExchange(t *testing.T) {
	tp := New()
	l, err := tp.Listen(context.Background(), "a")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	cli, err := tp.Dial(context.Background(), "a")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	srv, err := l.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer srv.Close()

	go func() { _ = cli.SendFrame([]byte("hello")) }()
	got, err := srv.RecvFrame()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("frame = %q, want hello", got)
	}

	go func() { _ = srv.SendFrame([]byte("world")) }()
	got, err = cli.RecvFrame()
	if err != nil || !bytes.Equal(got, []byte("world")) {
		t.Fatalf("reply frame = %q/%v", got, err)
	}
}

func TestDialUnknownName(t *testing.T) {
	tp := New()
	if _, err := tp.Dial(context.Background(), "nowhere"); err == nil {
		t.Fatalf("dial to unknown listener must fail")
	}
}

func TestDuplicateListen(t *testing.T) {
	tp := New()
	l, err := tp.Listen(context.Background(), "a")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if _, err := tp.Listen(context.Background(), "a"); err == nil {
		t.Fatalf("second listener on same name must fail")
	}
}

func TestAcceptUnblocksOnClose(t *testing.T) {
	tp := New()
	l, err := tp.Listen(context.Background(), "a")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept(context.Background())
		errCh <- err
	}()
	_ = l.Close()
	if err := <-errCh; err == nil {
		t.Fatalf("accept must fail after close")
	}
}

func TestRecvUnblocksOnClose(t *testing.T) {
	tp := New()
	l, err := tp.Listen(context.Background(), "a")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	cli, err := tp.Dial(context.Background(), "a")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := cli.RecvFrame()
		errCh <- err
	}()
	_ = cli.Close()
	if err := <-errCh; err == nil {
		t.Fatalf("recv must fail after close")
	}
}
