package listener

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingHandler struct {
	n int64
}

func (h *countingHandler) Handle(c net.Conn) {
	atomic.AddInt64(&h.n, 1)
	_ = c.Close()
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestListener_DispatchesConnections(t *testing.T) {
	addr := freePort(t)
	h := &countingHandler{}
	l := New(addr, h, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond) // let the listener bind

	for i := 0; i < 3; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = c.Close()
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	if got := atomic.LoadInt64(&h.n); got != 3 {
		t.Fatalf("expected 3 dispatched connections, got %d", got)
	}
}

type blockingHandler struct {
	unblocked chan struct{}
}

func (h *blockingHandler) Handle(c net.Conn) {
	buf := make([]byte, 1)
	_, _ = c.Read(buf) // blocks until the peer writes or the socket is force-closed
	close(h.unblocked)
	_ = c.Close()
}

func TestListener_ShutdownForcesDrainAfterGrace(t *testing.T) {
	addr := freePort(t)
	h := &blockingHandler{unblocked: make(chan struct{})}
	l := New(addr, h, 50*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	time.Sleep(20 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return within grace + slack")
	}

	select {
	case <-h.unblocked:
	default:
		t.Fatal("expected handler's blocking read to be forcibly unblocked")
	}
}
