// Package listener implements spec §4.1's ProxyListener: binds a TCP socket
// and dispatches each accepted connection to a ConnectionHandler, with
// per-connection panic isolation and a graceful, bounded-drain shutdown.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is the subset of conn.Handler the listener depends on, kept
// narrow so tests can supply a stub.
type Handler interface {
	Handle(c net.Conn)
}

// Listener is the ProxyListener.
type Listener struct {
	addr          string
	handler       Handler
	log           *zap.Logger
	shutdownGrace time.Duration

	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New constructs a Listener that will bind addr (host:port) and dispatch
// accepted connections to handler. shutdownGrace bounds how long Serve lets
// in-flight handlers drain after its context is canceled
// (spec §5: "running handlers are allowed up to a grace period to finish,
// then their sockets are forcibly closed").
func New(addr string, handler Handler, shutdownGrace time.Duration, log *zap.Logger) *Listener {
	return &Listener{addr: addr, handler: handler, shutdownGrace: shutdownGrace, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve binds addr and accepts connections until ctx is canceled. It
// returns once the listen socket is closed and every dispatched handler has
// finished; handlers still running after shutdownGrace have their sockets
// forcibly closed first (P8).
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.log.Info("proxy listening", zap.String("addr", l.addr))

	go func() {
		<-ctx.Done()
		l.log.Info("shutdown requested, closing listen socket")
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.log.Warn("accept error", zap.Error(err))
			continue
		}

		l.trackConn(c)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrackConn(c)
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("handler panic isolated", zap.Any("recover", r))
				}
			}()
			l.handler.Handle(c)
		}()
	}

	return l.drain()
}

func (l *Listener) trackConn(c net.Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrackConn(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// drain waits for in-flight handlers up to shutdownGrace; any still running
// past that have their sockets forcibly closed (spec §5), which unblocks
// their I/O and lets the handler goroutines unwind on their own.
func (l *Listener) drain() error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(l.shutdownGrace):
		l.log.Warn("shutdown grace period elapsed, forcing remaining connections closed")
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		<-done
		return nil
	}
}
