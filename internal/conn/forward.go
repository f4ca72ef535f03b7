package conn

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/proxyforge/interceptproxy/internal/httpmsg"
)

// forwardChunk is the per-read buffer size spec §4.7 mandates for the
// bidirectional forwarder.
const forwardChunk = 4096

// capBuffer is a bounded byte sink: it accepts writes up to max bytes, then
// silently discards the rest and reports itself as overflowed. It never
// blocks or errors a caller — spec §4.7 drops the cache-framing buffer on
// overflow, it doesn't fail the tunnel.
type capBuffer struct {
	mu       sync.Mutex
	buf      []byte
	max      int
	overflow bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overflow {
		return len(p), nil
	}
	if len(c.buf)+len(p) > c.max {
		c.overflow = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *capBuffer) snapshot() (data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overflow || len(c.buf) == 0 {
		return nil, false
	}
	return append([]byte(nil), c.buf...), true
}

// shuttle copies from src to dst forwardChunk bytes at a time, mirroring
// every byte into tee (if non-nil) for best-effort post-hoc framing.
// It returns when src returns EOF or an error.
func shuttle(dst io.Writer, src io.Reader, tee io.Writer) {
	buf := make([]byte, forwardChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if tee != nil {
				_, _ = tee.Write(buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// Tunnel runs spec §4.7's bidirectional forwarder between client and
// origin. It blocks until both directions have terminated; on return both
// connections are already closed. If captureCap > 0, both directions are
// additionally teed into bounded buffers returned for best-effort
// request/response framing (used by the MITM path to populate the
// response cache); captureCap == 0 disables capture entirely.
func Tunnel(client, origin net.Conn, captureCap int) (reqFrame, respFrame *httpmsg.Message) {
	var reqTee, respTee *capBuffer
	if captureCap > 0 {
		reqTee = newCapBuffer(captureCap)
		respTee = newCapBuffer(captureCap)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		shuttle(origin, client, reqTee)
		_ = origin.Close()
		_ = client.Close()
	}()
	go func() {
		defer wg.Done()
		shuttle(client, origin, respTee)
		_ = client.Close()
		_ = origin.Close()
	}()

	wg.Wait()

	if reqTee != nil {
		if data, ok := reqTee.snapshot(); ok {
			if msg, err := httpmsg.Read(bufio.NewReader(bytes.NewReader(data)), httpmsg.KindRequest); err == nil {
				reqFrame = msg
			}
		}
	}
	if respTee != nil {
		if data, ok := respTee.snapshot(); ok {
			if msg, err := httpmsg.Read(bufio.NewReader(bytes.NewReader(data)), httpmsg.KindResponse); err == nil {
				respFrame = msg
			}
		}
	}

	return reqFrame, respFrame
}
