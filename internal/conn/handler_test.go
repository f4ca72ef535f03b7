package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/proxyforge/interceptproxy/internal/cache"
	"github.com/proxyforge/interceptproxy/internal/model"
	"github.com/proxyforge/interceptproxy/internal/policy"
	"github.com/proxyforge/interceptproxy/internal/rules"
	"github.com/proxyforge/interceptproxy/internal/trafficlog"
)

// storeStub is a minimal rules.Store returning a fixed rule set, mirroring
// the policy package's own test stub.
type storeStub struct {
	active []model.BlockRule
}

func (s *storeStub) Add(context.Context, rules.AddInput) (model.BlockRule, error) {
	return model.BlockRule{}, nil
}
func (s *storeStub) Update(context.Context, string, rules.UpdateInput) (model.BlockRule, bool, error) {
	return model.BlockRule{}, false, nil
}
func (s *storeStub) Delete(context.Context, string) error { return nil }
func (s *storeStub) ListActive(context.Context) ([]model.BlockRule, error) {
	return s.active, nil
}
func (s *storeStub) Close() error { return nil }

var _ rules.Store = (*storeStub)(nil)

type logStub struct {
	records []string
}

func (l *logStub) Append(_ context.Context, method, url, clientIP string) error {
	l.records = append(l.records, method+" "+url)
	return nil
}
func (l *logStub) Query(context.Context, model.TrafficFilter, int, int) ([]model.TrafficRecord, error) {
	return nil, nil
}
func (l *logStub) Count(context.Context, model.TrafficFilter) (int64, error) { return 0, nil }
func (l *logStub) PurgeOlderThan(context.Context, int) (int64, error)        { return 0, nil }
func (l *logStub) Close() error                                              { return nil }

var _ trafficlog.Log = (*logStub)(nil)

// runProxy accepts exactly one connection on a fresh local listener and
// hands it to h.Handle, returning the listener's address.
func runProxy(t *testing.T, h *Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		h.Handle(c)
		_ = ln.Close()
	}()
	return ln.Addr().String()
}

func doRawRequest(t *testing.T, proxyAddr, request string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	out, err := io.ReadAll(c)
	if err != nil && err != io.EOF {
		t.Fatalf("read response: %v", err)
	}
	return string(out)
}

func TestHandlePlainForward_AllowedGET(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hi")
	}))
	defer origin.Close()

	engine := policy.New(&storeStub{}, zap.NewNop())
	respCache, err := cache.New(t.TempDir(), time.Minute, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tl := &logStub{}
	h := New(engine, nil, respCache, tl, nil, zap.NewNop())

	proxyAddr := runProxy(t, h)
	originAddr := strings.TrimPrefix(origin.URL, "http://")

	req := fmt.Sprintf("GET http://%s/x HTTP/1.1\r\nHost: %s\r\n\r\n", originAddr, originAddr)
	resp := doRawRequest(t, proxyAddr, req)

	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("expected 200 response, got: %q", resp)
	}
	if !strings.HasSuffix(resp, "hi") {
		t.Fatalf("expected body 'hi', got: %q", resp)
	}
	if len(tl.records) != 1 {
		t.Fatalf("expected one traffic record, got %d", len(tl.records))
	}
}

func TestHandlePlainForward_GlobalBlock(t *testing.T) {
	store := &storeStub{active: []model.BlockRule{{ID: "1", Pattern: "ads.example", Scope: model.ScopeGlobal}}}
	engine := policy.New(store, zap.NewNop())
	respCache, err := cache.New(t.TempDir(), time.Minute, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tl := &logStub{}
	h := New(engine, nil, respCache, tl, nil, zap.NewNop())

	proxyAddr := runProxy(t, h)
	req := "GET http://ads.example.net/track HTTP/1.1\r\nHost: ads.example.net\r\n\r\n"
	resp := doRawRequest(t, proxyAddr, req)

	if !strings.HasPrefix(resp, "HTTP/1.1 403") {
		t.Fatalf("expected 403 response, got: %q", resp)
	}
	if !strings.Contains(resp, "Blocked globally: ads.example") {
		t.Fatalf("expected block reason in body, got: %q", resp)
	}
	if len(tl.records) != 0 {
		t.Fatalf("blocked request must not be traffic-logged (P6), got %v", tl.records)
	}
}

func TestHandlePlainForward_CacheHitOnSecondRequest(t *testing.T) {
	hits := 0
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = io.WriteString(w, "cached-body")
	}))
	defer origin.Close()

	engine := policy.New(&storeStub{}, zap.NewNop())
	respCache, err := cache.New(t.TempDir(), time.Minute, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tl := &logStub{}
	h := New(engine, nil, respCache, tl, nil, zap.NewNop())

	originAddr := strings.TrimPrefix(origin.URL, "http://")
	req := fmt.Sprintf("GET http://%s/x HTTP/1.1\r\nHost: %s\r\nUser-Agent: test-agent\r\n\r\n", originAddr, originAddr)

	firstAddr := runProxy(t, h)
	first := doRawRequest(t, firstAddr, req)
	if !strings.HasSuffix(first, "cached-body") {
		t.Fatalf("first response body mismatch: %q", first)
	}

	secondAddr := runProxy(t, h)
	second := doRawRequest(t, secondAddr, req)
	if !strings.Contains(second, "X-Proxy-Cache: HIT") {
		t.Fatalf("expected X-Proxy-Cache: HIT header, got: %q", second)
	}
	if !strings.HasSuffix(second, "cached-body") {
		t.Fatalf("second response body mismatch: %q", second)
	}
	if hits != 1 {
		t.Fatalf("expected origin to be hit exactly once, got %d", hits)
	}
}
