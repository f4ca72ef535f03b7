// Package conn implements spec §4.2's ConnectionHandler: the per-connection
// state machine that turns one accepted socket into either a MITM tunnel or
// a plain-forwarded HTTP request/response.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxyforge/interceptproxy/internal/cache"
	"github.com/proxyforge/interceptproxy/internal/cert"
	"github.com/proxyforge/interceptproxy/internal/filterhook"
	"github.com/proxyforge/interceptproxy/internal/httpmsg"
	"github.com/proxyforge/interceptproxy/internal/policy"
	"github.com/proxyforge/interceptproxy/internal/trafficlog"
)

const (
	handshakeTimeout = 30 * time.Second
	connectTimeout   = 30 * time.Second

	// tunnelCaptureCap bounds the best-effort request/response framing the
	// MITM tunnel attempts inside an otherwise-opaque byte forward, per
	// spec §4.7 and §9's "Tunnel framing" design note.
	tunnelCaptureCap = 1 << 20 // 1 MiB
)

// Handler is the ConnectionHandler. One Handler serves arbitrarily many
// connections; all per-connection state lives on the stack of Handle.
type Handler struct {
	Policy     *policy.Engine
	Certs      *cert.Manager
	Cache      *cache.Cache
	TrafficLog trafficlog.Log
	Filter     filterhook.Predicate
	Log        *zap.Logger
}

// New constructs a Handler. Cache and Filter may be nil (a nil Cache skips
// the cache lookup and the cache store, so every request goes to the origin;
// a nil Filter skips the content-filter step).
func New(pe *policy.Engine, certs *cert.Manager, respCache *cache.Cache, tl trafficlog.Log, filter filterhook.Predicate, log *zap.Logger) *Handler {
	return &Handler{Policy: pe, Certs: certs, Cache: respCache, TrafficLog: tl, Filter: filter, Log: log}
}

// Handle runs the ConnectionHandler state machine over conn until the
// request is resolved, closing conn before returning. A panic anywhere in
// this call is recovered and confined to this connection, per spec §4.2's
// failure semantics.
func (h *Handler) Handle(raw net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.Log.Error("connection handler panic", zap.Any("recover", r))
		}
	}()
	defer raw.Close()

	clientIP := remoteIP(raw)
	br := bufio.NewReader(raw)

	msg, err := httpmsg.Read(br, httpmsg.KindRequest)
	if err != nil {
		h.Log.Debug("malformed request line", zap.Error(err), zap.String("client_ip", clientIP))
		_ = writeStatus(raw, http.StatusBadRequest, "text/plain", "Bad Request: "+err.Error())
		return
	}

	parts := strings.SplitN(msg.StartLine, " ", 3)
	if len(parts) != 3 {
		_ = writeStatus(raw, http.StatusBadRequest, "text/plain", "Bad Request: malformed start line")
		return
	}
	method, target := parts[0], parts[1]

	if strings.EqualFold(method, "CONNECT") {
		h.handleConnect(raw, target, clientIP)
		return
	}
	h.handlePlainForward(raw, method, target, msg, clientIP)
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

// handleConnect implements spec §4.2's MitmSetup and MitmTunnel states.
func (h *Handler) handleConnect(clientConn net.Conn, target, clientIP string) {
	ctx := context.Background()
	log := h.Log.With(zap.String("target", target), zap.String("client_ip", clientIP))

	decision, err := h.Policy.Evaluate(ctx, target, clientIP)
	if err != nil {
		log.Error("policy evaluation failed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusInternalServerError, "text/plain", "Internal Server Error")
		return
	}
	if decision.Blocked {
		_ = writeStatus(clientConn, http.StatusForbidden, "text/plain", decision.Reason)
		return
	}

	if err := h.TrafficLog.Append(ctx, "CONNECT", target, clientIP); err != nil {
		log.Warn("traffic log append failed", zap.Error(err))
	}

	leaf, err := h.Certs.TLSCertificate(target)
	if err != nil {
		log.Error("certificate mint failed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusBadGateway, "text/plain", "Bad Gateway")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		log.Debug("client gone before tunnel established", zap.Error(err))
		return
	}

	tlsServer := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{leaf}})
	if err := handshake(tlsServer, handshakeTimeout); err != nil {
		log.Debug("client TLS handshake failed", zap.Error(err))
		return
	}

	hostname, _, err := net.SplitHostPort(target)
	if err != nil {
		hostname = target
	}

	dialAddr := ensurePort(target, "443")
	originConn, err := net.DialTimeout("tcp", dialAddr, connectTimeout)
	if err != nil {
		log.Warn("upstream connect failed", zap.Error(err))
		_, _ = tlsServer.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	tlsOrigin := tls.Client(originConn, &tls.Config{ServerName: hostname})
	if err := handshake(tlsOrigin, handshakeTimeout); err != nil {
		log.Warn("upstream TLS handshake failed", zap.Error(err))
		_, _ = tlsServer.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		_ = originConn.Close()
		return
	}

	reqFrame, respFrame := Tunnel(tlsServer, tlsOrigin, tunnelCaptureCap)
	h.maybeCacheTunneled(hostname, reqFrame, respFrame)
}

func handshake(c *tls.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.SetDeadline(time.Time{})
	return c.HandshakeContext(context.Background())
}

// maybeCacheTunneled implements §9's "tunnel framing is best-effort": only
// when both sides of the first exchange were fully framed, and the result
// is a cacheable GET 200, does it populate the ResponseCache.
func (h *Handler) maybeCacheTunneled(hostname string, reqFrame, respFrame *httpmsg.Message) {
	if h.Cache == nil || reqFrame == nil || respFrame == nil {
		return
	}
	reqParts := strings.SplitN(reqFrame.StartLine, " ", 3)
	if len(reqParts) < 2 || !strings.EqualFold(reqParts[0], "GET") {
		return
	}
	if parseStatusCode(respFrame.StartLine) != http.StatusOK {
		return
	}

	host := reqFrame.Header.Get("Host")
	if host == "" {
		host = hostname
	}
	fullURL := "https://" + host + reqParts[1]

	reqHeader := http.Header(reqFrame.Header)
	respHeader := http.Header(respFrame.Header)
	if err := h.Cache.Set(fullURL, reqHeader, http.StatusOK, respHeader, respFrame.Body, respHeader.Get("Content-Type")); err != nil {
		h.Log.Debug("tunnel cache store failed", zap.Error(err), zap.String("url", fullURL))
	}
}

// handlePlainForward implements spec §4.2's PlainForward state.
func (h *Handler) handlePlainForward(clientConn net.Conn, method, target string, msg *httpmsg.Message, clientIP string) {
	ctx := context.Background()

	fullURL, authority, err := resolveURL(target, msg.Header.Get("Host"))
	if err != nil {
		_ = writeStatus(clientConn, http.StatusBadRequest, "text/plain", "Bad Request: "+err.Error())
		return
	}

	parsed, err := url.Parse(fullURL)
	if err != nil {
		_ = writeStatus(clientConn, http.StatusBadRequest, "text/plain", "Bad Request: invalid URL")
		return
	}

	log := h.Log.With(zap.String("url", fullURL), zap.String("client_ip", clientIP))

	decision, err := h.Policy.Evaluate(ctx, parsed.Host, clientIP)
	if err != nil {
		log.Error("policy evaluation failed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusInternalServerError, "text/plain", "Internal Server Error")
		return
	}
	if decision.Blocked {
		body := fmt.Sprintf("<html><body><h1>403 Forbidden</h1><p>%s</p></body></html>", decision.Reason)
		_ = writeStatus(clientConn, http.StatusForbidden, "text/html", body)
		return
	}

	if err := h.TrafficLog.Append(ctx, method, fullURL, clientIP); err != nil {
		log.Warn("traffic log append failed", zap.Error(err))
	}

	isGet := strings.EqualFold(method, "GET")

	if isGet && h.Cache != nil {
		entry, hit, err := h.Cache.Get(fullURL, http.Header(msg.Header))
		if err != nil {
			log.Debug("cache read error, treating as miss", zap.Error(err))
		}
		if hit {
			_ = writeMessage(clientConn, entry.StatusCode, toMIMEHeader(entry.Headers), []byte(entry.Content), map[string]string{
				"X-Proxy-Cache": "HIT",
				"Content-Type":  entry.ContentType,
			})
			return
		}
	}

	originConn, err := dialAuthority(parsed.Scheme, authority, connectTimeout)
	if err != nil {
		log.Warn("upstream connect failed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusBadGateway, "text/plain", "Bad Gateway")
		return
	}
	defer originConn.Close()

	if err := forwardRequest(originConn, method, parsed, msg); err != nil {
		log.Warn("upstream write failed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusBadGateway, "text/plain", "Bad Gateway")
		return
	}

	respMsg, err := httpmsg.Read(bufio.NewReader(originConn), httpmsg.KindResponse)
	if err != nil {
		log.Warn("upstream response malformed", zap.Error(err))
		_ = writeStatus(clientConn, http.StatusBadGateway, "text/plain", "Bad Gateway")
		return
	}

	status := parseStatusCode(respMsg.StartLine)
	contentType := respMsg.Header.Get("Content-Type")

	if h.Filter != nil {
		if blocked, reason := h.Filter(respMsg.Body, contentType); blocked {
			body := fmt.Sprintf("<html><body><h1>403 Forbidden</h1><p>%s</p></body></html>", reason)
			_ = writeStatus(clientConn, http.StatusForbidden, "text/html", body)
			return
		}
	}

	if isGet && status == http.StatusOK && h.Cache != nil {
		if err := h.Cache.Set(fullURL, http.Header(msg.Header), status, http.Header(respMsg.Header), respMsg.Body, contentType); err != nil {
			log.Debug("cache store failed", zap.Error(err))
		}
	}

	if err := writeMessage(clientConn, status, respMsg.Header, respMsg.Body, nil); err != nil {
		log.Debug("client gone mid-response", zap.Error(err))
	}
}

// toMIMEHeader adapts a cache entry's http.Header (JSON-decoded) into the
// textproto.MIMEHeader writeMessage expects; the two types share an
// underlying map[string][]string representation.
func toMIMEHeader(h http.Header) textproto.MIMEHeader {
	return textproto.MIMEHeader(h)
}

// resolveURL builds the absolute URL of a plain-forwarded request per spec
// §4.2.5.a: absolute-form targets are used verbatim, origin-form targets are
// joined with the Host header.
func resolveURL(target, hostHeader string) (fullURL, authority string, err error) {
	if u, perr := url.Parse(target); perr == nil && u.IsAbs() {
		return target, u.Host, nil
	}
	if hostHeader == "" {
		return "", "", fmt.Errorf("origin-form request target without Host header")
	}
	return "http://" + hostHeader + target, hostHeader, nil
}

func dialAuthority(scheme, authority string, timeout time.Duration) (net.Conn, error) {
	switch scheme {
	case "https":
		authority = ensurePort(authority, "443")
		rawConn, err := net.DialTimeout("tcp", authority, timeout)
		if err != nil {
			return nil, err
		}
		hostname, _, _ := net.SplitHostPort(authority)
		tlsConn := tls.Client(rawConn, &tls.Config{ServerName: hostname})
		if err := handshake(tlsConn, timeout); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	default:
		authority = ensurePort(authority, "80")
		return net.DialTimeout("tcp", authority, timeout)
	}
}

// forwardRequest writes method+target+headers+body to origin, stripping
// hop-by-hop headers per spec §4.2.5.d.
func forwardRequest(origin net.Conn, method string, target *url.URL, msg *httpmsg.Message) error {
	mimeHeader := make(textproto.MIMEHeader, len(msg.Header))
	for k, v := range msg.Header {
		mimeHeader[k] = append([]string(nil), v...)
	}
	stripHopByHop(mimeHeader)
	mimeHeader.Set("Host", target.Host)
	if len(msg.Body) > 0 {
		mimeHeader.Set("Content-Length", fmt.Sprintf("%d", len(msg.Body)))
	}

	requestTarget := target.RequestURI()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, requestTarget)
	for k, vs := range mimeHeader {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")

	if _, err := origin.Write([]byte(b.String())); err != nil {
		return err
	}
	if len(msg.Body) > 0 {
		if _, err := origin.Write(msg.Body); err != nil {
			return err
		}
	}
	return nil
}
