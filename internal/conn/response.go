package conn

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// hopByHopHeaders are stripped before forwarding a request or response, per
// spec §4.2.5.d.
var hopByHopHeaders = []string{"Connection", "Proxy-Connection", "Proxy-Authorization", "Transfer-Encoding"}

func stripHopByHop(h textproto.MIMEHeader) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// writeStatus sends a minimal standalone HTTP response (used for 400/403/
// 500/502 dispositions) advertising Connection: close. It does not close
// the connection itself; the caller does.
func writeStatus(w io.Writer, code int, contentType, body string) error {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Unknown"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, reason)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	_, err := w.Write(b.Bytes())
	return err
}

// writeMessage reconstructs a full HTTP/1.1 response from header+body,
// dropping hop-by-hop headers and any stale Content-Length/Transfer-Encoding
// in favor of the actual body length, then merging in extra headers (e.g.
// X-Proxy-Cache).
func writeMessage(w io.Writer, statusCode int, header textproto.MIMEHeader, body []byte, extra map[string]string) error {
	cloned := make(textproto.MIMEHeader, len(header))
	for k, v := range header {
		cloned[k] = append([]string(nil), v...)
	}
	stripHopByHop(cloned)
	cloned.Del("Content-Length")
	for k, v := range extra {
		cloned.Set(k, v)
	}
	cloned.Set("Content-Length", strconv.Itoa(len(body)))

	reason := http.StatusText(statusCode)
	if reason == "" {
		reason = "Unknown"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusCode, reason)
	for k, vs := range cloned {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.Write(body)

	_, err := w.Write(b.Bytes())
	return err
}

func parseStatusCode(startLine string) int {
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(parts[1])
	return n
}

// ensurePort appends defaultPort to hostport if it doesn't already carry one.
func ensurePort(hostport, defaultPort string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, defaultPort)
}
