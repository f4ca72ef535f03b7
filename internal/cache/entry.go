package cache

import (
	"crypto/md5" //nolint:gosec // fingerprint, not a security boundary; mandated by spec
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// Entry is one cached HTTP response, matching spec §3 CacheEntry: the value
// stored per fingerprint.
type Entry struct {
	URL         string      `json:"url"`
	Timestamp   time.Time   `json:"timestamp"`
	StatusCode  int         `json:"status_code"`
	Headers     http.Header `json:"headers"`
	Content     string      `json:"content"`
	ContentType string      `json:"content_type"`
}

// Fingerprint computes spec §3/§4.4's cache key: md5(url ∥ User-Agent ∥
// Accept). Cookie and Authorization are deliberately excluded from the key
// — preserved from original_source/app/cache.py; see DESIGN.md Open
// Question 3.
func Fingerprint(url string, headers http.Header) string {
	h := md5.New() //nolint:gosec
	h.Write([]byte(url))
	h.Write([]byte(headers.Get("User-Agent")))
	h.Write([]byte(headers.Get("Accept")))
	return hex.EncodeToString(h.Sum(nil))
}

// toStoredContent transcribes body into the lossy UTF-8 string the cache
// file stores. Binary bodies are not round-tripped byte-for-byte — this
// mirrors original_source/app/cache.py's
// `content.decode("utf-8", errors="ignore")` exactly; spec §4.4 calls this
// out explicitly as a preserved (not fixed) behavior.
func toStoredContent(body []byte) string {
	return strings.ToValidUTF8(string(body), "")
}
