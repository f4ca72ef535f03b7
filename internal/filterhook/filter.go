// Package filterhook provides the pluggable content-filter predicate named
// in spec §1/§4.2: a hook invoked on text responses before they reach the
// client.
package filterhook

import "strings"

// Predicate inspects a response body and its Content-Type and reports
// whether it should be blocked, and why.
type Predicate func(body []byte, contentType string) (blocked bool, reason string)

// defaultKeywords mirrors original_source/app/filter.py's ContentFilter
// default keyword list.
var defaultKeywords = []string{"malware", "phishing", "spam", "virus", "adult"}

// Keyword returns a Predicate that blocks text/* responses containing any
// of keywords (case-insensitive substring match). An empty keywords list
// falls back to defaultKeywords.
func Keyword(keywords []string) Predicate {
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}

	return func(body []byte, contentType string) (bool, string) {
		if !strings.HasPrefix(contentType, "text/") {
			return false, ""
		}
		content := strings.ToLower(string(body))
		for _, k := range lower {
			if strings.Contains(content, k) {
				return true, "Blocked keyword: " + k
			}
		}
		return false, ""
	}
}
