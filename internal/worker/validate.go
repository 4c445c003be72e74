package worker

import (
	"net/http"
	"strconv"
	"strings"
)

// IsCacheable reports whether resp may be written to a cache. Partial
// content is never cacheable. When expectedType is set the Content-Type
// must start with it.
func IsCacheable(resp *Response, expectedType string) bool {
	if !resp.OK() || resp.Status == http.StatusPartialContent {
		return false
	}
	if expectedType == "" {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	return strings.HasPrefix(ct, strings.ToLower(expectedType))
}

// ShouldRevalidate decides whether fresh should replace cached. ETag, then
// Last-Modified, then length: the first signal present on both sides
// decides. With nothing to compare the answer is yes.
func ShouldRevalidate(cached, fresh *Response) bool {
	if cached == nil {
		return true
	}
	for _, name := range []string{"ETag", "Last-Modified"} {
		a, b := cached.Header.Get(name), fresh.Header.Get(name)
		if a != "" && b != "" {
			return a != b
		}
	}
	a, b := contentLength(cached), contentLength(fresh)
	if a != "" && b != "" {
		return a != b
	}
	return true
}

// contentLength is the Content-Length header, or the length of the buffered
// body when the header is absent (chunked responses).
func contentLength(r *Response) string {
	if v := strings.TrimSpace(r.Header.Get("Content-Length")); v != "" {
		return v
	}
	if r.Body != nil {
		return strconv.Itoa(len(r.Body))
	}
	return ""
}
