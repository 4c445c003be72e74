package worker

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"vtedge/internal/store"
)

// Request modes and destinations, as reported by Sec-Fetch-Mode and
// Sec-Fetch-Dest.
const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"

	DestDocument = "document"
	DestStyle    = "style"
	DestScript   = "script"
	DestFont     = "font"
	DestImage    = "image"
)

// Request is an intercepted request. URL is always absolute.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        string
	Destination string
	Body        []byte
}

// NewRequest builds a plain GET-style request the way a script would, with
// no navigation mode and no destination.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawURL)
	}
	return &Request{Method: method, URL: u, Header: make(http.Header), Mode: ModeCORS}, nil
}

// FromHTTP turns an incoming request into a worker request. Relative request
// targets are resolved against scope; absolute-form targets keep their own
// origin so cross-origin traffic can be told apart.
func FromHTTP(r *http.Request, scope *url.URL, body []byte) *Request {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = scope.Scheme
		u.Host = scope.Host
	}
	u.Fragment = ""

	req := &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      r.Header.Clone(),
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Body:        body,
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Mode == "" {
		req.Mode = ModeCORS
		if (r.Method == http.MethodGet || r.Method == http.MethodHead) && acceptsHTML(r.Header) {
			req.Mode = ModeNavigate
		}
	}
	if req.Destination == "" || req.Destination == "empty" {
		req.Destination = inferDestination(req.Mode, u.Path)
	}
	return req
}

func acceptsHTML(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return true
		}
	}
	return false
}

var destinationByExt = map[string]string{
	".css":   DestStyle,
	".js":    DestScript,
	".mjs":   DestScript,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".eot":   DestFont,
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".webp":  DestImage,
	".avif":  DestImage,
	".svg":   DestImage,
	".ico":   DestImage,
}

func inferDestination(mode, p string) string {
	if mode == ModeNavigate {
		return DestDocument
	}
	return destinationByExt[strings.ToLower(path.Ext(p))]
}

func (r *Request) String() string { return r.Method + " " + r.URL.String() }

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string { return r.URL.Scheme + "://" + r.URL.Host }

// CacheKey is the key the response to r is stored under.
func (r *Request) CacheKey() string { return store.Key(r.Method, r.URL.String()) }

// DedupKey identifies one logical in-flight fetch.
func (r *Request) DedupKey() string { return r.Method + ":" + r.URL.String() }

// IsPrefetch reports an explicit prefetch signal.
func (r *Request) IsPrefetch() bool {
	for _, name := range []string{"Purpose", "Sec-Purpose"} {
		if strings.EqualFold(strings.TrimSpace(r.Header.Get(name)), "prefetch") {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	u := *r.URL
	out := *r
	out.URL = &u
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}
