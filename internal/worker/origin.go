package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OriginFetcher is the network as the worker sees it: every fetch goes to
// the static-site origin, whatever host the page used.
type OriginFetcher struct {
	client  *http.Client
	origin  *url.URL
	maxBody int64
}

func NewOriginFetcher(origin *url.URL, timeout time.Duration, maxBody int64) *OriginFetcher {
	return &OriginFetcher{
		client:  &http.Client{Timeout: timeout},
		origin:  origin,
		maxBody: maxBody,
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	target := *r.URL
	target.Scheme = f.origin.Scheme
	target.Host = f.origin.Host

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	if f.maxBody > 0 {
		rd = io.LimitReader(resp.Body, f.maxBody+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}
	if f.maxBody > 0 && int64(len(b)) > f.maxBody {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, target.Path)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   b,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
