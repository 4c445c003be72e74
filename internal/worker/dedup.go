package worker

import (
	"context"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// Fetcher performs a real network fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Deduplicator collapses concurrent identical fetches into one network call.
//
// The shared call runs detached from any single caller's context, so a
// waiter giving up (timeout, disconnect) never fails the others. Each waiter
// gets its own copy of the response.
type Deduplicator struct {
	next  Fetcher
	group singleflight.Group
}

func NewDeduplicator(next Fetcher) *Deduplicator {
	return &Deduplicator{next: next}
}

func (d *Deduplicator) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return d.next.Fetch(ctx, req)
	}

	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(req.DedupKey(), func() (any, error) {
		return d.next.Fetch(shared, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).Clone(), nil
	}
}
