package worker

import (
	"context"
	"net/http"

	"vtedge/internal/store"
)

const offlineHTML = "You are offline and no content is available."

func offlinePage() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineHTML)}
}

func offlineJSON() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(`{"error":"offline"}`)}
}

// networkError counts and reports a fetch failure that reached the end of a
// fallback chain, then returns fallback.
func (w *Worker) networkError(err error, req *Request, fallback *Response) *Response {
	kind := Classify(err)
	w.track(CounterErrors)
	w.broadcast(Failure{Error: kind, URL: req.URL.String()})
	w.log.Debug().Err(err).Str("kind", string(kind)).Str("url", req.URL.String()).Msg("network fallback exhausted")
	return fallback
}

// staleWhileRevalidate serves navigations. A fresh cached page is returned
// at once while the network refreshes it in the background; otherwise the
// network answers, falling back to the stale page, the offline page and
// finally a synthetic 503.
func (w *Worker) staleWhileRevalidate(ctx context.Context, ev *FetchEvent) *Response {
	req := ev.Request
	h := w.open(w.ns.Pages)
	cached, hit := w.cache.Match(h, req.CacheKey(), false)
	if hit {
		w.track(CounterHits)
	} else {
		w.track(CounterMisses)
	}

	var cachedResp *Response
	if hit {
		cachedResp = cached.Response
	}

	refresh := func(ctx context.Context) (*Response, error) {
		resp, err := ev.Preload.Wait(ctx)
		if err != nil || resp == nil {
			resp, err = w.dedup.Fetch(ctx, req)
		}
		if err != nil {
			w.track(CounterNetworkFallbacks)
			w.networkError(err, req, nil)
			return nil, err
		}
		if IsCacheable(resp, "text/html") && ShouldRevalidate(cachedResp, resp) {
			w.put(h, req, resp)
			if hit {
				w.broadcast(PageUpdated{URL: req.URL.String()})
			}
		}
		return resp, nil
	}

	if hit && !w.cache.IsExpired(cached, w.cfg.Namespaces.Pages.MaxAge()) {
		w.tasks.WaitUntil("revalidate "+req.URL.Path, func(ctx context.Context) {
			_, _ = refresh(ctx)
		})
		return cachedResp
	}

	if resp, err := refresh(ctx); err == nil {
		return resp
	}
	if hit {
		return cachedResp
	}
	if key, err := w.resolve(w.cfg.OfflinePage); err == nil {
		if e, ok := w.cache.MatchAny(store.Key(http.MethodGet, key), w.currentHandles()...); ok {
			return e.Response
		}
	}
	return offlinePage()
}

// cacheFirst serves static assets and images from their own namespaces.
func (w *Worker) cacheFirst(ctx context.Context, ev *FetchEvent) *Response {
	req := ev.Request
	isImage := req.Destination == DestImage
	ns, maxAge := w.ns.Assets, w.cfg.Namespaces.Assets.MaxAge()
	if isImage {
		ns, maxAge = w.ns.Images, w.cfg.Namespaces.Images.MaxAge()
	}

	h := w.open(ns)
	cached, hit := w.cache.Match(h, req.CacheKey(), false)
	if hit && !w.cache.IsExpired(cached, maxAge) {
		w.track(CounterHits)
		return cached.Response
	}
	w.track(CounterMisses)

	resp, err := w.dedup.Fetch(ctx, req)
	if err == nil {
		if IsCacheable(resp, "") {
			w.put(h, req, resp)
		}
		return resp
	}

	w.track(CounterNetworkFallbacks)
	if hit {
		return cached.Response
	}
	if isImage {
		if key, err := w.resolve(w.cfg.PlaceholderImage); err == nil {
			if e, ok := w.cache.MatchAny(store.Key(http.MethodGet, key), w.currentHandles()...); ok {
				return e.Response
			}
		}
	}
	return w.networkError(err, req, NetworkError())
}

// networkFirst serves API calls: the network is always tried first, with a
// bounded wait, and a fresh cached answer is the only fallback.
func (w *Worker) networkFirst(ctx context.Context, ev *FetchEvent) *Response {
	req := ev.Request
	h := w.open(w.ns.API)

	fctx, cancel := ctx, context.CancelFunc(func() {})
	if d := w.cfg.APITimeoutDuration(); d > 0 {
		fctx, cancel = context.WithTimeout(ctx, d)
	}
	resp, err := w.dedup.Fetch(fctx, req)
	cancel()
	if err == nil {
		if IsCacheable(resp, "") {
			w.put(h, req, resp)
		}
		return resp
	}

	w.track(CounterNetworkFallbacks)
	if cached, ok := w.cache.Match(h, req.CacheKey(), false); ok && !w.cache.IsExpired(cached, w.cfg.Namespaces.API.MaxAge()) {
		w.track(CounterHits)
		return cached.Response
	}
	return w.networkError(err, req, offlineJSON())
}

// prefetch is a short-lived read-through into the pages namespace.
func (w *Worker) prefetch(ctx context.Context, ev *FetchEvent) *Response {
	req := ev.Request
	h := w.open(w.ns.Pages)
	cached, hit := w.cache.Match(h, req.CacheKey(), false)
	if hit && !w.cache.IsExpired(cached, w.cfg.PrefetchMaxAge()) {
		return cached.Response
	}

	resp, err := w.dedup.Fetch(ctx, req)
	if err == nil {
		if IsCacheable(resp, "") {
			w.put(h, req, resp)
		}
		return resp
	}
	if hit {
		return cached.Response
	}
	return NetworkError()
}
