package worker

import (
	"context"
	"strings"
)

// Route names, also reported in the X-Vtedge response header.
const (
	RoutePrefetch   = "prefetch"
	RouteNavigation = "navigation"
	RouteAPI        = "api"
	RouteAssets     = "assets"
)

// FetchEvent is one intercepted request.
type FetchEvent struct {
	Request *Request
	// Preload is the navigation preload started by the platform, if any.
	Preload *Preload
}

// Preload is a fetch the platform started on the worker's behalf.
type Preload struct {
	done chan struct{}
	resp *Response
	err  error
}

// StartPreload runs fetch in the background.
func StartPreload(fetch func() (*Response, error)) *Preload {
	p := &Preload{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.resp, p.err = fetch()
	}()
	return p
}

// Wait returns the preload response. A nil Preload yields no response.
func (p *Preload) Wait(ctx context.Context) (*Response, error) {
	if p == nil {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp.Clone(), p.err
	}
}

type route struct {
	name   string
	match  func(*Request) bool
	handle func(context.Context, *FetchEvent) *Response
}

func (w *Worker) buildRoutes() []route {
	return []route{
		{name: RoutePrefetch, match: (*Request).IsPrefetch, handle: w.prefetch},
		{name: RouteNavigation, match: func(r *Request) bool { return r.Mode == ModeNavigate }, handle: w.staleWhileRevalidate},
		{name: RouteAPI, match: func(r *Request) bool { return strings.HasPrefix(r.URL.Path, w.cfg.APIPrefix) }, handle: w.networkFirst},
		{name: RouteAssets, match: isStaticAsset, handle: w.cacheFirst},
	}
}

func isStaticAsset(r *Request) bool {
	switch r.Destination {
	case DestStyle, DestScript, DestFont, DestImage:
		return true
	}
	return false
}

// Route returns the name of the route that would handle req, or "" when the
// worker does not intercept it.
func (w *Worker) Route(req *Request) string {
	if w.scope != nil && req.Origin() != w.scope.Scheme+"://"+w.scope.Host {
		return ""
	}
	for _, rt := range w.routes {
		if rt.match(req) {
			return rt.name
		}
	}
	return ""
}

// Fetch dispatches ev to the first matching route. ok is false when the
// request is not intercepted and must go to the network untouched.
func (w *Worker) Fetch(ctx context.Context, ev *FetchEvent) (resp *Response, routeName string, ok bool) {
	if w.State() == StateRedundant {
		return nil, "", false
	}
	name := w.Route(ev.Request)
	if name == "" {
		return nil, "", false
	}
	for _, rt := range w.routes {
		if rt.name != name {
			continue
		}
		w.metrics.route(w.version, name)
		resp = rt.handle(ctx, ev)
		if resp == nil {
			resp = NetworkError()
		}
		w.stats.Observe(len(resp.Body))
		return resp, name, true
	}
	return nil, "", false
}
