package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRedundant {
		return fmt.Errorf("%w: %s", ErrRedundant, w.version)
	}
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidTransition, from, to, w.state)
	}
	w.state = to
	w.log.Debug().Str("state", to.String()).Msg("lifecycle")
	return nil
}

// MarkRedundant retires the worker. It stops intercepting fetches.
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
	w.log.Debug().Str("state", StateRedundant.String()).Msg("lifecycle")
}

// Install precaches the manifest into the pages namespace. Entries that
// fail are skipped; install itself only fails on a bad transition.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	stored := w.precache(ctx)
	w.log.Info().Int("stored", stored).Int("manifest", len(w.manifest)).Msg("installed")

	if err := w.transition(StateInstalling, StateInstalled); err != nil {
		return err
	}
	if w.cfg.AutoSkipWaiting && w.reg != nil {
		w.reg.SkipWaiting()
	}
	return nil
}

func (w *Worker) precache(ctx context.Context) int {
	h := w.open(w.ns.Pages)
	if h == nil || len(w.manifest) == 0 {
		return 0
	}

	limiter := ratelimit.NewUnlimited()
	if w.cfg.Precache.RequestsPerSec > 0 {
		limiter = ratelimit.New(w.cfg.Precache.RequestsPerSec)
	}

	var (
		g      errgroup.Group
		stored = make(chan struct{}, len(w.manifest))
	)
	g.SetLimit(max(w.cfg.Precache.Concurrency, 1))
	for _, p := range w.manifest {
		g.Go(func() error {
			limiter.Take()
			if w.precacheOne(ctx, h, p) {
				stored <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(stored)
}

func (w *Worker) precacheOne(ctx context.Context, h *Handle, p string) bool {
	abs, err := w.resolve(p)
	if err != nil {
		w.log.Debug().Err(err).Str("path", p).Msg("precache: bad path")
		return false
	}
	req, err := NewRequest(http.MethodGet, abs)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := w.network.Fetch(ctx, req)
	if err != nil || !resp.OK() {
		w.log.Debug().Err(err).Str("path", p).Msg("precache: skipped")
		return false
	}
	if err := w.cache.Put(h, req.CacheKey(), resp); err != nil {
		w.log.Debug().Err(err).Str("path", p).Msg("precache: store failed")
		return false
	}
	return true
}

// Activate makes this version the current one: stale namespaces go, limits
// are enforced, maintenance is scheduled, open pages are claimed and told.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	purged, err := w.cache.PurgeNamespacesNotIn(w.ns.All())
	if err != nil {
		w.log.Warn().Err(err).Msg("activate: purge failed")
	}
	for _, name := range purged {
		w.log.Info().Str("cache", name).Msg("purged stale namespace")
	}

	w.enforceLimits(ctx)

	if ps, ok := w.reg.(PeriodicSyncer); ok {
		if err := ps.RegisterPeriodicSync(w.cfg.Maintenance.Tag, w.cfg.Maintenance.Schedule); err != nil {
			w.log.Debug().Err(err).Msg("activate: periodic sync unavailable")
		}
	}
	if np, ok := w.reg.(NavigationPreloader); ok && w.cfg.NavigationPreload {
		if err := np.EnableNavigationPreload(ctx); err != nil {
			w.log.Debug().Err(err).Msg("activate: navigation preload unavailable")
		}
	}
	if w.reg != nil {
		if err := w.reg.Claim(ctx); err != nil {
			w.log.Warn().Err(err).Msg("activate: claim failed")
		}
	}
	w.broadcast(Ready{Version: w.version})

	if err := w.transition(StateActivating, StateActivated); err != nil {
		return err
	}
	w.log.Info().Msg("activated")
	return nil
}

func (w *Worker) limits() map[string]int {
	n := w.cfg.Namespaces
	return map[string]int{
		w.ns.Pages:  n.Pages.Limit,
		w.ns.Assets: n.Assets.Limit,
		w.ns.Images: n.Images.Limit,
		w.ns.API:    n.API.Limit,
	}
}

func (w *Worker) enforceLimits(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	for name, limit := range w.limits() {
		g.Go(func() error {
			h := w.open(name)
			if h == nil {
				return nil
			}
			n, err := w.cache.EnforceLimit(h, limit)
			if err != nil {
				w.log.Warn().Err(err).Str("cache", name).Msg("enforce limit failed")
				return nil
			}
			w.metrics.evicted(w.version, name, n)
			if n > 0 {
				w.log.Debug().Str("cache", name).Int("evicted", n).Int("limit", limit).Msg("enforced limit")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PeriodicSync runs scheduled maintenance. Unknown tags are ignored.
func (w *Worker) PeriodicSync(ctx context.Context, tag string) {
	if tag != w.cfg.Maintenance.Tag {
		w.log.Debug().Str("tag", tag).Msg("ignoring periodic sync")
		return
	}
	start := time.Now()
	w.enforceLimits(ctx)
	w.log.Debug().Dur("took", time.Since(start)).Msg("maintenance done")
}

// HandleMessage reacts to a message posted by a page. Side effects run in
// the background; the sender is never blocked.
func (w *Worker) HandleMessage(m Inbound) {
	m.Accept(messageHandler{w})
}

type messageHandler struct{ w *Worker }

func (h messageHandler) VisitSkipWaiting(SkipWaiting) {
	if h.w.reg != nil {
		h.w.reg.SkipWaiting()
	}
}

func (h messageHandler) VisitPrefetchURL(m PrefetchURL) {
	w := h.w
	abs, err := w.resolve(m.URL)
	if err != nil {
		w.log.Debug().Err(err).Str("url", m.URL).Msg("prefetch: bad url")
		return
	}
	req, err := NewRequest(http.MethodGet, abs)
	if err != nil {
		return
	}
	if w.scope != nil && req.Origin() != w.scope.Scheme+"://"+w.scope.Host {
		w.log.Debug().Str("url", abs).Msg("prefetch: cross-origin url ignored")
		return
	}
	w.tasks.WaitUntil("prefetch "+req.URL.Path, func(ctx context.Context) {
		w.prefetch(ctx, &FetchEvent{Request: req})
	})
}

func (h messageHandler) VisitHardClear(HardClear) {
	w := h.w
	w.tasks.WaitUntil("hard-clear", func(context.Context) {
		deleted, err := w.cache.PurgeAll()
		if err != nil {
			w.log.Warn().Err(err).Msg("hard clear failed")
			return
		}
		w.log.Info().Strs("caches", deleted).Msg("hard clear")
		w.broadcast(Cleared{})
	})
}
