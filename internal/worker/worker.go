// Package worker is the cache-and-navigation engine: it decides, for every
// intercepted request, whether to answer from cache, from the network or
// from a fallback, and it owns the cache namespaces of one build version.
package worker

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vtedge/internal/config"
	"vtedge/internal/store"
)

// Broadcaster posts a message to every open page.
type Broadcaster interface {
	Broadcast(m Outbound)
}

// Registration is the worker's view of the platform registration it
// belongs to.
type Registration interface {
	// SkipWaiting asks for this worker to be activated without waiting for
	// the previous one to go away.
	SkipWaiting()
	// Claim makes this worker the controller of every open page.
	Claim(ctx context.Context) error
}

// NavigationPreloader is implemented by registrations that can start
// navigation fetches before the worker runs.
type NavigationPreloader interface {
	EnableNavigationPreload(ctx context.Context) error
}

// PeriodicSyncer is implemented by registrations that can schedule
// periodic background work.
type PeriodicSyncer interface {
	RegisterPeriodicSync(tag, schedule string) error
}

// Namespaces holds the cache names of one worker version.
type Namespaces struct {
	Pages  string
	Assets string
	Images string
	API    string
}

func NamespacesFor(prefix, version string) Namespaces {
	return Namespaces{
		Pages:  prefix + "-pages-" + version,
		Assets: prefix + "-assets-" + version,
		Images: prefix + "-images-" + version,
		API:    prefix + "-api-" + version,
	}
}

func (n Namespaces) All() []string { return []string{n.Pages, n.Assets, n.Images, n.API} }

// Version builds the worker version identifier from the configured tag and
// a build id. An empty build id means a development build.
func Version(tag, buildID string) string {
	if buildID == "" {
		buildID = "dev"
	}
	return tag + "-" + buildID
}

type Options struct {
	Config  config.Worker
	BuildID string
	// Scope is the origin pages load the site from.
	Scope        *url.URL
	Storage      store.Storage
	Network      Fetcher
	Clients      Broadcaster
	Registration Registration
	Metrics      *Metrics
	// Manifest lists the root-relative paths to precache on install.
	Manifest []string
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Worker struct {
	cfg      config.Worker
	version  string
	buildID  string
	scope    *url.URL
	ns       Namespaces
	manifest []string

	cache    *ResponseCache
	network  Fetcher
	dedup    *Deduplicator
	clients  Broadcaster
	reg      Registration
	metrics  *Metrics
	counters *Counters
	stats    *statsCollector
	tasks    *taskPool
	routes   []route

	mu    sync.Mutex
	state State

	log zerolog.Logger
	now func() time.Time
}

func New(opts Options) *Worker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	version := Version(opts.Config.VersionTag, opts.BuildID)
	log := opts.Logger.With().Str("version", version).Logger()

	w := &Worker{
		cfg:      opts.Config,
		version:  version,
		buildID:  opts.BuildID,
		scope:    opts.Scope,
		ns:       NamespacesFor(opts.Config.CachePrefix, version),
		manifest: opts.Manifest,
		cache:    NewResponseCache(opts.Storage, opts.Config.CachePrefix, now, log),
		network:  opts.Network,
		dedup:    NewDeduplicator(opts.Network),
		clients:  opts.Clients,
		reg:      opts.Registration,
		metrics:  opts.Metrics,
		counters: newCounters(opts.Config.PerformanceEvery, opts.Metrics, version),
		stats:    newStatsCollector(),
		tasks:    newTaskPool(opts.Config.Background.MaxTasks, opts.Config.BackgroundTimeout(), log),
		log:      log,
		now:      now,
	}
	w.routes = w.buildRoutes()
	return w
}

func (w *Worker) Version() string         { return w.version }
func (w *Worker) BuildID() string         { return w.buildID }
func (w *Worker) Namespaces() Namespaces  { return w.ns }
func (w *Worker) Counters() Performance   { return w.counters.Snapshot() }
func (w *Worker) Cache() *ResponseCache   { return w.cache }
func (w *Worker) Logger() *zerolog.Logger { return &w.log }

// Drain waits for background side effects to settle.
func (w *Worker) Drain(ctx context.Context) error { return w.tasks.Drain(ctx) }

// Close stops background work. The worker must not be used afterwards.
func (w *Worker) Close() { w.tasks.Close() }

// open is best effort: a namespace that cannot be opened reads as empty.
func (w *Worker) open(name string) *Handle {
	h, err := w.cache.Open(name)
	if err != nil {
		w.log.Warn().Err(err).Msg("open namespace failed")
		return nil
	}
	return h
}

func (w *Worker) currentHandles() []*Handle {
	var out []*Handle
	for _, name := range w.ns.All() {
		if h := w.open(name); h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (w *Worker) broadcast(m Outbound) {
	if w.clients != nil {
		w.clients.Broadcast(m)
	}
}

func (w *Worker) track(counter string) {
	if snap, ok := w.counters.Track(counter); ok {
		w.broadcast(snap)
	}
}

// resolve turns a root-relative or same-origin URL into an absolute one.
func (w *Worker) resolve(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return w.scope.ResolveReference(u).String(), nil
}

func (w *Worker) put(h *Handle, req *Request, resp *Response) {
	if h == nil {
		return
	}
	if err := w.cache.PutWithTimestamp(h, req.CacheKey(), resp); err != nil {
		w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("cache write skipped")
	}
}
