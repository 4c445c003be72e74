// Package host runs workers the way a browser would: it owns the
// registration, routes every request of the scope through the active
// worker, and keeps a websocket to each open page.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vtedge/internal/config"
	"vtedge/internal/store"
	"vtedge/internal/worker"
)

const (
	// RouteHeader names the strategy, or pass-through reason, behind a
	// response.
	RouteHeader = "X-Vtedge"
	// PreloadHeader marks navigation preload requests to the origin.
	PreloadHeader = "Service-Worker-Navigation-Preload"

	buildCheckJob = "build-check"
)

type Options struct {
	Config   config.Config
	Storage  store.Storage
	Network  worker.Fetcher
	Metrics  *worker.Metrics
	// Manifest lists the paths each new build precaches.
	Manifest func(ctx context.Context) []string
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Server struct {
	cfg     config.Config
	scope   *url.URL
	network worker.Fetcher
	metrics *worker.Metrics

	hub   *Hub
	reg   *Registry
	sched *Scheduler

	stopCh chan struct{}
	wg     sync.WaitGroup

	log zerolog.Logger
}

func New(opts Options) *Server {
	cfg := opts.Config
	metrics := opts.Metrics
	if metrics == nil {
		metrics = worker.NewMetrics()
	}
	scope := cfg.PublicOriginURL()

	s := &Server{
		cfg:     cfg,
		scope:   scope,
		network: opts.Network,
		metrics: metrics,
		hub:     NewHub(cfg.Server.PublicOrigin, opts.Logger.With().Str("component", "hub").Logger()),
		sched:   NewScheduler(opts.Logger.With().Str("component", "scheduler").Logger(), cfg.Worker.BackgroundTimeout()),
		stopCh:  make(chan struct{}),
		log:     opts.Logger,
	}

	factory := func(ctx context.Context, buildID string, reg worker.Registration) *worker.Worker {
		var manifest []string
		if opts.Manifest != nil {
			manifest = opts.Manifest(ctx)
		}
		return worker.New(worker.Options{
			Config:       cfg.Worker,
			BuildID:      buildID,
			Scope:        scope,
			Storage:      opts.Storage,
			Network:      opts.Network,
			Clients:      s.hub,
			Registration: reg,
			Metrics:      metrics,
			Manifest:     manifest,
			Logger:       opts.Logger,
			Now:          opts.Now,
		})
	}
	s.reg = NewRegistry(RegistryOptions{
		Factory:   factory,
		Hub:       s.hub,
		Scheduler: s.sched,
		Network:   opts.Network,
		BuildURL:  scope.ResolveReference(&url.URL{Path: cfg.Worker.Build.Path}),
		Logger:    opts.Logger.With().Str("component", "registry").Logger(),
	})
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// Start registers the first worker and starts the periodic loops. The build
// id comes from configuration, then from the origin, then falls back to a
// development build.
func (s *Server) Start(ctx context.Context) error {
	s.sched.Start()

	if id := s.cfg.Worker.Build.ID; id != "" {
		if err := s.reg.Register(ctx, id); err != nil {
			return err
		}
	} else if _, err := s.reg.Update(ctx); err != nil {
		s.log.Warn().Err(err).Msg("no build id from origin, registering a development build")
		if err := s.reg.Register(ctx, ""); err != nil {
			return err
		}
	}

	if every := s.cfg.Worker.BuildCheckEvery(); every > 0 {
		err := s.sched.Add(buildCheckJob, "@every "+every.String(), func(ctx context.Context) {
			if _, err := s.reg.Update(ctx); err != nil {
				s.log.Debug().Err(err).Msg("build check")
			}
		})
		if err != nil {
			return err
		}
	}

	if every := s.cfg.Logging.StatsEveryDuration(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *Server) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.sched.Stop()
	s.hub.Close()
	s.reg.Close()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/__sw/ws", s.hub.ServeHTTP)
	r.Get("/__sw/registration", s.handleRegistration)
	r.Post("/__sw/register", s.handleRegister)
	r.Post("/__sw/update", s.handleUpdate)
	r.Post("/__sw/message", s.handleMessage)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.Handle("/*", http.HandlerFunc(s.handle))
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Worker.MaxBodyBytes()))
	if err != nil {
		setRouteHeader(w.Header(), "too-large")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	req := worker.FromHTTP(r, s.scope, body)

	if req.Origin() != s.scope.Scheme+"://"+s.scope.Host {
		setRouteHeader(w.Header(), "misdirected")
		w.WriteHeader(http.StatusMisdirectedRequest)
		return
	}
	if rule := s.cfg.PickRule(r.URL.Path); rule != nil && rule.Skips(r) {
		s.proxyPass(w, r.Context(), req, "bypass")
		return
	}

	active := s.reg.Active()
	if active == nil {
		s.proxyPass(w, r.Context(), req, "no-worker")
		return
	}

	ev := &worker.FetchEvent{Request: req}
	if req.Mode == worker.ModeNavigate && req.Method == http.MethodGet && s.reg.PreloadEnabled() {
		ev.Preload = s.startPreload(r.Context(), req)
	}

	resp, route, ok := active.Fetch(r.Context(), ev)
	if !ok {
		s.proxyPass(w, r.Context(), req, "passthrough")
		return
	}
	writeResponse(w, resp, route)
}

// startPreload fetches a navigation while the worker looks at its cache. It
// outlives the page request so a late answer can still refresh the cache.
func (s *Server) startPreload(ctx context.Context, req *worker.Request) *worker.Preload {
	pre := req.Clone()
	pre.Header.Set(PreloadHeader, "true")
	ctx = context.WithoutCancel(ctx)
	return worker.StartPreload(func() (*worker.Response, error) {
		return s.network.Fetch(ctx, pre)
	})
}

func (s *Server) proxyPass(w http.ResponseWriter, ctx context.Context, req *worker.Request, tag string) {
	resp, err := s.network.Fetch(ctx, req)
	if err != nil {
		s.log.Debug().Err(err).Str("url", req.URL.String()).Msg("pass-through failed")
		writeResponse(w, worker.NetworkError(), tag)
		return
	}
	writeResponse(w, resp, tag)
}

// writeResponse renders resp. A network error becomes a bodyless 502.
func writeResponse(w http.ResponseWriter, resp *worker.Response, route string) {
	if resp.IsNetworkError() {
		setRouteHeader(w.Header(), route)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	for k, vs := range resp.Header {
		if strings.EqualFold(k, RouteHeader) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setRouteHeader(w.Header(), route)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setRouteHeader(h http.Header, route string) {
	if route != "" {
		h.Set(RouteHeader, route)
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, RouteHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Server) handleRegistration(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Info())
}

// handleRegister registers the build named by ?v=, or the one the origin
// publishes when v is absent.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	var err error
	if v := strings.TrimSpace(r.URL.Query().Get("v")); v != "" {
		err = s.reg.Register(ctx, v)
	} else {
		_, err = s.reg.Update(ctx)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("register")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Info())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.reg.Update(context.WithoutCancel(r.Context())); err != nil {
		s.log.Warn().Err(err).Msg("update")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Info())
}

// handleMessage posts the body to the worker named by ?target=, the active
// one by default.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch err := s.reg.Post(r.URL.Query().Get("target"), data); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrNoWorker):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if w := s.reg.Active(); w != nil {
				w.LogStats()
			}
		}
	}
}

// Addr is the listen address for cfg.
func Addr(cfg config.Config) string { return fmt.Sprintf(":%d", cfg.Server.Port) }
