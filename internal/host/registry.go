package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vtedge/internal/worker"
)

var (
	// ErrNoWorker is returned when a message targets a slot that is empty.
	ErrNoWorker = errors.New("no worker in that slot")
	// ErrBadBuildID is returned when the origin reports an empty build id.
	ErrBadBuildID = errors.New("empty build id")
)

// WorkerFactory builds the worker for one build. reg is the worker's view of
// the registration.
type WorkerFactory func(ctx context.Context, buildID string, reg worker.Registration) *worker.Worker

type version struct {
	buildID string
	w       *worker.Worker
	skip    atomic.Bool
}

// RegistrationInfo describes the registration as pages see it.
type RegistrationInfo struct {
	Installing        string `json:"installing,omitempty"`
	Waiting           string `json:"waiting,omitempty"`
	Active            string `json:"active,omitempty"`
	NavigationPreload bool   `json:"navigationPreload"`
	Clients           int    `json:"clients"`
}

// Registry holds the worker versions of one scope: at most one installing,
// one waiting and one active.
type Registry struct {
	// ops serialises install and activation.
	ops sync.Mutex

	mu         sync.RWMutex
	installing *version
	waiting    *version
	active     *version
	preload    bool

	newWorker WorkerFactory
	hub       *Hub
	sched     *Scheduler
	network   worker.Fetcher
	buildURL  *url.URL

	retired sync.WaitGroup
	log     zerolog.Logger
}

type RegistryOptions struct {
	Factory   WorkerFactory
	Hub       *Hub
	Scheduler *Scheduler
	// Network serves the build id during update checks.
	Network worker.Fetcher
	// BuildURL is where the current build id is published.
	BuildURL *url.URL
	Logger   zerolog.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		newWorker: opts.Factory,
		hub:       opts.Hub,
		sched:     opts.Scheduler,
		network:   opts.Network,
		buildURL:  opts.BuildURL,
		log:       opts.Logger,
	}
	opts.Hub.OnPost(r.onPost)
	return r
}

// Active returns the worker controlling pages, or nil.
func (r *Registry) Active() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return nil
	}
	return r.active.w
}

func (r *Registry) PreloadEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preload
}

func (r *Registry) Info() RegistrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := RegistrationInfo{NavigationPreload: r.preload, Clients: r.hub.Clients()}
	if r.installing != nil {
		info.Installing = r.installing.w.Version()
	}
	if r.waiting != nil {
		info.Waiting = r.waiting.w.Version()
	}
	if r.active != nil {
		info.Active = r.active.w.Version()
	}
	return info
}

// Register installs the worker for buildID unless that build is already
// known. The new version activates at once when nothing is active or it
// asked to skip waiting; otherwise it waits.
func (r *Registry) Register(ctx context.Context, buildID string) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.RLock()
	for _, v := range []*version{r.installing, r.waiting, r.active} {
		if v != nil && v.buildID == buildID {
			r.mu.RUnlock()
			return nil
		}
	}
	r.mu.RUnlock()

	v := &version{buildID: buildID}
	v.w = r.newWorker(ctx, buildID, &regView{r: r, v: v})
	r.mu.Lock()
	r.installing = v
	r.mu.Unlock()

	ver := v.w.Version()
	r.log.Info().Str("version", ver).Msg("update found")
	r.hub.Event(EventUpdateFound, worker.StateInstalling.String(), ver)

	if err := v.w.Install(ctx); err != nil {
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		r.retire(v)
		return fmt.Errorf("install %s: %w", ver, err)
	}
	r.hub.Event(EventStateChange, worker.StateInstalled.String(), ver)

	r.mu.Lock()
	r.installing = nil
	if r.active != nil && !v.skip.Load() {
		old := r.waiting
		r.waiting = v
		r.mu.Unlock()
		if old != nil {
			r.retire(old)
		}
		r.log.Info().Str("version", ver).Msg("waiting")
		return nil
	}
	r.mu.Unlock()

	return r.promote(ctx, v)
}

// Update fetches the published build id and registers it.
func (r *Registry) Update(ctx context.Context) (string, error) {
	req, err := worker.NewRequest(http.MethodGet, r.buildURL.String())
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		return "", fmt.Errorf("fetch build id: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("fetch build id: status %d", resp.Status)
	}
	id := strings.TrimSpace(string(resp.Body))
	if id == "" {
		return "", ErrBadBuildID
	}
	return id, r.Register(ctx, id)
}

// Post delivers a page message to the worker in the target slot.
func (r *Registry) Post(target string, data []byte) error {
	m, err := worker.DecodeInbound(data)
	if err != nil {
		return err
	}
	r.mu.RLock()
	var v *version
	switch target {
	case TargetWaiting:
		v = r.waiting
	case TargetInstalling:
		v = r.installing
	case TargetActive, "":
		v = r.active
	default:
		r.mu.RUnlock()
		return fmt.Errorf("unknown target %q", target)
	}
	r.mu.RUnlock()
	if v == nil {
		return ErrNoWorker
	}
	v.w.HandleMessage(m)
	return nil
}

func (r *Registry) onPost(clientID, target string, data []byte) {
	if err := r.Post(target, data); err != nil {
		r.log.Debug().Err(err).Str("client", clientID).Str("target", target).Msg("message dropped")
	}
}

// Close retires every version and waits for their background work.
func (r *Registry) Close() {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	all := []*version{r.installing, r.waiting, r.active}
	r.installing, r.waiting, r.active = nil, nil, nil
	r.mu.Unlock()

	for _, v := range all {
		if v != nil {
			v.w.MarkRedundant()
			v.w.Close()
		}
	}
	r.retired.Wait()
}

// promote activates v in place of the current active version. r.ops must
// be held.
func (r *Registry) promote(ctx context.Context, v *version) error {
	r.mu.Lock()
	old := r.active
	if r.waiting == v {
		r.waiting = nil
	}
	r.active = v
	r.mu.Unlock()

	if old != nil {
		r.retire(old)
	}

	ver := v.w.Version()
	r.hub.Event(EventStateChange, worker.StateActivating.String(), ver)
	if err := v.w.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", ver, err)
	}
	r.hub.Event(EventStateChange, worker.StateActivated.String(), ver)
	return nil
}

func (r *Registry) promoteSkipped(v *version) {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.RLock()
	waiting := r.waiting == v
	r.mu.RUnlock()
	if !waiting {
		return
	}
	if err := r.promote(context.Background(), v); err != nil {
		r.log.Error().Err(err).Msg("skip waiting")
	}
}

// retire makes v redundant and lets its background work finish.
func (r *Registry) retire(v *version) {
	v.w.MarkRedundant()
	r.hub.Event(EventStateChange, worker.StateRedundant.String(), v.w.Version())

	r.retired.Add(1)
	go func() {
		defer r.retired.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := v.w.Drain(ctx); err != nil {
			r.log.Warn().Err(err).Str("version", v.w.Version()).Msg("retired worker did not drain")
		}
		v.w.Close()
	}()
}

func (r *Registry) isWaiting(v *version) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting == v
}

// regView is what one worker version sees of the registration.
type regView struct {
	r *Registry
	v *version
}

func (rv *regView) SkipWaiting() {
	rv.v.skip.Store(true)
	if rv.r.isWaiting(rv.v) {
		go rv.r.promoteSkipped(rv.v)
	}
}

func (rv *regView) Claim(context.Context) error {
	rv.r.hub.Claim(rv.v.w.Version())
	return nil
}

func (rv *regView) EnableNavigationPreload(context.Context) error {
	rv.r.mu.Lock()
	rv.r.preload = true
	rv.r.mu.Unlock()
	return nil
}

func (rv *regView) RegisterPeriodicSync(tag, schedule string) error {
	if rv.r.sched == nil {
		return errors.New("periodic sync unsupported")
	}
	r := rv.r
	return r.sched.Add(tag, schedule, func(ctx context.Context) {
		if w := r.Active(); w != nil {
			w.PeriodicSync(ctx, tag)
		}
	})
}
