// Package bridge is the page side of the worker: it registers the build the
// page was served with, notices when a newer build is waiting, asks the user
// before switching, and relays worker messages as page events.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/semaphore"

	"vtedge/internal/host"
	"vtedge/internal/worker"
)

// Page events.
const (
	EventUpdateAvailable = "sw:update-available"
	EventUpdated         = "sw:updated"
)

// DefaultCheckEvery is how often a long-lived page looks for a new build.
const DefaultCheckEvery = 30 * time.Minute

// Prefetch budget of one page session.
const (
	DefaultPrefetchLimit       = 30
	DefaultPrefetchConcurrency = 3
)

var ErrNotRegistered = errors.New("bridge: not registered")

type UpdateState int

const (
	StateIdle UpdateState = iota
	StateUpdateDetected
	StatePrompted
	StateAccepted
	StateActivating
	StateReloaded
	StateDeferred
)

func (s UpdateState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpdateDetected:
		return "update-detected"
	case StatePrompted:
		return "prompted"
	case StateAccepted:
		return "accepted"
	case StateActivating:
		return "activating"
	case StateReloaded:
		return "reloaded"
	case StateDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a page-level event. Detail is the worker message without its
// type field.
type Event struct {
	Name   string
	Detail []byte
}

// Registration is the page's handle on the worker registration.
type Registration interface {
	Register(ctx context.Context, scriptURL string) error
	Update(ctx context.Context) error
	Info(ctx context.Context) (host.RegistrationInfo, error)
	Post(ctx context.Context, target string, m worker.Inbound) error
	Frames() <-chan host.Frame
}

// Prompter shows the update prompt. The user answers through Accept or
// Defer.
type Prompter interface {
	Prompt(version string)
}

type Reloader interface {
	Reload()
}

type EventSink interface {
	Dispatch(e Event)
}

type Options struct {
	Registration Registration
	Prompter     Prompter
	Reloader     Reloader
	Events       EventSink
	// Origin is the page origin; prefetches elsewhere are ignored.
	Origin *url.URL
	// Path is the path of the page itself, which is never prefetched.
	Path       string
	ScriptPath string
	BuildID    string
	CheckEvery time.Duration
	// PrefetchLimit caps prefetches per session, PrefetchConcurrency the
	// ones in flight at once. Zero means the default.
	PrefetchLimit       int
	PrefetchConcurrency int
	Logger              zerolog.Logger
}

type Bridge struct {
	reg      Registration
	prompter Prompter
	reloader Reloader
	events   EventSink
	origin   *url.URL
	path     string
	script   string
	every    time.Duration

	mu         sync.Mutex
	registered bool
	state      UpdateState
	controller string
	installing string
	// notified is the version the current detection cycle announced.
	notified   string
	reloaded   bool
	controlled chan struct{}

	prefetchMu    sync.Mutex
	prefetched    map[uint64]struct{}
	prefetchLimit int
	inflight      *semaphore.Weighted

	log zerolog.Logger
}

func New(opts Options) *Bridge {
	every := opts.CheckEvery
	if every <= 0 {
		every = DefaultCheckEvery
	}
	script := opts.ScriptPath
	if script == "" {
		script = "/sw.js"
	}
	build := opts.BuildID
	if build == "" {
		build = "dev"
	}
	limit := opts.PrefetchLimit
	if limit <= 0 {
		limit = DefaultPrefetchLimit
	}
	concurrency := opts.PrefetchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	return &Bridge{
		reg:           opts.Registration,
		prompter:      opts.Prompter,
		reloader:      opts.Reloader,
		events:        opts.Events,
		origin:        opts.Origin,
		path:          opts.Path,
		script:        script + "?v=" + url.QueryEscape(build),
		every:         every,
		controlled:    make(chan struct{}),
		prefetched:    make(map[uint64]struct{}),
		prefetchLimit: limit,
		inflight:      semaphore.NewWeighted(int64(concurrency)),
		log:           opts.Logger,
	}
}

func (b *Bridge) State() UpdateState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ScriptURL is the versioned worker script the page registers.
func (b *Bridge) ScriptURL() string { return b.script }

// Start registers the worker script. Later calls do nothing.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.registered {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.reg.Register(ctx, b.script); err != nil {
		return fmt.Errorf("register %s: %w", b.script, err)
	}
	b.mu.Lock()
	b.registered = true
	b.mu.Unlock()
	b.log.Info().Str("script", b.script).Msg("worker registered")
	return nil
}

// Run relays registration frames and checks for updates periodically until
// ctx ends or the registration goes away.
func (b *Bridge) Run(ctx context.Context) error {
	t := time.NewTicker(b.every)
	defer t.Stop()
	frames := b.reg.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			b.Handle(f)
		case <-t.C:
			b.CheckForUpdate(ctx)
		}
	}
}

// OnVisibilityChange checks for an update when the page becomes visible.
func (b *Bridge) OnVisibilityChange(ctx context.Context, visible bool) {
	if visible {
		b.CheckForUpdate(ctx)
	}
}

// CheckForUpdate asks the registration to look for a new build. It never
// registers again.
func (b *Bridge) CheckForUpdate(ctx context.Context) {
	b.mu.Lock()
	registered := b.registered
	b.mu.Unlock()
	if !registered {
		b.log.Warn().Msg("update check before registration")
		return
	}
	if err := b.reg.Update(ctx); err != nil {
		b.log.Warn().Err(err).Msg("update check failed")
	}
}

// Handle reacts to one registration frame.
func (b *Bridge) Handle(f host.Frame) {
	switch f.Kind {
	case host.KindHello:
		b.mu.Lock()
		b.setController(f.Controller)
		b.mu.Unlock()
	case host.KindEvent:
		b.handleEvent(f)
	case host.KindMessage:
		b.relay(f.Data)
	}
}

// setController records the page's controller. b.mu must be held.
func (b *Bridge) setController(version string) {
	b.controller = version
	if version == "" {
		return
	}
	select {
	case <-b.controlled:
	default:
		close(b.controlled)
	}
}

// Controlled is closed once a worker controls the page.
func (b *Bridge) Controlled() <-chan struct{} { return b.controlled }

func (b *Bridge) handleEvent(f host.Frame) {
	switch f.Event {
	case host.EventUpdateFound:
		b.mu.Lock()
		b.installing = f.Version
		b.mu.Unlock()

	case host.EventStateChange:
		if f.State != worker.StateInstalled.String() {
			return
		}
		b.mu.Lock()
		announce := f.Version == b.installing && b.controller != "" && b.notified != f.Version
		if announce {
			b.notified = f.Version
			b.state = StateUpdateDetected
		}
		b.mu.Unlock()
		if !announce {
			return
		}
		b.log.Info().Str("version", f.Version).Msg("update available")
		b.dispatch(Event{Name: EventUpdateAvailable})
		b.mu.Lock()
		b.state = StatePrompted
		b.mu.Unlock()
		if b.prompter != nil {
			b.prompter.Prompt(f.Version)
		}

	case host.EventControllerChange:
		b.mu.Lock()
		b.setController(f.Version)
		reload := b.state == StateActivating && !b.reloaded
		if reload {
			b.reloaded = true
			b.state = StateReloaded
		}
		b.mu.Unlock()
		b.dispatch(Event{Name: EventUpdated})
		if reload {
			b.reload()
		}
	}
}

// Accept applies the waiting update: the waiting worker is told to skip
// waiting and the page reloads once it takes control. With nothing waiting
// the page reloads at once.
func (b *Bridge) Accept(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StatePrompted && b.state != StateUpdateDetected {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("bridge: no update to accept in state %s", state)
	}
	b.state = StateAccepted
	b.mu.Unlock()

	info, err := b.reg.Info(ctx)
	if err == nil && info.Waiting != "" {
		b.mu.Lock()
		b.state = StateActivating
		b.mu.Unlock()
		if err = b.reg.Post(ctx, host.TargetWaiting, worker.SkipWaiting{}); err == nil {
			return nil
		}
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("skip waiting failed, reloading")
	}

	b.mu.Lock()
	reload := !b.reloaded
	b.reloaded = true
	b.state = StateReloaded
	b.mu.Unlock()
	if reload {
		b.reload()
	}
	return nil
}

// Defer dismisses the prompt until the next detection.
func (b *Bridge) Defer() {
	b.mu.Lock()
	if b.state == StatePrompted || b.state == StateUpdateDetected {
		b.state = StateDeferred
	}
	b.mu.Unlock()
}

// Prefetch asks the controlling worker to warm rawURL. Each same-origin URL
// is sent once; the page itself, uncontrolled pages and anything beyond the
// session budget or the in-flight limit are skipped. It reports whether a
// request was sent.
func (b *Bridge) Prefetch(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false, err
	}
	if b.origin != nil {
		u = b.origin.ResolveReference(u)
		if !strings.EqualFold(u.Scheme, b.origin.Scheme) || !strings.EqualFold(u.Host, b.origin.Host) {
			return false, nil
		}
	}
	u.Fragment = ""
	abs := u.String()

	b.mu.Lock()
	controlled := b.controller != ""
	b.mu.Unlock()
	switch {
	case b.path != "" && u.Path == b.path:
		return false, nil
	case !controlled:
		b.log.Debug().Str("url", abs).Msg("page not controlled, skipping prefetch")
		return false, nil
	}

	h := xxh3.HashString(abs)
	b.prefetchMu.Lock()
	if _, seen := b.prefetched[h]; seen || len(b.prefetched) >= b.prefetchLimit {
		b.prefetchMu.Unlock()
		return false, nil
	}
	b.prefetched[h] = struct{}{}
	b.prefetchMu.Unlock()

	forget := func() {
		b.prefetchMu.Lock()
		delete(b.prefetched, h)
		b.prefetchMu.Unlock()
	}
	if !b.inflight.TryAcquire(1) {
		forget()
		return false, nil
	}
	defer b.inflight.Release(1)

	if err := b.reg.Post(ctx, host.TargetActive, worker.PrefetchURL{URL: abs}); err != nil {
		forget()
		return false, err
	}
	return true, nil
}

// HardClear asks the active worker to drop every cache.
func (b *Bridge) HardClear(ctx context.Context) error {
	return b.reg.Post(ctx, host.TargetActive, worker.HardClear{})
}

func (b *Bridge) relay(data []byte) {
	var fields map[string]any
	if err := sonic.Unmarshal(data, &fields); err != nil {
		b.log.Debug().Err(err).Msg("bad worker message")
		return
	}
	typ, _ := fields["type"].(string)
	if typ == "" {
		return
	}
	delete(fields, "type")
	detail, err := sonic.Marshal(fields)
	if err != nil {
		return
	}
	b.dispatch(Event{Name: "sw:" + strings.ToLower(typ), Detail: detail})
}

func (b *Bridge) dispatch(e Event) {
	if b.events != nil {
		b.events.Dispatch(e)
	}
}

func (b *Bridge) reload() {
	b.log.Info().Msg("reloading page")
	if b.reloader != nil {
		b.reloader.Reload()
	}
}
