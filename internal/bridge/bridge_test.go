package bridge

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vtedge/internal/host"
	"vtedge/internal/worker"
)

type posted struct {
	target string
	msg    worker.Inbound
}

type fakeRegistration struct {
	mu        sync.Mutex
	registers []string
	updates   int
	info      host.RegistrationInfo
	posts     []posted
	postErr   error
	// gate, when set, holds every Post until it is closed; entered hears
	// about each held Post.
	gate    chan struct{}
	entered chan struct{}
	frames  chan host.Frame
}

func newFakeRegistration() *fakeRegistration {
	return &fakeRegistration{frames: make(chan host.Frame, 16)}
}

func (r *fakeRegistration) Register(_ context.Context, script string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers = append(r.registers, script)
	return nil
}

func (r *fakeRegistration) Update(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return nil
}

func (r *fakeRegistration) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func (r *fakeRegistration) Info(context.Context) (host.RegistrationInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info, nil
}

func (r *fakeRegistration) Post(_ context.Context, target string, m worker.Inbound) error {
	if r.gate != nil {
		r.entered <- struct{}{}
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.postErr != nil {
		return r.postErr
	}
	r.posts = append(r.posts, posted{target, m})
	return nil
}

func (r *fakeRegistration) Posts() []posted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]posted(nil), r.posts...)
}

func (r *fakeRegistration) Frames() <-chan host.Frame { return r.frames }

type page struct {
	mu      sync.Mutex
	events  []Event
	prompts []string
	reloads int
}

func (p *page) Dispatch(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *page) Prompt(version string) {
	p.mu.Lock()
	p.prompts = append(p.prompts, version)
	p.mu.Unlock()
}

func (p *page) Reload() {
	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()
}

func (p *page) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (p *page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func newBridge(t *testing.T, mutate ...func(*Options)) (*Bridge, *fakeRegistration, *page) {
	t.Helper()
	reg := newFakeRegistration()
	p := &page{}
	origin, err := url.Parse("http://site.test")
	require.NoError(t, err)
	opts := Options{
		Registration: reg,
		Prompter:     p,
		Reloader:     p,
		Events:       p,
		Origin:       origin,
		BuildID:      "b1",
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	b := New(opts)
	require.NoError(t, b.Start(context.Background()))
	return b, reg, p
}

func event(name, state, version string) host.Frame {
	return host.Frame{Kind: host.KindEvent, Event: name, State: state, Version: version}
}

func TestStart_RegistersVersionedScriptOnce(t *testing.T) {
	b, reg, _ := newBridge(t, func(o *Options) { o.BuildID = "2024 05" })
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, []string{"/sw.js?v=2024+05"}, reg.registers)
}

func TestUpdateHandshake_OneAnnouncementOneReload(t *testing.T) {
	b, reg, p := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})

	b.Handle(event(host.EventUpdateFound, "installing", "v2"))
	b.Handle(event(host.EventStateChange, "installed", "v2"))
	b.Handle(event(host.EventStateChange, "installed", "v2"))

	require.Equal(t, 1, p.count(EventUpdateAvailable))
	require.Equal(t, []string{"v2"}, p.prompts)
	require.Equal(t, StatePrompted, b.State())

	reg.info = host.RegistrationInfo{Active: "v1", Waiting: "v2"}
	require.NoError(t, b.Accept(context.Background()))
	require.Equal(t, []posted{{host.TargetWaiting, worker.SkipWaiting{}}}, reg.Posts())
	require.Equal(t, StateActivating, b.State())
	require.Zero(t, p.Reloads())

	b.Handle(event(host.EventControllerChange, "", "v2"))
	b.Handle(event(host.EventControllerChange, "", "v2"))

	require.Equal(t, 1, p.Reloads())
	require.Equal(t, StateReloaded, b.State())
	require.Equal(t, 2, p.count(EventUpdated))
}

func TestFirstInstall_NeverPrompts(t *testing.T) {
	b, _, p := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello})

	b.Handle(event(host.EventUpdateFound, "installing", "v1"))
	b.Handle(event(host.EventStateChange, "installed", "v1"))
	b.Handle(event(host.EventControllerChange, "", "v1"))

	require.Zero(t, p.count(EventUpdateAvailable))
	require.Equal(t, 1, p.count(EventUpdated))
	require.Zero(t, p.Reloads(), "no reload without consent")
	require.Equal(t, StateIdle, b.State())
}

func TestDefer_WaitsForNextDetection(t *testing.T) {
	b, _, p := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	b.Handle(event(host.EventUpdateFound, "installing", "v2"))
	b.Handle(event(host.EventStateChange, "installed", "v2"))

	b.Defer()
	require.Equal(t, StateDeferred, b.State())

	b.Handle(event(host.EventControllerChange, "", "v2"))
	require.Zero(t, p.Reloads(), "another tab activating the update does not reload this one")

	b.Handle(event(host.EventUpdateFound, "installing", "v3"))
	b.Handle(event(host.EventStateChange, "installed", "v3"))
	require.Equal(t, 2, p.count(EventUpdateAvailable))
	require.Equal(t, StatePrompted, b.State())
}

func TestAccept_NothingWaitingReloadsAtOnce(t *testing.T) {
	b, reg, p := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	b.Handle(event(host.EventUpdateFound, "installing", "v2"))
	b.Handle(event(host.EventStateChange, "installed", "v2"))

	reg.info = host.RegistrationInfo{Active: "v2"}
	require.NoError(t, b.Accept(context.Background()))
	require.Empty(t, reg.Posts())
	require.Equal(t, 1, p.Reloads())

	b.Handle(event(host.EventControllerChange, "", "v2"))
	require.Equal(t, 1, p.Reloads())
}

func TestAccept_FailedPostFallsBackToReload(t *testing.T) {
	b, reg, p := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	b.Handle(event(host.EventUpdateFound, "installing", "v2"))
	b.Handle(event(host.EventStateChange, "installed", "v2"))

	reg.info = host.RegistrationInfo{Active: "v1", Waiting: "v2"}
	reg.postErr = errors.New("socket gone")
	require.NoError(t, b.Accept(context.Background()))
	require.Equal(t, 1, p.Reloads())
}

func TestAccept_WithoutUpdate(t *testing.T) {
	b, _, p := newBridge(t)
	require.Error(t, b.Accept(context.Background()))
	require.Zero(t, p.Reloads())
}

func TestRelay_WorkerMessages(t *testing.T) {
	b, _, p := newBridge(t)
	data, err := worker.EncodeOutbound(worker.PageUpdated{URL: "http://site.test/about"})
	require.NoError(t, err)

	b.Handle(host.Frame{Kind: host.KindMessage, Data: data})
	b.Handle(host.Frame{Kind: host.KindMessage, Data: []byte(`{"url":"untyped"}`)})

	require.Len(t, p.events, 1)
	require.Equal(t, "sw:page_updated", p.events[0].Name)
	require.JSONEq(t, `{"url":"http://site.test/about","source":"sw"}`, string(p.events[0].Detail))
}

func TestUpdateChecks(t *testing.T) {
	reg := newFakeRegistration()
	b := New(Options{Registration: reg, Logger: zerolog.Nop(), CheckEvery: 10 * time.Millisecond})

	b.CheckForUpdate(context.Background())
	require.Zero(t, reg.Updates(), "no update check before registration")

	require.NoError(t, b.Start(context.Background()))
	b.OnVisibilityChange(context.Background(), false)
	require.Zero(t, reg.Updates())
	b.OnVisibilityChange(context.Background(), true)
	require.Equal(t, 1, reg.Updates())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	require.Eventually(t, func() bool { return reg.Updates() >= 3 }, 5*time.Second, 5*time.Millisecond)

	close(reg.frames)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the registration closed")
	}
}

func TestPrefetch_OncePerSameOriginURL(t *testing.T) {
	b, reg, _ := newBridge(t)
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	ctx := context.Background()

	sent, err := b.Prefetch(ctx, "/blog/post#comments")
	require.NoError(t, err)
	require.True(t, sent)

	sent, err = b.Prefetch(ctx, "http://site.test/blog/post")
	require.NoError(t, err)
	require.False(t, sent, "same URL once fragments are dropped")

	sent, err = b.Prefetch(ctx, "https://cdn.example/lib.js")
	require.NoError(t, err)
	require.False(t, sent)

	require.Equal(t, []posted{{host.TargetActive, worker.PrefetchURL{URL: "http://site.test/blog/post"}}}, reg.Posts())

	reg.postErr = errors.New("down")
	_, err = b.Prefetch(ctx, "/other")
	require.Error(t, err)
	reg.postErr = nil
	sent, err = b.Prefetch(ctx, "/other")
	require.NoError(t, err)
	require.True(t, sent, "a failed prefetch can be retried")
}

func TestPrefetch_SkipsUncontrolledPageAndItself(t *testing.T) {
	b, reg, _ := newBridge(t, func(o *Options) { o.Path = "/blog" })
	ctx := context.Background()

	sent, err := b.Prefetch(ctx, "/about")
	require.NoError(t, err)
	require.False(t, sent, "nobody to delegate to")
	select {
	case <-b.Controlled():
		t.Fatal("controlled before any controller")
	default:
	}

	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	<-b.Controlled()

	sent, err = b.Prefetch(ctx, "/blog?ref=nav")
	require.NoError(t, err)
	require.False(t, sent, "the page itself")

	sent, err = b.Prefetch(ctx, "/about")
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, reg.Posts(), 1)
}

func TestPrefetch_SessionBudget(t *testing.T) {
	b, reg, _ := newBridge(t, func(o *Options) { o.PrefetchLimit = 2 })
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	ctx := context.Background()

	for _, p := range []string{"/a", "/b"} {
		sent, err := b.Prefetch(ctx, p)
		require.NoError(t, err)
		require.True(t, sent, p)
	}
	sent, err := b.Prefetch(ctx, "/c")
	require.NoError(t, err)
	require.False(t, sent)
	require.Len(t, reg.Posts(), 2)
}

func TestPrefetch_InFlightLimit(t *testing.T) {
	b, reg, _ := newBridge(t, func(o *Options) { o.PrefetchConcurrency = 1 })
	b.Handle(host.Frame{Kind: host.KindHello, Controller: "v1"})
	ctx := context.Background()

	reg.gate = make(chan struct{})
	reg.entered = make(chan struct{}, 4)
	first := make(chan bool, 1)
	go func() {
		sent, _ := b.Prefetch(ctx, "/slow")
		first <- sent
	}()
	select {
	case <-reg.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first prefetch never posted")
	}

	sent, err := b.Prefetch(ctx, "/fast")
	require.NoError(t, err)
	require.False(t, sent, "one already in flight")

	close(reg.gate)
	require.True(t, <-first)

	sent, err = b.Prefetch(ctx, "/fast")
	require.NoError(t, err)
	require.True(t, sent, "skipped URLs are not remembered")
}
