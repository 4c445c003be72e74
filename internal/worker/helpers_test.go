package worker

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vtedge/internal/config"
	"vtedge/internal/store"
)

const testScope = "http://site.test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeNetwork answers from a path table. Unknown paths fail like an
// unreachable network.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*Response
	errs    map[string]error
	calls   map[string]int
	offline bool
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
	seen []*Request
}

func newNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages: map[string]*Response{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (n *fakeNetwork) Serve(path string, status int, body string, headers ...string) {
	h := make(http.Header)
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	n.mu.Lock()
	n.pages[path] = &Response{Status: status, Header: h, Body: []byte(body)}
	n.mu.Unlock()
}

func (n *fakeNetwork) Fail(path string, err error) {
	n.mu.Lock()
	n.errs[path] = err
	n.mu.Unlock()
}

func (n *fakeNetwork) SetOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) Calls(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	n.calls[req.URL.RequestURI()]++
	n.seen = append(n.seen, req)
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return nil, ErrOffline
	}
	if err, ok := n.errs[req.URL.RequestURI()]; ok {
		return nil, err
	}
	resp, ok := n.pages[req.URL.RequestURI()]
	if !ok {
		return nil, ErrOffline
	}
	return resp.Clone(), nil
}

type fakeClients struct {
	mu   sync.Mutex
	msgs []Outbound
}

func (c *fakeClients) Broadcast(m Outbound) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *fakeClients) OfType(typ string) []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Outbound
	for _, m := range c.msgs {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeRegistration struct {
	mu        sync.Mutex
	skipped   int
	claimed   int
	preload   int
	syncTags  []string
	syncError error
}

func (r *fakeRegistration) SkipWaiting() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

func (r *fakeRegistration) Claim(context.Context) error {
	r.mu.Lock()
	r.claimed++
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistration) EnableNavigationPreload(context.Context) error {
	r.mu.Lock()
	r.preload++
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistration) RegisterPeriodicSync(tag, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncTags = append(r.syncTags, tag)
	return r.syncError
}

func (r *fakeRegistration) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// testConfig compiles the default worker config plus extra top-level YAML.
func testConfig(t *testing.T, extra string) config.Worker {
	t.Helper()
	cfg, err := config.Parse([]byte("server:\n  origin: http://origin.test\n  publicOrigin: " + testScope + "\n" + extra))
	require.NoError(t, err)
	return cfg.Worker
}

type harness struct {
	w       *Worker
	net     *fakeNetwork
	clients *fakeClients
	reg     *fakeRegistration
	clock   *fakeClock
	storage store.Storage
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	scope, err := url.Parse(testScope)
	require.NoError(t, err)

	h := &harness{
		net:     newNetwork(),
		clients: &fakeClients{},
		reg:     &fakeRegistration{},
		clock:   newClock(),
		storage: store.NewMemory(),
	}
	opts := Options{
		Config:       testConfig(t, ""),
		BuildID:      "b1",
		Scope:        scope,
		Storage:      h.storage,
		Network:      h.net,
		Clients:      h.clients,
		Registration: h.reg,
		Logger:       zerolog.Nop(),
		Now:          h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.w = New(opts)
	t.Cleanup(h.w.Close)
	return h
}

// activate walks the worker through install and activate.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.w.Install(context.Background()))
	require.NoError(t, h.w.Activate(context.Background()))
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.w.Drain(ctx))
}

// seed stores body under path in namespace ns, stamped with the current
// fake time.
func (h *harness) seed(t *testing.T, ns, path, body string, headers ...string) {
	t.Helper()
	hd := make(http.Header)
	for i := 0; i+1 < len(headers); i += 2 {
		hd.Set(headers[i], headers[i+1])
	}
	handle, err := h.w.cache.Open(ns)
	require.NoError(t, err)
	key := store.Key(http.MethodGet, testScope+path)
	require.NoError(t, h.w.cache.PutWithTimestamp(handle, key, &Response{Status: http.StatusOK, Header: hd, Body: []byte(body)}))
}

func (h *harness) cached(t *testing.T, ns, path string) (*Entry, bool) {
	t.Helper()
	handle, err := h.w.cache.Open(ns)
	require.NoError(t, err)
	return h.w.cache.Match(handle, store.Key(http.MethodGet, testScope+path), false)
}

func navigation(t *testing.T, path string) *FetchEvent {
	t.Helper()
	req, err := NewRequest(http.MethodGet, testScope+path)
	require.NoError(t, err)
	req.Mode = ModeNavigate
	req.Destination = DestDocument
	return &FetchEvent{Request: req}
}

func asset(t *testing.T, path, dest string) *FetchEvent {
	t.Helper()
	req, err := NewRequest(http.MethodGet, testScope+path)
	require.NoError(t, err)
	req.Destination = dest
	return &FetchEvent{Request: req}
}
