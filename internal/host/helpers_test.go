package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vtedge/internal/config"
	"vtedge/internal/store"
	"vtedge/internal/worker"
)

const testScope = "http://site.test"

// siteOrigin is a static site with a swappable build id.
type siteOrigin struct {
	mu    sync.Mutex
	build string
	pages map[string]string
	hits  map[string]int
	hook  func(*http.Request)
}

func newSiteOrigin(build string) *siteOrigin {
	return &siteOrigin{
		build: build,
		pages: map[string]string{
			"/":             "<h1>home</h1>",
			"/offline.html": "<h1>offline</h1>",
			"/about":        "<h1>about</h1>",
			"/app.js":       "console.log(1)",
			"/api/items":    `{"items":[]}`,
		},
		hits: map[string]int{},
	}
}

func (o *siteOrigin) SetBuild(b string) {
	o.mu.Lock()
	o.build = b
	o.mu.Unlock()
}

func (o *siteOrigin) OnRequest(fn func(*http.Request)) {
	o.mu.Lock()
	o.hook = fn
	o.mu.Unlock()
}

func (o *siteOrigin) Hits(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func (o *siteOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	build := o.build
	body, ok := o.pages[r.URL.Path]
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		hook(r)
	}

	if r.URL.Path == "/build-id.txt" {
		if build == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(build + "\n"))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch path.Ext(r.URL.Path) {
	case ".js":
		w.Header().Set("Content-Type", "application/javascript")
	case "":
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.Header().Set("X-Vtedge", "spoofed")
	_, _ = w.Write([]byte(body))
}

type env struct {
	srv     *Server
	site    *siteOrigin
	origin  *httptest.Server
	front   *httptest.Server
	storage store.Storage
}

func newEnv(t *testing.T, build, extraYAML string) *env {
	t.Helper()
	e := &env{site: newSiteOrigin(build), storage: store.NewMemory()}
	e.origin = httptest.NewServer(e.site)
	t.Cleanup(e.origin.Close)

	cfg, err := config.Parse([]byte("server:\n  origin: " + e.origin.URL + "\n  publicOrigin: " + testScope +
		"\nlogging:\n  statsEvery: \"\"\n" + extraYAML))
	require.NoError(t, err)

	network := worker.NewOriginFetcher(cfg.OriginURL(), 5*time.Second, cfg.Worker.MaxBodyBytes())
	e.srv = New(Options{
		Config:   cfg,
		Storage:  e.storage,
		Network:  network,
		Manifest: func(context.Context) []string { return []string{"/", "/offline.html"} },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, e.srv.Start(context.Background()))
	t.Cleanup(e.srv.Close)

	e.front = httptest.NewServer(e.srv.Handler())
	t.Cleanup(e.front.Close)
	return e
}

func (e *env) get(t *testing.T, p string, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.front.URL+p, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.front.URL, "http") + "/__sw/ws"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	return f
}

// waitFrame reads until a frame matches, returning the skipped ones too.
func waitFrame(t *testing.T, c *websocket.Conn, match func(Frame) bool) (Frame, []Frame) {
	t.Helper()
	var seen []Frame
	for {
		f := readFrame(t, c)
		if match(f) {
			return f, seen
		}
		seen = append(seen, f)
	}
}

func isEvent(event, state string) func(Frame) bool {
	return func(f Frame) bool {
		return f.Kind == KindEvent && f.Event == event && (state == "" || f.State == state)
	}
}

func isMessage(typ string) func(Frame) bool {
	return func(f Frame) bool {
		if f.Kind != KindMessage {
			return false
		}
		m, err := worker.DecodeOutbound(f.Data)
		return err == nil && m.Type() == typ
	}
}

func versionOf(build string) string { return worker.Version("vt-swr-v4.0", build) }
