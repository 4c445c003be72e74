package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstall_PrecachesAndSwallowsFailures(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Manifest = []string{"/", "/offline.html", "/favicon.svg"}
	})
	h.net.Serve("/", http.StatusOK, "home", "Content-Type", "text/html")
	h.net.Serve("/offline.html", http.StatusOK, "offline", "Content-Type", "text/html")
	h.net.Serve("/favicon.svg", http.StatusNotFound, "")

	require.NoError(t, h.w.Install(context.Background()))
	require.Equal(t, StateInstalled, h.w.State())
	require.Zero(t, h.reg.Skipped())

	_, ok := h.cached(t, h.w.ns.Pages, "/")
	require.True(t, ok)
	e, ok := h.cached(t, h.w.ns.Pages, "/offline.html")
	require.True(t, ok)
	require.True(t, e.StoredAt.IsZero())
	_, ok = h.cached(t, h.w.ns.Pages, "/favicon.svg")
	require.False(t, ok)
}

func TestInstall_AutoSkipWaiting(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config = testConfig(t, "worker:\n  autoSkipWaiting: true\n")
		o.Manifest = []string{"/missing"}
	})
	require.NoError(t, h.w.Install(context.Background()))
	require.Equal(t, 1, h.reg.Skipped())
}

func TestLifecycle_RejectsOutOfOrderTransitions(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.w.Activate(context.Background()), ErrInvalidTransition)
	require.NoError(t, h.w.Install(context.Background()))
	require.ErrorIs(t, h.w.Install(context.Background()), ErrInvalidTransition)
}

func TestLifecycle_RetiredWorkerRefusesTransitions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.w.Install(context.Background()))
	h.w.MarkRedundant()

	err := h.w.Activate(context.Background())
	require.ErrorIs(t, err, ErrRedundant)
	require.NotErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateRedundant, h.w.State())
}

// TestActivate_RunsEveryStep checks purge, limits, maintenance, preload,
// claim and the ready broadcast.
func TestActivate_RunsEveryStep(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config = testConfig(t, "worker:\n  namespaces:\n    api:\n      limit: 1\n      ttl: 5m\n")
	})
	old := NamespacesFor("vt-cache", "vt-swr-v4.0-b0")
	_, err := h.storage.Open(old.Pages)
	require.NoError(t, err)
	_, err = h.storage.Open("other-app-cache")
	require.NoError(t, err)

	h.seed(t, h.w.ns.API, "/api/a", "a")
	h.clock.Advance(time.Second)
	h.seed(t, h.w.ns.API, "/api/b", "b")

	h.activate(t)
	require.Equal(t, StateActivated, h.w.State())

	names, err := h.storage.Names()
	require.NoError(t, err)
	require.NotContains(t, names, old.Pages)
	require.Contains(t, names, "other-app-cache")

	_, ok := h.cached(t, h.w.ns.API, "/api/a")
	require.False(t, ok)
	_, ok = h.cached(t, h.w.ns.API, "/api/b")
	require.True(t, ok)

	require.Equal(t, []string{"cache-cleanup"}, h.reg.syncTags)
	require.Equal(t, 1, h.reg.preload)
	require.Equal(t, 1, h.reg.claimed)
	require.Equal(t, []Outbound{Ready{Version: "vt-swr-v4.0-b1"}}, h.clients.OfType(TypeReady))
}

func TestActivate_CompletesWhenPeriodicSyncRefused(t *testing.T) {
	h := newHarness(t)
	h.reg.syncError = errors.New("permission denied")
	h.activate(t)
	require.Equal(t, StateActivated, h.w.State())
	require.Len(t, h.clients.OfType(TypeReady), 1)
}

func TestPeriodicSync_EnforcesLimits(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config = testConfig(t, "worker:\n  namespaces:\n    pages:\n      limit: 1\n      ttl: 24h\n")
	})
	h.activate(t)
	h.seed(t, h.w.ns.Pages, "/a", "a")
	h.clock.Advance(time.Second)
	h.seed(t, h.w.ns.Pages, "/b", "b")

	h.w.PeriodicSync(context.Background(), "something-else")
	_, ok := h.cached(t, h.w.ns.Pages, "/a")
	require.True(t, ok)

	h.w.PeriodicSync(context.Background(), "cache-cleanup")
	_, ok = h.cached(t, h.w.ns.Pages, "/a")
	require.False(t, ok)
	_, ok = h.cached(t, h.w.ns.Pages, "/b")
	require.True(t, ok)
}

func TestHandleMessage(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.net.Serve("/next", http.StatusOK, "next", "Content-Type", "text/html")

	h.w.HandleMessage(SkipWaiting{})
	require.Equal(t, 1, h.reg.Skipped())

	h.w.HandleMessage(PrefetchURL{URL: "/next"})
	h.w.HandleMessage(PrefetchURL{URL: "https://elsewhere.test/x"})
	h.drain(t)
	_, ok := h.cached(t, h.w.ns.Pages, "/next")
	require.True(t, ok)

	h.w.HandleMessage(HardClear{})
	h.drain(t)
	names, err := h.storage.Names()
	require.NoError(t, err)
	require.Empty(t, names)
	require.Len(t, h.clients.OfType(TypeCleared), 1)
}
