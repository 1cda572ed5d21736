package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/lifecycle"
	"github.com/oxian-dev/oxian-hypervisor/internal/queue"
	"github.com/oxian-dev/oxian-hypervisor/internal/selector"
	"github.com/oxian-dev/oxian-hypervisor/internal/spawner"
	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// portOf extracts the numeric port an httptest.Server is listening on.
func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

// deadPort returns a port number nothing is listening on, guaranteeing an
// immediate connection-refused error on dial.
func deadPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// scriptedSpawner returns handles in order from a fixed script, one per
// Spawn call, always reporting ready immediately (bypassing real readiness
// probing, which proxy tests don't need).
type scriptedSpawner struct {
	ports []int
	idx   int32
}

func (s *scriptedSpawner) Spawn(ctx context.Context, selected types.SelectedProject, opts spawner.Options) (*types.WorkerHandle, bool, error) {
	i := atomic.AddInt32(&s.idx, 1) - 1
	// A real subprocess spawn always takes meaningfully longer than an
	// EnqueueAndWait append; this mirrors that so RouteSelected's async
	// EnsureWorker call can't win the race against the caller's enqueue.
	time.Sleep(5 * time.Millisecond)
	// Clamp to the last scripted port for any extra calls.
	port := s.ports[len(s.ports)-1]
	if int(i) < len(s.ports) {
		port = s.ports[i]
	}
	return &types.WorkerHandle{
		Port:      port,
		Done:      make(chan struct{}),
		Cancel:    func() {},
		StartedAt: time.Now(),
	}, true, nil
}

func buildProxy(t *testing.T, sp lifecycle.ReadinessSpawner, proxyCfg config.ProxyConfig) (*Proxy, *lifecycle.Manager) {
	t.Helper()
	hvCfg := &config.Config{}
	hvCfg.Defaults()

	mgr := lifecycle.New(hvCfg, sp, zerolog.Nop())
	q := queue.New(config.QueueConfig{MaxItems: 10, MaxWaitMs: 5000, MaxBodyBytes: 1 << 20}, zerolog.Nop())
	var sel *selector.Selector
	px := New(proxyCfg, sel, mgr, q, zerolog.Nop(), "x-request-id", 1<<20)
	mgr.OnProjectReady(px.FlushHandler())
	return px, mgr
}

func TestRouteSelected_ColdStartDispatchesOnceWorkerReady(t *testing.T) {
	// scenario S1.
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer worker.Close()

	sp := &scriptedSpawner{ports: []int{portOf(t, worker)}}
	px, mgr := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 2000, MaxAutoHealRetries: 1})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.True(t, mgr.IsReady("default"))
}

func TestRouteSelected_ReadyWorkerDispatchesImmediatelyWithoutQueueing(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer worker.Close()

	sp := &scriptedSpawner{ports: []int{portOf(t, worker)}}
	px, mgr := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 2000, MaxAutoHealRetries: 1})

	_, err := mgr.SpawnOrWait(context.Background(), types.SelectedProject{Project: "default"}, time.Second)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestRouteSelected_AutoHealsAndRetriesOnTransportFailure(t *testing.T) {
	// scenario S6: first dispatch hits a dead worker, auto-heal
	// restarts and the retry completes against the healthy replacement.
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("recovered"))
	}))
	defer good.Close()

	sp := &scriptedSpawner{ports: []int{deadPort(t), portOf(t, good)}}
	px, _ := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 2000, MaxAutoHealRetries: 1})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/work", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recovered", rec.Body.String())
}

func TestRouteSelected_StripsConfiguredPathPrefixBeforeForwarding(t *testing.T) {
	var sawPath string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer worker.Close()

	sp := &scriptedSpawner{ports: []int{portOf(t, worker)}}
	px, _ := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 2000, MaxAutoHealRetries: 1})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/widgets?x=1", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default", StripPathPrefix: "/api/v1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/widgets", sawPath)
}

func TestRouteSelected_RedirectIsRelayedVerbatimNotFollowed(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Write([]byte("should not be reached"))
	}))
	defer worker.Close()

	sp := &scriptedSpawner{ports: []int{portOf(t, worker)}}
	px, _ := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 2000, MaxAutoHealRetries: 1})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/old", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default"})

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/new", rec.Header().Get("location"))
}

func TestRouteSelected_ExhaustedRetriesReturn503(t *testing.T) {
	sp := &scriptedSpawner{ports: []int{deadPort(t), deadPort(t)}}
	px, _ := buildProxy(t, sp, config.ProxyConfig{TimeoutMs: 500, MaxAutoHealRetries: 0})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/work", nil)
	px.RouteSelected(rec, r, types.SelectedProject{Project: "default"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
