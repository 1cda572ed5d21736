package otlp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = time.Second
	testTick    = 10 * time.Millisecond
)

func TestProxy_ForwardsWhenUpstreamConfigured(t *testing.T) {
	var gotPath string
	var gotProject string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotProject = r.Header.Get("x-oxian-project")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := NewProxy("/v1", upstream.URL, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/traces", strings.NewReader(`{"spans":[]}`))
	r.Header.Set("x-oxian-project", "demo")
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return gotPath != "" }, testTimeout, testTick)
	assert.Equal(t, "/v1/traces", gotPath)
	assert.Equal(t, "demo", gotProject)
}

func TestProxy_NoForwardWithoutUpstream(t *testing.T) {
	p := NewProxy("/v1", "", zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/metrics", strings.NewReader(`{}`))
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProxy_UnknownPathIs404(t *testing.T) {
	p := NewProxy("/v1", "", zerolog.Nop())
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/unknown", nil)
	p.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_HookDecidesForwarding(t *testing.T) {
	forwarded := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := NewProxy("/v1", upstream.URL, zerolog.Nop())
	p.SetHook(hookFunc(func(ctx context.Context, ev ExportEvent) bool { return false }))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/logs", strings.NewReader(`{}`))
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, forwarded, "hook returning false must suppress forwarding")
}

func TestCollector_InvokesSinkWithBufferedEvent(t *testing.T) {
	var captured ExportEvent
	sink := sinkFunc(func(ctx context.Context, ev ExportEvent) { captured = ev })
	c := NewCollector("/v1", sink, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/metrics", strings.NewReader(`{"n":1}`))
	r.Header.Set("x-oxian-project", "demo")
	c.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, KindMetrics, captured.Kind)
	assert.Equal(t, "demo", captured.Project)
	assert.Equal(t, `{"n":1}`, string(captured.Body))
}

type hookFunc func(ctx context.Context, ev ExportEvent) bool

func (f hookFunc) OnRequest(ctx context.Context, ev ExportEvent) bool { return f(ctx, ev) }

type sinkFunc func(ctx context.Context, ev ExportEvent)

func (f sinkFunc) OnExport(ctx context.Context, ev ExportEvent) { f(ctx, ev) }
