package webhandler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestServeIfWeb_UnknownProjectFallsThrough(t *testing.T) {
	h := New(nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	assert.False(t, h.ServeIfWeb(rec, r, "nope", ""))
}

func TestServeIfWeb_BasePathFallsThroughToAPI(t *testing.T) {
	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: t.TempDir()},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	assert.False(t, h.ServeIfWeb(rec, r, "app", ""))
}

func TestServeIfWeb_StaticHit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "style.css", "body{color:red}")

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: dir},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", ""))
	assert.Equal(t, "body{color:red}", rec.Body.String())
}

func TestServeIfWeb_StaticMissFallsBackToIndexHTML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>spa</html>")

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: dir},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/some/client/route", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", ""))
	assert.Equal(t, "<html>spa</html>", rec.Body.String())
}

func TestServeIfWeb_PathTraversalFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>spa</html>")

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: dir},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/../../../etc/passwd", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", ""))
	assert.Equal(t, "<html>spa</html>", rec.Body.String())
}

func TestServeIfWeb_NoIndexReturns404JSON(t *testing.T) {
	dir := t.TempDir()
	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: dir},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/missing", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevProxy_ForwardsToTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-dev-server"))
	}))
	defer upstream.Close()

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", DevProxyTarget: upstream.URL},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", ""))
	assert.Equal(t, "from-dev-server", rec.Body.String())
}

func TestDevProxy_StripsConfiguredPathPrefix(t *testing.T) {
	var sawPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		w.Write([]byte("from-dev-server"))
	}))
	defer upstream.Close()

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", DevProxyTarget: upstream.URL},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/static/index.html", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", "/static"))
	assert.Equal(t, "/index.html", sawPath)
}

func TestServeStatic_StripsConfiguredPathPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "style.css", "body{color:red}")

	h := New(map[string]config.WebConfig{
		"app": {BasePath: "/api", StaticDir: dir},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/assets/style.css", nil)
	assert.True(t, h.ServeIfWeb(rec, r, "app", "/assets"))
	assert.Equal(t, "body{color:red}", rec.Body.String())
}
