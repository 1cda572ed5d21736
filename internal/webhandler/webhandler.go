// Package webhandler implements per-project dev-proxy or static-file
// serving for paths outside the project's API base path.
package webhandler

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
)

// Handler serves the web (non-API) surface for every configured project.
type Handler struct {
	cfg map[string]config.WebConfig
	log zerolog.Logger
}

// New constructs a Handler from the hypervisor's per-project web config.
func New(cfg map[string]config.WebConfig, log zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, log: log}
}

// ServeIfWeb attempts to serve r as a web asset for project. stripPrefix,
// when non-empty, is trimmed from the effective request path before
// dev-proxying or static lookup (the selection's configured
// stripPathPrefix), mirroring the stripping applied on the proxy path.
// It returns true if it fully handled the request (dev-proxy, static hit,
// static miss, or explicit failure); false means "fall through to the
// worker".
func (h *Handler) ServeIfWeb(w http.ResponseWriter, r *http.Request, project, stripPrefix string) bool {
	wc, ok := h.cfg[project]
	if !ok {
		return false
	}
	if wc.BasePath != "" && strings.HasPrefix(r.URL.Path, wc.BasePath) {
		return false
	}

	if wc.DevProxyTarget != "" {
		h.devProxy(w, r, wc.DevProxyTarget, stripPrefix)
		return true
	}
	if wc.StaticDir != "" {
		return h.serveStatic(w, r, wc, stripPrefix)
	}
	return false
}

func (h *Handler) devProxy(w http.ResponseWriter, r *http.Request, target, stripPrefix string) {
	u, err := url.Parse(target)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "dev proxy target misconfigured")
		return
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		h.log.Warn().Err(err).Str("target", target).Msg("dev proxy error")
		writeJSONError(rw, http.StatusBadGateway, "dev proxy unreachable")
	}
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = u.Host
		if stripPrefix != "" {
			req.URL.Path = stripPathPrefix(req.URL.Path, stripPrefix)
		}
	}
	rp.ServeHTTP(w, r)
}

// serveStatic serves <staticDir>/<cleaned-path>, falling back to
// <staticDir>/index.html (SPA semantics) when the path misses.
func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, wc config.WebConfig, stripPrefix string) bool {
	reqPath := r.URL.Path
	if stripPrefix != "" {
		reqPath = stripPathPrefix(reqPath, stripPrefix)
	}
	cleaned := filepath.Clean("/" + reqPath)
	full := filepath.Join(wc.StaticDir, cleaned)

	if !strings.HasPrefix(full, filepath.Clean(wc.StaticDir)) {
		// Path traversal outside the static root falls back to the SPA
		// index rather than erroring.
		return h.serveIndex(w, wc)
	}

	data, err := os.ReadFile(full)
	if err != nil || isDir(full) {
		return h.serveIndex(w, wc)
	}
	if wc.CacheControl != "" {
		w.Header().Set("cache-control", wc.CacheControl)
	}
	w.Header().Set("content-type", mimeFor(full))
	_, _ = w.Write(data)
	return true
}

func (h *Handler) serveIndex(w http.ResponseWriter, wc config.WebConfig) bool {
	idx := filepath.Join(wc.StaticDir, "index.html")
	data, err := os.ReadFile(idx)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not found")
		return true
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
	return true
}

func stripPathPrefix(path, prefix string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func mimeFor(path string) string {
	ext := filepath.Ext(path)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	var body errorBody
	body.Error.Message = message
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
