// Package server is the hypervisor's composition root: it wires the
// Selector, Lifecycle Manager, Spawner, Request Queue, Proxy, Web Handler
// and OTLP listener together into the public and OTLP HTTP listeners, and
// owns the process's graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/lifecycle"
	"github.com/oxian-dev/oxian-hypervisor/internal/otlp"
	"github.com/oxian-dev/oxian-hypervisor/internal/proxy"
	"github.com/oxian-dev/oxian-hypervisor/internal/queue"
	"github.com/oxian-dev/oxian-hypervisor/internal/selector"
	"github.com/oxian-dev/oxian-hypervisor/internal/spawner"
	"github.com/oxian-dev/oxian-hypervisor/internal/watcher"
	"github.com/oxian-dev/oxian-hypervisor/internal/webhandler"
)

// Server owns the hypervisor's HTTP listeners and background loops.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	sel     *selector.Selector
	mgr     *lifecycle.Manager
	q       *queue.Queue
	px      *proxy.Proxy
	web     *webhandler.Handler
	watch   *watcher.Watcher
	otlpSrv *http.Server
	httpSrv *http.Server
}

// New builds a Server from configuration, wiring every component
// together.
func New(cfg *config.Config, log zerolog.Logger) *Server {
	sel := selector.New(cfg.Select)
	sel.SetProjects(cfg.Projects)
	sp := spawner.New(cfg, logging(log, "spawner"))
	mgr := lifecycle.New(cfg, sp, logging(log, "lifecycle"))
	q := queue.New(cfg.Queue, logging(log, "queue"))
	px := proxy.New(cfg.Proxy, sel, mgr, q, logging(log, "proxy"), cfg.Logging.RequestIDHeader, cfg.Queue.MaxBodyBytes)
	web := webhandler.New(cfg.Web, logging(log, "web"))

	mgr.OnProjectReady(px.FlushHandler())

	s := &Server{cfg: cfg, log: log, sel: sel, mgr: mgr, q: q, px: px, web: web}

	if w, err := newHotReloadWatcher(cfg, logging(log, "watcher")); err != nil {
		log.Warn().Err(err).Msg("hot reload watcher unavailable")
	} else {
		s.watch = w
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	s.httpSrv = &http.Server{Addr: addr(cfg.Server.Port), Handler: mux}

	if cfg.OTLP.Enabled {
		otlpMux := http.NewServeMux()
		otlpProxy := otlp.NewProxy(cfg.OTLP.PathBase, cfg.OTLP.Upstream, logging(log, "otlp"))
		otlpMux.Handle("/", otlpProxy)
		s.otlpSrv = &http.Server{Addr: addr(cfg.OTLP.Port), Handler: otlpMux}
	}

	return s
}

func logging(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// newHotReloadWatcher registers a watch root for every project whose
// hotReload flag is enabled (global default or per-project override).
// Returns a nil watcher (no error) when nothing opts in, so callers can
// treat it uniformly.
func newHotReloadWatcher(cfg *config.Config, log zerolog.Logger) (*watcher.Watcher, error) {
	anyEnabled := cfg.Runtime.HotReload
	for _, pc := range cfg.Projects {
		if pc.Runtime.HotReload {
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return nil, nil
	}

	w, err := watcher.New(log)
	if err != nil {
		return nil, err
	}
	for project, pc := range cfg.Projects {
		if !cfg.Runtime.HotReload && !pc.Runtime.HotReload {
			continue
		}
		root := pc.Source
		if root == "" {
			root = cfg.GlobalRoot
		}
		if root == "" {
			continue
		}
		if err := w.Watch(project, root); err != nil {
			log.Warn().Err(err).Str("project", project).Str("root", root).Msg("failed to watch project root")
		}
	}
	return w, nil
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

// route is the single entry point for the public listener: it selects the
// project once, tries the web handler, then falls back to the proxy.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	selected, err := s.sel.Select(r)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if s.web.ServeIfWeb(w, r, selected.Project, selected.StripPathPrefix) {
		return
	}
	s.px.RouteSelected(w, r, selected)
}

// Run starts both listeners and the idle reaper, blocking until ctx is
// cancelled, then shuts both servers down gracefully.
func (s *Server) Run(ctx context.Context) error {
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go s.mgr.RunIdleReaper(reaperCtx)

	if s.watch != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		defer s.watch.Close()
		go s.watch.Run(watchCtx, s.mgr)
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("public listener starting")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.otlpSrv != nil {
		go func() {
			s.log.Info().Str("addr", s.otlpSrv.Addr).Msg("otlp listener starting")
			if err := s.otlpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	if s.otlpSrv != nil {
		_ = s.otlpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	body := errorBody{}
	body.Error.Message = message
	_ = json.NewEncoder(w).Encode(body)
}
