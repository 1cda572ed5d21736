// Package watcher implements a debounced (120ms) hot-reload file watcher
// over configured project roots, triggering a restart for a project when
// its source or config changes on disk. The watcher owns no routing
// state; it only knows how to ask a Restarter to restart a project.
package watcher

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounce = 120 * time.Millisecond

// Restarter is the narrow capability the watcher needs from
// lifecycle.Manager.
type Restarter interface {
	Restart(ctx context.Context, project string) error
}

// Watcher debounces fsnotify events per watched root and restarts the
// associated project.
type Watcher struct {
	fsw *fsnotify.Watcher
	log zerolog.Logger
	// roots maps a watched directory to the project it belongs to.
	roots map[string]string
}

// New constructs a Watcher. Call Watch to register project roots before
// calling Run.
func New(log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, log: log, roots: make(map[string]string)}, nil
}

// Watch registers a project's source root for hot-reload notifications.
func (w *Watcher) Watch(project, root string) error {
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	w.roots[root] = project
	return nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run processes events until ctx is cancelled, debouncing bursts per
// project into a single restart call.
func (w *Watcher) Run(ctx context.Context, restarter Restarter) {
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			project, ok := w.projectFor(ev.Name)
			if !ok {
				continue
			}
			if t, exists := pending[project]; exists {
				t.Stop()
			}
			pending[project] = time.AfterFunc(debounce, func() {
				w.log.Info().Str("project", project).Msg("hot reload: restarting")
				_ = restarter.Restart(context.Background(), project)
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) projectFor(path string) (string, bool) {
	for root, project := range w.roots {
		if len(path) >= len(root) && path[:len(root)] == root {
			return project, true
		}
	}
	return "", false
}
