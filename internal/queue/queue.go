// Package queue implements a bounded per-project FIFO of pending requests
// with body buffering and wait timeouts, flushed once a project's worker
// becomes ready.
package queue

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/metrics"
)

// DispatchFunc rebuilds and sends the proxied request once a worker is
// ready. It is expected to block until the response (or failure) has been
// written to w.
type DispatchFunc func(w http.ResponseWriter, r *http.Request, body []byte)

type item struct {
	project    string
	w          http.ResponseWriter
	r          *http.Request
	body       []byte
	truncated  bool
	enqueuedAt time.Time
	maxWaitMs  int64

	mu       sync.Mutex
	resolved bool
	done     chan struct{}
	timer    *time.Timer
}

func (it *item) expired() bool {
	return time.Since(it.enqueuedAt) >= time.Duration(it.maxWaitMs)*time.Millisecond
}

// tryResolve marks the item resolved exactly once; returns false if it was
// already resolved by someone else (timeout vs. flush race).
func (it *item) tryResolve() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.resolved {
		return false
	}
	it.resolved = true
	return true
}

// Queue owns one FIFO per project.
type Queue struct {
	cfg config.QueueConfig
	log zerolog.Logger

	mu    sync.Mutex
	items map[string][]*item
}

// New constructs a Queue using the given config tunables.
func New(cfg config.QueueConfig, log zerolog.Logger) *Queue {
	return &Queue{cfg: cfg, log: log, items: make(map[string][]*item)}
}

// Depth returns the current pending count for a project (for metrics/tests).
func (q *Queue) Depth(project string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[project])
}

// EnqueueAndWait buffers the request body (up to MaxBodyBytes, truncating
// silently past the cap) and blocks until the item is
// either dispatched via Flush or times out. Returns immediately with a
// caller-visible 503 if the queue is full.
func (q *Queue) EnqueueAndWait(project string, w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	if len(q.items[project]) >= q.cfg.MaxItems {
		q.mu.Unlock()
		metrics.QueueOverflows.WithLabelValues(project).Inc()
		writeJSONError(w, http.StatusServiceUnavailable, "Server busy")
		return
	}
	q.mu.Unlock()

	body, truncated := readCapped(r.Body, q.cfg.MaxBodyBytes)

	it := &item{
		project:    project,
		w:          w,
		r:          r,
		body:       body,
		truncated:  truncated,
		enqueuedAt: time.Now(),
		maxWaitMs:  q.cfg.MaxWaitMs,
		done:       make(chan struct{}),
	}

	q.mu.Lock()
	q.items[project] = append(q.items[project], it)
	depth := len(q.items[project])
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(project).Set(float64(depth))

	it.timer = time.AfterFunc(time.Duration(it.maxWaitMs)*time.Millisecond, func() {
		if !it.tryResolve() {
			return
		}
		q.remove(project, it)
		metrics.QueueTimeouts.WithLabelValues(project).Inc()
		writeJSONError(it.w, http.StatusServiceUnavailable, "Queue wait timeout")
		close(it.done)
	})

	<-it.done
}

func (q *Queue) remove(project string, target *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[project]
	for i, it := range items {
		if it == target {
			q.items[project] = append(items[:i], items[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.WithLabelValues(project).Set(float64(len(q.items[project])))
}

// Flush dispatches every pending item for project in FIFO order. Expired
// items receive a 503 instead of being dispatched. Dispatch *start* order
// is strictly FIFO even though individual dispatches run concurrently and
// may complete out of order.
func (q *Queue) Flush(project string, dispatch DispatchFunc) {
	q.mu.Lock()
	drain := q.items[project]
	q.items[project] = nil
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(project).Set(0)

	var prev chan struct{}
	for _, it := range drain {
		it := it
		gate := prev
		started := make(chan struct{})
		prev = started
		go func() {
			if gate != nil {
				<-gate
			}
			close(started)

			if !it.tryResolve() {
				return
			}
			if it.timer != nil {
				it.timer.Stop()
			}
			if it.expired() {
				writeJSONError(it.w, http.StatusServiceUnavailable, "Queue wait timeout")
				close(it.done)
				return
			}
			dispatch(it.w, it.r, it.body)
			close(it.done)
		}()
	}
}

func readCapped(r io.ReadCloser, limit int64) (body []byte, truncated bool) {
	if r == nil {
		return nil, false
	}
	defer r.Close()
	limited := io.LimitReader(r, limit+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return buf, false
	}
	if int64(len(buf)) > limit {
		return buf[:limit], true
	}
	return buf, false
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
