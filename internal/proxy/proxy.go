// Package proxy forwards a routed request to the chosen worker port with
// forwarded headers, a streaming body tee for inflight accounting, abort
// timeouts, and auto-heal retry on upstream transport failure.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/lifecycle"
	"github.com/oxian-dev/oxian-hypervisor/internal/metrics"
	"github.com/oxian-dev/oxian-hypervisor/internal/queue"
	"github.com/oxian-dev/oxian-hypervisor/internal/selector"
	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// RequestTransformer is the optional onRequest hook, modeled as an
// interface rather than a dynamic callback field.
type RequestTransformer interface {
	Transform(r *http.Request, project string) error
}

type retriesKeyType struct{}
type stripPrefixKeyType struct{}

var retriesKey retriesKeyType
var stripPrefixKey stripPrefixKeyType

// Proxy wires the Selector, Manager and Queue together into the request
// path described in control-flow table.
type Proxy struct {
	cfg         config.ProxyConfig
	sel         *selector.Selector
	mgr         *lifecycle.Manager
	q           *queue.Queue
	log         zerolog.Logger
	transformer RequestTransformer
	client      *http.Client
	requestIDHeader string
	maxBodyBytes int64
}

// New constructs a Proxy. requestIDHeader and maxBodyBytes come from the
// global config (logging.requestIdHeader, queue.maxBodyBytes).
func New(cfg config.ProxyConfig, sel *selector.Selector, mgr *lifecycle.Manager, q *queue.Queue, log zerolog.Logger, requestIDHeader string, maxBodyBytes int64) *Proxy {
	return &Proxy{
		cfg: cfg,
		sel: sel,
		mgr: mgr,
		q:   q,
		log: log,
		client: &http.Client{
			// Redirects are relayed to the original caller verbatim (status
			// plus Location header), never followed on the worker's behalf.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestIDHeader: requestIDHeader,
		maxBodyBytes:    maxBodyBytes,
	}
}

// SetTransformer installs the optional request-transformation hook.
func (p *Proxy) SetTransformer(t RequestTransformer) { p.transformer = t }

// ServeHTTP is the public listener's entry point for API-routed requests
// when no selection has been computed yet; it selects the project itself.
// Composition roots that already know the SelectedProject (e.g. because
// they also need it for web-handler routing) should call RouteSelected
// directly to avoid selecting twice.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	selected, err := p.sel.Select(r)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	p.RouteSelected(w, r, selected)
}

// RouteSelected handles an already-selected request: dispatch immediately
// if a ready worker exists, otherwise kick off an on-demand spawn and
// enqueue.
func (p *Proxy) RouteSelected(w http.ResponseWriter, r *http.Request, selected types.SelectedProject) {
	body, _ := readCapped(r.Body, p.maxBodyBytes)
	r.Body = io.NopCloser(bytes.NewReader(body))

	project := selected.Project
	ctx := context.WithValue(r.Context(), retriesKey, p.cfg.MaxAutoHealRetries)
	ctx = context.WithValue(ctx, stripPrefixKey, selected.StripPathPrefix)
	r = r.WithContext(ctx)

	if entry, ok := p.mgr.Pool(project); ok && p.mgr.IsReady(project) {
		p.dispatch(w, r, project, entry, body)
		return
	}

	go func() {
		_ = p.mgr.EnsureWorker(context.Background(), project)
	}()
	p.q.EnqueueAndWait(project, w, r)
}

// dispatchFunc builds the queue.DispatchFunc used both for re-enqueued
// auto-heal retries and for flush-on-ready delivery.
func (p *Proxy) dispatchFunc(project string) queue.DispatchFunc {
	return func(w http.ResponseWriter, r *http.Request, body []byte) {
		entry, ok := p.mgr.Pool(project)
		if !ok {
			writeJSONError(w, http.StatusServiceUnavailable, "No worker available")
			return
		}
		p.dispatch(w, r, project, entry, body)
	}
}

// FlushHandler returns the callback to register with
// lifecycle.Manager.OnProjectReady so queued items dispatch as soon as a
// worker becomes ready.
func (p *Proxy) FlushHandler() func(project string) {
	return func(project string) {
		p.q.Flush(project, p.dispatchFunc(project))
	}
}

func (p *Proxy) dispatch(w http.ResponseWriter, r *http.Request, project string, entry *types.PoolEntry, body []byte) {
	handle, ok := entry.Picker.Pick()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "No worker available")
		return
	}

	if p.transformer != nil {
		if err := p.transformer.Transform(r, project); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Request transformation failed")
			return
		}
	}

	timeout := p.timeoutFor(r)
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	target := fmt.Sprintf("http://127.0.0.1:%d%s", handle.Port, forwardedRequestURI(r))
	upstream, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Request transformation failed")
		return
	}
	upstream.Header = r.Header.Clone()
	p.setForwardedHeaders(upstream, r, project)

	p.mgr.IncrementInflight(project)
	resp, err := p.client.Do(upstream)
	if err != nil {
		p.mgr.DecrementInflight(project)
		p.autoHeal(w, r, project, body, err)
		return
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		p.mgr.DecrementInflight(project)
		return
	}
	_, copyErr := io.Copy(w, resp.Body)
	resp.Body.Close()
	p.mgr.DecrementInflight(project)
	if copyErr != nil {
		p.log.Debug().Err(copyErr).Str("project", project).Msg("response body copy ended early")
	}
}

// autoHeal runs on an upstream transport error: restart the project then
// re-enqueue the original request, bounded by a retry counter.
func (p *Proxy) autoHeal(w http.ResponseWriter, r *http.Request, project string, body []byte, cause error) {
	retriesLeft, _ := r.Context().Value(retriesKey).(int)
	if retriesLeft <= 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "No worker available")
		return
	}
	metrics.AutoHeals.WithLabelValues(project).Inc()
	p.log.Warn().Err(cause).Str("project", project).Msg("upstream transport error, auto-healing")

	go func() {
		_ = p.mgr.Restart(context.Background(), project)
	}()

	ctx := context.WithValue(r.Context(), retriesKey, retriesLeft-1)
	retryReq := r.Clone(ctx)
	retryReq.Body = io.NopCloser(bytes.NewReader(body))
	p.q.EnqueueAndWait(project, w, retryReq)
}

// forwardedRequestURI builds the upstream request-URI, stripping the
// selected project's configured path prefix (if any) from r.URL.Path
// before re-attaching the original query string.
func forwardedRequestURI(r *http.Request) string {
	prefix, _ := r.Context().Value(stripPrefixKey).(string)
	path := r.URL.Path
	if prefix != "" {
		path = strings.TrimPrefix(path, prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	if r.URL.RawQuery != "" {
		return path + "?" + r.URL.RawQuery
	}
	return path
}

func (p *Proxy) timeoutFor(r *http.Request) time.Duration {
	if p.cfg.TimeoutHeader != "" {
		if v := r.Header.Get(p.cfg.TimeoutHeader); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	ms := p.cfg.TimeoutMs
	if ms <= 0 {
		ms = 30_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Proxy) setForwardedHeaders(upstream, orig *http.Request, project string) {
	proto := "http"
	if orig.TLS != nil {
		proto = "https"
	}
	host := orig.Host
	port := orig.URL.Port()
	upstream.Header.Set("x-forwarded-proto", proto)
	upstream.Header.Set("x-forwarded-host", host)
	upstream.Header.Set("x-forwarded-port", port)
	upstream.Header.Set("x-forwarded-path", orig.URL.Path)
	upstream.Header.Set("x-forwarded-query", orig.URL.RawQuery)
	upstream.Header.Set("x-oxian-project", project)

	if p.cfg.PassRequestID && p.requestIDHeader != "" {
		if upstream.Header.Get(p.requestIDHeader) == "" {
			upstream.Header.Set(p.requestIDHeader, uuid.NewString())
		}
	}
}

func readCapped(r io.ReadCloser, limit int64) (body []byte, truncated bool) {
	if r == nil {
		return nil, false
	}
	defer r.Close()
	if limit <= 0 {
		limit = 2 << 20
	}
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
