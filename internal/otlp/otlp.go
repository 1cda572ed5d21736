// Package otlp implements the optional second HTTP listener that accepts
// OTLP HTTP exports from workers (traces/metrics/logs), optionally
// forwards them upstream via resty, and always acknowledges with 202.
package otlp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Kind identifies which OTLP signal a request carries.
type Kind string

const (
	KindTraces  Kind = "traces"
	KindMetrics Kind = "metrics"
	KindLogs    Kind = "logs"
)

// ExportEvent is passed to the onRequest hook and the collector's onExport
// sink.
type ExportEvent struct {
	Kind        Kind
	Project     string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// RequestHook decides whether an export should be forwarded upstream.
// Modeled as an interface in place of a dynamic callback field.
type RequestHook interface {
	OnRequest(ctx context.Context, ev ExportEvent) (forward bool)
}

// ExportSink receives a fully-buffered export for the collector variant,
// which reads the body into memory and invokes a callback instead of
// forwarding it upstream over HTTP.
type ExportSink interface {
	OnExport(ctx context.Context, ev ExportEvent)
}

// Proxy is the passthrough variant: optionally forwards to an upstream
// OTLP collector.
type Proxy struct {
	pathBase string
	upstream string
	client   *resty.Client
	hook     RequestHook
	log      zerolog.Logger
}

// NewProxy constructs the forwarding OTLP passthrough handler.
func NewProxy(pathBase, upstream string, log zerolog.Logger) *Proxy {
	return &Proxy{
		pathBase: pathBase,
		upstream: upstream,
		client:   resty.New().SetTimeout(10 * time.Second),
		log:      log,
	}
}

// SetHook installs the optional onRequest forwarding decision hook.
func (p *Proxy) SetHook(h RequestHook) { p.hook = h }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromPath(p.pathBase, r.URL.Path)
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := flattenHeaders(r.Header)
	project := r.Header.Get("x-oxian-project")
	ev := ExportEvent{
		Kind:        kind,
		Project:     project,
		ContentType: r.Header.Get("content-type"),
		Headers:     headers,
		Body:        body,
	}

	forward := p.upstream != ""
	if p.hook != nil {
		forward = p.hook.OnRequest(r.Context(), ev)
	}

	if forward && p.upstream != "" {
		p.forward(r.Context(), kind, ev)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (p *Proxy) forward(ctx context.Context, kind Kind, ev ExportEvent) {
	req := p.client.R().SetContext(ctx).SetBody(ev.Body)
	for k, v := range ev.Headers {
		req.SetHeader(k, v)
	}
	req.SetHeader("x-oxian-project", ev.Project)
	if ev.ContentType != "" {
		req.SetHeader("content-type", ev.ContentType)
	}
	url := strings.TrimRight(p.upstream, "/") + "/v1/" + string(kind)
	if _, err := req.Post(url); err != nil {
		p.log.Warn().Err(err).Str("kind", string(kind)).Msg("otlp upstream forward failed")
	}
}

// Collector is the variant that hands a fully-buffered export to a local
// sink instead of forwarding over HTTP.
type Collector struct {
	pathBase string
	sink     ExportSink
	log      zerolog.Logger
}

// NewCollector constructs an OTLP collector bound to an ExportSink.
func NewCollector(pathBase string, sink ExportSink, log zerolog.Logger) *Collector {
	return &Collector{pathBase: pathBase, sink: sink, log: log}
}

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromPath(c.pathBase, r.URL.Path)
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	ev := ExportEvent{
		Kind:        kind,
		Project:     r.Header.Get("x-oxian-project"),
		ContentType: r.Header.Get("content-type"),
		Headers:     flattenHeaders(r.Header),
		Body:        body,
	}
	if c.sink != nil {
		c.sink.OnExport(r.Context(), ev)
	}
	w.WriteHeader(http.StatusAccepted)
}

func kindFromPath(pathBase, path string) (Kind, bool) {
	suffix := strings.TrimPrefix(path, pathBase)
	switch suffix {
	case "/traces":
		return KindTraces, true
	case "/metrics":
		return KindMetrics, true
	case "/logs":
		return KindLogs, true
	default:
		return "", false
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

// MarshalEvent is a small helper exposed for sinks/tests that want to log
// or persist an ExportEvent as JSON.
func MarshalEvent(ev ExportEvent) ([]byte, error) {
	return json.Marshal(struct {
		Kind        Kind              `json:"kind"`
		Project     string            `json:"project"`
		ContentType string            `json:"contentType"`
		Headers     map[string]string `json:"headers"`
		Size        int               `json:"size"`
	}{ev.Kind, ev.Project, ev.ContentType, ev.Headers, len(ev.Body)})
}
