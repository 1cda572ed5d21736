// Package config loads and validates the hypervisor's YAML configuration:
// public/OTLP listener ports, per-project selection rules, queue and proxy
// tunables, permission defaults, web (dev-proxy/static) settings, and
// observability toggles.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// Config is the root hypervisor configuration document.
type Config struct {
	Server  ServerConfig           `yaml:"server" validate:"required"`
	OTLP    OTLPConfig             `yaml:"otlp"`
	Queue   QueueConfig            `yaml:"queue"`
	Proxy   ProxyConfig            `yaml:"proxy"`
	Logging LoggingConfig          `yaml:"logging"`
	Runtime RuntimeConfig          `yaml:"runtime"`
	Select  []SelectRule           `yaml:"select"`
	Web     map[string]WebConfig   `yaml:"web"`
	Projects map[string]ProjectConfig `yaml:"projects"`
	Autoscale AutoscaleConfig      `yaml:"autoscale"`
	Observability ObservabilityConfig `yaml:"observability"`
	GlobalRoot string              `yaml:"globalRoot"`
	BasePort   int                 `yaml:"basePort" validate:"required,min=1,max=65535"`
}

// ServerConfig configures the public client-facing HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

// OTLPConfig configures the optional second OTLP passthrough listener
// described in
type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	PathBase string `yaml:"pathBase"`
	Upstream string `yaml:"upstream"`
}

// QueueConfig configures the per-project bounded request queue.
type QueueConfig struct {
	MaxItems     int   `yaml:"maxItems" validate:"omitempty,min=1"`
	MaxWaitMs    int64 `yaml:"maxWaitMs" validate:"omitempty,min=1"`
	MaxBodyBytes int64 `yaml:"maxBodyBytes" validate:"omitempty,min=1"`
}

// ProxyConfig configures upstream dispatch timeouts.
type ProxyConfig struct {
	TimeoutMs           int64  `yaml:"timeoutMs" validate:"omitempty,min=1"`
	TimeoutHeader       string `yaml:"timeoutHeader"`
	PassRequestID       bool   `yaml:"passRequestId"`
	MaxAutoHealRetries  int    `yaml:"maxAutoHealRetries" validate:"omitempty,min=0"`
}

// LoggingConfig configures the request-id header name and log verbosity.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Pretty           bool   `yaml:"pretty"`
	RequestIDHeader  string `yaml:"requestIdHeader"`
}

// RuntimeConfig toggles hot-reload semantics and
// names the worker runtime binary and its base invocation.
type RuntimeConfig struct {
	HotReload     bool     `yaml:"hotReload"`
	Command       string   `yaml:"command"`
	BaseArgs      []string `yaml:"baseArgs"`
	HostConfigPath string  `yaml:"hostConfigPath"`
	ImportMapPath string   `yaml:"importMapPath"`
	DenoConfigPath string  `yaml:"denoConfigPath"`
	ForceReload   bool     `yaml:"forceReload"`
}

// AutoscaleConfig carries global idle-reap defaults.
type AutoscaleConfig struct {
	IdleTTLMs int64 `yaml:"idleTtlMs" validate:"omitempty,min=0"`
}

// ObservabilityConfig enables OTEL_* env propagation to workers.
type ObservabilityConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServiceNamePrefix  string `yaml:"serviceNamePrefix"`
	ExporterEndpoint   string `yaml:"exporterEndpoint"`
	ExporterProtocol   string `yaml:"exporterProtocol"`
	Propagators        string `yaml:"propagators"`
	MetricExportIntervalMs int64 `yaml:"metricExportIntervalMs"`
}

// WebConfig configures per-project dev-proxy / static fallback.
type WebConfig struct {
	BasePath       string `yaml:"basePath"`
	DevProxyTarget string `yaml:"devProxyTarget"`
	StaticDir      string `yaml:"staticDir"`
	CacheControl   string `yaml:"cacheControl"`
}

// ProjectConfig is the per-project static configuration overlay: base
// permissions, runtime flags, and idle/materialize defaults.
type ProjectConfig struct {
	Source      string             `yaml:"source"`
	ConfigPath  string             `yaml:"configPath"`
	Permissions *types.Permissions `yaml:"permissions"`
	Runtime     RuntimeConfig      `yaml:"runtime"`
	IdleTTLMs   int64              `yaml:"idleTtlMs"`
	Isolated    bool               `yaml:"isolated"`
	Materialize *MaterializeConfig `yaml:"materialize"`
	StickyHeader string            `yaml:"stickyHeader"`
	Strategy     string            `yaml:"strategy"`
}

// MaterializeConfig is the YAML shape for a project's materialize setting:
// either a bare bool or an object with mode/refresh.
type MaterializeConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Mode    string `yaml:"mode"`
	Refresh bool   `yaml:"refresh"`
}

// SelectRule is one entry of the declarative `select` rule list.
type SelectRule struct {
	When    SelectWhen `yaml:"when"`
	Project string     `yaml:"project"`
	Default bool       `yaml:"default"`

	Source          string `yaml:"source"`
	StripPathPrefix string `yaml:"stripPathPrefix"`
}

// SelectWhen is the set of predicates a SelectRule's `when` clause may
// specify; a rule matches when ALL present predicates match.
type SelectWhen struct {
	PathPrefix string            `yaml:"pathPrefix"`
	Method     string            `yaml:"method"`
	HostEquals string            `yaml:"hostEquals"`
	HostPrefix string            `yaml:"hostPrefix"`
	HostSuffix string            `yaml:"hostSuffix"`
	Header     map[string]string `yaml:"header"`
}

// Defaults fills zero-valued fields with the hypervisor's documented
// defaults.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.OTLP.Port == 0 {
		c.OTLP.Port = 4318
	}
	if c.OTLP.PathBase == "" {
		c.OTLP.PathBase = "/v1"
	}
	if c.Queue.MaxItems == 0 {
		c.Queue.MaxItems = 64
	}
	if c.Queue.MaxWaitMs == 0 {
		c.Queue.MaxWaitMs = 10_000
	}
	if c.Queue.MaxBodyBytes == 0 {
		c.Queue.MaxBodyBytes = 2 << 20 // 2MiB
	}
	if c.Proxy.TimeoutMs == 0 {
		c.Proxy.TimeoutMs = 30_000
	}
	if c.Logging.RequestIDHeader == "" {
		c.Logging.RequestIDHeader = "x-request-id"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.BasePort == 0 {
		c.BasePort = 9100
	}
	if c.Observability.Propagators == "" {
		c.Observability.Propagators = "tracecontext,baggage"
	}
	if c.Observability.MetricExportIntervalMs == 0 {
		c.Observability.MetricExportIntervalMs = 60_000
	}
	if c.Runtime.Command == "" {
		c.Runtime.Command = "deno"
	}
	if c.Proxy.MaxAutoHealRetries == 0 {
		c.Proxy.MaxAutoHealRetries = 1
	}
}

// SpawnReadinessTimeout returns the readiness-probe budget, derived from
// ProxyConfig.TimeoutMs but clamped up to 300s when unset or small — the
// proxy default of 30s would be too tight for cold starts.
func (c Config) SpawnReadinessTimeout() time.Duration {
	ms := c.Proxy.TimeoutMs
	if ms < 300_000 {
		ms = 300_000
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads and validates a YAML config file from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Defaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}
