// Package types holds the hypervisor's shared data model: projects,
// worker handles, pool entries, per-request selection results, and
// queued items. These are plain value/reference types; behavior lives
// in the owning packages (spawner, lifecycle, queue).
package types

import (
	"context"
	"net/http"
	"os/exec"
	"time"

	"github.com/goccy/go-yaml"
)

// Permissions mirrors the runtime's capability flags. A nil field means
// "inherit"; permissions == nil entirely means "grant all"
// step 5.
type Permissions struct {
	Read    *PermValue `yaml:"read,omitempty" json:"read,omitempty"`
	Write   *PermValue `yaml:"write,omitempty" json:"write,omitempty"`
	Net     *PermValue `yaml:"net,omitempty" json:"net,omitempty"`
	Env     *PermValue `yaml:"env,omitempty" json:"env,omitempty"`
	Run     *PermValue `yaml:"run,omitempty" json:"run,omitempty"`
	FFI     *PermValue `yaml:"ffi,omitempty" json:"ffi,omitempty"`
	Sys     *PermValue `yaml:"sys,omitempty" json:"sys,omitempty"`
	AllowAll *bool     `yaml:"allowAll,omitempty" json:"allowAll,omitempty"`
}

// PermValue models a permission value that may arrive as a bool (grant/deny
// everything), a string (single allowlist entry), or a list of strings
// (comma-joined allowlist).
type PermValue struct {
	Bool   *bool
	Single string
	List   []string
}

// UnmarshalYAML accepts a bool, a single string, or a list of strings for
// one permission capability.
func (v *PermValue) UnmarshalYAML(b []byte) error {
	var asBool bool
	if err := yaml.Unmarshal(b, &asBool); err == nil {
		v.Bool = &asBool
		return nil
	}
	var asList []string
	if err := yaml.Unmarshal(b, &asList); err == nil {
		v.List = asList
		return nil
	}
	var asString string
	if err := yaml.Unmarshal(b, &asString); err != nil {
		return err
	}
	v.Single = asString
	return nil
}

// MaterializeMode selects when source materialization runs.
type MaterializeMode string

const (
	MaterializeAuto   MaterializeMode = "auto"
	MaterializeAlways MaterializeMode = "always"
	MaterializeNever  MaterializeMode = "never"
)

// MaterializeSpec captures the boolean-or-mode shape accepted from config
// and selector overrides.
type MaterializeSpec struct {
	Enabled *bool
	Mode    MaterializeMode
	Refresh bool
}

// SelectedProject is the transient result of routing a single request,
// Optional fields are nil/zero when not overridden.
type SelectedProject struct {
	Project           string
	Source            string
	ConfigPath        string
	GithubToken       string
	Env               map[string]string
	Permissions       *Permissions
	Materialize       *MaterializeSpec
	InvalidateCacheAt time.Time
	IdleTTLMs         int64
	Isolated          bool
	StripPathPrefix   string

	// StickyKey is a stable hash of the configured sticky header's value,
	// set by the Selector when a project's strategy is "sticky". With
	// worker cardinality pinned to 1 it has no routing effect
	// yet, but is carried through so a future multi-worker Picker can
	// consume it without a SelectedProject shape change.
	StickyKey string
}

// WorkerHandle is an owned running worker process bound to a local port.
// Owned exclusively by the PoolEntry that references it; never aliased.
type WorkerHandle struct {
	Port int
	Proc *exec.Cmd
	// Done is closed exactly once when the process has exited (closed by
	// spawner.Spawner, observed by lifecycle.Manager's exit observer).
	Done chan struct{}
	// Cancel terminates the process (kills the child and its process group).
	Cancel context.CancelFunc
	// StartedAt records spawn time, for diagnostics/metrics.
	StartedAt time.Time
}

// Picker selects among the (currently always-one) workers registered for a
// project. Preserved for a future multi-worker pool; worker cardinality is
// pinned to 1 today, so singlePicker is the only implementation shipped
// here.
type Picker interface {
	Pick() (*WorkerHandle, bool)
	Set(h *WorkerHandle)
	Clear()
}

// PoolEntry is the single active worker record for a project. Port/Proc
// are reachable through Handle; Picker is preserved for a future
// multi-worker pool, pinned to cardinality 1 here.
type PoolEntry struct {
	Handle *WorkerHandle
	Picker Picker
}

// QueueItem is a buffered, pending request awaiting a ready worker.
type QueueItem struct {
	Project      string
	Request      *http.Request
	Body         []byte
	BodyTruncated bool
	EnqueuedAt   time.Time
	MaxWaitMs    int64
	RetriesLeft  int

	// done/resolve plumbing is owned by the queue package; this struct only
	// carries the data needed to reconstruct and dispatch the request.
	ResponseWriter http.ResponseWriter
	Resolve        func()
}

// ReadyWaiter is a one-shot notification channel registered by a caller
// awaiting a project's readiness transition.
type ReadyWaiter chan struct{}
