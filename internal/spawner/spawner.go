// Package spawner turns a SelectedProject into a running, health-checked
// worker subprocess bound to a free local port. The lifecycle.Manager owns
// the concurrency/restart guards and calls into Spawn for the actual
// process work.
package spawner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/resolver"
	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// Options bundle everything Spawn needs beyond the selected project: the
// project's ordinal index (for port offset), whether a reload should be
// forced, and when the project was last loaded (for cache invalidation).
type Options struct {
	Index             int
	ForceReload       bool
	ProjectLastLoadAt time.Time
}

// Spawner builds and runs worker subprocesses.
type Spawner struct {
	cfg *config.Config
	log zerolog.Logger
}

// New constructs a Spawner bound to the hypervisor's configuration.
func New(cfg *config.Config, log zerolog.Logger) *Spawner {
	return &Spawner{cfg: cfg, log: log}
}

// Fatal wraps an unrecoverable spawn failure: working-directory setup,
// source resolution, import-map assembly, materialize, prepare, or process
// start failing outright. Port allocation never fails. A readiness timeout
// is not wrapped here; it instead returns a not-ready handle, see Spawn's
// doc comment.
type Fatal struct {
	Project string
	Stage   string
	Err     error
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", f.Project, f.Stage, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// Spawn resolves the project's source, assembles its import map, runs the
// materialize/prepare phases if needed, and starts the worker process. It
// returns the WorkerHandle together with a ready flag that is false if the
// readiness probe timed out (the caller/proxy is expected to surface errors
// in that case); it returns a non-nil *Fatal error only for the stages
// listed on Fatal. Port allocation never fails (it always falls back).
func (s *Spawner) Spawn(ctx context.Context, selected types.SelectedProject, opts Options) (*types.WorkerHandle, bool, error) {
	project := selected.Project
	log := s.log.With().Str("project", project).Logger()

	port := allocatePort(s.cfg.BasePort + opts.Index)
	pc := s.cfg.Projects[project]

	merged := selected
	if merged.Source == "" {
		merged.Source = pc.Source
	}
	if merged.ConfigPath == "" {
		merged.ConfigPath = pc.ConfigPath
	}
	merged.Isolated = merged.Isolated || pc.Isolated
	if merged.IdleTTLMs == 0 {
		merged.IdleTTLMs = pc.IdleTTLMs
	}
	if merged.Materialize == nil && pc.Materialize != nil {
		merged.Materialize = &types.MaterializeSpec{
			Enabled: pc.Materialize.Enabled,
			Mode:    types.MaterializeMode(pc.Materialize.Mode),
			Refresh: pc.Materialize.Refresh,
		}
	}
	selected = merged

	projectDir, err := s.workingDir(selected)
	if err != nil {
		return nil, false, &Fatal{Project: project, Stage: "workdir", Err: err}
	}

	res := resolver.New(selected.Source)

	root := selected.Source
	if root == "" {
		root = s.cfg.GlobalRoot
	}
	resolvedRoot, err := res.Resolve(ctx, root)
	if err != nil {
		return nil, false, &Fatal{Project: project, Stage: "resolve", Err: err}
	}

	imports, scopes, err := s.buildImportMap(selected.ConfigPath)
	if err != nil {
		return nil, false, &Fatal{Project: project, Stage: "import-map", Err: err}
	}
	mapURL, err := dataURL(importMap{Imports: imports, Scopes: scopes})
	if err != nil {
		return nil, false, &Fatal{Project: project, Stage: "import-map", Err: err}
	}

	env := s.buildEnv(selected, projectDir)

	needsMaterialize := materializeEnabled(selected, resolvedRoot)
	if needsMaterialize {
		result, err := s.runPhase(ctx, "materialize", projectDir, env, s.materializeArgs(resolvedRoot, selected))
		if err != nil {
			return nil, false, &Fatal{Project: project, Stage: "materialize", Err: err}
		}
		if err := writeOKMarker(projectDir, result); err != nil {
			log.Warn().Err(err).Msg("failed to write .ok marker")
		}
		if _, err := s.runPhase(ctx, "prepare", projectDir, env, []string{"prepare"}); err != nil {
			return nil, false, &Fatal{Project: project, Stage: "prepare", Err: err}
		}
	}

	reloadArg := s.reloadArg(selected, opts, resolvedRoot, pc)

	permFlags := permissionFlags(pc.Permissions, selected.Permissions)
	args := s.runArgs(mapURL, reloadArg, port, permFlags)
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, s.cfg.Runtime.Command, args...)
	cmd.Dir = projectDir
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, false, &Fatal{Project: project, Stage: "run", Err: err}
	}

	handle := &types.WorkerHandle{
		Port:      port,
		Proc:      cmd,
		Done:      make(chan struct{}),
		Cancel:    killFunc(cmd, cancel),
		StartedAt: time.Now(),
	}
	go func() {
		_ = cmd.Wait()
		close(handle.Done)
	}()

	ready := s.probeReady(ctx, port)
	return handle, ready, nil
}

// killFunc returns a CancelFunc that kills the process group, falling
// back to cmd.Process.Kill for platforms/processes without one.
func killFunc(cmd *exec.Cmd, cancel context.CancelFunc) func() {
	return func() {
		if cmd.Process != nil {
			if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			} else {
				_ = cmd.Process.Kill()
			}
		}
		cancel()
	}
}

func (s *Spawner) workingDir(selected types.SelectedProject) (string, error) {
	if !selected.Isolated {
		root := selected.Source
		if root == "" {
			root = s.cfg.GlobalRoot
		}
		return root, nil
	}
	sum := sha256.Sum256([]byte(selected.Project))
	dir := filepath.Join(".projects", hex.EncodeToString(sum[:]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// buildImportMap loads the host import-map config. configPath, when set,
// is the selection's explicitly provided override; otherwise the
// hypervisor's globally discovered host config path is used.
func (s *Spawner) buildImportMap(configPath string) (map[string]string, map[string]map[string]string, error) {
	native := map[string]string{} // the runtime's native dependency manifest is an external collaborator; empty by default.
	if configPath == "" {
		configPath = s.cfg.Runtime.HostConfigPath
	}
	hc, err := loadHostConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	rewrite := func(spec string) string { return spec } // bare-path rewriting is resolver-specific; identity for local sources.
	imports := mergeImportMap(native, hc.Imports, rewrite)
	scopes := mergeScopes(nil, hc.Scopes)
	return imports, scopes, nil
}

func materializeEnabled(selected types.SelectedProject, resolvedRoot string) bool {
	if selected.Materialize == nil {
		return false
	}
	if selected.Materialize.Enabled != nil {
		return *selected.Materialize.Enabled
	}
	switch selected.Materialize.Mode {
	case types.MaterializeAlways:
		return true
	case types.MaterializeAuto:
		return isRemoteSource(resolvedRoot)
	default:
		return false
	}
}

func isRemoteSource(root string) bool {
	return (len(root) >= 4 && root[:4] == "http") || (len(root) >= 6 && root[:6] == "github")
}

func (s *Spawner) materializeArgs(resolvedRoot string, selected types.SelectedProject) []string {
	args := []string{"materialize", "--source=" + resolvedRoot, "--materialize-dir=."}
	if selected.Materialize != nil && selected.Materialize.Refresh {
		args = append(args, "--materialize-refresh")
	}
	return args
}

func (s *Spawner) reloadArg(selected types.SelectedProject, opts Options, resolvedRoot string, pc config.ProjectConfig) string {
	force := opts.ForceReload || s.cfg.Runtime.ForceReload
	stale := !selected.InvalidateCacheAt.IsZero() && selected.InvalidateCacheAt.After(opts.ProjectLastLoadAt)
	hotReload := s.cfg.Runtime.HotReload || pc.Runtime.HotReload
	if !stale && !hotReload && !force {
		return ""
	}
	targets := resolvedRoot
	if s.cfg.Runtime.DenoConfigPath != "" {
		targets += "," + s.cfg.Runtime.DenoConfigPath
	}
	return "--reload=" + targets
}

func (s *Spawner) runArgs(mapURL, reloadArg string, port int, permFlags []string) []string {
	args := append([]string{}, s.cfg.Runtime.BaseArgs...)
	args = append(args, "--import-map="+mapURL)
	if s.cfg.Runtime.DenoConfigPath != "" {
		args = append(args, "--config="+s.cfg.Runtime.DenoConfigPath)
	}
	if reloadArg != "" {
		args = append(args, reloadArg)
	}
	args = append(args, permFlags...)
	args = append(args, fmt.Sprintf("--port=%d", port))
	return args
}

func (s *Spawner) buildEnv(selected types.SelectedProject, projectDir string) []string {
	env := os.Environ()
	for k, v := range selected.Env {
		env = append(env, k+"="+v)
	}
	if selected.GithubToken != "" {
		env = append(env, "GITHUB_TOKEN="+selected.GithubToken)
		env = append(env, "DENO_AUTH_TOKENS="+selected.GithubToken+"@raw.githubusercontent.com")
	}
	if selected.Isolated {
		env = append(env, "DENO_DIR="+filepath.Join(projectDir, ".deno", "DENO_DIR"))
	}
	if s.cfg.Observability.Enabled {
		env = append(env,
			"OTEL_SERVICE_NAME="+s.cfg.Observability.ServiceNamePrefix+selected.Project,
			"OTEL_EXPORTER_OTLP_ENDPOINT="+s.cfg.Observability.ExporterEndpoint,
			"OTEL_EXPORTER_OTLP_PROTOCOL="+s.cfg.Observability.ExporterProtocol,
			"OTEL_EXPORTER_OTLP_HEADERS=x-oxian-project="+selected.Project,
			"OTEL_RESOURCE_ATTRIBUTES=oxian.project="+selected.Project,
			"OTEL_PROPAGATORS="+s.cfg.Observability.Propagators,
			fmt.Sprintf("OTEL_METRIC_EXPORT_INTERVAL=%d", s.cfg.Observability.MetricExportIntervalMs),
		)
	}
	return env
}

// runPhase runs one materialize/prepare subcommand, returning an error on
// any non-zero exit. The materialize phase prints its resolved commit
// metadata as JSON on stdout; runPhase decodes it directly into a
// resolver.MaterializeResult so callers can thread it into the .ok marker.
// A malformed or empty stdout (e.g. the prepare phase, which prints
// nothing) leaves the result zero-valued.
func (s *Spawner) runPhase(ctx context.Context, name, dir string, env []string, args []string) (resolver.MaterializeResult, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Runtime.Command, args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		return resolver.MaterializeResult{}, fmt.Errorf("%s phase failed: %w", name, err)
	}
	var result resolver.MaterializeResult
	_ = json.Unmarshal(out, &result) // best-effort parse; malformed output leaves it zero-valued.
	return result, nil
}

func writeOKMarker(dir string, result resolver.MaterializeResult) error {
	result.At = time.Now().Unix()
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".ok"), b, 0o644)
}

// probeReady polls HEAD /_health every 100ms up to the spawner's
// readiness budget, treating any response status >=200 as ready. Each
// attempt carries its own 500ms timeout.
func (s *Spawner) probeReady(ctx context.Context, port int) bool {
	deadline := time.Now().Add(s.cfg.SpawnReadinessTimeout())
	client := &http.Client{Timeout: 500 * time.Millisecond}
	url := fmt.Sprintf("http://127.0.0.1:%d/_health", port)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 {
					return true
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
