package spawner

import (
	"fmt"
	"strings"

	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// permissionFlags translates a merged Permissions struct into worker CLI
// flags:
//   - permissions == nil entirely => grant all (--allow-all)
//   - a bool field => unqualified --allow-<cap> / --deny-<cap>
//   - a string field => single-value allowlist --allow-<cap>=<v>
//   - a []string field => comma-joined allowlist --allow-<cap>=<v1,v2,...>
//
// base is the project-config-level permission set; override (from the
// selector's per-request SelectedProject) takes precedence field-by-field
// when present.
func permissionFlags(base, override *types.Permissions) []string {
	merged := mergePermissions(base, override)
	if merged == nil {
		return []string{"--allow-all"}
	}
	var flags []string
	flags = append(flags, permFlag("read", merged.Read)...)
	flags = append(flags, permFlag("write", merged.Write)...)
	flags = append(flags, permFlag("net", merged.Net)...)
	flags = append(flags, permFlag("env", merged.Env)...)
	flags = append(flags, permFlag("run", merged.Run)...)
	flags = append(flags, permFlag("ffi", merged.FFI)...)
	flags = append(flags, permFlag("sys", merged.Sys)...)
	if merged.AllowAll != nil && *merged.AllowAll {
		flags = append(flags, "--allow-all")
	}
	return flags
}

func mergePermissions(base, override *types.Permissions) *types.Permissions {
	if base == nil && override == nil {
		return nil
	}
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := *base
	if override.Read != nil {
		merged.Read = override.Read
	}
	if override.Write != nil {
		merged.Write = override.Write
	}
	if override.Net != nil {
		merged.Net = override.Net
	}
	if override.Env != nil {
		merged.Env = override.Env
	}
	if override.Run != nil {
		merged.Run = override.Run
	}
	if override.FFI != nil {
		merged.FFI = override.FFI
	}
	if override.Sys != nil {
		merged.Sys = override.Sys
	}
	if override.AllowAll != nil {
		merged.AllowAll = override.AllowAll
	}
	return &merged
}

func permFlag(cap string, v *types.PermValue) []string {
	if v == nil {
		return nil
	}
	switch {
	case v.Bool != nil:
		if *v.Bool {
			return []string{fmt.Sprintf("--allow-%s", cap)}
		}
		return []string{fmt.Sprintf("--deny-%s", cap)}
	case v.Single != "":
		return []string{fmt.Sprintf("--allow-%s=%s", cap, v.Single)}
	case len(v.List) > 0:
		return []string{fmt.Sprintf("--allow-%s=%s", cap, strings.Join(v.List, ","))}
	}
	return nil
}
