package spawner

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/goccy/go-yaml"
)

// importMap is the merged shape the worker expects: bare-specifier imports
// plus scoped overrides.
type importMap struct {
	Imports map[string]string            `json:"imports"`
	Scopes  map[string]map[string]string `json:"scopes,omitempty"`
}

// hostConfig is the optional on-disk overlay a project may supply to extend
// or override the runtime's native dependency manifest.
type hostConfig struct {
	Imports map[string]string            `yaml:"imports" json:"imports"`
	Scopes  map[string]map[string]string `yaml:"scopes" json:"scopes"`
}

// loadHostConfig reads an optional YAML host-config file; a missing file is
// not an error, it simply yields an empty overlay.
func loadHostConfig(path string) (hostConfig, error) {
	if path == "" {
		return hostConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hostConfig{}, nil
		}
		return hostConfig{}, err
	}
	var hc hostConfig
	if err := yaml.Unmarshal(raw, &hc); err != nil {
		return hostConfig{}, err
	}
	return hc, nil
}

// mergeImportMap merges a built-in native manifest with an optional host
// overlay: host entries override built-in entries of the same key. Bare
// path mappings can be rewritten through rewriteSpecifier before merge.
func mergeImportMap(native, host map[string]string, rewriteSpecifier func(string) string) map[string]string {
	merged := make(map[string]string, len(native)+len(host))
	for k, v := range native {
		if rewriteSpecifier != nil {
			v = rewriteSpecifier(v)
		}
		merged[k] = v
	}
	for k, v := range host {
		if rewriteSpecifier != nil {
			v = rewriteSpecifier(v)
		}
		merged[k] = v
	}
	return merged
}

func mergeScopes(native, host map[string]map[string]string) map[string]map[string]string {
	if len(native) == 0 && len(host) == 0 {
		return nil
	}
	merged := make(map[string]map[string]string, len(native)+len(host))
	for scope, entries := range native {
		merged[scope] = entries
	}
	for scope, entries := range host {
		if existing, ok := merged[scope]; ok {
			combined := make(map[string]string, len(existing)+len(entries))
			for k, v := range existing {
				combined[k] = v
			}
			for k, v := range entries {
				combined[k] = v
			}
			merged[scope] = combined
		} else {
			merged[scope] = entries
		}
	}
	return merged
}

// dataURL emits a base64 data URL embedding the merged import map JSON, the
// form the worker command line expects.
func dataURL(im importMap) (string, error) {
	b, err := json.Marshal(im)
	if err != nil {
		return "", err
	}
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(b), nil
}
