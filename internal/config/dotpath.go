package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// toMap renders cfg through its yaml tags into a generic map, the basis for
// every dot-notation operation below. Paths follow the same names as the
// override file (server.host, llm.default_provider, ...), not Go's exported
// field names, so this round-trips through yaml rather than json - Config
// carries yaml tags throughout, the same as loader.go's decode path.
func toMap(cfg *Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, out *Config) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

// ListPaths returns every leaf dot-path in cfg, each mapped to its
// JSON-encoded value: "server.http_port" -> "8080". The map is unordered;
// SortedKeys gives a stable order.
func ListPaths(cfg *Config) (map[string]string, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	flatten("", m, out)
	return out, nil
}

// SortedKeys returns ListPaths' keys in sorted order, convenient for a
// stable CLI/gateway listing.
func SortedKeys(paths map[string]string) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flatten(path, nested, out)
		}
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", val))
		}
		out[prefix] = string(encoded)
	}
}

// GetPath returns the JSON-encoded value at a dot-notation path, e.g.
// "server.http_port".
func GetPath(cfg *Config, path string) (string, bool, error) {
	paths, err := ListPaths(cfg)
	if err != nil {
		return "", false, err
	}
	value, ok := paths[path]
	return value, ok, nil
}

// SetPath sets the value at a dot-notation path to value (itself a raw JSON
// scalar such as `8080` or `"debug"`) and re-decodes cfg in place.
func SetPath(cfg *Config, path string, value string) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		decoded = value
	}

	segments := strings.Split(path, ".")
	if err := setNested(m, segments, decoded); err != nil {
		return err
	}
	return fromMap(m, cfg)
}

func setNested(m map[string]any, segments []string, value any) error {
	if len(segments) == 0 {
		return fmt.Errorf("config: empty path")
	}
	key := segments[0]
	if len(segments) == 1 {
		m[key] = value
		return nil
	}
	child, ok := m[key].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[key] = child
	}
	return setNested(child, segments[1:], value)
}

// ResetPath copies the value at path from defaults into cfg, dropping any
// override. An empty path resets the whole configuration to defaults.
func ResetPath(cfg *Config, defaults *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		*cfg = *defaults
		return nil
	}
	value, ok, err := GetPath(defaults, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("config: unknown path %q", path)
	}
	return SetPath(cfg, path, value)
}
