package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveOverride writes cfg to path, creating parent directories as needed.
// Used by the config.set/config.reset surface to persist edits to the
// override file only; the shipped defaults are never mutated.
//
// The override file is YAML, matching every other document this package
// reads (LoadRaw, decodeRawConfig), rather than introducing a second file
// format the rest of the loading path would have to special-case.
func SaveOverride(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
