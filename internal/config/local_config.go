package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LocalConfig is the raw view of a config file as written on disk, without
// defaults or environment overrides. The self-check module inspects it to
// find keys that need attention.
type LocalConfig struct {
	Path string
	Keys []string
}

// LoadLocalConfig parses the top-level keys of the YAML file at path. A
// missing file yields an empty LocalConfig.
func LoadLocalConfig(path string) (*LocalConfig, error) {
	cfg := &LocalConfig{Path: path}
	data, err := os.ReadFile(path) // #nosec G304 - path is the service's own config file
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if root := topMapping(&doc); root != nil {
		for i := 0; i+1 < len(root.Content); i += 2 {
			cfg.Keys = append(cfg.Keys, root.Content[i].Value)
		}
	}
	return cfg, nil
}

// Has reports whether key is set at the top level.
func (c *LocalConfig) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// DeprecatedKeys returns the deprecated keys present in the file, sorted.
func (c *LocalConfig) DeprecatedKeys() []string {
	var found []string
	for _, k := range c.Keys {
		if _, ok := DeprecatedKeys[k]; ok {
			found = append(found, k)
		}
	}
	sort.Strings(found)
	return found
}
