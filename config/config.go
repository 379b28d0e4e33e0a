// Package config loads harness configuration and exposes it to installers
// as a read-only, layered property view.
package config

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prefix is the root of every harness property.
const Prefix = "forgeit"

// Well-known harness properties.
const (
	KeyWhitelistLocations  = "forgeit.whitelist.locations"
	KeyWhitelistSearchPath = "forgeit.whitelist.search-path"
	KeyMetricsEnabled      = "forgeit.metrics.enabled"
)

// ModuleKey builds the property key of a capability module setting, e.g.
// ModuleKey("kafka", "mode") is "forgeit.modules.kafka.mode".
func ModuleKey(module, setting string) string {
	return Prefix + ".modules." + module + "." + setting
}

// HarnessConfig is the parsed harness configuration file. The tree is kept
// as loaded; Environment flattens it into dotted properties.
type HarnessConfig struct {
	Path string
	Tree map[string]any
}

// LoadFromFile loads a harness configuration from a YAML file.
func LoadFromFile(path string) (*HarnessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*HarnessConfig, error) {
	tree := make(map[string]any)
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return &HarnessConfig{Tree: tree}, nil
}

// Flatten turns a nested tree into dotted keys. Lists of scalars are joined
// with commas.
func Flatten(tree map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flattenInto(out, join(prefix, k), child)
		}
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// mergeTrees layers over on top of base without modifying either. Maps
// merge key by key; any other value in over replaces the base value.
func mergeTrees(base, over map[string]any) map[string]any {
	if base == nil && over == nil {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(over))
	}
	for k, v := range over {
		sub, isMap := v.(map[string]any)
		prev, prevIsMap := out[k].(map[string]any)
		if isMap && prevIsMap {
			out[k] = mergeTrees(prev, sub)
			continue
		}
		out[k] = v
	}
	return out
}
