package config

import (
	"fmt"
	"sync"
)

type defaultsLayer struct {
	name string
	tree map[string]any
}

var (
	defaultsMu sync.RWMutex
	defaults   []defaultsLayer
)

// RegisterDefaults adds a YAML defaults document under name. Capability
// packages register theirs from init; the harness merges them beneath the
// configuration file. Registering a name twice keeps the first document.
func RegisterDefaults(name string, data []byte) error {
	cfg, err := Parse(data)
	if err != nil {
		return fmt.Errorf("config: parse defaults %q: %w", name, err)
	}

	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	for _, l := range defaults {
		if l.name == name {
			return nil
		}
	}
	defaults = append(defaults, defaultsLayer{name: name, tree: cfg.Tree})
	return nil
}

// MustRegisterDefaults is RegisterDefaults that panics on malformed YAML.
func MustRegisterDefaults(name string, data []byte) {
	if err := RegisterDefaults(name, data); err != nil {
		panic(err)
	}
}

// Defaults returns every registered defaults document merged in
// registration order.
func Defaults() map[string]any {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	var merged map[string]any
	for _, l := range defaults {
		merged = mergeTrees(merged, l.tree)
	}
	if merged == nil {
		merged = map[string]any{}
	}
	return merged
}
