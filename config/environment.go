package config

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Environment is a read-only view of harness properties. Lookups consult,
// highest first: published values, FORGEIT_* process variables, then the
// merged configuration layers.
type Environment struct {
	props     map[string]string
	process   map[string]string
	published map[string]string
}

// NewEnvironment merges layers, later layers winning, and flattens them.
func NewEnvironment(layers ...map[string]any) *Environment {
	var merged map[string]any
	for _, l := range layers {
		merged = mergeTrees(merged, l)
	}
	return &Environment{
		props:     Flatten(merged),
		process:   map[string]string{},
		published: map[string]string{},
	}
}

// WithProcessEnv returns a copy of e that honours FORGEIT_* entries of
// environ (os.Environ format). FORGEIT_MODULES_KAFKA_MODE overrides
// forgeit.modules.kafka.mode.
func (e *Environment) WithProcessEnv(environ []string) *Environment {
	out := e.clone()
	prefix := strings.ToUpper(Prefix) + "_"
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		out.process[k] = v
	}
	return out
}

// Overlay returns a copy of e with props published on top of every other
// layer.
func (e *Environment) Overlay(props map[string]string) *Environment {
	out := e.clone()
	for k, v := range props {
		out.published[k] = v
	}
	return out
}

func (e *Environment) clone() *Environment {
	out := &Environment{
		props:     e.props,
		process:   make(map[string]string, len(e.process)),
		published: make(map[string]string, len(e.published)),
	}
	for k, v := range e.process {
		out.process[k] = v
	}
	for k, v := range e.published {
		out.published[k] = v
	}
	return out
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Lookup returns the value of key and whether it is set.
func (e *Environment) Lookup(key string) (string, bool) {
	if v, ok := e.published[key]; ok {
		return v, true
	}
	if v, ok := e.process[envName(key)]; ok {
		return v, true
	}
	v, ok := e.props[key]
	return v, ok
}

// String returns the value of key or def.
func (e *Environment) String(key, def string) string {
	if v, ok := e.Lookup(key); ok && v != "" {
		return v
	}
	return def
}

// Bool returns the value of key parsed as a bool, or def.
func (e *Environment) Bool(key string, def bool) bool {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int returns the value of key parsed as an int, or def.
func (e *Environment) Int(key string, def int) int {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Duration returns the value of key parsed with time.ParseDuration, or def.
func (e *Environment) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

// Strings returns the comma separated value of key with blanks removed.
func (e *Environment) Strings(key string) []string {
	v, ok := e.Lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Keys returns every configured and published key in sorted order.
// Process variables are not listed.
func (e *Environment) Keys() []string {
	seen := make(map[string]bool, len(e.props)+len(e.published))
	for k := range e.props {
		seen[k] = true
	}
	for k := range e.published {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
