package host

import (
	"fmt"
	"sort"

	"github.com/GoCodeAlone/modular"
)

// Components is the mutable component registry of a container, backed by
// the modular service registry.
type Components struct {
	app modular.Application
}

// Has reports whether a component is registered under name.
func (r *Components) Has(name string) bool {
	_, ok := r.app.SvcRegistry()[name]
	return ok
}

// Register adds a component under name.
func (r *Components) Register(name string, component any) error {
	if r.Has(name) {
		return fmt.Errorf("host: component %q already registered", name)
	}
	if err := r.app.RegisterService(name, component); err != nil {
		return fmt.Errorf("host: register component %q: %w", name, err)
	}
	return nil
}

// Get returns the component registered under name.
func (r *Components) Get(name string) (any, bool) {
	c, ok := r.app.SvcRegistry()[name]
	return c, ok
}

// Names returns every registered component name, sorted.
func (r *Components) Names() []string {
	reg := r.app.SvcRegistry()
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the component under name as a T.
func Lookup[T any](r *Components, name string) (T, error) {
	var zero T
	c, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("host: component %q not registered", name)
	}
	typed, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("host: component %q is %T, not %T", name, c, zero)
	}
	return typed, nil
}
