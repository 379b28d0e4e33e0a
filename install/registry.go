package install

import (
	"fmt"
	"sort"
	"sync"
)

// DuplicateInstallerError is returned when two installers claim the same
// capability.
type DuplicateInstallerError struct {
	Capability string
	Existing   string
	Duplicate  string
}

func (e *DuplicateInstallerError) Error() string {
	return fmt.Sprintf("install: capability %q already has installer %s, cannot also register %s",
		e.Capability, e.Existing, e.Duplicate)
}

// Discovery lists the installers known to the process.
type Discovery func() []Installer

// Registry maps each capability to its single installer.
type Registry struct {
	mu         sync.RWMutex
	installers map[string]Installer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{installers: make(map[string]Installer)}
}

// IndexInstallers builds a registry from every installer discover returns.
// A second installer for an already indexed capability fails immediately.
func IndexInstallers(discover Discovery) (*Registry, error) {
	r := NewRegistry()
	if discover == nil {
		return r, nil
	}
	for _, inst := range discover() {
		if err := r.Index(inst); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Index binds inst to its capability.
func (r *Registry) Index(inst Installer) error {
	if inst == nil {
		return fmt.Errorf("install: nil installer")
	}
	name := inst.Capability()
	if name == "" {
		return fmt.Errorf("install: installer %T declares no capability", inst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.installers[name]; ok {
		return &DuplicateInstallerError{
			Capability: name,
			Existing:   fmt.Sprintf("%T", existing),
			Duplicate:  fmt.Sprintf("%T", inst),
		}
	}
	r.installers[name] = inst
	return nil
}

// Lookup returns the installer bound to capability.
func (r *Registry) Lookup(capability string) (Installer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.installers[capability]
	return inst, ok
}

// Capabilities returns every indexed capability, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.installers))
	for name := range r.installers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
