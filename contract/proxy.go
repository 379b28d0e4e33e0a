// Package contract builds the single handle a test uses to reach every
// capability its contract resolved to.
package contract

import (
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/host"
)

// Handle is the per-container singleton for one contract. Handles compare
// by identity only.
type Handle struct {
	contract     string
	capabilities []string
	container    *host.Container
}

// Contract returns the contract name.
func (h *Handle) Contract() string { return h.contract }

// Capabilities returns the resolved capabilities in resolution order.
func (h *Handle) Capabilities() []string { return slices.Clone(h.capabilities) }

// Has reports whether capability was resolved for the contract.
func (h *Handle) Has(capability string) bool { return slices.Contains(h.capabilities, capability) }

// Container returns the container the handle belongs to.
func (h *Handle) Container() *host.Container { return h.container }

// BridgeScope implements bridge.Scoped.
func (h *Handle) BridgeScope() *bridge.Scope { return h.container.Scope() }

// Equal reports whether o is the same handle.
func (h *Handle) Equal(o *Handle) bool { return h == o }

func (h *Handle) String() string {
	return fmt.Sprintf("contract(%s)@%s", h.contract, h.container.ID())
}

// Factory creates contract handles and keeps them as container components.
type Factory struct {
	resolver *capability.Resolver
	mu       sync.Mutex
}

// NewFactory creates a factory that resolves contracts with resolver.
func NewFactory(resolver *capability.Resolver) *Factory {
	return &Factory{resolver: resolver}
}

// CreateOrGet returns the handle registered for contract in c, creating
// and registering it on first use.
func (f *Factory) CreateOrGet(c *host.Container, contract string) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := c.Components().Get(contract); ok {
		h, ok := existing.(*Handle)
		if !ok {
			return nil, fmt.Errorf("contract: component %q is %T, not a contract handle", contract, existing)
		}
		return h, nil
	}

	caps, err := f.resolver.Resolve(contract)
	if err != nil {
		return nil, err
	}
	h := &Handle{contract: contract, capabilities: caps, container: c}
	if err := c.Components().Register(contract, h); err != nil {
		return nil, fmt.Errorf("contract: register %q: %w", contract, err)
	}
	c.Logger().Debug("Contract handle registered", "contract", contract, "capabilities", len(caps), "container", c.ID())
	return h, nil
}

// Adapt returns the typed adapter of contract, building it with newFn
// around the contract handle on first use. Generated adapters call it.
func Adapt[T any](f *Factory, c *host.Container, contract string, newFn func(*Handle) T) (T, error) {
	var zero T
	h, err := f.CreateOrGet(c, contract)
	if err != nil {
		return zero, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := contract + "#adapter"
	if existing, ok := c.Components().Get(name); ok {
		typed, ok := existing.(T)
		if !ok {
			return zero, fmt.Errorf("contract: adapter %q is %T, not %T", name, existing, zero)
		}
		return typed, nil
	}
	adapter := newFn(h)
	if err := c.Components().Register(name, adapter); err != nil {
		return zero, fmt.Errorf("contract: register %q: %w", name, err)
	}
	return adapter, nil
}
