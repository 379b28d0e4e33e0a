// Package bridge connects capability accessors to the implementations
// their installers registered, one table slot per container.
package bridge

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotInitialized is returned by Lookup before any Register for the scope.
	ErrNotInitialized = errors.New("bridge: not initialized")
	// ErrShutdown is returned by Lookup after Clear for the scope.
	ErrShutdown = errors.New("bridge: shut down")
)

// State is the lifecycle state of one bridge slot.
type State int

const (
	Uninitialized State = iota
	Active
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Scope identifies the container a bridge slot belongs to.
type Scope struct {
	id string
}

// NewScope creates a scope for the container with the given identity.
func NewScope(id string) *Scope {
	return &Scope{id: id}
}

// ID returns the container identity.
func (s *Scope) ID() string { return s.id }

func (s *Scope) String() string { return s.id }

// Scoped is implemented by anything that knows its container scope, such
// as contract handles. Capability accessors take a Scoped.
type Scoped interface {
	BridgeScope() *Scope
}

type slot[T any] struct {
	state State
	impl  T
}

// Bridge maps a container scope to the installed implementation of one
// capability port. It is safe for concurrent use.
type Bridge[T any] struct {
	name  string
	mu    sync.RWMutex
	slots map[string]*slot[T]
}

// New creates a bridge for the named capability port.
func New[T any](name string) *Bridge[T] {
	return &Bridge[T]{name: name, slots: make(map[string]*slot[T])}
}

// Name returns the port name.
func (b *Bridge[T]) Name() string { return b.name }

// Register makes impl the active implementation for scope. A nil scope is
// ignored.
func (b *Bridge[T]) Register(scope *Scope, impl T) {
	if scope == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[scope.id] = &slot[T]{state: Active, impl: impl}
}

// Lookup returns the implementation registered for scope.
func (b *Bridge[T]) Lookup(scope *Scope) (T, error) {
	var zero T
	if scope == nil {
		return zero, fmt.Errorf("%w: %s has no container scope", ErrNotInitialized, b.name)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.slots[scope.id]
	switch {
	case !ok || s.state == Uninitialized:
		return zero, fmt.Errorf("%w: %s has not been installed in container %s", ErrNotInitialized, b.name, scope.id)
	case s.state == Shutdown:
		return zero, fmt.Errorf("%w: %s was torn down with container %s", ErrShutdown, b.name, scope.id)
	}
	return s.impl, nil
}

// From is Lookup for anything that carries a scope.
func (b *Bridge[T]) From(s Scoped) (T, error) {
	if s == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s has no container scope", ErrNotInitialized, b.name)
	}
	return b.Lookup(s.BridgeScope())
}

// Clear drops the implementation for scope and marks it shut down. A nil
// scope is ignored.
func (b *Bridge[T]) Clear(scope *Scope) {
	if scope == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[scope.id] = &slot[T]{state: Shutdown}
}

// State returns the lifecycle state of scope's slot.
func (b *Bridge[T]) State(scope *Scope) State {
	if scope == nil {
		return Uninitialized
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.slots[scope.id]; ok {
		return s.state
	}
	return Uninitialized
}
