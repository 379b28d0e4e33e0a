// Package host wraps the modular application that owns component lifecycles
// for one test run.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/modular"
	"github.com/google/uuid"
)

// Hook runs at a container lifecycle boundary.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Container is the runtime container of one test run: a modular
// application, its environment, and a bridge scope unique to it.
type Container struct {
	id         string
	app        modular.Application
	scope      *bridge.Scope
	components *Components

	mu         sync.Mutex
	env        *config.Environment
	startHooks []namedHook
	stopHooks  []namedHook
	resetHooks []namedHook
	started    bool
	stopped    bool
	ran        int
}

// NewContainer wraps app. env may be nil for an empty environment.
func NewContainer(app modular.Application, env *config.Environment) *Container {
	if env == nil {
		env = config.NewEnvironment()
	}
	id := uuid.NewString()
	return &Container{
		id:         id,
		app:        app,
		scope:      bridge.NewScope(id),
		components: &Components{app: app},
		env:        env,
	}
}

// ID returns the container identity.
func (c *Container) ID() string { return c.id }

// App returns the underlying modular application.
func (c *Container) App() modular.Application { return c.app }

// Logger returns the application logger.
func (c *Container) Logger() modular.Logger { return c.app.Logger() }

// Scope returns the bridge scope of this container.
func (c *Container) Scope() *bridge.Scope { return c.scope }

// BridgeScope implements bridge.Scoped.
func (c *Container) BridgeScope() *bridge.Scope { return c.scope }

// Components returns the mutable component registry.
func (c *Container) Components() *Components { return c.components }

// Environment returns the current read-only environment snapshot.
func (c *Container) Environment() *config.Environment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env
}

// Publish makes props visible to every later Environment snapshot.
func (c *Container) Publish(props map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env = c.env.Overlay(props)
}

// OnStart registers a hook run by Start, in registration order.
func (c *Container) OnStart(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startHooks = append(c.startHooks, namedHook{name, fn})
}

// OnStop registers a hook run by Stop, in reverse registration order.
func (c *Container) OnStop(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHooks = append(c.stopHooks, namedHook{name, fn})
}

// OnReset registers a hook run by Reset between tests.
func (c *Container) OnReset(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetHooks = append(c.resetHooks, namedHook{name, fn})
}

// Start runs the start hooks. The first failing hook aborts the start.
// Calling Start again is a no-op.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("host: container %s already stopped", c.id)
	}
	c.started = true
	c.mu.Unlock()

	n, err := c.runPending(ctx)
	if err != nil {
		return err
	}
	c.app.Logger().Debug("Container started", "container", c.id, "hooks", n)
	return nil
}

// StartPending runs the start hooks registered since the container started,
// for capabilities installed into a running container. Before Start it is a
// no-op.
func (c *Container) StartPending(ctx context.Context) error {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return fmt.Errorf("host: container %s already stopped", c.id)
	}
	if !started {
		return nil
	}
	_, err := c.runPending(ctx)
	return err
}

func (c *Container) runPending(ctx context.Context) (int, error) {
	n := 0
	for {
		c.mu.Lock()
		if c.ran >= len(c.startHooks) {
			c.mu.Unlock()
			return n, nil
		}
		h := c.startHooks[c.ran]
		c.ran++
		c.mu.Unlock()

		if err := h.fn(ctx); err != nil {
			return n, fmt.Errorf("host: start hook %q: %w", h.name, err)
		}
		n++
	}
}

// Reset runs the reset hooks in registration order.
func (c *Container) Reset(ctx context.Context) error {
	c.mu.Lock()
	hooks := append([]namedHook(nil), c.resetHooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			return fmt.Errorf("host: reset hook %q: %w", h.name, err)
		}
	}
	return nil
}

// Stop runs every stop hook in reverse order and joins their errors.
// Calling Stop again is a no-op.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	hooks := append([]namedHook(nil), c.stopHooks...)
	c.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			c.app.Logger().Error("Stop hook failed", "container", c.id, "hook", hooks[i].name, "error", err)
			errs = append(errs, fmt.Errorf("host: stop hook %q: %w", hooks[i].name, err))
		}
	}
	c.app.Logger().Debug("Container stopped", "container", c.id)
	return errors.Join(errs...)
}
