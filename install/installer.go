// Package install indexes capability installers and runs them against a
// runtime container.
package install

import (
	"context"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/host"
)

// Installer materializes one capability's infrastructure into a container.
//
// Install may be called more than once for the same container. It must
// check the component registry and skip work that is already registered.
type Installer interface {
	// Capability returns the fully-qualified capability name this
	// installer materializes.
	Capability() string
	Install(ctx context.Context, ic *Context) error
}

// Context bundles what an installer may touch. Installers must not retain
// it beyond the Install call.
type Context struct {
	container *host.Container
}

// NewContext creates the installation context of c.
func NewContext(c *host.Container) *Context {
	return &Context{container: c}
}

// Components returns the mutable component registry.
func (ic *Context) Components() *host.Components { return ic.container.Components() }

// Environment returns a read-only view of the container's properties.
func (ic *Context) Environment() *config.Environment { return ic.container.Environment() }

// Container returns the enclosing container.
func (ic *Context) Container() *host.Container { return ic.container }
