package install

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/whitelist"
	"github.com/GoCodeAlone/modular"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotCapability is returned for a requested name that does not
	// extend the base capability marker.
	ErrNotCapability = errors.New("install: not a capability")
	// ErrNoInstaller is returned for a capability nobody can install.
	ErrNoInstaller = errors.New("install: no installer registered")
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l modular.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records install outcomes in m.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer sets the tracer used for install spans.
func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// Coordinator checks each requested capability and runs its installer.
type Coordinator struct {
	catalog    *capability.Catalog
	whitelist  *whitelist.Whitelist
	installers *Registry
	logger     modular.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(catalog *capability.Catalog, wl *whitelist.Whitelist, installers *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		catalog:    catalog,
		whitelist:  wl,
		installers: installers,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer("forgeit.install")
	}
	return c
}

// InstallAll installs capabilities in order. The first failure stops the
// batch; capabilities installed before it stay installed. Repeated calls
// invoke the installers again, which must guard against double
// registration themselves.
func (c *Coordinator) InstallAll(ctx context.Context, capabilities []string, ic *Context) error {
	for _, name := range capabilities {
		if err := c.installOne(ctx, name, ic); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) installOne(ctx context.Context, name string, ic *Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "forgeit.install",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("forgeit.capability", name),
			attribute.String("forgeit.container", ic.Container().ID()),
		),
	)
	start := time.Now()
	result := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		c.metrics.observe(name, result, time.Since(start))
	}()

	if !c.catalog.IsCapability(name) {
		result = "not_capability"
		return fmt.Errorf("%w: %q does not extend %s", ErrNotCapability, name, capability.BaseSupport)
	}

	added, err := c.whitelist.Admit(ctx, name)
	if err != nil {
		result = "error"
		return fmt.Errorf("install: load whitelist: %w", err)
	}
	if added {
		c.metrics.autoRegistered(name)
	}

	inst, ok := c.installers.Lookup(name)
	if !ok {
		result = "no_installer"
		return fmt.Errorf("%w for %s", ErrNoInstaller, name)
	}

	if err := inst.Install(ctx, ic); err != nil {
		result = "error"
		return fmt.Errorf("install: %s: %w", name, err)
	}
	if c.logger != nil {
		c.logger.Debug("Capability installed", "capability", name, "container", ic.Container().ID())
	}
	return nil
}
