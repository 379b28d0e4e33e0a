// Package forgeit bootstraps integration-test harness containers: it
// resolves the capabilities a test contract declares, installs them and
// hands out contract handles whose accessors reach the installed services.
package forgeit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/contract"
	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/whitelist"
	"github.com/GoCodeAlone/modular"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// ForgeIT is the base contract every test contract extends.
const ForgeIT = capability.BaseContract

// DefaultInstallers lists the built-in installers. It is set by the bundle
// package via an init function to break the import cycle between the root
// package and the capability packages. Import
// "github.com/GoCodeAlone/forgeit/bundle" (typically as a blank import) to
// register them.
var DefaultInstallers install.Discovery

// HarnessBuilder provides a fluent API for constructing a Harness.
//
//	h, err := forgeit.NewHarnessBuilder().
//	    WithConfigPath("forgeit.yaml").
//	    Build()
type HarnessBuilder struct {
	logger     modular.Logger
	catalog    *capability.Catalog
	installers install.Discovery
	source     config.Source
	properties []map[string]any
	environ    []string
	environSet bool
	sources    []whitelist.Source
	registerer prometheus.Registerer
	tracer     trace.Tracer
}

// NewHarnessBuilder creates a builder using the default catalog and the
// bundled installers.
func NewHarnessBuilder() *HarnessBuilder {
	return &HarnessBuilder{}
}

// WithLogger sets the logger. Build defaults to a text slog logger on stderr.
func (b *HarnessBuilder) WithLogger(logger modular.Logger) *HarnessBuilder {
	b.logger = logger
	return b
}

// WithCatalog replaces capability.Default.
func (b *HarnessBuilder) WithCatalog(c *capability.Catalog) *HarnessBuilder {
	b.catalog = c
	return b
}

// WithInstallers replaces DefaultInstallers.
func (b *HarnessBuilder) WithInstallers(discover install.Discovery) *HarnessBuilder {
	b.installers = discover
	return b
}

// WithConfigPath loads a YAML harness configuration file.
func (b *HarnessBuilder) WithConfigPath(path string) *HarnessBuilder {
	return b.WithConfigSource(config.NewFileSource(path))
}

// WithConfigSource loads the harness configuration from src.
func (b *HarnessBuilder) WithConfigSource(src config.Source) *HarnessBuilder {
	b.source = src
	return b
}

// WithProperties layers props over the configuration file.
func (b *HarnessBuilder) WithProperties(props map[string]any) *HarnessBuilder {
	b.properties = append(b.properties, props)
	return b
}

// WithProcessEnv replaces os.Environ as the source of FORGEIT_* overrides.
func (b *HarnessBuilder) WithProcessEnv(environ []string) *HarnessBuilder {
	b.environ = environ
	b.environSet = true
	return b
}

// WithWhitelistSources adds whitelist sources to the defaults.
func (b *HarnessBuilder) WithWhitelistSources(sources ...whitelist.Source) *HarnessBuilder {
	b.sources = append(b.sources, sources...)
	return b
}

// WithMetrics registers installation metrics with reg.
func (b *HarnessBuilder) WithMetrics(reg prometheus.Registerer) *HarnessBuilder {
	b.registerer = reg
	return b
}

// WithTracer sets the tracer of installation spans.
func (b *HarnessBuilder) WithTracer(t trace.Tracer) *HarnessBuilder {
	b.tracer = t
	return b
}

// Build validates the catalog, indexes the installers and loads the
// configuration.
func (b *HarnessBuilder) Build() (*Harness, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	catalog := b.catalog
	if catalog == nil {
		catalog = capability.Default
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("forgeit: invalid declarations: %w", err)
	}

	discover := b.installers
	if discover == nil {
		discover = DefaultInstallers
	}
	if discover == nil {
		return nil, fmt.Errorf("forgeit: no installers; import github.com/GoCodeAlone/forgeit/bundle or call WithInstallers")
	}
	installers, err := install.IndexInstallers(discover)
	if err != nil {
		return nil, err
	}

	layers := []map[string]any{config.Defaults()}
	if b.source != nil {
		ctx := context.Background()
		cfg, err := b.source.Load(ctx)
		if err != nil {
			return nil, err
		}
		hash, err := b.source.Hash(ctx)
		if err != nil {
			return nil, err
		}
		logger.Debug("Harness configuration loaded", "source", b.source.Name(), "hash", hash)
		layers = append(layers, cfg.Tree)
	}
	layers = append(layers, b.properties...)
	environ := b.environ
	if !b.environSet {
		environ = os.Environ()
	}
	env := config.NewEnvironment(layers...).WithProcessEnv(environ)

	sources := whitelist.Registered()
	if dirs := env.Strings(config.KeyWhitelistLocations); len(dirs) > 0 {
		sources = append(sources, whitelist.Dirs(dirs...))
	}
	searchPath := env.String(config.KeyWhitelistSearchPath, env.String("forgeit.path", ""))
	if searchPath != "" {
		sources = append(sources, whitelist.SearchPath(searchPath))
	}
	if origins := catalog.Origins(); len(origins) > 0 {
		sources = append(sources, whitelist.Origins(origins))
	}
	sources = append(sources, b.sources...)
	wl := whitelist.New(logger, sources...)

	opts := []install.CoordinatorOption{install.WithLogger(logger)}
	if b.registerer != nil && env.Bool(config.KeyMetricsEnabled, true) {
		opts = append(opts, install.WithMetrics(install.NewMetrics(b.registerer)))
	}
	if b.tracer != nil {
		opts = append(opts, install.WithTracer(b.tracer))
	}

	resolver := capability.NewResolver(catalog)
	return &Harness{
		logger:      logger,
		catalog:     catalog,
		env:         env,
		whitelist:   wl,
		installers:  installers,
		coordinator: install.NewCoordinator(catalog, wl, installers, opts...),
		resolver:    resolver,
		factory:     contract.NewFactory(resolver),
	}, nil
}

// Harness creates sessions: one host container per Bootstrap call.
type Harness struct {
	logger      modular.Logger
	catalog     *capability.Catalog
	env         *config.Environment
	whitelist   *whitelist.Whitelist
	installers  *install.Registry
	coordinator *install.Coordinator
	resolver    *capability.Resolver
	factory     *contract.Factory
}

// Environment returns the harness properties before any session published
// its own.
func (h *Harness) Environment() *config.Environment { return h.env }

// Catalog returns the catalog contracts are resolved against.
func (h *Harness) Catalog() *capability.Catalog { return h.catalog }

// Whitelist returns the capability whitelist.
func (h *Harness) Whitelist() *whitelist.Whitelist { return h.whitelist }

// Installers returns the installer registry.
func (h *Harness) Installers() *install.Registry { return h.installers }

// Bootstrap starts a container, installs the capabilities of contracts
// (every catalog contract when none are given) and starts the installed
// services. On failure the container is stopped again.
func (h *Harness) Bootstrap(ctx context.Context, contracts ...string) (*Session, error) {
	if len(contracts) == 0 {
		for _, t := range h.catalog.Contracts() {
			contracts = append(contracts, t.Name)
		}
	}

	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), h.logger)
	s := &Session{harness: h, container: host.NewContainer(app, h.env)}

	for _, name := range contracts {
		if _, err := s.install(ctx, name); err != nil {
			return nil, s.abort(err)
		}
	}
	if err := s.container.Start(ctx); err != nil {
		return nil, s.abort(fmt.Errorf("forgeit: start container: %w", err))
	}
	h.logger.Info("Harness session started", "container", s.container.ID(), "contracts", len(contracts))
	return s, nil
}

// Session is one bootstrapped container.
type Session struct {
	harness   *Harness
	container *host.Container
	mu        sync.Mutex
}

func (s *Session) abort(err error) error {
	stopCtx := context.Background()
	if stopErr := s.container.Stop(stopCtx); stopErr != nil {
		s.harness.logger.Warn("Container teardown after failed bootstrap failed", "container", s.container.ID(), "error", stopErr)
	}
	return err
}

func (s *Session) install(ctx context.Context, name string) (*contract.Handle, error) {
	caps, err := s.harness.resolver.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("forgeit: contract %q: %w", name, err)
	}
	if err := s.harness.coordinator.InstallAll(ctx, caps, install.NewContext(s.container)); err != nil {
		return nil, fmt.Errorf("forgeit: contract %q: %w", name, err)
	}
	h, err := s.harness.factory.CreateOrGet(s.container, name)
	if err != nil {
		return nil, fmt.Errorf("forgeit: contract %q: %w", name, err)
	}
	return h, nil
}

// Install installs the capabilities of another contract into the running
// session. Services it adds are started immediately.
func (s *Session) Install(ctx context.Context, name string) (*contract.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.install(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.container.StartPending(ctx); err != nil {
		return nil, fmt.Errorf("forgeit: contract %q: %w", name, err)
	}
	return h, nil
}

// Container returns the session's host container.
func (s *Session) Container() *host.Container { return s.container }

// Handle returns the handle of a contract installed in this session.
func (s *Session) Handle(name string) (*contract.Handle, error) {
	v, ok := s.container.Components().Get(name)
	if !ok {
		return nil, fmt.Errorf("forgeit: contract %q is not installed in container %s", name, s.container.ID())
	}
	h, ok := v.(*contract.Handle)
	if !ok {
		return nil, fmt.Errorf("forgeit: component %q is %T, not a contract handle", name, v)
	}
	return h, nil
}

// Reset returns every installed service to its initial state between
// tests.
func (s *Session) Reset(ctx context.Context) error {
	return s.container.Reset(ctx)
}

// Close stops the container and everything installed into it.
func (s *Session) Close(ctx context.Context) error {
	return s.container.Stop(ctx)
}

// Adapter returns the typed adapter of an installed contract, building it
// with newFn on first use. Generated contract files wrap it.
func Adapter[T any](s *Session, name string, newFn func(*contract.Handle) T) (T, error) {
	if _, err := s.Handle(name); err != nil {
		var zero T
		return zero, err
	}
	return contract.Adapt(s.harness.factory, s.container, name, newFn)
}
