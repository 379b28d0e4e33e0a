package forgeit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/contract"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	capCache   = "example.com/caps.CacheSupport"
	capQueue   = "example.com/caps.QueueSupport"
	capMissing = "example.com/caps.MissingSupport"

	orders  = "example.com/tests.OrdersIT"
	billing = "example.com/tests.BillingIT"
)

// echoPort stands in for a runtime port a capability publishes.
var echoPort = bridge.New[string]("echo")

type echoInstaller struct {
	capability string
	installs   *[]string
	stops      *[]string
	failStart  error
}

func (e *echoInstaller) Capability() string { return e.capability }

func (e *echoInstaller) Install(_ context.Context, ic *install.Context) error {
	component := "test." + e.capability
	if ic.Components().Has(component) {
		return nil
	}
	*e.installs = append(*e.installs, e.capability)
	if err := ic.Components().Register(component, e); err != nil {
		return err
	}
	c := ic.Container()
	c.OnStart(component, func(context.Context) error {
		if e.failStart != nil {
			return e.failStart
		}
		if e.capability == capCache {
			echoPort.Register(c.Scope(), "cache@"+ic.Environment().String("forgeit.modules.cache.address", "none"))
		}
		return nil
	})
	c.OnStop(component, func(context.Context) error {
		*e.stops = append(*e.stops, e.capability)
		if e.capability == capCache {
			echoPort.Clear(c.Scope())
		}
		return nil
	})
	return nil
}

type fixture struct {
	catalog  *capability.Catalog
	installs []string
	stops    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{catalog: capability.NewCatalog()}
	for _, ty := range []capability.Type{
		capability.Capability(capCache, "cache"),
		capability.Capability(capQueue, "queue"),
		capability.Capability(capMissing, "no installer"),
		capability.Contract(orders, []string{capCache, capQueue}),
		capability.Contract(billing, []string{capQueue, capMissing}),
	} {
		require.NoError(t, f.catalog.Register(ty))
	}
	return f
}

func (f *fixture) installers(extra ...install.Installer) install.Discovery {
	return func() []install.Installer {
		out := []install.Installer{
			&echoInstaller{capability: capCache, installs: &f.installs, stops: &f.stops},
			&echoInstaller{capability: capQueue, installs: &f.installs, stops: &f.stops},
		}
		return append(out, extra...)
	}
}

func (f *fixture) builder() *HarnessBuilder {
	return NewHarnessBuilder().
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithCatalog(f.catalog).
		WithInstallers(f.installers()).
		WithProcessEnv(nil)
}

// ordersAdapter is what a generated contract adapter looks like.
type ordersAdapter struct {
	*contract.Handle
}

func (a ordersAdapter) Cache() (string, error) { return echoPort.From(a.Handle) }

func TestBootstrapInstallsAndStarts(t *testing.T) {
	f := newFixture(t)
	h, err := f.builder().
		WithProperties(map[string]any{"forgeit": map[string]any{"modules": map[string]any{"cache": map[string]any{"address": "10.0.0.1"}}}}).
		Build()
	require.NoError(t, err)
	ctx := context.Background()

	s, err := h.Bootstrap(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, []string{capCache, capQueue}, f.installs)

	handle, err := s.Handle(orders)
	require.NoError(t, err)
	assert.Equal(t, []string{capCache, capQueue}, handle.Capabilities())

	a, err := Adapter(s, orders, func(h *contract.Handle) ordersAdapter { return ordersAdapter{h} })
	require.NoError(t, err)
	again, err := Adapter(s, orders, func(h *contract.Handle) ordersAdapter { return ordersAdapter{h} })
	require.NoError(t, err)
	assert.True(t, a.Equal(again.Handle))

	got, err := a.Cache()
	require.NoError(t, err)
	assert.Equal(t, "cache@10.0.0.1", got)

	_, err = s.Install(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, []string{capCache, capQueue}, f.installs, "installers guard against double registration")

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, []string{capQueue, capCache}, f.stops)
	_, err = a.Cache()
	require.ErrorIs(t, err, bridge.ErrShutdown)
}

func TestBootstrapMissingInstallerStopsContainer(t *testing.T) {
	f := newFixture(t)
	h, err := f.builder().Build()
	require.NoError(t, err)

	_, err = h.Bootstrap(context.Background(), billing)
	require.ErrorIs(t, err, install.ErrNoInstaller)
	assert.Contains(t, err.Error(), "no installer registered for "+capMissing)
	assert.Contains(t, err.Error(), billing)
	assert.Equal(t, []string{capQueue}, f.installs)
	assert.Equal(t, []string{capQueue}, f.stops)
}

func TestBootstrapStartFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("port in use")
	h, err := f.builder().WithInstallers(func() []install.Installer {
		return []install.Installer{
			&echoInstaller{capability: capCache, installs: &f.installs, stops: &f.stops, failStart: boom},
			&echoInstaller{capability: capQueue, installs: &f.installs, stops: &f.stops},
		}
	}).Build()
	require.NoError(t, err)

	_, err = h.Bootstrap(context.Background(), orders)
	require.ErrorIs(t, err, boom)
	assert.ElementsMatch(t, []string{capCache, capQueue}, f.stops)
}

func TestBootstrapDefaultsToEveryContract(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.Register(capability.Contract("example.com/tests.Empty", nil)))
	h, err := f.builder().WithInstallers(f.installers(&echoInstaller{capability: capMissing, installs: &f.installs, stops: &f.stops})).Build()
	require.NoError(t, err)

	s, err := h.Bootstrap(context.Background())
	require.NoError(t, err)
	defer s.Close(context.Background())

	for _, name := range []string{orders, billing, "example.com/tests.Empty"} {
		_, err := s.Handle(name)
		require.NoError(t, err, name)
	}
	assert.ElementsMatch(t, []string{capCache, capQueue, capMissing}, f.installs)
}

func TestSessionInstallAddsContractLater(t *testing.T) {
	f := newFixture(t)
	h, err := f.builder().WithInstallers(f.installers(&echoInstaller{capability: capMissing, installs: &f.installs, stops: &f.stops})).Build()
	require.NoError(t, err)
	ctx := context.Background()

	s, err := h.Bootstrap(ctx, orders)
	require.NoError(t, err)
	defer s.Close(ctx)

	_, err = s.Handle(billing)
	require.Error(t, err)

	handle, err := s.Install(ctx, billing)
	require.NoError(t, err)
	assert.True(t, handle.Has(capMissing))
	assert.Equal(t, []string{capCache, capQueue, capMissing}, f.installs)
}

func TestBuildRejectsInvalidDeclarations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.Register(capability.Contract("example.com/tests.Broken", []string{"example.com/caps.Nope"})))
	_, err := f.builder().Build()
	require.Error(t, err)
	var decl *capability.DeclarationError
	require.ErrorAs(t, err, &decl)
	assert.Equal(t, "example.com/tests.Broken", decl.Type)
}

func TestBuildRejectsDuplicateInstallers(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder().WithInstallers(f.installers(&echoInstaller{capability: capCache})).Build()
	var dup *install.DuplicateInstallerError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, capCache, dup.Capability)
}

func TestBuildRequiresInstallers(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder().WithInstallers(nil).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no installers")
}

func TestBuildLayersConfiguration(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "forgeit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
forgeit:
  modules:
    cache:
      address: from-file
      mode: external
`), 0o600))

	h, err := f.builder().
		WithConfigPath(path).
		WithProcessEnv([]string{"FORGEIT_MODULES_CACHE_MODE=internal", "HOME=/root"}).
		Build()
	require.NoError(t, err)
	env := h.Environment()
	assert.Equal(t, "from-file", env.String("forgeit.modules.cache.address", ""))
	assert.Equal(t, "internal", env.String("forgeit.modules.cache.mode", ""))

	_, err = f.builder().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Build()
	require.Error(t, err)
}

func TestInstallMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	h, err := f.builder().WithMetrics(reg).Build()
	require.NoError(t, err)

	s, err := h.Bootstrap(context.Background(), orders)
	require.NoError(t, err)
	defer s.Close(context.Background())

	installs, err := testutil.GatherAndCount(reg, "forgeit_capability_installs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, installs)
	added, err := testutil.GatherAndCount(reg, "forgeit_whitelist_auto_registered_total")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
}
