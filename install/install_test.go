package install

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/forgeit/whitelist"
	"github.com/GoCodeAlone/modular"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeInstaller struct {
	capability    string
	component     string
	err           error
	calls         *[]string
	registrations int
}

func (f *fakeInstaller) Capability() string { return f.capability }

func (f *fakeInstaller) Install(_ context.Context, ic *Context) error {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.capability)
	}
	if f.err != nil {
		return f.err
	}
	if ic.Components().Has(f.component) {
		return nil
	}
	f.registrations++
	return ic.Components().Register(f.component, f)
}

type otherInstaller struct{ fakeInstaller }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContext(t *testing.T) *Context {
	t.Helper()
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), testLogger())
	return NewContext(host.NewContainer(app, nil))
}

func testCatalog(t *testing.T, caps ...string) *capability.Catalog {
	t.Helper()
	c := capability.NewCatalog()
	for _, name := range caps {
		require.NoError(t, c.Register(capability.Capability(name, "")))
	}
	return c
}

func TestIndexRejectsDuplicatesInAnyOrder(t *testing.T) {
	a := &fakeInstaller{capability: "A"}
	b := &fakeInstaller{capability: "B"}
	a2 := &otherInstaller{fakeInstaller{capability: "A"}}

	orders := [][]Installer{
		{a, b, a2}, {a, a2, b}, {b, a, a2}, {b, a2, a}, {a2, a, b}, {a2, b, a},
	}
	for _, order := range orders {
		_, err := IndexInstallers(func() []Installer { return order })
		require.Error(t, err)
		var dup *DuplicateInstallerError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, "A", dup.Capability)
	}
}

func TestIndexInstallers(t *testing.T) {
	r, err := IndexInstallers(func() []Installer {
		return []Installer{&fakeInstaller{capability: "B"}, &fakeInstaller{capability: "A"}}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, r.Capabilities())

	_, ok := r.Lookup("A")
	assert.True(t, ok)
	_, ok = r.Lookup("C")
	assert.False(t, ok)

	empty, err := IndexInstallers(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Capabilities())

	assert.Error(t, r.Index(nil))
	assert.Error(t, r.Index(&fakeInstaller{}))
}

func TestInstallAllStopsAtMissingInstaller(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	require.NoError(t, reg.Index(&fakeInstaller{capability: "A", component: "a", calls: &calls}))
	require.NoError(t, reg.Index(&fakeInstaller{capability: "C", component: "c", calls: &calls}))

	coord := NewCoordinator(testCatalog(t, "A", "Q", "C"), whitelist.New(nil), reg)
	ic := newTestContext(t)

	err := coord.InstallAll(context.Background(), []string{"A", "Q", "C"}, ic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoInstaller))
	assert.Contains(t, err.Error(), "no installer registered for Q")

	assert.Equal(t, []string{"A"}, calls)
	assert.True(t, ic.Components().Has("a"), "earlier installs are not rolled back")
	assert.False(t, ic.Components().Has("c"))
}

func TestInstallAllRejectsNonCapability(t *testing.T) {
	var calls []string
	catalog := testCatalog(t, "A")
	require.NoError(t, catalog.Register(capability.Contract("X", nil)))
	reg := NewRegistry()
	require.NoError(t, reg.Index(&fakeInstaller{capability: "X", calls: &calls}))

	coord := NewCoordinator(catalog, whitelist.New(nil), reg)
	err := coord.InstallAll(context.Background(), []string{"X"}, newTestContext(t))
	assert.True(t, errors.Is(err, ErrNotCapability))
	assert.Empty(t, calls)
}

func TestInstallAllIsIdempotentThroughInstallerGuards(t *testing.T) {
	a := &fakeInstaller{capability: "A", component: "a"}
	b := &fakeInstaller{capability: "B", component: "b"}
	reg := NewRegistry()
	require.NoError(t, reg.Index(a))
	require.NoError(t, reg.Index(b))

	coord := NewCoordinator(testCatalog(t, "A", "B"), whitelist.New(nil), reg)
	ic := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, coord.InstallAll(ctx, []string{"A"}, ic))
	require.NoError(t, coord.InstallAll(ctx, []string{"A", "B"}, ic))

	assert.Equal(t, 1, a.registrations)
	assert.Equal(t, 1, b.registrations)
}

func TestInstallErrorPropagates(t *testing.T) {
	boom := errors.New("container refused to start")
	reg := NewRegistry()
	require.NoError(t, reg.Index(&fakeInstaller{capability: "A", err: boom}))

	coord := NewCoordinator(testCatalog(t, "A"), whitelist.New(nil), reg)
	err := coord.InstallAll(context.Background(), []string{"A"}, newTestContext(t))
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "A")
}

func TestUnlistedCapabilityIsAutoRegistered(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Index(&fakeInstaller{capability: "A", component: "a"}))
	wl := whitelist.New(testLogger())
	metrics := NewMetrics(prometheus.NewRegistry())

	coord := NewCoordinator(testCatalog(t, "A"), wl, reg, WithMetrics(metrics), WithLogger(testLogger()))
	require.NoError(t, coord.InstallAll(context.Background(), []string{"A"}, newTestContext(t)))

	ok, err := wl.IsPermitted(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AutoRegistered.WithLabelValues("A")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Installs.WithLabelValues("A", "ok")))
}

func TestMetricsRecordFailures(t *testing.T) {
	metrics := NewMetrics(nil)
	coord := NewCoordinator(testCatalog(t, "Q"), whitelist.New(nil), NewRegistry(), WithMetrics(metrics))

	_ = coord.InstallAll(context.Background(), []string{"Q"}, newTestContext(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Installs.WithLabelValues("Q", "no_installer")))
}

func TestInstallSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := NewRegistry()
	require.NoError(t, reg.Index(&fakeInstaller{capability: "A", component: "a"}))
	coord := NewCoordinator(testCatalog(t, "A", "Q"), whitelist.New(nil), reg, WithTracer(tp.Tracer("test")))

	_ = coord.InstallAll(context.Background(), []string{"A", "Q"}, newTestContext(t))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "forgeit.install", spans[0].Name)
	assert.Len(t, spans[1].Events, 1, "the failing install records its error")
}
