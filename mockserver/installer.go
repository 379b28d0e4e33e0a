package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/install"
)

// ComponentName is the component the mock server installer registers.
const ComponentName = "forgeit.mockserver"

const module = "mockserver"

// Settings is the mock server configuration read from
// forgeit.modules.mockserver.*.
type Settings struct {
	Enabled       bool
	Host          string
	Port          int
	StubDir       string
	WatchDebounce time.Duration
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) Settings {
	return Settings{
		Enabled:       env.Bool(config.ModuleKey(module, "enabled"), true),
		Host:          env.String(config.ModuleKey(module, "host"), "127.0.0.1"),
		Port:          env.Int(config.ModuleKey(module, "port"), 0),
		StubDir:       env.String(config.ModuleKey(module, "stub-dir"), ""),
		WatchDebounce: env.Duration(config.ModuleKey(module, "watch-debounce"), 200*time.Millisecond),
	}
}

// Installer installs MockServerSupport. The listener is bound during
// installation so the server URL can be published to later installers.
type Installer struct{}

var _ install.Installer = (*Installer)(nil)

func (Installer) Capability() string { return Name }

func (Installer) Install(_ context.Context, ic *install.Context) error {
	if ic.Components().Has(ComponentName) {
		return nil
	}
	c := ic.Container()
	settings := LoadSettings(ic.Environment())
	if !settings.Enabled {
		c.Logger().Info("Mock server module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	srv, err := Listen(net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port)), c.Logger())
	if err != nil {
		return err
	}
	if err := ic.Components().Register(ComponentName, srv); err != nil {
		_ = srv.Close(context.Background())
		return err
	}
	c.Publish(map[string]string{
		config.ModuleKey(module, "url"):     srv.URL(),
		config.ModuleKey(module, "address"): srv.Addr(),
	})

	var watcher *StubWatcher
	c.OnStart(ComponentName, func(context.Context) error {
		if settings.StubDir != "" {
			watcher = NewStubWatcher(settings.StubDir, srv, settings.WatchDebounce, c.Logger())
			if err := watcher.Start(); err != nil {
				return err
			}
		}
		srv.Serve()
		Port.Register(c.Scope(), srv)
		c.Logger().Info("Mock server ready", "container", c.ID(), "url", srv.URL())
		return nil
	})
	c.OnReset(ComponentName, func(context.Context) error {
		srv.Reset()
		return nil
	})
	c.OnStop(ComponentName, func(ctx context.Context) error {
		Port.Clear(c.Scope())
		return stopServing(ctx, srv, watcher)
	})
	return nil
}

// stopServing stops watcher, when one runs, then closes srv.
func stopServing(ctx context.Context, srv *Server, watcher *StubWatcher) error {
	var errs []error
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("mockserver: stop stub watcher: %w", err))
		}
	}
	if err := srv.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mockserver: close server: %w", err))
	}
	return errors.Join(errs...)
}
