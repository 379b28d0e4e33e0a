package natsbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/servicecontainer"
)

// ComponentName is the component the NATS installer registers.
const ComponentName = "forgeit.natsbus"

const module = "natsbus"

// Settings is the NATS configuration read from forgeit.modules.natsbus.*.
type Settings struct {
	Enabled      bool
	Internal     bool
	URL          string
	Image        string
	Name         string
	AwaitTimeout time.Duration
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) (Settings, error) {
	s := Settings{
		Enabled:      env.Bool(config.ModuleKey(module, "enabled"), true),
		URL:          env.String(config.ModuleKey(module, "url"), ""),
		Image:        env.String(config.ModuleKey(module, "image"), "nats:2.10-alpine"),
		Name:         env.String(config.ModuleKey(module, "name"), "forgeit"),
		AwaitTimeout: env.Duration(config.ModuleKey(module, "await-timeout"), 10*time.Second),
	}
	switch mode := strings.ToLower(env.String(config.ModuleKey(module, "mode"), "internal")); mode {
	case "internal":
		s.Internal = true
	case "external":
		if s.URL == "" {
			return s, fmt.Errorf("natsbus: external mode requires %s", config.ModuleKey(module, "url"))
		}
	default:
		return s, fmt.Errorf("natsbus: unknown mode %q", mode)
	}
	return s, nil
}

// Installer installs NATSSupport.
type Installer struct {
	// Dial overrides how the installer connects. Defaults to Connect.
	Dial func(url, name string) (Transport, error)
}

var _ install.Installer = (*Installer)(nil)

func (i *Installer) Capability() string { return Name }

func (i *Installer) Install(_ context.Context, ic *install.Context) error {
	if ic.Components().Has(ComponentName) {
		return nil
	}
	c := ic.Container()
	settings, err := LoadSettings(ic.Environment())
	if err != nil {
		return err
	}
	if !settings.Enabled {
		c.Logger().Info("NATS module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	if settings.Internal {
		mgr, err := servicecontainer.For(c)
		if err != nil {
			return err
		}
		port, err := mgr.AllocatePort("nats")
		if err != nil {
			return err
		}
		spec := servicecontainer.Spec{Name: "nats", Image: settings.Image, ContainerPort: 4222, HostPort: port}
		settings.URL = fmt.Sprintf("nats://127.0.0.1:%d", port)
		c.Publish(map[string]string{config.ModuleKey(module, "url"): settings.URL})
		c.OnStart("nats", func(ctx context.Context) error {
			_, err := mgr.Start(ctx, spec)
			return err
		})
	}

	if err := ic.Components().Register(ComponentName, settings); err != nil {
		return err
	}

	dial := i.Dial
	if dial == nil {
		dial = Connect
	}
	var (
		transport Transport
		bus       *Bus
	)
	c.OnStart(ComponentName, func(context.Context) error {
		var err error
		if transport, err = dial(settings.URL, settings.Name); err != nil {
			return err
		}
		bus = NewBus(transport, settings.AwaitTimeout)
		Port.Register(c.Scope(), bus)
		c.Logger().Info("NATS bus ready", "container", c.ID(), "url", settings.URL)
		return nil
	})
	c.OnReset(ComponentName, func(context.Context) error {
		if bus == nil {
			return nil
		}
		return bus.Reset()
	})
	c.OnStop(ComponentName, func(context.Context) error {
		Port.Clear(c.Scope())
		if bus == nil {
			return nil
		}
		err := bus.Reset()
		transport.Close()
		return err
	})
	return nil
}
