package docstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/servicecontainer"
	"github.com/redis/go-redis/v9"
)

// ComponentName is the component the document store installer registers.
const ComponentName = "forgeit.docstore"

const module = "docstore"

// Settings is the document store configuration read from
// forgeit.modules.docstore.*.
type Settings struct {
	Enabled  bool
	Backend  string
	Internal bool
	Address  string
	Password string
	DB       int
	Image    string
	Prefix   string
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) (Settings, error) {
	s := Settings{
		Enabled:  env.Bool(config.ModuleKey(module, "enabled"), true),
		Backend:  strings.ToLower(env.String(config.ModuleKey(module, "backend"), "redis")),
		Address:  env.String(config.ModuleKey(module, "address"), ""),
		Password: env.String(config.ModuleKey(module, "password"), ""),
		DB:       env.Int(config.ModuleKey(module, "db"), 0),
		Image:    env.String(config.ModuleKey(module, "image"), "redis:7-alpine"),
		Prefix:   env.String(config.ModuleKey(module, "prefix"), "forgeit:doc"),
	}
	if s.Backend != "redis" && s.Backend != "memory" {
		return s, fmt.Errorf("docstore: unknown backend %q", s.Backend)
	}
	switch mode := strings.ToLower(env.String(config.ModuleKey(module, "mode"), "internal")); mode {
	case "internal":
		s.Internal = true
	case "external":
		if s.Backend == "redis" && s.Address == "" {
			return s, fmt.Errorf("docstore: external mode requires %s", config.ModuleKey(module, "address"))
		}
	default:
		return s, fmt.Errorf("docstore: unknown mode %q", mode)
	}
	return s, nil
}

// Installer installs DocumentSupport.
type Installer struct{}

var _ install.Installer = (*Installer)(nil)

func (Installer) Capability() string { return Name }

func (Installer) Install(_ context.Context, ic *install.Context) error {
	if ic.Components().Has(ComponentName) {
		return nil
	}
	c := ic.Container()
	settings, err := LoadSettings(ic.Environment())
	if err != nil {
		return err
	}
	if !settings.Enabled {
		c.Logger().Info("Document store module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	if settings.Backend == "redis" && settings.Internal {
		mgr, err := servicecontainer.For(c)
		if err != nil {
			return err
		}
		port, err := mgr.AllocatePort("redis")
		if err != nil {
			return err
		}
		spec := servicecontainer.Spec{Name: "redis", Image: settings.Image, ContainerPort: 6379, HostPort: port}
		settings.Address = fmt.Sprintf("127.0.0.1:%d", port)
		c.Publish(map[string]string{config.ModuleKey(module, "address"): settings.Address})
		c.OnStart("redis", func(ctx context.Context) error {
			_, err := mgr.Start(ctx, spec)
			return err
		})
	}

	if err := ic.Components().Register(ComponentName, settings); err != nil {
		return err
	}

	var (
		docs   *Documents
		client *redis.Client
	)
	c.OnStart(ComponentName, func(ctx context.Context) error {
		if settings.Backend == "memory" {
			docs = NewDocuments(NewMemoryStore())
		} else {
			client = redis.NewClient(&redis.Options{Addr: settings.Address, Password: settings.Password, DB: settings.DB})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				client = nil
				return fmt.Errorf("docstore: connect to %s: %w", settings.Address, err)
			}
			docs = NewDocuments(NewRedisStore(client, settings.Prefix))
		}
		Port.Register(c.Scope(), docs)
		c.Logger().Info("Document store ready", "container", c.ID(), "backend", settings.Backend)
		return nil
	})
	c.OnReset(ComponentName, func(ctx context.Context) error {
		if docs == nil {
			return nil
		}
		return docs.Clean(ctx)
	})
	c.OnStop(ComponentName, func(context.Context) error {
		Port.Clear(c.Scope())
		if client == nil {
			return nil
		}
		return client.Close()
	})
	return nil
}
