package relational

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/servicecontainer"
)

// ComponentName is the component the relational installer registers.
const ComponentName = "forgeit.relational"

const module = "relational"

// Settings is the relational module configuration read from
// forgeit.modules.relational.*.
type Settings struct {
	Enabled      bool
	Internal     bool
	Dialect      Dialect
	DSN          string
	Image        string
	Database     string
	User         string
	Password     string
	CleanExclude []string
	InitScripts  []string
	ReadyTimeout time.Duration
	// CleanupPhase is the per-test cleanup Database.CleanupPhase reports.
	CleanupPhase CleanupPhase
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) (Settings, error) {
	s := Settings{
		Enabled:      env.Bool(config.ModuleKey(module, "enabled"), true),
		Dialect:      Dialect(strings.ToLower(env.String(config.ModuleKey(module, "driver"), string(Postgres)))),
		DSN:          env.String(config.ModuleKey(module, "dsn"), ""),
		Image:        env.String(config.ModuleKey(module, "image"), "postgres:16-alpine"),
		Database:     env.String(config.ModuleKey(module, "database"), "forgeit"),
		User:         env.String(config.ModuleKey(module, "user"), "forgeit"),
		Password:     env.String(config.ModuleKey(module, "password"), "forgeit"),
		CleanExclude: env.Strings(config.ModuleKey(module, "clean-exclude")),
		InitScripts:  env.Strings(config.ModuleKey(module, "init-scripts")),
		ReadyTimeout: env.Duration(config.ModuleKey(module, "ready-timeout"), 30*time.Second),
	}
	phase, err := ParseCleanupPhase(env.String(config.ModuleKey(module, "cleanup-phase"), "none"))
	if err != nil {
		return s, err
	}
	s.CleanupPhase = phase

	switch s.Dialect {
	case Postgres, SQLite:
	case "pgx":
		s.Dialect = Postgres
	default:
		return s, fmt.Errorf("relational: unsupported driver %q", s.Dialect)
	}

	mode := strings.ToLower(env.String(config.ModuleKey(module, "mode"), "internal"))
	switch mode {
	case "internal":
		s.Internal = true
	case "external":
		if s.DSN == "" {
			return s, fmt.Errorf("relational: external mode requires %s", config.ModuleKey(module, "dsn"))
		}
	default:
		return s, fmt.Errorf("relational: unknown mode %q", mode)
	}
	return s, nil
}

func postgresDSN(user, password, host string, port int, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Installer installs RelationalSupport.
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
		c.Logger().Info("Relational module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	if settings.Internal {
		switch settings.Dialect {
		case SQLite:
			if settings.DSN == "" {
				settings.DSN = ":memory:"
			}
		case Postgres:
			mgr, err := servicecontainer.For(c)
			if err != nil {
				return err
			}
			port, err := mgr.AllocatePort("postgres")
			if err != nil {
				return err
			}
			spec := servicecontainer.Spec{
				Name:          "postgres",
				Image:         settings.Image,
				ContainerPort: 5432,
				HostPort:      port,
				Env: map[string]string{
					"POSTGRES_DB":       settings.Database,
					"POSTGRES_USER":     settings.User,
					"POSTGRES_PASSWORD": settings.Password,
				},
			}
			settings.DSN = postgresDSN(settings.User, settings.Password, "127.0.0.1", port, settings.Database)
			c.OnStart("postgres", func(ctx context.Context) error {
				_, err := mgr.Start(ctx, spec)
				return err
			})
		}
		c.Publish(map[string]string{config.ModuleKey(module, "dsn"): settings.DSN})
	}

	if err := ic.Components().Register(ComponentName, settings); err != nil {
		return err
	}

	var db *Database
	c.OnStart(ComponentName, func(ctx context.Context) error {
		var err error
		if db, err = Open(settings.Dialect, settings.DSN, settings.CleanExclude...); err != nil {
			return err
		}
		db.phase = settings.CleanupPhase
		if err := awaitReady(ctx, db, settings.ReadyTimeout); err != nil {
			return err
		}
		for _, script := range settings.InitScripts {
			if err := db.ExecFile(ctx, script); err != nil {
				return err
			}
		}
		Port.Register(c.Scope(), db)
		c.Logger().Info("Relational database ready", "container", c.ID(), "driver", settings.Dialect)
		return nil
	})
	c.OnReset(ComponentName, func(ctx context.Context) error {
		if db == nil {
			return nil
		}
		return db.Clean(ctx)
	})
	c.OnStop(ComponentName, func(context.Context) error {
		Port.Clear(c.Scope())
		if db == nil {
			return nil
		}
		return db.Close()
	})
	return nil
}

// awaitReady pings db until it answers; a fresh postgres container accepts
// TCP before it accepts sessions.
func awaitReady(ctx context.Context, db *Database, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		err := db.Ping(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(250 * time.Millisecond):
		}
	}
}
