package apphttp

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/install"
)

// ComponentName is the component the application HTTP installer registers.
const ComponentName = "forgeit.apphttp"

const module = "apphttp"

// ErrNoApplication is returned when neither a handler nor a base URL is
// available.
var ErrNoApplication = errors.New("apphttp: no application handler; pass one to the installer, call SetApplication or set " +
	"forgeit.modules.apphttp.base-url")

// Settings is the module configuration read from forgeit.modules.apphttp.*.
type Settings struct {
	Enabled      bool
	BaseURL      string
	DefaultToken string
	Timeout      time.Duration

	RequestDir         string
	ResponseDir        string
	DefaultRequestDir  string
	DefaultResponseDir string
	SchemaDir          string
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) Settings {
	return Settings{
		Enabled:            env.Bool(config.ModuleKey(module, "enabled"), true),
		BaseURL:            env.String(config.ModuleKey(module, "base-url"), ""),
		DefaultToken:       env.String(config.ModuleKey(module, "default-token"), ""),
		Timeout:            env.Duration(config.ModuleKey(module, "timeout"), 30*time.Second),
		RequestDir:         env.String(config.ModuleKey(module, "path.request"), ""),
		ResponseDir:        env.String(config.ModuleKey(module, "path.response"), ""),
		DefaultRequestDir:  env.String(config.ModuleKey(module, "path.default-request"), ""),
		DefaultResponseDir: env.String(config.ModuleKey(module, "path.default-response"), ""),
		SchemaDir:          env.String(config.ModuleKey(module, "path.schema"), ""),
	}
}

func dirFS(dir string) fs.FS {
	if dir == "" {
		return nil
	}
	return os.DirFS(dir)
}

// Fixtures returns the fixture directories of s.
func (s Settings) Fixtures() Fixtures {
	return Fixtures{
		Request:         dirFS(s.RequestDir),
		Response:        dirFS(s.ResponseDir),
		DefaultRequest:  dirFS(s.DefaultRequestDir),
		DefaultResponse: dirFS(s.DefaultResponseDir),
	}
}

// Installer installs AppHTTPSupport. Calls go to Handler, else to the
// handler set by SetApplication, else over the network to the base URL.
type Installer struct {
	Handler http.Handler
}

var _ install.Installer = (*Installer)(nil)

func (i *Installer) Capability() string { return Name }

func (i *Installer) Install(_ context.Context, ic *install.Context) error {
	if ic.Components().Has(ComponentName) {
		return nil
	}
	c := ic.Container()
	settings := LoadSettings(ic.Environment())
	if !settings.Enabled {
		c.Logger().Info("Application HTTP module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	handler := i.Handler
	if handler == nil {
		handler = Application()
	}
	if handler == nil && settings.BaseURL == "" {
		return ErrNoApplication
	}
	if err := ic.Components().Register(ComponentName, settings); err != nil {
		return err
	}

	var client *Client
	c.OnStart(ComponentName, func(context.Context) error {
		opts := Options{
			Fixtures:     settings.Fixtures(),
			DefaultToken: settings.DefaultToken,
			SchemaDir:    settings.SchemaDir,
			Logger:       c.Logger(),
		}
		mode := "in-process"
		if handler != nil {
			client = NewHandlerClient(handler, opts)
		} else {
			client = NewRemoteClient(settings.BaseURL, &http.Client{Timeout: settings.Timeout}, opts)
			mode = settings.BaseURL
		}
		Port.Register(c.Scope(), client)
		c.Logger().Info("Application HTTP client ready", "container", c.ID(), "target", mode)
		return nil
	})
	c.OnReset(ComponentName, func(context.Context) error {
		if client != nil {
			client.Reset()
		}
		return nil
	})
	c.OnStop(ComponentName, func(context.Context) error {
		Port.Clear(c.Scope())
		return nil
	})
	return nil
}
