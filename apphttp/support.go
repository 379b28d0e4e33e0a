// Package apphttp is the in-process application HTTP capability: tests
// call the application's http.Handler through an endpoint builder with
// request and response fixtures, a default token and a call journal.
package apphttp

import (
	"embed"
	"net/http"
	"sync"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/apphttp.AppHTTPSupport"

// Capability is the catalog row of the application HTTP capability.
var Capability = capability.Declare(capability.Capability(Name, "In-process HTTP calls against the application under test"))

// Port reaches the Client installed in a container.
var Port = bridge.New[*Client]("application http")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("apphttp", resources)
	config.MustRegisterDefaults("apphttp", defaultsYAML)
}

var (
	appMu       sync.RWMutex
	application http.Handler
)

// SetApplication makes h the handler installers use when they were not
// given one. Test packages call it from TestMain before bootstrapping.
func SetApplication(h http.Handler) {
	appMu.Lock()
	defer appMu.Unlock()
	application = h
}

// Application returns the handler set by SetApplication, or nil.
func Application() http.Handler {
	appMu.RLock()
	defer appMu.RUnlock()
	return application
}

// AppHTTPSupport gives a contract adapter the application client accessor.
type AppHTTPSupport struct {
	bridge.Scoped
}

// AppHTTP returns the application client of the adapter's container.
func (s AppHTTPSupport) AppHTTP() (*Client, error) {
	return Port.From(s.Scoped)
}
