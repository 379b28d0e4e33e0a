// Package mockserver is the mock HTTP server capability: programmable
// mappings, file stubs and a request journal, one server per container.
package mockserver

import (
	"embed"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/mockserver.MockServerSupport"

// Capability is the catalog row of the mock server capability.
var Capability = capability.Declare(capability.Capability(Name, "Mock HTTP server with request journal"))

// Port reaches the Server installed in a container.
var Port = bridge.New[*Server]("mock server")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("mockserver", resources)
	config.MustRegisterDefaults("mockserver", defaultsYAML)
}

// MockServerSupport gives a contract adapter the mock server accessor.
type MockServerSupport struct {
	bridge.Scoped
}

// MockServer returns the mock server of the adapter's container.
func (s MockServerSupport) MockServer() (*Server, error) {
	return Port.From(s.Scoped)
}
