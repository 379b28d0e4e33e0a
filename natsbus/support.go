// Package natsbus is the NATS messaging capability: publish JSON to
// subjects and record what other components publish.
package natsbus

import (
	"embed"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/natsbus.NATSSupport"

// Capability is the catalog row of the NATS capability.
var Capability = capability.Declare(capability.Capability(Name, "NATS publish/subscribe support"))

// Port reaches the Bus installed in a container.
var Port = bridge.New[*Bus]("nats")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("natsbus", resources)
	config.MustRegisterDefaults("natsbus", defaultsYAML)
}

// NATSSupport gives a contract adapter the NATS accessor.
type NATSSupport struct {
	bridge.Scoped
}

// NATS returns the bus of the adapter's container.
func (s NATSSupport) NATS() (*Bus, error) {
	return Port.From(s.Scoped)
}
