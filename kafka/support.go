// Package kafka is the Kafka messaging capability: a publish/consume
// facade over sarama, installed per container.
package kafka

import (
	"embed"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/kafka.KafkaSupport"

// Capability is the catalog row of the Kafka capability.
var Capability = capability.Declare(capability.Capability(Name, "Kafka publish/consume support"))

// Port reaches the Client installed in a container.
var Port = bridge.New[*Client]("kafka")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("kafka", resources)
	config.MustRegisterDefaults("kafka", defaultsYAML)
}

// KafkaSupport gives a contract adapter the Kafka accessor.
type KafkaSupport struct {
	bridge.Scoped
}

// Kafka returns the Kafka client of the adapter's container.
func (s KafkaSupport) Kafka() (*Client, error) {
	return Port.From(s.Scoped)
}
