// Package docstore is the document store capability: JSON documents
// grouped in collections, stored in Redis or in memory.
package docstore

import (
	"embed"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/docstore.DocumentSupport"

// Capability is the catalog row of the document store capability.
var Capability = capability.Declare(capability.Capability(Name, "Document store collections"))

// Port reaches the Documents installed in a container.
var Port = bridge.New[*Documents]("document store")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("docstore", resources)
	config.MustRegisterDefaults("docstore", defaultsYAML)
}

// DocumentSupport gives a contract adapter the document store accessor.
type DocumentSupport struct {
	bridge.Scoped
}

// Documents returns the document store of the adapter's container.
func (s DocumentSupport) Documents() (*Documents, error) {
	return Port.From(s.Scoped)
}
