// Package relational is the relational database capability: SQL scripts,
// table cleanup and row assertions over database/sql, backed by PostgreSQL
// (pgx) or SQLite.
package relational

import (
	"embed"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/whitelist"
)

// Name is the capability identifier.
const Name = "github.com/GoCodeAlone/forgeit/relational.RelationalSupport"

// Capability is the catalog row of the relational capability.
var Capability = capability.Declare(capability.Capability(Name, "Relational database access and cleanup"))

// Port reaches the Database installed in a container.
var Port = bridge.New[*Database]("relational database")

//go:embed forgeit/capabilities
var resources embed.FS

//go:embed defaults.yaml
var defaultsYAML []byte

func init() {
	whitelist.Register("relational", resources)
	config.MustRegisterDefaults("relational", defaultsYAML)
}

// RelationalSupport gives a contract adapter the database accessor.
type RelationalSupport struct {
	bridge.Scoped
}

// Database returns the database of the adapter's container.
func (s RelationalSupport) Database() (*Database, error) {
	return Port.From(s.Scoped)
}
