// Package bundle wires the built-in capability installers into the root
// harness. Import it for its side effect:
//
//	import _ "github.com/GoCodeAlone/forgeit/bundle"
package bundle

import (
	"github.com/GoCodeAlone/forgeit"
	"github.com/GoCodeAlone/forgeit/apphttp"
	"github.com/GoCodeAlone/forgeit/docstore"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/kafka"
	"github.com/GoCodeAlone/forgeit/mockserver"
	"github.com/GoCodeAlone/forgeit/natsbus"
	"github.com/GoCodeAlone/forgeit/relational"
)

func init() {
	forgeit.DefaultInstallers = Installers
}

// Installers returns one installer per built-in capability.
func Installers() []install.Installer {
	return []install.Installer{
		&kafka.Installer{},
		mockserver.Installer{},
		relational.Installer{},
		docstore.Installer{},
		&natsbus.Installer{},
		&apphttp.Installer{},
	}
}
