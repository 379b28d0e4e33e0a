// Package capability holds the declarative type table that describes test
// contracts and the capabilities they request, and resolves a contract to
// its ordered capability set.
package capability

import "fmt"

// Kind classifies a Type in the catalog.
type Kind int

const (
	// KindContract is a test-authored contract.
	KindContract Kind = iota
	// KindCapability is a single-level, hand-authored capability.
	KindCapability
	// KindComposite is a generated aggregate of other capabilities.
	KindComposite
	// KindMarker is one of the two base markers.
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindContract:
		return "contract"
	case KindCapability:
		return "capability"
	case KindComposite:
		return "composite"
	case KindMarker:
		return "marker"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Base marker names. Every capability must reach BaseSupport through its
// Extends chain and every contract must reach BaseContract.
const (
	BaseSupport  = "github.com/GoCodeAlone/forgeit/capability.Support"
	BaseContract = "github.com/GoCodeAlone/forgeit.ForgeIT"
)

// Type is one row of the catalog: a contract, a capability, a generated
// composite, or a marker.
type Type struct {
	// Name is the fully-qualified identifier, e.g. "github.com/GoCodeAlone/forgeit/kafka.KafkaSupport".
	Name string

	Kind Kind

	Description string

	// Declares lists the capabilities attached to this type by its
	// declaration, in declaration order.
	Declares []string

	// Extends lists the direct parents in declaration order.
	Extends []string

	// Origin is the directory of the package that declared the type. The
	// whitelist fallback scan inspects it for declaration resources.
	Origin string
}

// Capability builds a single-level capability type extending BaseSupport.
func Capability(name, description string) Type {
	return Type{
		Name:        name,
		Kind:        KindCapability,
		Description: description,
		Extends:     []string{BaseSupport},
	}
}

// Contract builds a contract type that declares caps and extends parents.
// When no parent is given the contract extends BaseContract directly.
func Contract(name string, caps []string, parents ...string) Type {
	if len(parents) == 0 {
		parents = []string{BaseContract}
	}
	return Type{
		Name:     name,
		Kind:     KindContract,
		Declares: caps,
		Extends:  parents,
	}
}

func (t Type) equal(o Type) bool {
	if t.Name != o.Name || t.Kind != o.Kind || t.Description != o.Description {
		return false
	}
	return sameList(t.Declares, o.Declares) && sameList(t.Extends, o.Extends)
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
