package capability

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
)

// ErrUnknownType is returned when a name is not present in the catalog.
var ErrUnknownType = errors.New("capability: unknown type")

// DeclarationError reports a malformed contract or capability declaration.
type DeclarationError struct {
	Type   string
	Reason string
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("capability: invalid declaration of %q: %s", e.Type, e.Reason)
}

// Catalog is the declarative metadata table of contracts and capabilities.
// It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewCatalog creates a catalog that already knows the two base markers.
func NewCatalog() *Catalog {
	c := &Catalog{types: make(map[string]Type)}
	c.types[BaseSupport] = Type{Name: BaseSupport, Kind: KindMarker, Description: "base capability marker"}
	c.types[BaseContract] = Type{Name: BaseContract, Kind: KindMarker, Description: "base contract marker"}
	return c
}

// Register adds t to the catalog. Registering an identical type again is a
// no-op; registering a different type under an existing name is an error.
func (c *Catalog) Register(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("capability: type name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.types[t.Name]; ok {
		if !existing.equal(t) {
			return fmt.Errorf("capability: %q already registered as a different %s", t.Name, existing.Kind)
		}
		return nil
	}
	c.types[t.Name] = t
	return nil
}

// Lookup returns the type registered under name.
func (c *Catalog) Lookup(name string) (Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

// Types returns every registered type sorted by name.
func (c *Catalog) Types() []Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Type, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Contracts returns every contract type sorted by name.
func (c *Catalog) Contracts() []Type {
	var out []Type
	for _, t := range c.Types() {
		if t.Kind == KindContract {
			out = append(out, t)
		}
	}
	return out
}

// Origins returns the distinct non-empty Origin directories of every
// capability type.
func (c *Catalog) Origins() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.Types() {
		if t.Origin == "" || (t.Kind != KindCapability && t.Kind != KindComposite) || seen[t.Origin] {
			continue
		}
		seen[t.Origin] = true
		out = append(out, t.Origin)
	}
	return out
}

// IsCapability reports whether name is a capability or composite that
// reaches BaseSupport through its Extends chain.
func (c *Catalog) IsCapability(name string) bool {
	t, ok := c.Lookup(name)
	if !ok || (t.Kind != KindCapability && t.Kind != KindComposite) {
		return false
	}
	return c.reaches(name, BaseSupport)
}

// reaches walks Extends from name looking for target. Cycle-safe.
func (c *Catalog) reaches(name, target string) bool {
	visited := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		if t, ok := c.Lookup(n); ok {
			stack = append(stack, t.Extends...)
		}
	}
	return false
}

// Validate checks every registered declaration and returns all problems
// joined together, or nil.
func (c *Catalog) Validate() error {
	var errs []error
	for _, t := range c.Types() {
		errs = append(errs, c.validate(t)...)
	}
	return errors.Join(errs...)
}

func (c *Catalog) validate(t Type) []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, &DeclarationError{Type: t.Name, Reason: fmt.Sprintf(format, args...)})
	}

	for _, p := range t.Extends {
		if _, ok := c.Lookup(p); !ok {
			bad("extends unknown type %q", p)
		}
	}
	for _, d := range t.Declares {
		dt, ok := c.Lookup(d)
		switch {
		case !ok:
			bad("declares unknown capability %q", d)
		case dt.Kind == KindContract || dt.Kind == KindMarker:
			bad("declares %q which is a %s, not a capability", d, dt.Kind)
		}
	}

	switch t.Kind {
	case KindContract:
		if !c.reaches(t.Name, BaseContract) {
			bad("contract does not extend %s", BaseContract)
		}
	case KindCapability, KindComposite:
		if !c.reaches(t.Name, BaseSupport) {
			bad("capability does not extend %s", BaseSupport)
		}
		if len(t.Declares) > 0 {
			bad("capabilities cannot declare capabilities")
		}
	case KindMarker:
		if t.Name != BaseSupport && t.Name != BaseContract {
			bad("only the base markers may use the marker kind")
		}
	default:
		bad("unknown kind %s", t.Kind)
	}
	return errs
}

// Default is the process-wide catalog populated by Declare.
var Default = NewCatalog()

// Declare registers t in Default and panics on a conflicting registration.
// It is meant to be called from package init functions, usually generated
// ones. An empty Origin is filled with the caller's source directory.
func Declare(t Type) Type {
	if t.Origin == "" {
		if _, file, _, ok := runtime.Caller(1); ok {
			t.Origin = filepath.Dir(file)
		}
	}
	if err := Default.Register(t); err != nil {
		panic(err)
	}
	return t
}
