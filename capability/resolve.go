package capability

import "fmt"

// Resolver computes the ordered capability set of a contract.
type Resolver struct {
	catalog *Catalog
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve walks the Extends graph of contract depth-first and returns every
// required capability in first-discovery order. Each visited type
// contributes its declared capabilities, then any direct parent that is a
// single-level capability. A contract with no declarations anywhere in its
// ancestry resolves to an empty, non-nil slice.
func (r *Resolver) Resolve(contract string) ([]string, error) {
	if _, ok := r.catalog.Lookup(contract); !ok {
		return nil, fmt.Errorf("%w: contract %q", ErrUnknownType, contract)
	}

	w := walk{
		catalog: r.catalog,
		visited: make(map[string]bool),
		seen:    make(map[string]bool),
		out:     []string{},
	}
	if err := w.visit(contract); err != nil {
		return nil, fmt.Errorf("capability: resolve %q: %w", contract, err)
	}
	return w.out, nil
}

type walk struct {
	catalog *Catalog
	visited map[string]bool
	seen    map[string]bool
	out     []string
}

func (w *walk) add(name string) {
	if w.seen[name] {
		return
	}
	w.seen[name] = true
	w.out = append(w.out, name)
}

func (w *walk) visit(name string) error {
	if w.visited[name] {
		return nil
	}
	w.visited[name] = true

	t, ok := w.catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownType, name)
	}

	for _, d := range t.Declares {
		w.add(d)
	}
	for _, p := range t.Extends {
		pt, ok := w.catalog.Lookup(p)
		if !ok {
			return fmt.Errorf("%w %q (extended by %q)", ErrUnknownType, p, name)
		}
		if pt.Kind == KindCapability {
			w.add(p)
		}
	}
	for _, p := range t.Extends {
		if err := w.visit(p); err != nil {
			return err
		}
	}
	return nil
}
