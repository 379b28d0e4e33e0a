package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// CleanupPolicy says whether Contracts.Clean empties an entity's table.
type CleanupPolicy int

const (
	// DeleteAll removes every row of the table.
	DeleteAll CleanupPolicy = iota
	// KeepAll leaves the table alone, e.g. for reference data.
	KeepAll
)

// Dependency links a child entity to a parent through a foreign key column.
type Dependency struct {
	Parent *Entity
	// Column of the child that receives the parent's key.
	Column string
}

// Entity declares one table the graph builder can insert into.
type Entity struct {
	Name  string
	Table string
	// Key is the generated primary key column. Defaults to "id".
	Key      string
	Defaults map[string]any
	Depends  []Dependency
	Cleanup  CleanupPolicy
}

// DependsOn adds a dependency on parent and returns e.
func (e *Entity) DependsOn(parent *Entity, column string) *Entity {
	e.Depends = append(e.Depends, Dependency{Parent: parent, Column: column})
	return e
}

func (e *Entity) key() string {
	if e.Key == "" {
		return "id"
	}
	return e.Key
}

// Contracts is a validated set of entities in dependency order.
type Contracts struct {
	order []*Entity
}

// NewContracts validates entities and every parent they reach. Parents
// missing from the list are added.
func NewContracts(entities ...*Entity) (*Contracts, error) {
	var (
		order    []*Entity
		names    = map[string]*Entity{}
		done     = map[*Entity]bool{}
		visiting = map[*Entity]bool{}
	)
	var visit func(e *Entity, path []string) error
	visit = func(e *Entity, path []string) error {
		if e == nil {
			return errors.New("relational: nil entity")
		}
		if done[e] {
			return nil
		}
		path = append(path, e.Name)
		if visiting[e] {
			return fmt.Errorf("relational: entity dependency cycle: %s", strings.Join(path, " -> "))
		}
		visiting[e] = true
		if err := e.validate(); err != nil {
			return err
		}
		if other, ok := names[e.Name]; ok && other != e {
			return fmt.Errorf("relational: entity %q declared twice", e.Name)
		}
		names[e.Name] = e
		for _, dep := range e.Depends {
			if err := visit(dep.Parent, path); err != nil {
				return err
			}
		}
		visiting[e] = false
		done[e] = true
		order = append(order, e)
		return nil
	}
	for _, e := range entities {
		if err := visit(e, nil); err != nil {
			return nil, err
		}
	}
	return &Contracts{order: order}, nil
}

func (e *Entity) validate() error {
	if e.Name == "" {
		return fmt.Errorf("relational: entity for table %q has no name", e.Table)
	}
	if _, err := quoteIdentifier(e.Table); err != nil {
		return fmt.Errorf("relational: entity %s: %w", e.Name, err)
	}
	if _, err := quoteIdentifier(e.key()); err != nil {
		return fmt.Errorf("relational: entity %s: %w", e.Name, err)
	}
	for _, dep := range e.Depends {
		if dep.Parent == nil {
			return fmt.Errorf("relational: entity %s: dependency on %q has no parent", e.Name, dep.Column)
		}
		if _, err := quoteIdentifier(dep.Column); err != nil {
			return fmt.Errorf("relational: entity %s: %w", e.Name, err)
		}
	}
	return nil
}

// Entities returns the entities with parents before children.
func (c *Contracts) Entities() []*Entity { return slices.Clone(c.order) }

// Clean deletes the rows of every DeleteAll entity, children first.
func (c *Contracts) Clean(ctx context.Context, d *Database) error {
	for _, e := range slices.Backward(c.order) {
		if e.Cleanup == KeepAll {
			continue
		}
		q, _ := quoteIdentifier(e.Table)
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+q); err != nil {
			return fmt.Errorf("relational: clean %s: %w", e.Name, err)
		}
	}
	return nil
}

// Node is one row the graph will insert.
type Node struct {
	entity  *Entity
	alias   string
	values  map[string]any
	parents map[*Entity]*Node
	err     error
}

// As names the node in the result. Defaults to the entity name, suffixed
// with a counter when the entity appears more than once.
func (n *Node) As(alias string) *Node {
	n.alias = alias
	return n
}

// Set sets one column value.
func (n *Node) Set(column string, v any) *Node {
	n.values[column] = v
	return n
}

// Values sets several column values.
func (n *Node) Values(values map[string]any) *Node {
	maps.Copy(n.values, values)
	return n
}

// JSON sets column values from a JSON object.
func (n *Node) JSON(data []byte) *Node {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		n.err = fmt.Errorf("relational: %s: decode row: %w", n.entity.Name, err)
		return n
	}
	return n.Values(values)
}

// Under attaches n to parent instead of the parent the graph would pick.
func (n *Node) Under(parent *Node) *Node {
	if !slices.ContainsFunc(n.entity.Depends, func(d Dependency) bool { return d.Parent == parent.entity }) {
		n.err = fmt.Errorf("relational: %s does not depend on %s", n.entity.Name, parent.entity.Name)
		return n
	}
	n.parents[parent.entity] = parent
	return n
}

// Graph inserts a set of related rows, parents before children, in one
// transaction.
type Graph struct {
	db    *Database
	nodes []*Node
}

// Graph starts a new row graph.
func (d *Database) Graph() *Graph {
	return &Graph{db: d}
}

// To adds a row of e, starting from e.Defaults.
func (g *Graph) To(e *Entity) *Node {
	n := &Node{entity: e, values: maps.Clone(e.Defaults), parents: map[*Entity]*Node{}}
	if n.values == nil {
		n.values = map[string]any{}
	}
	g.nodes = append(g.nodes, n)
	return n
}

// GraphResult holds the inserted rows by alias.
type GraphResult struct {
	aliases []string
	keys    map[string]any
	rows    map[string]map[string]any
}

// Key returns the generated key of the row named alias.
func (r *GraphResult) Key(alias string) (any, bool) {
	k, ok := r.keys[alias]
	return k, ok
}

// Row returns the inserted values of the row named alias, key included.
func (r *GraphResult) Row(alias string) (map[string]any, bool) {
	row, ok := r.rows[alias]
	return maps.Clone(row), ok
}

// Aliases returns the row names in insertion order.
func (r *GraphResult) Aliases() []string { return slices.Clone(r.aliases) }

// plan fills in missing parents and returns the nodes in insertion order.
// A missing parent is the first node of that entity in the graph, or a new
// node built from the entity defaults.
func (g *Graph) plan() ([]*Node, error) {
	for _, n := range g.nodes {
		if n.err != nil {
			return nil, n.err
		}
	}
	if _, err := NewContracts(entitiesOf(g.nodes)...); err != nil {
		return nil, err
	}

	var (
		order []*Node
		done  = map[*Node]bool{}
	)
	var visit func(n *Node)
	visit = func(n *Node) {
		if done[n] {
			return
		}
		done[n] = true
		for _, dep := range n.entity.Depends {
			parent, ok := n.parents[dep.Parent]
			if !ok {
				parent = g.firstOf(dep.Parent)
				n.parents[dep.Parent] = parent
			}
			visit(parent)
		}
		order = append(order, n)
	}
	for i := 0; i < len(g.nodes); i++ {
		visit(g.nodes[i])
	}
	return order, nil
}

func (g *Graph) firstOf(e *Entity) *Node {
	for _, n := range g.nodes {
		if n.entity == e {
			return n
		}
	}
	return g.To(e)
}

func entitiesOf(nodes []*Node) []*Entity {
	var out []*Entity
	for _, n := range nodes {
		if !slices.Contains(out, n.entity) {
			out = append(out, n.entity)
		}
	}
	return out
}

// Insert writes the graph and returns the generated keys. Nothing is
// written when any row fails.
func (g *Graph) Insert(ctx context.Context) (*GraphResult, error) {
	order, err := g.plan()
	if err != nil {
		return nil, err
	}

	res := &GraphResult{keys: map[string]any{}, rows: map[string]map[string]any{}}
	seen := map[string]int{}
	for _, n := range order {
		if n.alias == "" {
			seen[n.entity.Name]++
			n.alias = n.entity.Name
			if c := seen[n.entity.Name]; c > 1 {
				n.alias += strconv.Itoa(c)
			}
		}
		if _, dup := res.rows[n.alias]; dup {
			return nil, fmt.Errorf("relational: row alias %q used twice", n.alias)
		}
		res.rows[n.alias] = nil
	}

	tx, err := g.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("relational: begin: %w", err)
	}
	inserted := map[*Node]any{}
	for _, n := range order {
		row := maps.Clone(n.values)
		for _, dep := range n.entity.Depends {
			row[dep.Column] = inserted[n.parents[dep.Parent]]
		}
		query, args, err := g.db.insertStatement(n.entity, row)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		var key any
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&key); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("relational: insert %s (%s): %w", n.alias, n.entity.Table, err)
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		inserted[n] = key
		row[n.entity.key()] = key
		res.aliases = append(res.aliases, n.alias)
		res.keys[n.alias] = key
		res.rows[n.alias] = row
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("relational: commit: %w", err)
	}
	return res, nil
}

// insertStatement renders an INSERT returning the key column. Columns are
// sorted so the statement is stable.
func (d *Database) insertStatement(e *Entity, row map[string]any) (string, []any, error) {
	table, err := quoteIdentifier(e.Table)
	if err != nil {
		return "", nil, err
	}
	key, err := quoteIdentifier(e.key())
	if err != nil {
		return "", nil, err
	}
	columns := slices.Sorted(maps.Keys(row))
	if len(columns) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES RETURNING " + key, nil, nil
	}
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		if quoted[i], err = quoteIdentifier(col); err != nil {
			return "", nil, fmt.Errorf("relational: entity %s: %w", e.Name, err)
		}
		marks[i] = d.placeholder(i + 1)
		args[i] = row[col]
	}
	query := "INSERT INTO " + table + " (" + strings.Join(quoted, ", ") + ") VALUES (" +
		strings.Join(marks, ", ") + ") RETURNING " + key
	return query, args, nil
}

func (d *Database) placeholder(n int) string {
	if d.dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
