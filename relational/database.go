package relational

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/forgeit/jsoncmp"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour of a Database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

func quoteIdentifier(name string) (string, error) {
	if !validIdentifier.MatchString(name) {
		return "", fmt.Errorf("relational: invalid SQL identifier %q", name)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, "."), nil
}

// Database is the test-facing view of a relational database.
type Database struct {
	db      *sql.DB
	dialect Dialect
	exclude map[string]bool
	phase   CleanupPhase
}

// Open connects to dsn with the driver of dialect. Tables named in
// cleanExclude survive Clean.
func Open(dialect Dialect, dsn string, cleanExclude ...string) (*Database, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("relational: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One connection keeps in-memory databases alive and consistent.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect, cleanExclude...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, cleanExclude ...string) *Database {
	exclude := make(map[string]bool, len(cleanExclude))
	for _, t := range cleanExclude {
		exclude[strings.ToLower(t)] = true
	}
	return &Database{db: db, dialect: dialect, exclude: exclude}
}

// DB returns the underlying handle.
func (d *Database) DB() *sql.DB { return d.db }

// Dialect returns the SQL flavour.
func (d *Database) Dialect() Dialect { return d.dialect }

// CleanupPhase returns the configured per-test cleanup phase.
func (d *Database) CleanupPhase() CleanupPhase { return d.phase }

// Ping verifies the connection.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("relational: ping %s: %w", d.dialect, err)
	}
	return nil
}

// Close closes the handle.
func (d *Database) Close() error { return d.db.Close() }

// ExecScript runs every statement of script in one transaction.
func (d *Database) ExecScript(ctx context.Context, script string) error {
	stmts := SplitStatements(script)
	if len(stmts) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relational: begin: %w", err)
	}
	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("relational: statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relational: commit: %w", err)
	}
	return nil
}

// ExecFile runs the script stored at path.
func (d *Database) ExecFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("relational: read script: %w", err)
	}
	if err := d.ExecScript(ctx, string(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Tables lists the user tables of the current schema, sorted.
func (d *Database) Tables(ctx context.Context) ([]string, error) {
	var q string
	switch d.dialect {
	case Postgres:
		q = `SELECT tablename FROM pg_tables WHERE schemaname = current_schema() ORDER BY tablename`
	default:
		q = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("relational: list tables: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("relational: list tables: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Clean deletes every row of every table except the excluded ones.
func (d *Database) Clean(ctx context.Context) error {
	tables, err := d.Tables(ctx)
	if err != nil {
		return err
	}
	var quoted []string
	for _, t := range tables {
		if d.exclude[strings.ToLower(t)] {
			continue
		}
		q, err := quoteIdentifier(t)
		if err != nil {
			return err
		}
		quoted = append(quoted, q)
	}
	if len(quoted) == 0 {
		return nil
	}
	if d.dialect == Postgres {
		_, err := d.db.ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" RESTART IDENTITY CASCADE")
		if err != nil {
			return fmt.Errorf("relational: truncate: %w", err)
		}
		return nil
	}

	var script strings.Builder
	script.WriteString("PRAGMA foreign_keys = OFF;\n")
	for _, q := range quoted {
		script.WriteString("DELETE FROM " + q + ";\n")
	}
	script.WriteString("PRAGMA foreign_keys = ON;\n")
	for _, stmt := range SplitStatements(script.String()) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("relational: clean: %w", err)
		}
	}
	return nil
}

// Count returns the number of rows of table.
func (d *Database) Count(ctx context.Context, table string) (int, error) {
	q, err := quoteIdentifier(table)
	if err != nil {
		return 0, err
	}
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q).Scan(&n); err != nil {
		return 0, fmt.Errorf("relational: count %s: %w", table, err)
	}
	return n, nil
}

// Fetch runs query and returns each row as a column map. Byte values are
// returned as strings.
func (d *Database) Fetch(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("relational: columns: %w", err)
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("relational: scan failed: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relational: row iteration: %w", err)
	}
	return results, nil
}

// FetchOne returns the single row of query. Zero or several rows fail.
func (d *Database) FetchOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := d.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("relational: expected exactly one row, got %d", len(rows))
	}
	return rows[0], nil
}

// Expect compares the rows of a query with expected JSON.
type Expect struct {
	Query  string
	Args   []any
	Ignore []string
}

// ExpectJSON runs e.Query and compares the row list with expected, ignoring
// the jq paths of e.Ignore (e.g. ".[].id").
func (d *Database) ExpectJSON(ctx context.Context, expected any, e Expect) error {
	rows, err := d.Fetch(ctx, e.Query, e.Args...)
	if err != nil {
		return err
	}
	if err := jsoncmp.Compare(expected, rows, e.Ignore...); err != nil {
		return fmt.Errorf("relational: %s: %w", e.Query, err)
	}
	return nil
}

// SplitStatements splits script on semicolons outside quotes and comments.
// Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
