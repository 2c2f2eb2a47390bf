// Package dialect provides database dialect abstractions for multi-database support.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// For example, PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// AutoIncrementClause returns the clause for auto-increment primary keys
	AutoIncrementClause() string

	BooleanType() string
	TimestampType() string
	TextType() string

	// JSONType returns the column type used for JSON documents.
	JSONType() string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause for an
	// insert keyed on conflictColumns.
	UpsertClause(conflictColumns, updateColumns []string) string

	// PragmaStatements returns dialect-specific initialization statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

type sqlDialect struct {
	name          string
	driver        string
	numbered      bool
	autoIncrement string
	boolean       string
	timestamp     string
	text          string
	json          string
	pragmas       []string
	upsert        func(conflict, update []string) string
}

var dialects = map[DialectType]*sqlDialect{
	SQLite: {
		name:          "sqlite",
		driver:        "sqlite",
		autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT",
		boolean:       "INTEGER",
		timestamp:     "TIMESTAMP",
		text:          "TEXT",
		json:          "TEXT",
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
		upsert: onConflict("excluded.%s"),
	},
	Postgres: {
		name:          "postgres",
		driver:        "pgx",
		numbered:      true,
		autoIncrement: "BIGSERIAL PRIMARY KEY",
		boolean:       "BOOLEAN",
		timestamp:     "TIMESTAMP WITH TIME ZONE",
		text:          "TEXT",
		json:          "JSONB",
		upsert:        onConflict("EXCLUDED.%s"),
	},
	MySQL: {
		name:          "mysql",
		driver:        "mysql",
		autoIncrement: "BIGINT AUTO_INCREMENT PRIMARY KEY",
		boolean:       "TINYINT(1)",
		timestamp:     "DATETIME(6)",
		text:          "LONGTEXT",
		json:          "JSON",
		upsert: func(conflict, update []string) string {
			if len(update) == 0 {
				// No-op update keeps the existing row.
				return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflict[0], conflict[0])
			}
			sets := make([]string, len(update))
			for i, col := range update {
				sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
			}
			return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		},
	},
}

func onConflict(excluded string) func(conflict, update []string) string {
	return func(conflict, update []string) string {
		target := strings.Join(conflict, ", ")
		if len(update) == 0 {
			return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
		}
		sets := make([]string, len(update))
		for i, col := range update {
			sets[i] = fmt.Sprintf("%s = "+excluded, col, col)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
	}
}

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	d, ok := dialects[dialectType]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
	return d, nil
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return dialects[SQLite], nil
	case "postgres", "pgx":
		return dialects[Postgres], nil
	case "mysql":
		return dialects[MySQL], nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func (d *sqlDialect) Name() string                { return d.name }
func (d *sqlDialect) DriverName() string          { return d.driver }
func (d *sqlDialect) AutoIncrementClause() string { return d.autoIncrement }
func (d *sqlDialect) BooleanType() string         { return d.boolean }
func (d *sqlDialect) TimestampType() string       { return d.timestamp }
func (d *sqlDialect) TextType() string            { return d.text }
func (d *sqlDialect) JSONType() string            { return d.json }
func (d *sqlDialect) PragmaStatements() []string  { return d.pragmas }

func (d *sqlDialect) UpsertClause(conflictColumns, updateColumns []string) string {
	return d.upsert(conflictColumns, updateColumns)
}

func (d *sqlDialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch != '?' {
			sb.WriteRune(ch)
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}
