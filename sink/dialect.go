// Package sink writes mapped rows into the relational database and reads
// them back for verification.
package sink

import (
	"fmt"
	"strings"

	"github.com/padraicbc/docmigrate/mapping"
)

// Dialect holds the SQL differences between supported sinks.
type Dialect interface {
	Name() string
	Quote(ident string) string
	// ColumnType returns the column type for t. key is set for primary-key
	// and junction columns, which some databases need bounded.
	ColumnType(t mapping.Type, key bool) string
	// Conflict returns the clause appended to an INSERT for mode, given the
	// key columns and every inserted column.
	Conflict(mode mapping.ConflictMode, keys, cols []string) string
	// AddForeignKey returns an idempotent statement where the database
	// allows it.
	AddForeignKey(fk ForeignKey) string
	Truncate(tables []string) []string
}

// ForeignKey is a constraint emitted after every table exists.
type ForeignKey struct {
	Name      string
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "postgres", "postgresql", "pg":
		return Postgres{}, nil
	case "mysql", "mariadb":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("unsupported sink driver %q (must be postgres or mysql)", name)
	}
}

func quoteList(d Dialect, idents []string) string {
	q := make([]string, len(idents))
	for i, id := range idents {
		q[i] = d.Quote(id)
	}
	return strings.Join(q, ", ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Postgres is the PostgreSQL dialect.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (Postgres) ColumnType(t mapping.Type, _ bool) string {
	switch t {
	case mapping.TypeObjectID:
		return "CHAR(24)"
	case mapping.TypeInt:
		return "INTEGER"
	case mapping.TypeBigInt:
		return "BIGINT"
	case mapping.TypeFloat:
		return "DOUBLE PRECISION"
	case mapping.TypeDecimal:
		return "NUMERIC"
	case mapping.TypeBool:
		return "BOOLEAN"
	case mapping.TypeTimestamp:
		return "TIMESTAMPTZ"
	case mapping.TypeDate:
		return "DATE"
	case mapping.TypeJSON:
		return "JSONB"
	case mapping.TypeUUID:
		return "UUID"
	default:
		return "TEXT"
	}
}

func (p Postgres) Conflict(mode mapping.ConflictMode, keys, cols []string) string {
	switch mode {
	case mapping.ConflictIgnore:
		return " ON CONFLICT DO NOTHING"
	case mapping.ConflictUpdate:
		var sets []string
		for _, c := range cols {
			if contains(keys, c) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", p.Quote(c), p.Quote(c)))
		}
		if len(sets) == 0 {
			return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quoteList(p, keys))
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteList(p, keys), strings.Join(sets, ", "))
	default:
		return ""
	}
}

func (p Postgres) AddForeignKey(fk ForeignKey) string {
	return fmt.Sprintf(
		`DO $$ BEGIN IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED; END IF; END $$`,
		strings.ReplaceAll(fk.Name, "'", "''"),
		p.Quote(fk.Table), p.Quote(fk.Name), p.Quote(fk.Column),
		p.Quote(fk.RefTable), p.Quote(fk.RefColumn),
	)
}

// Truncate empties tables in one statement, so references among them are
// fine. A table outside the list that still references one of them makes the
// statement fail instead of being emptied too.
func (p Postgres) Truncate(tables []string) []string {
	if len(tables) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("TRUNCATE %s", quoteList(p, tables))}
}

// MySQL is the MySQL/MariaDB dialect.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) ColumnType(t mapping.Type, key bool) string {
	switch t {
	case mapping.TypeObjectID:
		return "CHAR(24)"
	case mapping.TypeInt:
		return "INT"
	case mapping.TypeBigInt:
		return "BIGINT"
	case mapping.TypeFloat:
		return "DOUBLE"
	case mapping.TypeDecimal:
		return "DECIMAL(38,10)"
	case mapping.TypeBool:
		return "BOOLEAN"
	case mapping.TypeTimestamp:
		return "DATETIME(6)"
	case mapping.TypeDate:
		return "DATE"
	case mapping.TypeJSON:
		return "JSON"
	case mapping.TypeUUID:
		return "CHAR(36)"
	default:
		if key {
			return "VARCHAR(255)"
		}
		return "TEXT"
	}
}

func (m MySQL) Conflict(mode mapping.ConflictMode, keys, cols []string) string {
	switch mode {
	case mapping.ConflictIgnore:
		k := m.Quote(keys[0])
		return fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", k, k)
	case mapping.ConflictUpdate:
		var sets []string
		for _, c := range cols {
			if contains(keys, c) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", m.Quote(c), m.Quote(c)))
		}
		if len(sets) == 0 {
			k := m.Quote(keys[0])
			return fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", k, k)
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		return ""
	}
}

func (m MySQL) AddForeignKey(fk ForeignKey) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		m.Quote(fk.Table), m.Quote(fk.Name), m.Quote(fk.Column),
		m.Quote(fk.RefTable), m.Quote(fk.RefColumn),
	)
}

func (m MySQL) Truncate(tables []string) []string {
	stmts := make([]string, 0, len(tables))
	for _, t := range tables {
		stmts = append(stmts, "DELETE FROM "+m.Quote(t))
	}
	return stmts
}
