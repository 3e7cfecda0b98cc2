package sink

import (
	"fmt"
	"strings"

	"github.com/padraicbc/docmigrate/mapping"
)

// CreateTableSQL returns the CREATE TABLE statement for t.
func CreateTableSQL(d Dialect, t *mapping.Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		key := c.Name == t.PrimaryKey
		def := fmt.Sprintf("%s %s", d.Quote(c.Name), d.ColumnType(c.Type, key || c.References != ""))
		if key || c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", d.Quote(t.PrimaryKey)))

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Quote(t.Name), strings.Join(defs, ",\n\t"))
}

// JunctionTableSQL returns the CREATE TABLE statement for a junction owned
// by t. The owner column takes the owner's primary-key type.
func JunctionTableSQL(d Dialect, t *mapping.Table, j mapping.Junction) string {
	ownerType := t.PrimaryKeyColumn().Type
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s %s NOT NULL,\n\t%s %s NOT NULL,\n\tPRIMARY KEY (%s, %s)\n)",
		d.Quote(j.Table),
		d.Quote(j.OwnerColumn), d.ColumnType(ownerType, true),
		d.Quote(j.TargetColumn), d.ColumnType(j.Type, true),
		d.Quote(j.OwnerColumn), d.Quote(j.TargetColumn),
	)
}

// ForeignKeys returns every constraint implied by column and junction
// references in tables. Referenced primary keys are resolved against all;
// tables missing from all are assumed to use "id".
func ForeignKeys(tables, all []mapping.Table) []ForeignKey {
	pk := map[string]string{}
	for _, t := range all {
		pk[t.Name] = t.PrimaryKey
	}
	refColumn := func(table string) string {
		if c, ok := pk[table]; ok {
			return c
		}
		return "id"
	}

	var fks []ForeignKey
	for _, t := range tables {
		for _, c := range t.Columns {
			if c.References == "" {
				continue
			}
			fks = append(fks, ForeignKey{
				Name:      constraintName(t.Name, c.Name),
				Table:     t.Name,
				Column:    c.Name,
				RefTable:  c.References,
				RefColumn: refColumn(c.References),
			})
		}
		for _, j := range t.Junctions {
			fks = append(fks, ForeignKey{
				Name:      constraintName(j.Table, j.OwnerColumn),
				Table:     j.Table,
				Column:    j.OwnerColumn,
				RefTable:  t.Name,
				RefColumn: t.PrimaryKey,
			})
			if j.References != "" {
				fks = append(fks, ForeignKey{
					Name:      constraintName(j.Table, j.TargetColumn),
					Table:     j.Table,
					Column:    j.TargetColumn,
					RefTable:  j.References,
					RefColumn: refColumn(j.References),
				})
			}
		}
	}
	return fks
}

// constraintName keeps names within the 63-byte identifier limit.
func constraintName(table, column string) string {
	name := fmt.Sprintf("fk_%s_%s", table, column)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// InsertSQL returns a multi-row INSERT with one ? placeholder per value.
func InsertSQL(d Dialect, table string, cols, keys []string, rows int, mode mapping.ConflictMode) string {
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	values := make([]string, rows)
	for i := range values {
		values[i] = placeholders
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s",
		d.Quote(table), quoteList(d, cols), strings.Join(values, ", "), d.Conflict(mode, keys, cols))
}

// DDL returns every statement needed to create tables and their junctions,
// followed by foreign-key constraints when withFKs is set.
func DDL(d Dialect, tables, all []mapping.Table, withFKs bool) []string {
	var stmts []string
	for i := range tables {
		t := &tables[i]
		stmts = append(stmts, CreateTableSQL(d, t))
		for _, j := range t.Junctions {
			stmts = append(stmts, JunctionTableSQL(d, t, j))
		}
	}
	if withFKs {
		for _, fk := range ForeignKeys(tables, all) {
			stmts = append(stmts, d.AddForeignKey(fk))
		}
	}
	return stmts
}
