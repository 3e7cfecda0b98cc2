// Package transform reshapes documents into relational rows according to a
// mapping table.
package transform

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/padraicbc/docmigrate/extjson"
	"github.com/padraicbc/docmigrate/mapping"
)

// ErrMissingRequired is returned when a required field is absent or null and
// the column has no default.
var ErrMissingRequired = errors.New("missing required field")

// Row is one relational row with values in column order.
type Row struct {
	Columns []string
	Values  []any
	// Key is the coerced primary-key value.
	Key any
}

// Value returns the value of the named column.
func (r Row) Value(column string) (any, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// JunctionRow links an owner row to one element of an embedded array.
type JunctionRow struct {
	Table        string
	OwnerColumn  string
	TargetColumn string
	Owner        any
	Target       any
}

// DocumentError wraps a failure to transform one document.
type DocumentError struct {
	Table  string
	ID     any
	Column string
	Err    error
}

func (e *DocumentError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s: document %v: column %s: %v", e.Table, e.ID, e.Column, e.Err)
	}
	return fmt.Sprintf("%s: document %v: %v", e.Table, e.ID, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// DocumentID returns the normalized _id of doc, or nil.
func DocumentID(doc bson.M) any {
	return extjson.Normalize(doc["_id"])
}

// Apply maps doc onto t. It returns the row for t and the junction rows
// produced by t's junctions.
func Apply(t *mapping.Table, doc bson.M) (Row, []JunctionRow, error) {
	row := Row{
		Columns: make([]string, 0, len(t.Columns)),
		Values:  make([]any, 0, len(t.Columns)),
	}

	docErr := func(column string, err error) error {
		return &DocumentError{Table: t.Name, ID: DocumentID(doc), Column: column, Err: err}
	}

	for _, c := range t.Columns {
		v, err := columnValue(c, doc)
		if err != nil {
			return Row{}, nil, docErr(c.Name, err)
		}
		row.Columns = append(row.Columns, c.Name)
		row.Values = append(row.Values, v)
		if c.Name == t.PrimaryKey {
			row.Key = v
		}
	}

	if row.Key == nil {
		return Row{}, nil, docErr(t.PrimaryKey, errors.New("primary key is empty"))
	}

	var junctions []JunctionRow
	for _, j := range t.Junctions {
		targets, err := junctionTargets(j, doc)
		if err != nil {
			return Row{}, nil, docErr(j.Table, err)
		}
		for _, target := range targets {
			junctions = append(junctions, JunctionRow{
				Table:        j.Table,
				OwnerColumn:  j.OwnerColumn,
				TargetColumn: j.TargetColumn,
				Owner:        row.Key,
				Target:       target,
			})
		}
	}

	return row, junctions, nil
}

func columnValue(c mapping.Column, doc bson.M) (any, error) {
	v, found := mapping.Lookup(doc, c.Source)
	if !found || isNull(v) {
		switch {
		case c.Default != nil:
			v = c.Default
		case c.Required:
			return nil, ErrMissingRequired
		default:
			return nil, nil
		}
	}
	return mapping.Coerce(v, c.Type)
}

func isNull(v any) bool {
	return extjson.Normalize(v) == nil
}

// junctionTargets returns the distinct, non-null coerced elements of the
// junction's source array, in first-seen order.
func junctionTargets(j mapping.Junction, doc bson.M) ([]any, error) {
	v, found := mapping.Lookup(doc, j.Source)
	if !found || isNull(v) {
		return nil, nil
	}
	elems, ok := mapping.Elements(v)
	if !ok {
		return nil, fmt.Errorf("%s is %s, not an array", j.Source, extjson.TypeName(v))
	}

	seen := make(map[string]bool, len(elems))
	out := make([]any, 0, len(elems))
	for _, el := range elems {
		if j.ElementPath != "" {
			var found bool
			el, found = mapping.Lookup(el, j.ElementPath)
			if !found {
				continue
			}
		}
		target, err := mapping.Coerce(el, j.Type)
		if err != nil {
			return nil, err
		}
		if target == nil {
			continue
		}
		key := fmt.Sprint(target)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, target)
	}
	return out, nil
}

// JunctionCount returns the number of junction rows doc produces for j
// without building them.
func JunctionCount(j mapping.Junction, doc bson.M) (int, error) {
	targets, err := junctionTargets(j, doc)
	return len(targets), err
}
