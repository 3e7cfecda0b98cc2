package mapping

import (
	"fmt"
	"strings"
)

// FieldError is one problem found in a mapping file.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects every problem found in a mapping file.
type ValidationError struct {
	Errors []FieldError
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid mapping:\n")
	for i, e := range ve.Errors {
		fmt.Fprintf(&sb, "  %d. %s: %s\n", i+1, e.Field, e.Message)
	}
	return sb.String()
}

func (ve *ValidationError) add(field, format string, args ...any) {
	ve.Errors = append(ve.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks cross-references the JSON Schema cannot express: unique
// names, primary keys that exist, and references to known tables.
func (f *File) Validate() error {
	verr := &ValidationError{}

	tables := map[string]bool{}
	for _, t := range f.Tables {
		tables[t.Name] = true
		for _, j := range t.Junctions {
			tables[j.Table] = true
		}
	}

	seen := map[string]bool{}
	for i, t := range f.Tables {
		path := fmt.Sprintf("tables[%d](%s)", i, t.Name)
		if t.Name == "" {
			verr.add(path, "name is required")
		}
		if seen[t.Name] {
			verr.add(path, "duplicate table name %q", t.Name)
		}
		seen[t.Name] = true

		if t.Collection == "" {
			verr.add(path, "collection is required")
		}
		if len(t.Columns) == 0 {
			verr.add(path, "at least one column is required")
		}

		cols := map[string]bool{}
		for j, c := range t.Columns {
			cpath := fmt.Sprintf("%s.columns[%d](%s)", path, j, c.Name)
			if cols[c.Name] {
				verr.add(cpath, "duplicate column %q", c.Name)
			}
			cols[c.Name] = true
			if !c.Type.Valid() {
				verr.add(cpath, "unknown type %q", c.Type)
			}
			if c.References != "" && !tables[c.References] {
				verr.add(cpath, "references unknown table %q", c.References)
			}
			if c.Default != nil {
				if _, err := Coerce(c.Default, c.Type); err != nil {
					verr.add(cpath, "default does not match type: %v", err)
				}
			}
		}

		if !cols[t.PrimaryKey] {
			verr.add(path, "primary key %q is not a column", t.PrimaryKey)
		}

		for _, dep := range t.DependsOn {
			if !tables[dep] {
				verr.add(path, "depends on unknown table %q", dep)
			}
		}

		for j, jn := range t.Junctions {
			jpath := fmt.Sprintf("%s.junctions[%d](%s)", path, j, jn.Table)
			if jn.Table == t.Name {
				verr.add(jpath, "junction table must differ from its owner")
			}
			if jn.OwnerColumn == jn.TargetColumn {
				verr.add(jpath, "owner and target columns must differ")
			}
			if !jn.Type.Valid() {
				verr.add(jpath, "unknown type %q", jn.Type)
			}
			if jn.References != "" && !tables[jn.References] {
				verr.add(jpath, "references unknown table %q", jn.References)
			}
		}

		switch t.OnError {
		case OnErrorAbort, OnErrorSkip:
		default:
			verr.add(path, "unknown on_error %q", t.OnError)
		}
		switch t.Commit {
		case CommitTable, CommitBatch:
		default:
			verr.add(path, "unknown commit mode %q", t.Commit)
		}
		switch t.Conflict {
		case ConflictUpdate, ConflictIgnore, ConflictError:
		default:
			verr.add(path, "unknown conflict mode %q", t.Conflict)
		}
	}

	if _, err := Order(f.Tables); err != nil {
		verr.add("tables", "%v", err)
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}
