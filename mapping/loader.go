package mapping

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/jinzhu/inflection"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// LoadFile reads, checks and defaults the mapping file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes YAML mapping data. The document is checked against the
// embedded JSON Schema before decoding, then defaults are applied and the
// result is validated.
func Parse(data []byte) (*File, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}
	if err := checkSchema(generic); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}

	applyDefaults(&f)

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func checkSchema(doc any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to check mapping schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.add(field, "%s", desc.Description())
	}
	return verr
}

// applyDefaults fills in optional fields.
func applyDefaults(f *File) {
	if f.Version == "" {
		f.Version = "1"
	}

	for i := range f.Tables {
		t := &f.Tables[i]
		if t.OnError == "" {
			t.OnError = OnErrorAbort
		}
		if t.Commit == "" {
			t.Commit = CommitTable
		}
		if t.Conflict == "" {
			t.Conflict = ConflictUpdate
		}
		if t.PrimaryKey == "" {
			t.PrimaryKey = "id"
		}

		for j := range t.Columns {
			c := &t.Columns[j]
			if c.Source == "" {
				if c.Name == t.PrimaryKey {
					c.Source = "_id"
				} else {
					c.Source = c.Name
				}
			}
		}

		for j := range t.Junctions {
			jn := &t.Junctions[j]
			if jn.OwnerColumn == "" {
				jn.OwnerColumn = inflection.Singular(t.Name) + "_id"
			}
			if jn.TargetColumn == "" {
				if jn.References != "" {
					jn.TargetColumn = inflection.Singular(jn.References) + "_id"
				} else {
					jn.TargetColumn = "value"
				}
			}
			if jn.Type == "" {
				if jn.References != "" {
					jn.Type = TypeObjectID
				} else {
					jn.Type = TypeString
				}
			}
		}
	}
}

// Marshal serializes a mapping file to YAML.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// WriteFile writes f to path as YAML.
func WriteFile(f *File, path string) error {
	data, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write mapping file %s: %w", path, err)
	}
	return nil
}

// Select returns the tables named in names, matched by table name or by
// collection. An empty list selects every table.
func (f *File) Select(names []string) ([]Table, error) {
	if len(names) == 0 {
		return append([]Table(nil), f.Tables...), nil
	}

	var (
		out     []Table
		unknown []string
		seen    = map[string]bool{}
	)
	for _, name := range names {
		found := false
		for _, t := range f.Tables {
			if t.Name == name || t.Collection == name {
				found = true
				if !seen[t.Name] {
					seen[t.Name] = true
					out = append(out, t)
				}
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown tables: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
