package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
)

// Mapping returns the generated mapping file. It is round-tripped through
// the mapping parser so defaults are applied and the result is known to be
// valid.
func (r *Report) Mapping() (*mapping.File, error) {
	f := &mapping.File{Version: "1"}
	for _, c := range r.Collections {
		f.Tables = append(f.Tables, c.Table)
	}
	data, err := mapping.Marshal(f)
	if err != nil {
		return nil, err
	}
	parsed, err := mapping.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("generated mapping: %w", err)
	}
	return parsed, nil
}

// DDL returns the CREATE statements for the generated mapping.
func (r *Report) DDL(d sink.Dialect) ([]string, error) {
	f, err := r.Mapping()
	if err != nil {
		return nil, err
	}
	return sink.DDL(d, f.Tables, f.Tables, true), nil
}

// JSON returns the indented JSON report.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Markdown renders the migration-strategy report.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Migration strategy\n\n")
	fmt.Fprintf(&b, "Generated %s from up to %d sampled documents per collection. ",
		r.Generated.Format("2006-01-02 15:04 MST"), r.SampleSize)
	fmt.Fprintf(&b, "Fields need a %.0f%% dominant type for a typed column and references a %.0f%% match.\n\n",
		r.Threshold*100, r.FKThreshold*100)

	b.WriteString("## Load order\n\n")
	f, err := r.Mapping()
	if err != nil {
		fmt.Fprintf(&b, "The generated mapping is invalid: %v\n\n", err)
	} else if layers, err := mapping.Order(f.Tables); err != nil {
		fmt.Fprintf(&b, "%v\n\n", err)
	} else {
		for i, layer := range layers {
			names := make([]string, len(layer))
			for k, t := range layer {
				names[k] = "`" + t.Name + "`"
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(names, ", "))
		}
		b.WriteString("\nTables on the same line have no dependencies on each other and load concurrently.\n\n")
	}

	for _, c := range r.Collections {
		writeCollection(&b, c)
	}
	return b.String()
}

func writeCollection(b *strings.Builder, c *Collection) {
	fmt.Fprintf(b, "## %s\n\n", c.Name)
	fmt.Fprintf(b, "Table `%s`, %d documents, %d sampled.\n\n", c.Table.Name, c.Documents, c.Sampled)

	columns := map[string]mapping.Column{}
	for _, col := range c.Table.Columns {
		columns[col.Source] = col
	}
	junctions := map[string]mapping.Junction{}
	for _, j := range c.Table.Junctions {
		junctions[j.Source] = j
	}

	b.WriteString("| Field | Present | Types | Column | Type | Nullable |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, f := range c.Fields {
		target, typ, nullable := "", "", ""
		switch {
		case f.Depth > 0:
			target = "in json"
		default:
			if col, ok := columns[f.Path]; ok {
				target, typ = "`"+col.Name+"`", string(col.Type)
				nullable = "yes"
				if col.Required {
					nullable = "no"
				}
			} else if j, ok := junctions[f.Path]; ok {
				target, typ = "`"+j.Table+"`", "junction"
			}
		}
		fmt.Fprintf(b, "| `%s` | %.0f%% | %s | %s | %s | %s |\n",
			f.Path, f.Frequency*100, formatTypes(f.Types), target, typ, nullable)
	}
	b.WriteString("\n")

	if len(c.Relationships) > 0 {
		b.WriteString("### References\n\n")
		rels := append([]Relationship(nil), c.Relationships...)
		sort.Slice(rels, func(i, j int) bool { return rels[i].Field < rels[j].Field })
		for _, rel := range rels {
			kind := "many-to-one"
			if rel.Many {
				kind = "many-to-many"
			}
			fmt.Fprintf(b, "- `%s` -> `%s` (%s, %.0f%% of values match the id type", rel.Field, rel.Target, kind, rel.Confidence*100)
			if rel.Checked > 0 {
				fmt.Fprintf(b, ", %d of %d sampled ids found", rel.Matched, rel.Checked)
			}
			b.WriteString(")")
			if rel.Dropped != "" {
				fmt.Fprintf(b, ": not constrained, %s", rel.Dropped)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(c.Notes) > 0 {
		b.WriteString("### Notes\n\n")
		for _, n := range c.Notes {
			fmt.Fprintf(b, "- %s\n", n)
		}
		b.WriteString("\n")
	}
}
