// Package analyzer samples collections and infers a relational schema: per
// field type distributions, column types, probable references and the
// junction tables needed for embedded reference arrays.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/extjson"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/source"
)

const (
	DefaultSampleSize = 1000
	DefaultThreshold  = 0.9
	defaultRefChecks  = 50
)

// Options tunes an analysis.
type Options struct {
	// SampleSize caps the documents read per collection.
	SampleSize int
	// Threshold is the share a field's dominant type needs for a typed
	// column. Below it the field is stored as json.
	Threshold float64
	// FKThreshold is the share of values that must look like references,
	// and with ValidateRefs the share that must resolve. Defaults to
	// Threshold.
	FKThreshold float64
	// ValidateRefs looks sampled reference values up in the target
	// collection.
	ValidateRefs bool
	RefChecks    int
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultThreshold
	}
	if o.FKThreshold <= 0 || o.FKThreshold > 1 {
		o.FKThreshold = o.Threshold
	}
	if o.RefChecks <= 0 {
		o.RefChecks = defaultRefChecks
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Field is the observed profile of one document path. Nested paths are
// dotted; elements of arrays are marked with [].
type Field struct {
	Path      string         `json:"path"`
	Depth     int            `json:"depth"`
	Present   int            `json:"present"`
	Nulls     int            `json:"nulls"`
	Types     map[string]int `json:"types"`
	Elements  map[string]int `json:"element_types,omitempty"`
	Frequency float64        `json:"frequency"`
	Dominant  string         `json:"dominant"`
	Share     float64        `json:"share"`

	values []any
	seen   map[string]bool
}

const maxRemembered = 200

func (f *Field) remember(v any) {
	if len(f.values) >= maxRemembered {
		return
	}
	n := extjson.Normalize(v)
	if n == nil {
		return
	}
	key := fmt.Sprint(n)
	if f.seen[key] {
		return
	}
	f.seen[key] = true
	f.values = append(f.values, n)
}

// Relationship is a probable reference from a field to another collection.
type Relationship struct {
	Field      string  `json:"field"`
	Target     string  `json:"target"`
	Many       bool    `json:"many"`
	Confidence float64 `json:"confidence"`
	Checked    int     `json:"checked,omitempty"`
	Matched    int     `json:"matched,omitempty"`
	// Dropped says why the reference is not emitted as a constraint.
	Dropped string `json:"dropped,omitempty"`

	stem string
}

// MatchRatio is the share of checked values found in the target.
func (r Relationship) MatchRatio() float64 {
	if r.Checked == 0 {
		return 0
	}
	return float64(r.Matched) / float64(r.Checked)
}

// Collection is the analysis of one collection.
type Collection struct {
	Name          string         `json:"name"`
	Documents     int64          `json:"documents"`
	Sampled       int            `json:"sampled"`
	Fields        []*Field       `json:"fields"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Notes         []string       `json:"notes,omitempty"`
	Table         mapping.Table  `json:"table"`
}

// Field returns the profile of path.
func (c *Collection) Field(path string) (*Field, bool) {
	for _, f := range c.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return nil, false
}

func (c *Collection) note(format string, args ...any) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, args...))
}

// Report is the result of Analyze.
type Report struct {
	Generated   time.Time     `json:"generated"`
	SampleSize  int           `json:"sample_size"`
	Threshold   float64       `json:"threshold"`
	FKThreshold float64       `json:"fk_threshold"`
	Collections []*Collection `json:"collections"`
}

// Collection returns the analysis of name.
func (r *Report) Collection(name string) (*Collection, bool) {
	for _, c := range r.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Analyze profiles the named collections (every collection when names is
// empty) and derives a table for each.
func Analyze(ctx context.Context, src source.Source, names []string, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	all, err := src.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		names = all
	}

	report := &Report{
		Generated:   time.Now().UTC(),
		SampleSize:  opts.SampleSize,
		Threshold:   opts.Threshold,
		FKThreshold: opts.FKThreshold,
	}
	for _, name := range names {
		c, err := profile(ctx, src, name, opts)
		if err != nil {
			return nil, err
		}
		log.Info("collection sampled",
			zap.String("collection", name),
			zap.Int64("documents", c.Documents),
			zap.Int("sampled", c.Sampled),
			zap.Int("fields", len(c.Fields)),
		)
		report.Collections = append(report.Collections, c)
	}

	idTypes := map[string]string{}
	for _, c := range report.Collections {
		if f, ok := c.Field("_id"); ok {
			idTypes[c.Name] = f.Dominant
		}
	}

	for _, c := range report.Collections {
		c.Relationships = detectRelationships(c, all, idTypes, opts)
		if opts.ValidateRefs {
			if err := checkRelationships(ctx, src, c, opts); err != nil {
				return nil, err
			}
		}
	}
	breakCycles(report)

	for _, c := range report.Collections {
		c.Table = buildTable(c, idTypes, opts)
	}
	return report, nil
}

func profile(ctx context.Context, src source.Source, name string, opts Options) (*Collection, error) {
	total, err := src.Count(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", name, err)
	}
	docs, err := src.Sample(ctx, name, opts.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", name, err)
	}

	p := &profiler{fields: map[string]*Field{}}
	for _, d := range docs {
		p.walk("", d, 0, map[string]bool{})
	}
	return &Collection{
		Name:      name,
		Documents: total,
		Sampled:   len(docs),
		Fields:    p.finish(len(docs)),
	}, nil
}

type profiler struct {
	fields map[string]*Field
}

func (p *profiler) field(path string, depth int) *Field {
	f, ok := p.fields[path]
	if !ok {
		f = &Field{Path: path, Depth: depth, Types: map[string]int{}, seen: map[string]bool{}}
		p.fields[path] = f
	}
	return f
}

type entry struct {
	key   string
	value any
}

// entries lists a document's fields in lexical order.
func entries(doc any) []entry {
	var out []entry
	switch d := doc.(type) {
	case bson.M:
		for _, k := range extjson.SortedKeys(d) {
			out = append(out, entry{k, d[k]})
		}
	case map[string]any:
		for _, k := range extjson.SortedKeys(d) {
			out = append(out, entry{k, d[k]})
		}
	case primitive.D:
		for _, e := range d {
			out = append(out, entry{e.Key, e.Value})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].key < out[j].key })
	}
	return out
}

func (p *profiler) walk(prefix string, doc any, depth int, seen map[string]bool) {
	for _, e := range entries(doc) {
		path := e.key
		if prefix != "" {
			path = prefix + "." + e.key
		}
		p.observe(path, depth, e.value, seen)
	}
}

func (p *profiler) observe(path string, depth int, v any, seen map[string]bool) {
	f := p.field(path, depth)
	if !seen[path] {
		seen[path] = true
		f.Present++
	}

	typ := extjson.TypeName(v)
	f.Types[typ]++
	switch typ {
	case "null":
		f.Nulls++
	case "object":
		p.walk(path, v, depth+1, seen)
	case "array":
		elems, _ := mapping.Elements(v)
		if f.Elements == nil {
			f.Elements = map[string]int{}
		}
		for _, el := range elems {
			et := extjson.TypeName(el)
			f.Elements[et]++
			if et == "object" {
				p.walk(path+"[]", el, depth+1, seen)
				continue
			}
			f.remember(el)
		}
	default:
		f.remember(v)
	}
}

// finish computes frequencies and dominant types. _id sorts first, the rest
// by path.
func (p *profiler) finish(sampled int) []*Field {
	out := make([]*Field, 0, len(p.fields))
	for _, f := range p.fields {
		if sampled > 0 {
			f.Frequency = float64(f.Present) / float64(sampled)
		}
		f.Dominant, f.Share = dominant(f.Types)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == "_id" || out[j].Path == "_id" {
			return out[i].Path == "_id"
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// dominant returns the most frequent non-null type and its share of the
// non-null observations. Ties go to the lexically smaller name.
func dominant(counts map[string]int) (string, float64) {
	best, bestN, total := "null", 0, 0
	for typ, n := range counts {
		if typ == "null" {
			continue
		}
		total += n
		if n > bestN || (n == bestN && typ < best) {
			best, bestN = typ, n
		}
	}
	if total == 0 {
		return "null", 0
	}
	return best, float64(bestN) / float64(total)
}

var numericTypes = map[string]bool{"int": true, "long": true, "double": true, "decimal": true}

// columnType maps a field profile onto a declared type. The second result
// is false when the field is too mixed for a typed column.
func columnType(counts map[string]int, dom string, share, threshold float64) (mapping.Type, bool) {
	if numericTypes[dom] {
		var numeric, total int
		for typ, n := range counts {
			if typ == "null" {
				continue
			}
			total += n
			if numericTypes[typ] {
				numeric += n
			}
		}
		if total > 0 && float64(numeric)/float64(total) >= threshold {
			switch {
			case counts["decimal"] > 0:
				return mapping.TypeDecimal, true
			case counts["double"] > 0:
				return mapping.TypeFloat, true
			case counts["long"] > 0:
				return mapping.TypeBigInt, true
			default:
				return mapping.TypeInt, true
			}
		}
	}
	if share < threshold {
		return mapping.TypeJSON, false
	}
	return typeFor(dom), true
}

// typeFor maps a BSON type name onto a declared column type.
func typeFor(bsonType string) mapping.Type {
	switch bsonType {
	case "objectId":
		return mapping.TypeObjectID
	case "int":
		return mapping.TypeInt
	case "long":
		return mapping.TypeBigInt
	case "double":
		return mapping.TypeFloat
	case "decimal":
		return mapping.TypeDecimal
	case "bool":
		return mapping.TypeBool
	case "date", "timestamp":
		return mapping.TypeTimestamp
	case "uuid":
		return mapping.TypeUUID
	case "object", "array":
		return mapping.TypeJSON
	default:
		return mapping.TypeString
	}
}

func detectRelationships(c *Collection, all []string, idTypes map[string]string, opts Options) []Relationship {
	var rels []Relationship
	for _, f := range c.Fields {
		if f.Depth != 0 || f.Path == "_id" {
			continue
		}

		many := f.Dominant == "array"
		stem, manyName, ok := refStem(f.Path)
		if !ok {
			// A field named after a collection ("author", "tags") only
			// counts when it holds object ids.
			et, _ := dominant(f.Elements)
			if f.Dominant != "objectId" && !(many && et == "objectId") {
				continue
			}
			stem = f.Path
		}
		if manyName && !many {
			continue
		}

		target, found := matchCollection(stem, all)
		if !found {
			continue
		}

		valueType, share := f.Dominant, f.Share
		if many {
			valueType, share = dominant(f.Elements)
		}
		targetID := idTypes[target]
		if valueType != "objectId" && (targetID == "" || valueType != targetID) {
			continue
		}
		if share < opts.FKThreshold {
			c.note("%s looks like a reference to %s but only %.0f%% of values are %s", f.Path, target, share*100, valueType)
			continue
		}

		rel := Relationship{Field: f.Path, Target: target, Many: many, Confidence: share, stem: stem}
		if _, analyzed := idTypes[target]; !analyzed {
			rel.Dropped = "target collection not analyzed"
		}
		rels = append(rels, rel)
	}
	return rels
}

func checkRelationships(ctx context.Context, src source.Source, c *Collection, opts Options) error {
	for i := range c.Relationships {
		r := &c.Relationships[i]
		if r.Dropped != "" {
			continue
		}
		f, _ := c.Field(r.Field)
		values := f.values
		if len(values) > opts.RefChecks {
			values = values[:opts.RefChecks]
		}
		for _, v := range values {
			_, err := src.FindByID(ctx, r.Target, v)
			switch {
			case err == nil:
				r.Matched++
			case errors.Is(err, source.ErrNotFound):
			default:
				return fmt.Errorf("check %s.%s: %w", c.Name, r.Field, err)
			}
			r.Checked++
		}
		if r.Checked > 0 && r.MatchRatio() < opts.FKThreshold {
			r.Dropped = fmt.Sprintf("only %d of %d sampled values exist in %s", r.Matched, r.Checked, r.Target)
		}
	}
	return nil
}

// breakCycles drops the weakest reference in each dependency cycle until
// the collections can be ordered.
func breakCycles(report *Report) {
	for {
		tables := make([]mapping.Table, 0, len(report.Collections))
		for _, c := range report.Collections {
			t := mapping.Table{Name: c.Name}
			for _, r := range c.Relationships {
				if r.Dropped == "" {
					t.DependsOn = append(t.DependsOn, r.Target)
				}
			}
			tables = append(tables, t)
		}

		_, err := mapping.Order(tables)
		var cycle *mapping.CycleError
		if !errors.As(err, &cycle) {
			return
		}

		stuck := map[string]bool{}
		for _, name := range cycle.Tables {
			stuck[name] = true
		}
		var weakest *Relationship
		var owner string
		for _, c := range report.Collections {
			if !stuck[c.Name] {
				continue
			}
			for i := range c.Relationships {
				r := &c.Relationships[i]
				if r.Dropped != "" || !stuck[r.Target] || r.Target == c.Name {
					continue
				}
				if weakest == nil || r.Confidence < weakest.Confidence {
					weakest, owner = r, c.Name
				}
			}
		}
		if weakest == nil {
			return
		}
		weakest.Dropped = fmt.Sprintf("breaks a dependency cycle between %s and %s", owner, weakest.Target)
	}
}

func buildTable(c *Collection, idTypes map[string]string, opts Options) mapping.Table {
	t := mapping.Table{
		Name:       SnakeCase(c.Name),
		Collection: c.Name,
		PrimaryKey: "id",
	}

	rels := map[string]Relationship{}
	for _, r := range c.Relationships {
		rels[r.Field] = r
	}

	used := map[string]bool{}
	columnName := func(base string) string {
		name := base
		for i := 2; used[name]; i++ {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		used[name] = true
		return name
	}

	pkType := mapping.TypeObjectID
	if id, ok := c.Field("_id"); ok && id.Dominant != "null" {
		pkType = typeFor(id.Dominant)
		if pkType == mapping.TypeJSON {
			c.note("_id holds %s values; the primary key is stored as text", id.Dominant)
			pkType = mapping.TypeString
		}
	}
	t.Columns = append(t.Columns, mapping.Column{Name: columnName("id"), Source: "_id", Type: pkType, Required: true})

	for _, f := range c.Fields {
		if f.Depth != 0 || f.Path == "_id" {
			continue
		}
		r, isRef := rels[f.Path]
		if isRef && r.Dropped == "" && r.Many {
			t.Junctions = append(t.Junctions, junctionFor(t.Name, r, idTypes))
			continue
		}

		col := mapping.Column{
			Source:   f.Path,
			Required: f.Frequency == 1 && f.Nulls == 0,
		}
		typ, typed := columnType(f.Types, f.Dominant, f.Share, opts.Threshold)
		switch {
		case f.Dominant == "null":
			col.Type = mapping.TypeString
			c.note("%s is always null", f.Path)
		case !typed:
			col.Type = typ
			c.note("%s has mixed types (%s); stored as json", f.Path, formatTypes(f.Types))
		default:
			col.Type = typ
		}
		if f.Frequency < 0.5 && f.Dominant != "null" {
			c.note("%s appears in only %.0f%% of documents", f.Path, f.Frequency*100)
		}

		if isRef && r.Dropped == "" {
			col.References = SnakeCase(r.Target)
			col.Type = typeFor(idTypes[r.Target])
			if col.Type == mapping.TypeJSON {
				col.Type = mapping.TypeString
			}
		}
		col.Name = columnName(SnakeCase(f.Path))
		t.Columns = append(t.Columns, col)
	}
	return t
}

func junctionFor(owner string, r Relationship, idTypes map[string]string) mapping.Junction {
	ref := SnakeCase(r.Target)
	j := mapping.Junction{
		Table:        junctionName(owner, r.stem),
		Source:       r.Field,
		OwnerColumn:  inflection.Singular(owner) + "_id",
		TargetColumn: inflection.Singular(ref) + "_id",
		Type:         typeFor(idTypes[r.Target]),
		References:   ref,
	}
	if j.Type == mapping.TypeJSON {
		j.Type = mapping.TypeString
	}
	if j.TargetColumn == j.OwnerColumn {
		j.TargetColumn = SnakeCase(inflection.Singular(r.stem)) + "_id"
		if j.TargetColumn == j.OwnerColumn {
			j.TargetColumn = "target_id"
		}
	}
	return j
}

func formatTypes(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for typ := range counts {
		names = append(names, typ)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, typ := range names {
		parts[i] = fmt.Sprintf("%s %d", typ, counts[typ])
	}
	return strings.Join(parts, ", ")
}
