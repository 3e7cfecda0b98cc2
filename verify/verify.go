// Package verify re-reads both sides after a migration and reports whether
// the relational copy matches the documents it came from.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
	"github.com/padraicbc/docmigrate/transform"
)

// DefaultSampleSize is the number of documents compared per table.
const DefaultSampleSize = 100

// Store is the read side of the relational sink.
type Store interface {
	Count(ctx context.Context, table string) (int64, error)
	FetchRow(ctx context.Context, table, pk string, key any, cols []string) (map[string]any, error)
}

// Options tunes a verification.
type Options struct {
	SampleSize int
	// Tolerance is the relative tolerance for float columns.
	Tolerance float64
	// Junctions recounts junction rows from every source document.
	Junctions bool
	Logger    *zap.Logger
}

// Mismatch is one column whose sink value differs from the source.
type Mismatch struct {
	ID       string `json:"id"`
	Column   string `json:"column"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// JunctionCount compares the rows a junction table should hold with the
// rows it holds.
type JunctionCount struct {
	Table    string `json:"table"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// TableResult is the verification of one table.
type TableResult struct {
	Table       string          `json:"table"`
	Collection  string          `json:"collection"`
	SourceCount int64           `json:"source_count"`
	SinkCount   int64           `json:"sink_count"`
	Sampled     int             `json:"sampled"`
	Unmappable  int             `json:"unmappable"`
	Missing     []string        `json:"missing,omitempty"`
	Mismatches  []Mismatch      `json:"mismatches,omitempty"`
	Junctions   []JunctionCount `json:"junctions,omitempty"`
	Passed      bool            `json:"passed"`
	Error       string          `json:"error,omitempty"`
}

func (r *TableResult) evaluate() {
	r.Passed = r.Error == "" &&
		r.SourceCount == r.SinkCount &&
		len(r.Missing) == 0 &&
		len(r.Mismatches) == 0
	for _, j := range r.Junctions {
		if j.Expected != j.Actual {
			r.Passed = false
		}
	}
}

// Result is the outcome of Verify.
type Result struct {
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Tables   []TableResult `json:"tables"`
	Passed   bool          `json:"passed"`
}

// Verify compares every table with its collection. Errors reading one table
// are recorded on that table and do not stop the others; only a
// cancelled context aborts.
func Verify(ctx context.Context, src source.Source, store Store, tables []mapping.Table, opts Options) (*Result, error) {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	res := &Result{Started: time.Now().UTC(), Passed: true}
	for i := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := &tables[i]
		tr := verifyTable(ctx, src, store, t, opts)
		tr.evaluate()
		if !tr.Passed {
			res.Passed = false
		}
		log.Info("table verified",
			zap.String("table", t.Name),
			zap.Bool("passed", tr.Passed),
			zap.Int64("source", tr.SourceCount),
			zap.Int64("sink", tr.SinkCount),
			zap.Int("mismatches", len(tr.Mismatches)),
		)
		res.Tables = append(res.Tables, tr)
	}
	res.Finished = time.Now().UTC()
	return res, nil
}

func verifyTable(ctx context.Context, src source.Source, store Store, t *mapping.Table, opts Options) TableResult {
	tr := TableResult{Table: t.Name, Collection: t.Collection}
	fail := func(err error) TableResult {
		tr.Error = err.Error()
		return tr
	}

	filter, err := source.ParseFilter(t.Filter)
	if err != nil {
		return fail(err)
	}
	if tr.SourceCount, err = src.Count(ctx, t.Collection, filter); err != nil {
		return fail(fmt.Errorf("count source: %w", err))
	}
	if tr.SinkCount, err = store.Count(ctx, t.Name); err != nil {
		return fail(fmt.Errorf("count sink: %w", err))
	}

	docs, err := sample(ctx, src, t.Collection, filter, opts.SampleSize)
	if err != nil {
		return fail(fmt.Errorf("sample: %w", err))
	}

	for _, doc := range docs {
		row, _, err := transform.Apply(t, doc)
		if err != nil {
			// a document the load could not map either
			tr.Unmappable++
			continue
		}
		tr.Sampled++
		id := Format(row.Key)

		got, err := store.FetchRow(ctx, t.Name, t.PrimaryKey, row.Key, row.Columns)
		if errors.Is(err, sink.ErrRowNotFound) {
			tr.Missing = append(tr.Missing, id)
			continue
		}
		if err != nil {
			return fail(err)
		}

		for i, name := range row.Columns {
			col, _ := t.Column(name)
			if !Equal(col.Type, row.Values[i], got[name], opts.Tolerance) {
				tr.Mismatches = append(tr.Mismatches, Mismatch{
					ID:       id,
					Column:   name,
					Expected: Format(row.Values[i]),
					Actual:   Format(got[name]),
				})
			}
		}
	}

	if opts.Junctions && len(t.Junctions) > 0 {
		counts, err := junctionCounts(ctx, src, store, t, filter)
		if err != nil {
			return fail(err)
		}
		tr.Junctions = counts
	}
	return tr
}

// sample draws random documents, or the first n in _id order when the
// table is filtered, since random sampling ignores filters.
func sample(ctx context.Context, src source.Source, collection string, filter bson.M, n int) ([]bson.M, error) {
	if len(filter) == 0 {
		return src.Sample(ctx, collection, n)
	}
	var docs []bson.M
	err := src.Stream(ctx, collection, source.StreamOptions{Filter: filter, Limit: int64(n)}, func(d bson.M) error {
		docs = append(docs, d)
		return nil
	})
	return docs, err
}

func junctionCounts(ctx context.Context, src source.Source, store Store, t *mapping.Table, filter bson.M) ([]JunctionCount, error) {
	counts := make([]JunctionCount, len(t.Junctions))
	for i, j := range t.Junctions {
		counts[i].Table = j.Table
	}

	err := src.Stream(ctx, t.Collection, source.StreamOptions{Filter: filter}, func(doc bson.M) error {
		if _, _, err := transform.Apply(t, doc); err != nil {
			return nil
		}
		for i, j := range t.Junctions {
			n, err := transform.JunctionCount(j, doc)
			if err != nil {
				return nil
			}
			counts[i].Expected += int64(n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count junction rows: %w", err)
	}

	for i := range counts {
		n, err := store.Count(ctx, counts[i].Table)
		if err != nil {
			return nil, fmt.Errorf("count sink: %w", err)
		}
		counts[i].Actual = n
	}
	return counts, nil
}

// Print writes one PASS or FAIL line per table followed by the details of
// each failure.
func (r *Result) Print(w io.Writer) {
	for _, t := range r.Tables {
		status := "PASS"
		if !t.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %-24s source=%d sink=%d sampled=%d\n", status, t.Table, t.SourceCount, t.SinkCount, t.Sampled)
		if t.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", t.Error)
		}
		if t.Unmappable > 0 {
			fmt.Fprintf(w, "      %d sampled documents could not be mapped\n", t.Unmappable)
		}
		for _, id := range t.Missing {
			fmt.Fprintf(w, "      missing row %s\n", id)
		}
		for _, m := range t.Mismatches {
			fmt.Fprintf(w, "      %s.%s: source=%q sink=%q\n", m.ID, m.Column, m.Expected, m.Actual)
		}
		for _, j := range t.Junctions {
			if j.Expected != j.Actual {
				fmt.Fprintf(w, "      %s: expected %d rows, found %d\n", j.Table, j.Expected, j.Actual)
			}
		}
	}
	if r.Passed {
		fmt.Fprintln(w, "PASS")
	} else {
		fmt.Fprintln(w, "FAIL")
	}
}
