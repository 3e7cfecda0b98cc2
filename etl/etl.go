// Package etl runs every table of a mapping file through one generic
// read-transform-write loop.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
	"github.com/padraicbc/docmigrate/transform"
)

const (
	DefaultBatchSize = 500
	DefaultWorkers   = 4
)

// Table statuses.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusDryRun   = "dry-run"
	StatusRunning  = "running"
	StatusCanceled = "canceled"
)

// Sink is the relational side of a run.
type Sink interface {
	Prepare(ctx context.Context, tables, all []mapping.Table, opts sink.PrepareOptions) error
	Begin(ctx context.Context) (sink.Tx, error)
}

// Recorder persists run progress. Recorder errors are logged and never fail
// a run.
type Recorder interface {
	RunStarted(ctx context.Context, s *Summary) error
	TableFinished(ctx context.Context, runID uuid.UUID, r TableResult) error
	RunFinished(ctx context.Context, s *Summary) error
}

// Progress receives one Add per document read.
type Progress interface {
	Add(n int) error
	Finish() error
}

// ProgressFunc creates a Progress for a table about to load total documents.
type ProgressFunc func(table string, total int64) Progress

// TableResult is the outcome of loading one table.
type TableResult struct {
	Table        string        `json:"table"`
	Collection   string        `json:"collection"`
	Read         int64         `json:"read"`
	Written      int64         `json:"written"`
	Skipped      int64         `json:"skipped"`
	JunctionRows int64         `json:"junction_rows"`
	Duration     time.Duration `json:"duration"`
	Status       string        `json:"status"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// Summary is the outcome of a run.
type Summary struct {
	ID       uuid.UUID     `json:"id"`
	DryRun   bool          `json:"dry_run"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Status   string        `json:"status"`
	Tables   []TableResult `json:"tables"`
	Error    string        `json:"error,omitempty"`
}

// Failed reports whether any table failed.
func (s *Summary) Failed() bool {
	for _, t := range s.Tables {
		if t.Status == StatusFailed || t.Status == StatusCanceled {
			return true
		}
	}
	return false
}

// Totals sums the per-table counters.
func (s *Summary) Totals() (read, written, skipped int64) {
	for _, t := range s.Tables {
		read += t.Read
		written += t.Written
		skipped += t.Skipped
	}
	return read, written, skipped
}

// Runner executes a mapping file against a source and a sink.
type Runner struct {
	Source source.Source
	Sink   Sink
	File   *mapping.File

	BatchSize int
	Workers   int
	// DryRun transforms every document without touching the sink.
	DryRun   bool
	Truncate bool
	// SkipForeignKeys leaves reference columns unconstrained.
	SkipForeignKeys bool

	// RunID is used as the summary id when set.
	RunID    uuid.UUID
	Recorder Recorder
	Progress ProgressFunc
	Logger   *zap.Logger
}

// Run loads the named tables (all when names is empty) in dependency
// layers. Tables within a layer load concurrently. A failed layer stops the
// run; the returned summary covers every table attempted.
func (r *Runner) Run(ctx context.Context, names []string) (*Summary, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tables, err := r.File.Select(names)
	if err != nil {
		return nil, err
	}
	layers, err := mapping.Order(tables)
	if err != nil {
		return nil, err
	}

	id := r.RunID
	if id == uuid.Nil {
		id = uuid.New()
	}
	summary := &Summary{ID: id, DryRun: r.DryRun, Started: time.Now().UTC(), Status: StatusRunning}
	log = log.With(zap.String("run", id.String()))

	// bookkeeping outlives cancellation so a canceled run is still recorded
	rctx := context.WithoutCancel(ctx)
	r.record(log, func() error { return r.Recorder.RunStarted(rctx, summary) })

	finish := func(err error) (*Summary, error) {
		summary.Finished = time.Now().UTC()
		summary.Status = StatusOK
		if err != nil {
			summary.Status = StatusFailed
			if ctx.Err() != nil {
				summary.Status = StatusCanceled
			}
			summary.Error = err.Error()
		}
		r.record(log, func() error { return r.Recorder.RunFinished(rctx, summary) })
		return summary, err
	}

	if !r.DryRun {
		opts := sink.PrepareOptions{ForeignKeys: !r.SkipForeignKeys, Truncate: r.Truncate}
		if err := r.Sink.Prepare(ctx, tables, r.File.Tables, opts); err != nil {
			return finish(fmt.Errorf("prepare sink: %w", err))
		}
	}

	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	for i, layer := range layers {
		log.Debug("starting layer", zap.Int("layer", i), zap.Int("tables", len(layer)))

		results := make([]TableResult, len(layer))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for j := range layer {
			t := &layer[j]
			g.Go(func() error {
				res := r.runTable(gctx, log, t)

				mu.Lock()
				results[j] = res
				mu.Unlock()

				r.record(log, func() error { return r.Recorder.TableFinished(rctx, id, res) })
				if res.Err != nil {
					return fmt.Errorf("%s: %w", t.Name, res.Err)
				}
				return nil
			})
		}
		err := g.Wait()
		summary.Tables = append(summary.Tables, results...)
		if err != nil {
			return finish(err)
		}
	}

	return finish(nil)
}

func (r *Runner) record(log *zap.Logger, fn func() error) {
	if r.Recorder == nil {
		return
	}
	if err := fn(); err != nil {
		log.Warn("record run", zap.Error(err))
	}
}

func (r *Runner) batchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}

// runTable streams one collection into its table.
func (r *Runner) runTable(ctx context.Context, log *zap.Logger, t *mapping.Table) (res TableResult) {
	log = log.With(zap.String("table", t.Name), zap.String("collection", t.Collection))
	start := time.Now()
	res = TableResult{Table: t.Name, Collection: t.Collection}

	defer func() {
		res.Duration = time.Since(start)
		switch {
		case res.Err != nil && errors.Is(res.Err, context.Canceled):
			res.Status = StatusCanceled
		case res.Err != nil:
			res.Status = StatusFailed
		case r.DryRun:
			res.Status = StatusDryRun
		default:
			res.Status = StatusOK
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
			log.Error("table failed", zap.Error(res.Err), zap.Int64("read", res.Read))
			return
		}
		log.Info("table migrated",
			zap.Int64("read", res.Read),
			zap.Int64("written", res.Written),
			zap.Int64("skipped", res.Skipped),
			zap.Int64("junction_rows", res.JunctionRows),
			zap.Duration("took", res.Duration),
		)
	}()

	filter, err := source.ParseFilter(t.Filter)
	if err != nil {
		res.Err = err
		return res
	}

	var bar Progress
	if r.Progress != nil {
		total, err := r.Source.Count(ctx, t.Collection, filter)
		if err != nil {
			res.Err = fmt.Errorf("count documents: %w", err)
			return res
		}
		bar = r.Progress(t.Name, total)
		defer bar.Finish()
	}

	res.Err = r.load(ctx, log, t, filter, &res, bar)
	return res
}

func (r *Runner) load(ctx context.Context, log *zap.Logger, t *mapping.Table, filter bson.M, res *TableResult, bar Progress) (err error) {
	size := r.batchSize()

	var tx sink.Tx
	defer func() {
		if tx == nil {
			return
		}
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Warn("rollback", zap.Error(rerr))
			}
			if t.Commit == mapping.CommitBatch {
				log.Warn("earlier batches stay committed", zap.Int64("written", res.Written))
			}
			return
		}
		err = tx.Commit()
		if err != nil {
			err = fmt.Errorf("commit: %w", err)
		}
	}()

	rows := make([]transform.Row, 0, size)
	var junctions []transform.JunctionRow

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if !r.DryRun {
			if tx == nil {
				var berr error
				if tx, berr = r.Sink.Begin(ctx); berr != nil {
					return berr
				}
			}
			if werr := tx.Insert(ctx, t, rows, junctions); werr != nil {
				return werr
			}
			if t.Commit == mapping.CommitBatch {
				cerr := tx.Commit()
				tx = nil
				if cerr != nil {
					return fmt.Errorf("commit batch: %w", cerr)
				}
			}
		}
		res.Written += int64(len(rows))
		res.JunctionRows += int64(len(junctions))
		log.Debug("batch written", zap.Int("rows", len(rows)), zap.Int("junction_rows", len(junctions)))
		rows = rows[:0]
		junctions = junctions[:0]
		return nil
	}

	opts := source.StreamOptions{Filter: filter, BatchSize: int32(size)}
	err = r.Source.Stream(ctx, t.Collection, opts, func(doc bson.M) error {
		res.Read++
		if bar != nil {
			_ = bar.Add(1)
		}

		row, js, terr := transform.Apply(t, doc)
		if terr != nil {
			if t.OnError == mapping.OnErrorSkip {
				res.Skipped++
				log.Warn("skipping document", zap.Error(terr))
				return nil
			}
			return terr
		}
		rows = append(rows, row)
		junctions = append(junctions, js...)
		if len(rows) >= size {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}
