package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/etl"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/models"
	"github.com/padraicbc/docmigrate/verify"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunRecorder stores run progress in the bookkeeping tables.
type RunRecorder struct {
	db        bun.IDB
	startedBy string
}

// NewRunRecorder returns a recorder attributing runs to startedBy.
func NewRunRecorder(db bun.IDB, startedBy string) *RunRecorder {
	return &RunRecorder{db: db, startedBy: startedBy}
}

// RunStarted inserts the run row.
func (r *RunRecorder) RunStarted(ctx context.Context, s *etl.Summary) error {
	run := &models.MigrationRun{
		ID:        s.ID,
		DryRun:    s.DryRun,
		Status:    etl.StatusRunning,
		StartedBy: r.startedBy,
		Started:   s.Started,
	}
	if _, err := r.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// TableFinished inserts one table result.
func (r *RunRecorder) TableFinished(ctx context.Context, runID uuid.UUID, t etl.TableResult) error {
	row := tableRun(runID, t)
	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert table run: %w", err)
	}
	return nil
}

// RunFinished stores the final status and totals.
func (r *RunRecorder) RunFinished(ctx context.Context, s *etl.Summary) error {
	read, written, skipped := s.Totals()
	finished := s.Finished
	run := &models.MigrationRun{
		ID:       s.ID,
		Status:   s.Status,
		Finished: &finished,
		Read:     read,
		Written:  written,
		Skipped:  skipped,
		Error:    s.Error,
	}
	_, err := r.db.NewUpdate().Model(run).
		Column("status", "finished", "read_count", "written_count", "skipped_count", "error").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func tableRun(runID uuid.UUID, t etl.TableResult) *models.TableRun {
	return &models.TableRun{
		RunID:        runID,
		Table:        t.Table,
		Collection:   t.Collection,
		Read:         t.Read,
		Written:      t.Written,
		Skipped:      t.Skipped,
		JunctionRows: t.JunctionRows,
		DurationMS:   t.Duration.Milliseconds(),
		Status:       t.Status,
		Error:        t.Error,
		Finished:     time.Now().UTC(),
	}
}

// Repo reads and writes the bookkeeping tables.
type Repo struct {
	db bun.IDB
}

// NewRepo wraps an open connection.
func NewRepo(db bun.IDB) *Repo {
	return &Repo{db: db}
}

// Recorder returns an etl.Recorder attributing runs to startedBy.
func (r *Repo) Recorder(startedBy string) etl.Recorder {
	return NewRunRecorder(r.db, startedBy)
}

// ListRuns returns the most recent runs, newest first.
func (r *Repo) ListRuns(ctx context.Context, limit int) ([]models.MigrationRun, error) {
	var runs []models.MigrationRun
	err := r.db.NewSelect().Model(&runs).
		OrderExpr("r.started DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run with its table results.
func (r *Repo) GetRun(ctx context.Context, id uuid.UUID) (*models.MigrationRun, error) {
	run := &models.MigrationRun{ID: id}
	err := r.db.NewSelect().Model(run).
		Relation("Tables", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("tr.id ASC")
		}).
		WherePK().
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// SaveVerification stores a verifier result.
func (r *Repo) SaveVerification(ctx context.Context, res *verify.Result) (*models.Verification, error) {
	v := &models.Verification{
		Started:  res.Started,
		Finished: res.Finished,
		Passed:   res.Passed,
		Result:   res,
	}
	if _, err := r.db.NewInsert().Model(v).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert verification: %w", err)
	}
	return v, nil
}

// ListVerifications returns the most recent verifier results, newest first.
func (r *Repo) ListVerifications(ctx context.Context, limit int) ([]models.Verification, error) {
	var out []models.Verification
	err := r.db.NewSelect().Model(&out).
		OrderExpr("v.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	return out, nil
}

// SaveAnalysis stores an analyzer report together with its generated
// mapping and markdown rendering.
func (r *Repo) SaveAnalysis(ctx context.Context, report *analyzer.Report) (*models.AnalysisReport, error) {
	row, err := analysisRow(report)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert analysis: %w", err)
	}
	return row, nil
}

func analysisRow(report *analyzer.Report) (*models.AnalysisReport, error) {
	f, err := report.Mapping()
	if err != nil {
		return nil, err
	}
	data, err := mapping.Marshal(f)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisReport{
		Created:     report.Generated,
		Collections: len(report.Collections),
		Report:      report,
		Mapping:     string(data),
		Markdown:    report.Markdown(),
	}, nil
}

// LatestAnalysis returns the newest stored analyzer report.
func (r *Repo) LatestAnalysis(ctx context.Context) (*models.AnalysisReport, error) {
	a := &models.AnalysisReport{}
	err := r.db.NewSelect().Model(a).
		OrderExpr("a.id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis: %w", err)
	}
	return a, nil
}

// FindUser returns the console user with the given username.
func (r *Repo) FindUser(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := r.db.NewSelect().Model(user).
		Where("username = ?", username).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// SaveUser creates a console user or replaces the password of an existing
// one.
func (r *Repo) SaveUser(ctx context.Context, username, hash string) error {
	if _, err := upsertUser(r.db, username, hash).Exec(ctx); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func upsertUser(db bun.IDB, username, hash string) *bun.InsertQuery {
	q := db.NewInsert().Model(&models.User{Username: username, Password: hash})
	if db.Dialect().Name() == dialect.MySQL {
		return q.On("DUPLICATE KEY UPDATE password = VALUES(password)")
	}
	return q.On("CONFLICT (username) DO UPDATE SET password = EXCLUDED.password")
}
