package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MigrationRun is one execution of the ETL runner.
type MigrationRun struct {
	bun.BaseModel `bun:"table:docmigrate_runs,alias:r"`

	ID        uuid.UUID  `bun:"id,pk,type:varchar(36)" json:"id"`
	DryRun    bool       `bun:"dry_run,notnull,default:false" json:"dryRun"`
	Status    string     `bun:"status,notnull" json:"status"`
	StartedBy string     `bun:"started_by" json:"startedBy,omitempty"`
	Started   time.Time  `bun:"started,notnull" json:"started"`
	Finished  *time.Time `bun:"finished" json:"finished,omitempty"`
	Read      int64      `bun:"read_count,notnull,default:0" json:"read"`
	Written   int64      `bun:"written_count,notnull,default:0" json:"written"`
	Skipped   int64      `bun:"skipped_count,notnull,default:0" json:"skipped"`
	Error     string     `bun:"error,type:text" json:"error,omitempty"`

	Tables []*TableRun `bun:"rel:has-many,join:id=run_id" json:"tables,omitempty"`
}

// TableRun is the outcome of one table within a run.
type TableRun struct {
	bun.BaseModel `bun:"table:docmigrate_table_runs,alias:tr"`

	ID           int64     `bun:"id,pk,autoincrement" json:"-"`
	RunID        uuid.UUID `bun:"run_id,notnull,type:varchar(36)" json:"-"`
	Table        string    `bun:"table_name,notnull" json:"table"`
	Collection   string    `bun:"collection,notnull" json:"collection"`
	Read         int64     `bun:"read_count,notnull,default:0" json:"read"`
	Written      int64     `bun:"written_count,notnull,default:0" json:"written"`
	Skipped      int64     `bun:"skipped_count,notnull,default:0" json:"skipped"`
	JunctionRows int64     `bun:"junction_rows,notnull,default:0" json:"junctionRows"`
	DurationMS   int64     `bun:"duration_ms,notnull,default:0" json:"durationMs"`
	Status       string    `bun:"status,notnull" json:"status"`
	Error        string    `bun:"error,type:text" json:"error,omitempty"`
	Finished     time.Time `bun:"finished,notnull" json:"finished"`
}
