package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/config"
	"github.com/padraicbc/docmigrate/models"
	"github.com/padraicbc/docmigrate/sink"
)

// Setup opens the relational sink named by cfg.SinkDriver and pings it.
func Setup(ctx context.Context, cfg *config.Config) (*bun.DB, sink.Dialect, error) {
	var db *bun.DB
	switch cfg.SinkDriver {
	case config.DriverMySQL:
		mcfg, err := mysql.ParseDSN(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// DATETIME columns must scan into time.Time.
		mcfg.ParseTime = true
		connector, err := mysql.NewConnector(mcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("mysql connector: %w", err)
		}
		db = bun.NewDB(sql.OpenDB(connector), mysqldialect.New())
	default:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.PostgresDSN())))
		db = bun.NewDB(sqldb, pgdialect.New())
	}

	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d, err := sink.DialectFor(cfg.SinkDriver)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, d, nil
}

// CreateTables creates the bookkeeping tables used by the console and the
// run recorder.
func CreateTables(ctx context.Context, db *bun.DB, log *zap.Logger) error {
	tables := []interface{}{
		(*models.User)(nil),
		(*models.MigrationRun)(nil),
		(*models.TableRun)(nil),
		(*models.Verification)(nil),
		(*models.AnalysisReport)(nil),
	}

	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", model, err)
		}
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS, so a second run fails here.
	_, err := db.NewCreateIndex().
		Model((*models.TableRun)(nil)).
		Index("docmigrate_table_runs_run_id_idx").
		Column("run_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		log.Debug("index", zap.Error(err))
	}

	return nil
}
