package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/transform"
)

// ErrRowNotFound is returned by FetchRow when no row has the given key.
var ErrRowNotFound = errors.New("row not found")

// PrepareOptions controls table creation before a load.
type PrepareOptions struct {
	ForeignKeys bool
	Truncate    bool
}

// Tx is one open write transaction.
type Tx interface {
	// Insert writes rows of t and their junction rows.
	Insert(ctx context.Context, t *mapping.Table, rows []transform.Row, junctions []transform.JunctionRow) error
	Commit() error
	Rollback() error
}

// Store is the relational sink backed by bun.
type Store struct {
	db      *bun.DB
	dialect Dialect
	log     *zap.Logger
}

// New wraps an open bun connection.
func New(db *bun.DB, d Dialect, log *zap.Logger) *Store {
	return &Store{db: db, dialect: d, log: log}
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Prepare creates tables (and junction tables) for tables, adds foreign
// keys and optionally empties them. all is the full mapping, used to resolve
// referenced primary keys.
func (s *Store) Prepare(ctx context.Context, tables, all []mapping.Table, opts PrepareOptions) error {
	for _, stmt := range DDL(s.dialect, tables, all, false) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if opts.ForeignKeys {
		for _, fk := range ForeignKeys(tables, all) {
			if _, err := s.db.ExecContext(ctx, s.dialect.AddForeignKey(fk)); err != nil {
				s.log.Warn("constraint", zap.String("name", fk.Name), zap.Error(err))
			}
		}
	}

	if opts.Truncate {
		// Children first: junctions, then tables in reverse load order.
		var names []string
		for _, t := range tables {
			for _, j := range t.Junctions {
				names = append(names, j.Table)
			}
		}
		for i := len(tables) - 1; i >= 0; i-- {
			names = append(names, tables[i].Name)
		}
		for _, stmt := range s.dialect.Truncate(names) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
		}
		s.log.Info("truncated tables", zap.Strings("tables", names))
	}
	return nil
}

// Begin opens a write transaction.
func (s *Store) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &bunTx{tx: tx, dialect: s.dialect}, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + s.dialect.Quote(table)
	if err := s.db.NewRaw(q).Scan(ctx, &n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// FetchRow returns cols of the row of table whose pk equals key.
func (s *Store) FetchRow(ctx context.Context, table, pk string, key any, cols []string) (map[string]any, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		quoteList(s.dialect, cols), s.dialect.Quote(table), s.dialect.Quote(pk))

	row := map[string]interface{}{}
	if err := s.db.NewRaw(q, key).Scan(ctx, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("fetch %s %v: %w", table, key, err)
	}
	if len(row) == 0 {
		return nil, ErrRowNotFound
	}
	return row, nil
}

type bunTx struct {
	tx      bun.Tx
	dialect Dialect
}

func (b *bunTx) Commit() error   { return b.tx.Commit() }
func (b *bunTx) Rollback() error { return b.tx.Rollback() }

func (b *bunTx) Insert(ctx context.Context, t *mapping.Table, rows []transform.Row, junctions []transform.JunctionRow) error {
	rows = dedupeRows(rows)
	if len(rows) == 0 {
		return nil
	}

	cols := rows[0].Columns
	args := make([]any, 0, len(rows)*len(cols))
	for _, r := range rows {
		args = append(args, r.Values...)
	}
	q := InsertSQL(b.dialect, t.Name, cols, []string{t.PrimaryKey}, len(rows), t.Conflict)
	if _, err := b.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert %s: %w", t.Name, err)
	}

	if len(t.Junctions) == 0 {
		return nil
	}

	keys := make([]any, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	byTable := groupJunctions(junctions)
	for _, j := range t.Junctions {
		// Re-running an update replaces the owner's links rather than
		// accumulating stale ones.
		if t.Conflict == mapping.ConflictUpdate {
			del := fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", b.dialect.Quote(j.Table), b.dialect.Quote(j.OwnerColumn))
			if _, err := b.tx.ExecContext(ctx, del, bun.In(keys)); err != nil {
				return fmt.Errorf("clear %s: %w", j.Table, err)
			}
		}

		jrows := byTable[j.Table]
		if len(jrows) == 0 {
			continue
		}
		mode := mapping.ConflictIgnore
		if t.Conflict == mapping.ConflictError {
			mode = mapping.ConflictError
		}
		jcols := []string{j.OwnerColumn, j.TargetColumn}
		jargs := make([]any, 0, len(jrows)*2)
		for _, jr := range jrows {
			jargs = append(jargs, jr.Owner, jr.Target)
		}
		jq := InsertSQL(b.dialect, j.Table, jcols, jcols, len(jrows), mode)
		if _, err := b.tx.ExecContext(ctx, jq, jargs...); err != nil {
			return fmt.Errorf("insert %s: %w", j.Table, err)
		}
	}
	return nil
}

// dedupeRows keeps the last row for each key so one statement never
// touches the same row twice.
func dedupeRows(rows []transform.Row) []transform.Row {
	pos := make(map[string]int, len(rows))
	out := make([]transform.Row, 0, len(rows))
	for _, r := range rows {
		k := fmt.Sprint(r.Key)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

func groupJunctions(rows []transform.JunctionRow) map[string][]transform.JunctionRow {
	out := map[string][]transform.JunctionRow{}
	seen := map[string]bool{}
	for _, r := range rows {
		k := fmt.Sprintf("%s\x00%v\x00%v", r.Table, r.Owner, r.Target)
		if seen[k] {
			continue
		}
		seen[k] = true
		out[r.Table] = append(out[r.Table], r)
	}
	return out
}
