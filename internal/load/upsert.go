// Package load writes batches into PostgreSQL with idempotent upserts.
package load

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/pg"
)

const lockTable = `SELECT pg_advisory_xact_lock(hashtext($1))`

// Target is the table a batch is upserted into.
type Target struct {
	Schema string
	Table  string
	Key    string // Unique column the upsert conflicts on
}

func (t Target) String() string { return pg.Table(t.Schema, t.Table) }

// Upserter inserts new rows and updates existing ones, keyed by the target's
// unique column. Loading the same batch twice leaves the table unchanged.
type Upserter struct {
	db      pg.Conner
	log     *zap.Logger
	maxRows int
}

// Option configures an Upserter.
type Option func(*Upserter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Upserter) { u.log = l }
}

// WithMaxRows caps the rows written per statement. Statements are always
// kept under etl.MaxBindParams parameters.
func WithMaxRows(n int) Option {
	return func(u *Upserter) { u.maxRows = n }
}

// New creates an Upserter writing to db.
func New(db pg.Conner, opts ...Option) *Upserter {
	u := &Upserter{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Load upserts b into t within one transaction. Rows sharing a key collapse
// to the last one. An empty batch is a no-op. On any error the transaction
// is rolled back and nothing is written.
//
// Concurrent loads of the same table are serialized with a transaction-scoped
// advisory lock.
func (u *Upserter) Load(ctx context.Context, b *etl.Batch, t Target) (err error) {
	if b.Len() == 0 {
		return nil
	}
	rows, err := collapse(b, t)
	if err != nil {
		return err
	}

	conn, err := pg.Checkout(ctx, u.db)
	if err != nil {
		return fmt.Errorf("load %s: %w", t, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: load %s: begin: %w", etl.ErrLoad, t, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, lockTable, t.String()); err != nil {
		return fmt.Errorf("%w: load %s: lock: %w", etl.ErrLoad, t, err)
	}

	statements := 0
	for _, chunk := range u.batcher(len(b.Columns)).Batch(rows) {
		var (
			query string
			args  []any
		)
		if query, args, err = Statement(t, b.Columns, chunk); err != nil {
			return fmt.Errorf("%w: load %s: build: %w", etl.ErrLoad, t, err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%w: load %s: %w", etl.ErrLoad, t, err)
		}
		statements++
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: load %s: commit: %w", etl.ErrLoad, t, err)
	}
	u.log.Debug("loaded",
		zap.Stringer("table", t),
		zap.Int("rows", len(rows)),
		zap.Int("statements", statements),
	)
	return nil
}

func (u *Upserter) batcher(columns int) etl.Batcher[[]any] {
	batchers := []etl.Batcher[[]any]{
		etl.WeightedBatcher(func([]any) int { return columns }, etl.MaxBindParams),
	}
	if u.maxRows > 0 {
		batchers = append(batchers, etl.SizeBatcher[[]any](u.maxRows))
	}
	return etl.CombineBatchers(batchers...)
}

// collapse returns the rows of b with one row per key, the last occurrence
// winning. PostgreSQL rejects a statement that updates the same row twice.
func collapse(b *etl.Batch, t Target) ([][]any, error) {
	key := b.Index(t.Key)
	if key < 0 {
		return nil, fmt.Errorf("%w: load %s: batch has no key column %q", etl.ErrLoad, t, t.Key)
	}
	for i, row := range b.Rows {
		if etl.IsNull(row[key]) {
			return nil, fmt.Errorf("%w: load %s: row %d has a null %s", etl.ErrLoad, t, i, t.Key)
		}
	}
	c := b.Clone()
	c.DedupeLast(t.Key)
	return c.Rows, nil
}

// Statement builds the upsert of rows into t. Values are bound as given.
// Every non-key column is overwritten on conflict; a key-only batch does
// nothing on conflict.
func Statement(t Target, columns []string, rows [][]any) (string, []any, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pg.Table("", c)
	}

	q := pg.SQL.Insert(t.String()).Columns(quoted...)
	for _, row := range rows {
		q = q.Values(row...)
	}
	return q.Suffix(onConflict(t, quoted)).ToSql()
}

func onConflict(t Target, quoted []string) string {
	key := pg.Table("", t.Key)
	var set []string
	for _, c := range quoted {
		if c == key {
			continue
		}
		set = append(set, c+" = EXCLUDED."+c)
	}
	if len(set) == 0 {
		return "ON CONFLICT (" + key + ") DO NOTHING"
	}
	return "ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(set, ", ")
}
