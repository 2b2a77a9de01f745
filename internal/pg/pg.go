// Package pg holds the PostgreSQL plumbing shared by the readers, the
// loader and the log recorder.
package pg

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	etl "github.com/paccafe/retail-etl"
)

// SQL builds statements with PostgreSQL $n placeholders.
var SQL = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Conner hands out dedicated connections. *sql.DB satisfies it.
//
// Components check out one connection per call and release it before
// returning, so a failed call never leaves a connection behind.
type Conner interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Open opens a database handle and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", etl.ErrConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", etl.ErrConnection, err)
	}
	return db, nil
}

// Checkout returns a dedicated connection. The caller must close it.
func Checkout(ctx context.Context, db Conner) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConnection, err)
	}
	return conn, nil
}

// Table returns the quoted, schema-qualified name of a table.
func Table(schema, table string) string {
	if schema == "" {
		return pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// ScanBatch reads every remaining row into a batch named entity. Text and
// numeric values the driver returns as []byte are converted to string so
// rows can be compared and written to CSV unchanged.
func ScanBatch(rows *sql.Rows, entity string) (*etl.Batch, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	b := etl.NewBatch(entity, cols...)

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return b, err
		}
		for i, v := range vals {
			if raw, ok := v.([]byte); ok {
				vals[i] = string(raw)
			}
		}
		b.Rows = append(b.Rows, vals)
	}
	return b, rows.Err()
}
