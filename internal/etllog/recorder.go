// Package etllog persists pipeline events in the etl_log table and answers
// watermark queries against it.
package etllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/pg"
)

const insertEvent = `INSERT INTO etl_log (step, component, status, table_name, etl_date, error_msg)
VALUES ($1, $2, $3, $4, $5, $6)`

// DefaultLatestQuery returns the latest etl_date of matching events.
// Parameters: $1 step, $2 table_name (ILIKE pattern), $3 status, $4 component.
const DefaultLatestQuery = `SELECT MAX(etl_date) FROM etl_log
WHERE step = $1 AND table_name ILIKE $2 AND status = $3 AND component = $4`

// QueryFile is the file in the queries directory that overrides
// DefaultLatestQuery.
const QueryFile = "log.sql"

// Counter is the subset of prometheus.Counter the recorder uses.
type Counter interface {
	Inc()
}

// Recorder writes events to the log database.
//
// Record never fails the caller: a write error is logged and counted, and
// the pipeline carries on.
type Recorder struct {
	db       pg.Conner
	log      *zap.Logger
	failures Counter
	latest   string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used to report failed writes.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithFailureCounter sets the counter incremented on every failed write.
func WithFailureCounter(c Counter) Option {
	return func(r *Recorder) { r.failures = c }
}

// WithLatestQuery replaces DefaultLatestQuery. The query must take the same
// four parameters and return a single nullable timestamp.
func WithLatestQuery(query string) Option {
	return func(r *Recorder) {
		if strings.TrimSpace(query) != "" {
			r.latest = query
		}
	}
}

// New creates a Recorder writing to db.
func New(db pg.Conner, opts ...Option) *Recorder {
	r := &Recorder{
		db:     db,
		log:    zap.NewNop(),
		latest: DefaultLatestQuery,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadQuery reads the watermark query from dir. A missing file yields
// DefaultLatestQuery; an empty dir means no override.
func LoadQuery(dir string) (string, error) {
	if dir == "" {
		return DefaultLatestQuery, nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, QueryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultLatestQuery, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", QueryFile, err)
	}
	return string(raw), nil
}

// Record writes e.
func (r *Recorder) Record(ctx context.Context, e etl.Event) {
	if err := r.insert(ctx, e); err != nil {
		if r.failures != nil {
			r.failures.Inc()
		}
		r.log.Error("etl log write failed",
			zap.String("step", e.Step),
			zap.String("component", string(e.Component)),
			zap.String("status", string(e.Status)),
			zap.String("table", e.TableName),
			zap.Error(err),
		)
	}
}

func (r *Recorder) insert(ctx context.Context, e etl.Event) error {
	conn, err := pg.Checkout(ctx, r.db)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := sql.NullString{String: e.ErrorMsg, Valid: e.ErrorMsg != ""}
	_, err = conn.ExecContext(ctx, insertEvent,
		e.Step, string(e.Component), string(e.Status), e.TableName, e.EtlDate.UTC(), msg)
	if err != nil {
		return fmt.Errorf("%w: insert etl_log: %w", etl.ErrQuery, err)
	}
	return nil
}

// Latest returns the latest etl_date among the events matching w, with the
// table name compared case-insensitively.
func (r *Recorder) Latest(ctx context.Context, w etl.Watermark) (time.Time, bool, error) {
	conn, err := pg.Checkout(ctx, r.db)
	if err != nil {
		return time.Time{}, false, err
	}
	defer conn.Close()

	var latest sql.NullTime
	err = conn.QueryRowContext(ctx, r.latest,
		w.Step, likeLiteral(w.TableName), string(w.Status), string(w.Component)).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: watermark %s: %w", etl.ErrQuery, w, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// likeLiteral escapes LIKE wildcards so "dim_products" matches only itself.
func likeLiteral(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
