// Package extract reads batches from PostgreSQL: incremental slices of
// staging tables, full snapshots of source tables, and the natural to
// surrogate key pairs of warehouse dimensions.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/pg"
)

// Request selects the rows of one staging table.
type Request struct {
	Schema string
	Table  string

	// WatermarkTable is the warehouse table the staging table feeds. Its
	// latest successful load bounds the extraction from below.
	WatermarkTable string

	// AsOf bounds the extraction from above.
	AsOf time.Time
}

// Incremental reads the rows created since the last successful warehouse
// load of a table.
type Incremental struct {
	db    pg.Conner
	marks etl.WatermarkSource
	log   *zap.Logger
}

// NewIncremental creates an Incremental reading db with watermarks from marks.
func NewIncremental(db pg.Conner, marks etl.WatermarkSource, log *zap.Logger) *Incremental {
	if log == nil {
		log = zap.NewNop()
	}
	return &Incremental{db: db, marks: marks, log: log}
}

// Extract returns the rows of req.Table with watermark < created_at <= AsOf,
// oldest first. A failed watermark lookup fails the extraction.
func (x *Incremental) Extract(ctx context.Context, req Request) (*etl.Batch, error) {
	if req.AsOf.IsZero() {
		return nil, fmt.Errorf("%w: extract %s: as-of time is required", etl.ErrQuery, req.Table)
	}
	since, err := etl.Since(ctx, x.marks, etl.LoadWatermark(req.WatermarkTable))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", req.Table, queryKind(err))
	}

	q := pg.SQL.Select("*").
		From(pg.Table(req.Schema, req.Table)).
		Where(sq.Gt{"created_at": since}).
		Where(sq.LtOrEq{"created_at": req.AsOf.UTC()}).
		OrderBy("created_at")
	b, err := run(ctx, x.db, req.Table, q)
	if err != nil {
		return b, err
	}
	x.log.Debug("extracted",
		zap.String("table", req.Table),
		zap.Time("since", since),
		zap.Time("as_of", req.AsOf),
		zap.Int("rows", b.Len()),
	)
	return b, nil
}

// SnapshotReader reads whole tables.
type SnapshotReader struct {
	db pg.Conner
}

// NewSnapshotReader creates a SnapshotReader over db.
func NewSnapshotReader(db pg.Conner) *SnapshotReader {
	return &SnapshotReader{db: db}
}

// Read returns every row of schema.table.
func (r *SnapshotReader) Read(ctx context.Context, schema, table string) (*etl.Batch, error) {
	return run(ctx, r.db, table, pg.SQL.Select("*").From(pg.Table(schema, table)))
}

// Dimension names a warehouse dimension and its key columns.
type Dimension struct {
	Table string
	NK    string
	SK    string
}

// DimensionReader reads the NK/SK pairs the warehouse assigned.
type DimensionReader struct {
	db     pg.Conner
	schema string
}

// NewDimensionReader creates a DimensionReader over the dimensions in schema.
func NewDimensionReader(db pg.Conner, schema string) *DimensionReader {
	return &DimensionReader{db: db, schema: schema}
}

// Keys returns a two-column batch (d.NK, d.SK) named after the dimension.
func (r *DimensionReader) Keys(ctx context.Context, d Dimension) (*etl.Batch, error) {
	q := pg.SQL.Select(pg.Table("", d.NK), pg.Table("", d.SK)).From(pg.Table(r.schema, d.Table))
	return run(ctx, r.db, d.Table, q)
}

// KeysFor reads several dimensions into reference batches keyed by table.
func (r *DimensionReader) KeysFor(ctx context.Context, dims ...Dimension) (etl.Refs, error) {
	refs := make(etl.Refs, len(dims))
	for _, d := range dims {
		b, err := r.Keys(ctx, d)
		if err != nil {
			return nil, err
		}
		refs[d.Table] = b
	}
	return refs, nil
}

func run(ctx context.Context, db pg.Conner, table string, q sq.SelectBuilder) (*etl.Batch, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", etl.ErrQuery, table, err)
	}
	conn, err := pg.Checkout(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", etl.ErrQuery, table, err)
	}
	b, err := pg.ScanBatch(rows, table)
	if err != nil {
		return b, fmt.Errorf("%w: scan %s: %w", etl.ErrQuery, table, err)
	}
	return b, nil
}

// queryKind keeps a connection failure as such and treats anything else
// from the watermark lookup as a query failure.
func queryKind(err error) error {
	if errors.Is(err, etl.ErrConnection) || errors.Is(err, etl.ErrQuery) {
		return err
	}
	return fmt.Errorf("%w: %w", etl.ErrQuery, err)
}
