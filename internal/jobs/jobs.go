// Package jobs binds the readers, transforms and loader into the staging and
// warehouse jobs the pipeline runs.
package jobs

import (
	"context"
	"time"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/extract"
	"github.com/paccafe/retail-etl/internal/load"
)

// Reader reads a whole table. container is a schema for the source database
// and a spreadsheet key for the worksheet reader.
type Reader interface {
	Read(ctx context.Context, container, table string) (*etl.Batch, error)
}

// Extractor reads the staging rows added since the last warehouse load.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*etl.Batch, error)
}

// KeyReader reads the dimension keys a transform resolves against.
type KeyReader interface {
	KeysFor(ctx context.Context, dims ...extract.Dimension) (etl.Refs, error)
}

// Loader upserts a batch into a table.
type Loader interface {
	Load(ctx context.Context, b *etl.Batch, t load.Target) error
}

var (
	_ Reader    = (*extract.SnapshotReader)(nil)
	_ Extractor = (*extract.Incremental)(nil)
	_ KeyReader = (*extract.DimensionReader)(nil)
	_ Loader    = (*load.Upserter)(nil)
)

// Snapshot copies a source table into staging, less the drop columns.
type Snapshot struct {
	spec      etl.JobSpec
	container string
	reader    Reader
	loader    Loader
	target    load.Target
	drop      []string
}

var _ etl.Job = (*Snapshot)(nil)

// Spec implements etl.Job.
func (j *Snapshot) Spec() etl.JobSpec { return j.spec }

// Extract implements etl.Job. Snapshots ignore asOf.
func (j *Snapshot) Extract(ctx context.Context, _ time.Time) (*etl.Batch, error) {
	b, err := j.reader.Read(ctx, j.container, j.spec.Source)
	if err != nil || len(j.drop) == 0 {
		return b, err
	}
	b = b.Clone()
	b.DropColumns(j.drop...)
	return b, nil
}

// Load implements etl.Job.
func (j *Snapshot) Load(ctx context.Context, b *etl.Batch) error {
	return j.loader.Load(ctx, b, j.target)
}

// Warehouse loads one warehouse table from its staging table.
type Warehouse struct {
	spec      etl.JobSpec
	def       Definition
	schema    string
	extractor Extractor
	keys      KeyReader
	loader    Loader
	target    load.Target
}

var (
	_ etl.Job         = (*Warehouse)(nil)
	_ etl.Transformer = (*Warehouse)(nil)
	_ etl.Referencer  = (*Warehouse)(nil)
)

// Spec implements etl.Job.
func (j *Warehouse) Spec() etl.JobSpec { return j.spec }

// Extract implements etl.Job.
func (j *Warehouse) Extract(ctx context.Context, asOf time.Time) (*etl.Batch, error) {
	return j.extractor.Extract(ctx, extract.Request{
		Schema:         j.schema,
		Table:          j.def.Source,
		WatermarkTable: j.def.Target,
		AsOf:           asOf,
	})
}

// References implements etl.Referencer. It reads the dimensions loaded
// earlier in the run, so their surrogate keys are current.
func (j *Warehouse) References(ctx context.Context) (etl.Refs, error) {
	if len(j.def.Dimensions) == 0 {
		return nil, nil
	}
	return j.keys.KeysFor(ctx, j.def.Dimensions...)
}

// Transform implements etl.Transformer.
func (j *Warehouse) Transform(ctx context.Context, in etl.Input) (etl.Transformed, error) {
	return j.def.Transform.Transform(ctx, in)
}

// Load implements etl.Job.
func (j *Warehouse) Load(ctx context.Context, b *etl.Batch) error {
	return j.loader.Load(ctx, b, j.target)
}
