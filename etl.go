package etl

import (
	"context"
	"time"
)

// Stage identifies where in the pipeline an event occurred. The values are
// the component names persisted in the etl_log table.
type Stage string

const (
	StageExtract   Stage = "extraction"
	StageTransform Stage = "transformation"
	StageLoad      Stage = "load"
)

// Status is the outcome of a stage invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Pipeline steps. A step groups the jobs of one hop of the data flow.
const (
	StepStaging   = "staging"
	StepWarehouse = "warehouse"
)

// ComponentRejected is the dead-letter component for rows a transform drops
// because a mandatory field or reference is missing.
const ComponentRejected = "rejected"

// Action tells the pipeline what to do after a job fails.
type Action string

const (
	ActionSkip Action = "skip" // Record the failure and continue with the next job
	ActionFail Action = "fail" // Stop the run; remaining jobs are reported as skipped
)

// JobSpec describes a job to the pipeline.
type JobSpec struct {
	// Step is the pipeline step the job belongs to ("staging", "warehouse").
	Step string

	// Source is the table the job reads. Extraction events carry this name.
	Source string

	// Target is the table the job writes. Transformation and load events
	// carry this name, and the job is referred to by it.
	Target string

	// DependsOn lists the Targets of jobs that must have succeeded earlier
	// in the same run.
	DependsOn []string
}

// Job defines the extract and load operations for one target table. This is
// the only required interface to implement.
//
// A job that does not implement [Transformer] is loaded as extracted, which
// is how the staging step copies source tables verbatim.
type Job interface {
	// Spec describes the job.
	Spec() JobSpec

	// Extract reads the rows to process. asOf is the upper bound of this run:
	// incremental readers must not return rows created after it.
	Extract(ctx context.Context, asOf time.Time) (*Batch, error)

	// Load writes the batch to the target. It must be idempotent.
	Load(ctx context.Context, batch *Batch) error
}

// Refs holds reference batches keyed by table name.
type Refs map[string]*Batch

// Input is what a transform receives: the primary batch plus the reference
// batches it resolves keys against.
type Input struct {
	Primary *Batch
	Refs    Refs
}

// Transformed is what a transform produces.
type Transformed struct {
	// Batch holds the warehouse-ready rows. On error it holds whatever was
	// built before the failure.
	Batch *Batch

	// Rejected holds the rows dropped for missing mandatory fields or
	// unresolved mandatory references. It may be nil.
	Rejected *Batch
}

// Transformer converts an extracted batch into the target shape.
//
// Transform must be a pure function of its input: the same input always
// yields the same output, and the input batches are never modified.
type Transformer interface {
	Transform(ctx context.Context, in Input) (Transformed, error)
}

// Referencer supplies the reference batches a Transformer resolves keys
// against. References runs inside the extraction stage, so a failure there
// skips the job like any other extraction failure.
type Referencer interface {
	References(ctx context.Context) (Refs, error)
}
