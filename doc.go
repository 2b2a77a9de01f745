// Package etl moves retail tables through extract, transform and load stages
// with per-table failure isolation.
//
// A run is a sequence of jobs, one per target table. Each job extracts a
// [Batch], optionally transforms it, and loads it. Every stage records exactly
// one [Event] in the ETL log, and a batch that fails to transform or load is
// written to a dead-letter store instead of being lost.
//
// # Quick Start
//
// Implement the required Job interface:
//
//	type customers struct {
//	    src *extract.Incremental
//	    dst *load.Upserter
//	}
//
//	func (j *customers) Spec() etl.JobSpec {
//	    return etl.JobSpec{Step: etl.StepWarehouse, Source: "customers", Target: "dim_customers"}
//	}
//
//	func (j *customers) Extract(ctx context.Context, asOf time.Time) (*etl.Batch, error) {
//	    return j.src.Extract(ctx, extract.Request{Schema: "public", Table: "customers",
//	        WatermarkTable: "dim_customers", AsOf: asOf})
//	}
//
//	func (j *customers) Load(ctx context.Context, b *etl.Batch) error {
//	    return j.dst.Load(ctx, b, load.Target{Schema: "public", Table: "dim_customers", Key: "nk_customer_id"})
//	}
//
//	p, err := etl.New([]etl.Job{&customers{...}}, etl.WithRecorder(rec), etl.WithDeadLetter(sink, ""))
//	report, err := p.Run(ctx)
//
// # Interface-Based Design
//
// The pipeline auto-detects optional interfaces on each job:
//
//	// Reshape rows by implementing Transformer
//	func (j *customers) Transform(ctx context.Context, in etl.Input) (etl.Transformed, error)
//
//	// Supply reference batches (dimension keys) by implementing Referencer
//	func (j *orders) References(ctx context.Context) (etl.Refs, error)
//
//	// Decide per job whether a failure aborts the run by implementing ErrorHandler
//	func (j *orders) OnError(ctx context.Context, stage etl.Stage, err error) etl.Action
//
// A job without a Transformer is loaded exactly as extracted.
//
// # Watermarks
//
// Incremental extraction reads rows created after the latest successful
// warehouse load of the table ([LoadWatermark], [Since]) and up to the run's
// as-of time. A successful load event is stamped with that as-of time, so
// the next run continues exactly where this one stopped. With no previous
// load the watermark is [BeginningOfTime] and the table is read in full.
//
// # Dependencies
//
// A fact job lists the dimensions it resolves keys against in
// JobSpec.DependsOn. When a dependency fails or is skipped, the dependent job
// is skipped too: its rows stay behind the watermark and are retried on the
// next run rather than being rejected.
//
// # Dead Letters
//
// With [WithDeadLetter] configured:
//   - a failed transform quarantines the partial output, or the input when
//     nothing was built
//   - a failed load quarantines the batch it was loading
//   - rows a transform rejected are quarantined under component "rejected"
//
// A dead-letter write that fails is logged and reported in
// JobReport.SinkErrors. It never replaces the original error.
//
// # Error Handling
//
// Every stage error carries one of [ErrConnection], [ErrQuery],
// [ErrTransform], [ErrLoad] or [ErrSink]; [Kind] returns it. Without an
// ErrorHandler a failed job is recorded and the run continues:
//
//	p, _ := etl.New(jobs, etl.WithErrorHandler(etl.ErrorHandlerFunc(
//	    func(ctx context.Context, stage etl.Stage, err error) etl.Action {
//	        if errors.Is(err, etl.ErrConnection) {
//	            return etl.ActionFail
//	        }
//	        return etl.ActionSkip
//	    })))
//
// Nothing is retried within a run.
//
// # Batching
//
// Loaders split large batches with a [Batcher]. [WeightedBatcher] keeps each
// statement under PostgreSQL's [MaxBindParams]; [SizeBatcher] caps rows per
// statement; [CombineBatchers] chains them.
//
// For graceful shutdown on SIGINT/SIGTERM, cancel the context passed to Run.
// The job in flight sees the cancelled context in its current stage, its
// events are still recorded, and the remaining jobs are reported as skipped:
//
//	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//	report, err := p.Run(ctx)
package etl
