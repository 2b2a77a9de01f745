package etl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Pipeline runs jobs one after another and isolates their failures: a job
// that fails is recorded, its batch is quarantined, and the next job runs.
type Pipeline struct {
	jobs []Job

	recorder   EventRecorder
	quarantine Quarantiner
	bucket     string
	observer   Observer
	log        *zap.Logger
	now        func() time.Time

	errHandler ErrorHandler
	starter    Starter
	stopper    Stopper
	progress   ProgressReporter
}

// New creates a Pipeline running jobs in the given order. Every dependency a
// job names must be the Target of a job registered before it.
func New(jobs []Job, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		jobs:     slices.Clone(jobs),
		recorder: nopRecorder{},
		bucket:   DefaultBucket,
		observer: nopObserver{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	registered := make(map[string]bool, len(jobs))
	for _, job := range p.jobs {
		spec := job.Spec()
		if spec.Step == "" || spec.Source == "" || spec.Target == "" {
			return nil, fmt.Errorf("etl: incomplete job spec %+v", spec)
		}
		if registered[spec.Target] {
			return nil, fmt.Errorf("etl: duplicate job for target %q", spec.Target)
		}
		for _, dep := range spec.DependsOn {
			if !registered[dep] {
				return nil, fmt.Errorf("etl: job %q depends on %q, which is not registered before it", spec.Target, dep)
			}
		}
		registered[spec.Target] = true
	}
	return p, nil
}

// Run executes every job and returns a report covering all of them.
//
// The error is nil when every failure was isolated, which is the normal
// outcome of a run with failed tables: inspect Report.Failed for those. Run
// returns an error only when an ErrorHandler aborted the run or ctx was
// cancelled; jobs that did not get to run are then reported as skipped.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	stats := &Stats{}
	report := &Report{Stats: stats}

	if p.starter != nil {
		ctx = p.starter.Start(ctx)
	}

	succeeded := make(map[string]bool, len(p.jobs))
	var runErr error

	for _, job := range p.jobs {
		spec := job.Spec()

		var jr JobReport
		if reason := skipReason(ctx, spec, succeeded, runErr); reason != nil {
			jr = p.skip(ctx, spec, reason)
		} else {
			jr = p.runJob(ctx, job, stats)
		}

		if jr.Status == StatusFailed {
			stats.incErrors(1)
			if p.onError(ctx, job, jr.Stage, jr.Err) == ActionFail {
				runErr = fmt.Errorf("etl: %s %s: %w", spec.Step, spec.Target, jr.Err)
			}
		}
		succeeded[spec.Target] = jr.Status == StatusSuccess
		report.Jobs = append(report.Jobs, jr)

		p.logJob(jr)
		if p.progress != nil {
			p.progress.OnProgress(ctx, jr, stats)
		}
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = context.Cause(ctx)
	}

	if p.stopper != nil {
		p.stopper.Stop(context.WithoutCancel(ctx), stats, runErr)
	}
	return report, runErr
}

func skipReason(ctx context.Context, spec JobSpec, succeeded map[string]bool, runErr error) error {
	if runErr != nil {
		return fmt.Errorf("%w: run aborted", ErrSkipped)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
	for _, dep := range spec.DependsOn {
		if !succeeded[dep] {
			return fmt.Errorf("%w: dependency %s did not succeed", ErrSkipped, dep)
		}
	}
	return nil
}

// skip records a job that did not run. The rows it would have read stay
// behind the watermark and are picked up by the next run.
func (p *Pipeline) skip(ctx context.Context, spec JobSpec, reason error) JobReport {
	o := Outcome{
		Step:   spec.Step,
		Stage:  StageExtract,
		Table:  spec.Source,
		Status: StatusSkipped,
		Err:    reason,
	}
	p.recorder.Record(context.WithoutCancel(ctx), o.Event(p.now().UTC()))
	p.observer.ObserveStage(o)
	return JobReport{
		Spec:     spec,
		Status:   StatusSkipped,
		Stage:    StageExtract,
		Err:      reason,
		Outcomes: []Outcome{o},
	}
}

func (p *Pipeline) runJob(ctx context.Context, job Job, stats *Stats) JobReport {
	spec := job.Spec()
	jr := JobReport{Spec: spec, AsOf: p.now().UTC()}

	var (
		batch *Batch
		refs  Refs
	)
	o := p.stage(ctx, spec, StageExtract, spec.Source, jr.AsOf, func(ctx context.Context) (int, error) {
		var err error
		if batch, err = job.Extract(ctx, jr.AsOf); err != nil {
			return batch.Len(), err
		}
		if r, ok := job.(Referencer); ok {
			if refs, err = r.References(ctx); err != nil {
				return batch.Len(), err
			}
		}
		return batch.Len(), nil
	})
	if !jr.add(o) {
		return jr
	}
	if batch == nil {
		batch = NewBatch(spec.Source)
	}
	stats.incExtracted(int64(batch.Len()))

	if t, ok := job.(Transformer); ok {
		in := batch
		var res Transformed
		o = p.stage(ctx, spec, StageTransform, spec.Target, jr.AsOf, func(ctx context.Context) (int, error) {
			var err error
			res, err = t.Transform(ctx, Input{Primary: in, Refs: refs})
			return res.Batch.Len(), err
		})
		if n := res.Rejected.Len(); n > 0 {
			stats.incRejected(int64(n))
			p.quarantineBatch(ctx, &jr, stats, res.Rejected, ComponentRejected)
		}
		if !jr.add(o) {
			partial := res.Batch
			if partial.Len() == 0 {
				partial = in
			}
			p.quarantineBatch(ctx, &jr, stats, partial, string(StageTransform))
			return jr
		}
		batch = res.Batch
		if batch == nil {
			batch = NewBatch(spec.Target)
		}
		stats.incTransformed(int64(batch.Len()))
	}

	o = p.stage(ctx, spec, StageLoad, spec.Target, jr.AsOf, func(ctx context.Context) (int, error) {
		return batch.Len(), job.Load(ctx, batch)
	})
	if !jr.add(o) {
		p.quarantineBatch(ctx, &jr, stats, batch, string(StageLoad))
		return jr
	}
	stats.incLoaded(int64(batch.Len()))
	jr.Status = StatusSuccess
	return jr
}

// stage runs fn and records exactly one event for it, including when fn
// panics. A successful load is stamped with asOf so the next extraction
// starts exactly where this one stopped.
func (p *Pipeline) stage(
	ctx context.Context,
	spec JobSpec,
	stage Stage,
	table string,
	asOf time.Time,
	fn func(ctx context.Context) (int, error),
) (out Outcome) {
	start := p.now()
	out = Outcome{Step: spec.Step, Stage: stage, Table: table}

	defer func() {
		if r := recover(); r != nil {
			out.Err = panicError(stage, r)
		}
		out.Err = classify(stage, out.Err)
		out.Status = StatusSuccess
		if out.Err != nil {
			out.Status = StatusFailed
		}
		end := p.now()
		out.Duration = end.Sub(start)

		etlDate := end.UTC()
		if stage == StageLoad && out.Status == StatusSuccess {
			etlDate = asOf
		}
		p.recorder.Record(context.WithoutCancel(ctx), out.Event(etlDate))
		p.observer.ObserveStage(out)
	}()

	out.Rows, out.Err = fn(ctx)
	return out
}

// quarantineBatch writes b to the dead-letter store. A failure here is
// reported on its own and never replaces the error that caused it.
func (p *Pipeline) quarantineBatch(ctx context.Context, jr *JobReport, stats *Stats, b *Batch, component string) {
	if p.quarantine == nil || b.Len() == 0 {
		return
	}
	a := Artifact{
		Bucket:    p.bucket,
		Step:      jr.Spec.Step,
		Component: component,
		Table:     jr.Spec.Target,
	}
	object, err := p.quarantine.Quarantine(context.WithoutCancel(ctx), b, a)
	if err != nil && !errors.Is(err, ErrSink) {
		err = fmt.Errorf("%w: %w", ErrSink, err)
	}
	p.observer.ObserveQuarantine(a, b.Len(), err)

	fields := []zap.Field{
		zap.String("step", a.Step),
		zap.String("table", a.Table),
		zap.String("component", a.Component),
		zap.Int("rows", b.Len()),
	}
	if err != nil {
		jr.SinkErrors = append(jr.SinkErrors, err)
		p.log.Error("dead-letter write failed", append(fields, zap.Error(err))...)
		return
	}
	stats.incQuarantined(1)
	jr.Quarantined = append(jr.Quarantined, object)
	p.log.Warn("batch quarantined", append(fields, zap.String("bucket", a.Bucket), zap.String("object", object))...)
}

func (p *Pipeline) onError(ctx context.Context, job Job, stage Stage, err error) Action {
	h := p.errHandler
	if jh, ok := job.(ErrorHandler); ok {
		h = jh
	}
	if h == nil {
		return ActionSkip
	}
	return h.OnError(ctx, stage, err)
}

func (p *Pipeline) logJob(jr JobReport) {
	fields := []zap.Field{
		zap.String("step", jr.Spec.Step),
		zap.String("table", jr.Spec.Target),
		zap.String("status", string(jr.Status)),
		zap.Int("rows", jr.Rows()),
	}
	switch jr.Status {
	case StatusSuccess:
		p.log.Info("job complete", fields...)
	case StatusSkipped:
		p.log.Warn("job skipped", append(fields, zap.Error(jr.Err))...)
	default:
		p.log.Error("job failed", append(fields,
			zap.String("stage", string(jr.Stage)),
			zap.Stringer("kind", errorKind{jr.Err}),
			zap.Error(jr.Err),
		)...)
	}
}

type errorKind struct{ err error }

func (k errorKind) String() string {
	if kind := Kind(k.err); kind != nil {
		return kind.Error()
	}
	return "unknown"
}
