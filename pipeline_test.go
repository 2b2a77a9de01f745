package etl_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	etl "github.com/paccafe/retail-etl"
)

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tickingClock advances one second per call, so every timestamp the
// pipeline takes is distinct.
func tickingClock() func() time.Time {
	n := 0
	return func() time.Time {
		t := t0.Add(time.Duration(n) * time.Second)
		n++
		return t
	}
}

func rows(t *testing.T, entity string, n int) *etl.Batch {
	t.Helper()
	b := etl.NewBatch(entity, "id", "name")
	for i := range n {
		require.NoError(t, b.Append(int64(i+1), "row"))
	}
	return b
}

type events struct {
	got []etl.Event
}

func (r *events) Record(_ context.Context, e etl.Event) {
	r.got = append(r.got, e)
}

func (r *events) find(component etl.Stage, table string) (etl.Event, bool) {
	for _, e := range r.got {
		if e.Component == component && e.TableName == table {
			return e, true
		}
	}
	return etl.Event{}, false
}

type quarantined struct {
	artifact etl.Artifact
	rows     int
}

type sink struct {
	got []quarantined
	err error
}

func (s *sink) Quarantine(_ context.Context, b *etl.Batch, a etl.Artifact) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.got = append(s.got, quarantined{artifact: a, rows: b.Len()})
	return a.Component + "/" + a.Table, nil
}

type outcomes struct {
	stages      []etl.Outcome
	quarantines int
}

func (o *outcomes) ObserveStage(out etl.Outcome) { o.stages = append(o.stages, out) }

func (o *outcomes) ObserveQuarantine(etl.Artifact, int, error) { o.quarantines++ }

// =============================================================================
// Job Implementations
// =============================================================================

// copyJob loads what it extracts, like a staging job.
type copyJob struct {
	spec       etl.JobSpec
	batch      *etl.Batch
	extractErr error
	loadErr    error
	loadPanic  bool

	asOf   time.Time
	loaded []*etl.Batch
}

var _ etl.Job = (*copyJob)(nil)

func (j *copyJob) Spec() etl.JobSpec { return j.spec }

func (j *copyJob) Extract(_ context.Context, asOf time.Time) (*etl.Batch, error) {
	j.asOf = asOf
	return j.batch, j.extractErr
}

func (j *copyJob) Load(_ context.Context, b *etl.Batch) error {
	if j.loadPanic {
		panic("connection reset")
	}
	if j.loadErr != nil {
		return j.loadErr
	}
	j.loaded = append(j.loaded, b)
	return nil
}

// buildJob transforms before loading, like a warehouse job.
type buildJob struct {
	*copyJob
	refs      etl.Refs
	refErr    error
	transform func(etl.Input) (etl.Transformed, error)
	seen      etl.Input
}

var (
	_ etl.Transformer = (*buildJob)(nil)
	_ etl.Referencer  = (*buildJob)(nil)
)

func (j *buildJob) References(context.Context) (etl.Refs, error) { return j.refs, j.refErr }

func (j *buildJob) Transform(_ context.Context, in etl.Input) (etl.Transformed, error) {
	j.seen = in
	return j.transform(in)
}

func spec(target string, deps ...string) etl.JobSpec {
	return etl.JobSpec{Step: etl.StepWarehouse, Source: "stg_" + target, Target: target, DependsOn: deps}
}

func identity(in etl.Input) (etl.Transformed, error) {
	out := in.Primary.Clone()
	out.Entity = "built"
	return etl.Transformed{Batch: out}, nil
}

// =============================================================================
// New
// =============================================================================

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		jobs []etl.Job
		want string
	}{
		{
			name: "incomplete spec",
			jobs: []etl.Job{&copyJob{spec: etl.JobSpec{Step: "warehouse", Target: "dim_customers"}}},
			want: "incomplete job spec",
		},
		{
			name: "duplicate target",
			jobs: []etl.Job{
				&copyJob{spec: spec("dim_customers")},
				&copyJob{spec: spec("dim_customers")},
			},
			want: "duplicate job",
		},
		{
			name: "dependency registered later",
			jobs: []etl.Job{
				&copyJob{spec: spec("fct_order", "dim_customers")},
				&copyJob{spec: spec("dim_customers")},
			},
			want: `depends on "dim_customers"`,
		},
		{
			name: "unknown dependency",
			jobs: []etl.Job{&copyJob{spec: spec("fct_order", "dim_nowhere")}},
			want: "dim_nowhere",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := etl.New(tt.jobs)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

// =============================================================================
// Run: success paths
// =============================================================================

func TestRun_RecordsOneEventPerStage(t *testing.T) {
	rec := &events{}
	obs := &outcomes{}
	job := &buildJob{
		copyJob:   &copyJob{spec: spec("dim_products"), batch: rows(t, "products", 3)},
		refs:      etl.Refs{"dim_store_branch": rows(t, "dim_store_branch", 1)},
		transform: identity,
	}

	p, err := etl.New([]etl.Job{job},
		etl.WithRecorder(rec),
		etl.WithObserver(obs),
		etl.WithClock(tickingClock()),
	)
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.got, 3)
	for i, want := range []struct {
		stage etl.Stage
		table string
	}{
		{etl.StageExtract, "stg_dim_products"},
		{etl.StageTransform, "dim_products"},
		{etl.StageLoad, "dim_products"},
	} {
		require.Equal(t, want.stage, rec.got[i].Component)
		require.Equal(t, want.table, rec.got[i].TableName)
		require.Equal(t, etl.StatusSuccess, rec.got[i].Status)
		require.Equal(t, etl.StepWarehouse, rec.got[i].Step)
		require.Empty(t, rec.got[i].ErrorMsg)
	}
	require.Len(t, obs.stages, 3)

	jr, ok := report.Job("dim_products")
	require.True(t, ok)
	require.Equal(t, etl.StatusSuccess, jr.Status)
	require.Equal(t, 3, jr.Rows())
	require.Equal(t, t0, jr.AsOf)
	require.Equal(t, t0, job.asOf)
	require.Contains(t, job.seen.Refs, "dim_store_branch")
	require.Len(t, job.loaded, 1)
	require.Equal(t, "built", job.loaded[0].Entity)

	require.Equal(t, int64(3), report.Stats.Extracted())
	require.Equal(t, int64(3), report.Stats.Transformed())
	require.Equal(t, int64(3), report.Stats.Loaded())
	require.Zero(t, report.Stats.Errors())
}

func TestRun_LoadEventCarriesAsOf(t *testing.T) {
	rec := &events{}
	job := &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 1)}

	p, err := etl.New([]etl.Job{job}, etl.WithRecorder(rec), etl.WithClock(tickingClock()))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_customers")
	extracted, ok := rec.find(etl.StageExtract, "stg_dim_customers")
	require.True(t, ok)
	loaded, ok := rec.find(etl.StageLoad, "dim_customers")
	require.True(t, ok)

	// The next watermark must cover exactly the rows this run read, so the
	// load is stamped with the extraction bound, not the time it finished.
	require.True(t, loaded.EtlDate.Equal(jr.AsOf))
	require.True(t, extracted.EtlDate.After(jr.AsOf))
}

func TestRun_WithoutTransformer(t *testing.T) {
	rec := &events{}
	job := &copyJob{spec: etl.JobSpec{Step: etl.StepStaging, Source: "customers", Target: "customers"}, batch: rows(t, "customers", 2)}

	p, err := etl.New([]etl.Job{job}, etl.WithRecorder(rec))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.got, 2)
	require.Equal(t, etl.StageExtract, rec.got[0].Component)
	require.Equal(t, etl.StageLoad, rec.got[1].Component)
	require.Same(t, job.batch, job.loaded[0])
}

func TestRun_NilExtractIsEmpty(t *testing.T) {
	job := &copyJob{spec: spec("dim_customers")}

	p, err := etl.New([]etl.Job{job})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_customers")
	require.Equal(t, etl.StatusSuccess, jr.Status)
	require.Len(t, job.loaded, 1)
	require.Zero(t, job.loaded[0].Len())
}

// =============================================================================
// Run: failure isolation
// =============================================================================

func TestRun_ExtractFailureIsIsolated(t *testing.T) {
	rec := &events{}
	broken := &copyJob{spec: spec("dim_employees"), extractErr: errors.New("relation does not exist")}
	healthy := &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 2)}

	p, err := etl.New([]etl.Job{broken, healthy}, etl.WithRecorder(rec))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_employees")
	require.Equal(t, etl.StatusFailed, jr.Status)
	require.Equal(t, etl.StageExtract, jr.Stage)
	require.ErrorIs(t, jr.Err, etl.ErrQuery, "unwrapped extraction errors are query failures")
	require.Empty(t, broken.loaded)

	e, ok := rec.find(etl.StageExtract, "stg_dim_employees")
	require.True(t, ok)
	require.Equal(t, etl.StatusFailed, e.Status)
	require.Contains(t, e.ErrorMsg, "relation does not exist")
	_, ok = rec.find(etl.StageLoad, "dim_employees")
	require.False(t, ok, "no load event for a table that was never loaded")

	require.Len(t, healthy.loaded, 1)
	require.Len(t, report.Failed(), 1)
	require.Equal(t, int64(1), report.Stats.Errors())
}

func TestRun_ReferenceFailureFailsExtraction(t *testing.T) {
	job := &buildJob{
		copyJob:   &copyJob{spec: spec("fct_order"), batch: rows(t, "orders", 1)},
		refErr:    fmt.Errorf("%w: dial tcp", etl.ErrConnection),
		transform: identity,
	}

	p, err := etl.New([]etl.Job{job})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("fct_order")
	require.Equal(t, etl.StageExtract, jr.Stage)
	require.ErrorIs(t, jr.Err, etl.ErrConnection)
	require.Nil(t, job.seen.Primary, "transform never ran")
}

func TestRun_TransformFailureQuarantines(t *testing.T) {
	t.Run("partial batch", func(t *testing.T) {
		q := &sink{}
		job := &buildJob{
			copyJob: &copyJob{spec: spec("fct_order"), batch: rows(t, "orders", 4)},
			transform: func(in etl.Input) (etl.Transformed, error) {
				partial := etl.NewBatch("fct_order", "id")
				_ = partial.Append(int64(1))
				return etl.Transformed{Batch: partial}, fmt.Errorf("%w: malformed date", etl.ErrTransform)
			},
		}

		p, err := etl.New([]etl.Job{job}, etl.WithDeadLetter(q, ""))
		require.NoError(t, err)
		report, err := p.Run(context.Background())
		require.NoError(t, err)

		jr, _ := report.Job("fct_order")
		require.Equal(t, etl.StageTransform, jr.Stage)
		require.Equal(t, []quarantined{{
			artifact: etl.Artifact{Bucket: etl.DefaultBucket, Step: "warehouse", Component: "transformation", Table: "fct_order"},
			rows:     1,
		}}, q.got)
		require.Equal(t, []string{"transformation/fct_order"}, jr.Quarantined)
		require.Empty(t, job.loaded)
	})

	t.Run("nothing built yet", func(t *testing.T) {
		q := &sink{}
		job := &buildJob{
			copyJob: &copyJob{spec: spec("fct_order"), batch: rows(t, "orders", 4)},
			transform: func(etl.Input) (etl.Transformed, error) {
				return etl.Transformed{}, errors.New("missing column")
			},
		}

		p, err := etl.New([]etl.Job{job}, etl.WithDeadLetter(q, "error-paccafe"))
		require.NoError(t, err)
		report, err := p.Run(context.Background())
		require.NoError(t, err)

		jr, _ := report.Job("fct_order")
		require.ErrorIs(t, jr.Err, etl.ErrTransform)
		require.Len(t, q.got, 1)
		require.Equal(t, 4, q.got[0].rows, "the input is quarantined")
	})
}

func TestRun_RejectedRowsAreQuarantined(t *testing.T) {
	q := &sink{}
	job := &buildJob{
		copyJob: &copyJob{spec: spec("fct_inventory"), batch: rows(t, "inventory_tracking", 3)},
		transform: func(in etl.Input) (etl.Transformed, error) {
			kept := in.Primary.Clone()
			rejected := etl.NewBatch("fct_inventory", "id", "reject_reason")
			_ = rejected.Append(int64(3), "unresolved product_id")
			kept.Rows = kept.Rows[:2]
			return etl.Transformed{Batch: kept, Rejected: rejected}, nil
		},
	}

	p, err := etl.New([]etl.Job{job}, etl.WithDeadLetter(q, ""))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("fct_inventory")
	require.Equal(t, etl.StatusSuccess, jr.Status)
	require.Equal(t, 2, job.loaded[0].Len())
	require.Len(t, q.got, 1)
	require.Equal(t, etl.ComponentRejected, q.got[0].artifact.Component)
	require.Equal(t, int64(1), report.Stats.Rejected())
	require.Equal(t, int64(1), report.Stats.Quarantined())
}

func TestRun_LoadFailureQuarantinesBatch(t *testing.T) {
	q := &sink{}
	job := &copyJob{spec: spec("dim_products"), batch: rows(t, "products", 5), loadErr: fmt.Errorf("%w: unique violation", etl.ErrLoad)}

	p, err := etl.New([]etl.Job{job}, etl.WithDeadLetter(q, ""))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_products")
	require.Equal(t, etl.StageLoad, jr.Stage)
	require.ErrorIs(t, jr.Err, etl.ErrLoad)
	require.Len(t, q.got, 1)
	require.Equal(t, "load", q.got[0].artifact.Component)
	require.Equal(t, 5, q.got[0].rows)
}

func TestRun_SinkFailureDoesNotMaskError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	q := &sink{err: errors.New("bucket unreachable")}
	obs := &outcomes{}
	job := &copyJob{spec: spec("dim_products"), batch: rows(t, "products", 1), loadErr: errors.New("deadlock detected")}

	p, err := etl.New([]etl.Job{job},
		etl.WithDeadLetter(q, ""),
		etl.WithObserver(obs),
		etl.WithLogger(zap.New(core)),
	)
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_products")
	require.ErrorIs(t, jr.Err, etl.ErrLoad)
	require.Contains(t, jr.Err.Error(), "deadlock detected")
	require.NotErrorIs(t, jr.Err, etl.ErrSink)

	require.Len(t, jr.SinkErrors, 1)
	require.ErrorIs(t, jr.SinkErrors[0], etl.ErrSink)
	require.Empty(t, jr.Quarantined)
	require.Zero(t, report.Stats.Quarantined())
	require.Equal(t, 1, obs.quarantines)
	require.Equal(t, 1, logs.FilterMessage("dead-letter write failed").Len())
}

func TestRun_PanicIsRecorded(t *testing.T) {
	rec := &events{}
	job := &copyJob{spec: spec("dim_products"), batch: rows(t, "products", 1), loadPanic: true}
	next := &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 1)}

	p, err := etl.New([]etl.Job{job, next}, etl.WithRecorder(rec))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	jr, _ := report.Job("dim_products")
	require.Equal(t, etl.StatusFailed, jr.Status)
	require.ErrorIs(t, jr.Err, etl.ErrLoad)
	require.Contains(t, jr.Err.Error(), "connection reset")

	e, ok := rec.find(etl.StageLoad, "dim_products")
	require.True(t, ok, "a panicking stage still records its event")
	require.Equal(t, etl.StatusFailed, e.Status)
	require.Len(t, next.loaded, 1)
}

// =============================================================================
// Run: dependencies, handlers and cancellation
// =============================================================================

func TestRun_SkipsDependentsOfFailedJobs(t *testing.T) {
	rec := &events{}
	customers := &copyJob{spec: spec("dim_customers"), extractErr: errors.New("timeout")}
	employees := &copyJob{spec: spec("dim_employees"), batch: rows(t, "employees", 1)}
	orders := &copyJob{spec: spec("fct_order", "dim_customers", "dim_employees"), batch: rows(t, "orders", 1)}
	returns := &copyJob{spec: spec("fct_return", "fct_order"), batch: rows(t, "returns", 1)}

	p, err := etl.New([]etl.Job{customers, employees, orders, returns}, etl.WithRecorder(rec))
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	for _, target := range []string{"fct_order", "fct_return"} {
		jr, _ := report.Job(target)
		require.Equal(t, etl.StatusSkipped, jr.Status, target)
		require.ErrorIs(t, jr.Err, etl.ErrSkipped)
	}
	require.Empty(t, orders.loaded)
	require.True(t, orders.asOf.IsZero(), "skipped jobs are never extracted")
	require.Len(t, report.Skipped(), 2)
	require.Equal(t, int64(1), report.Stats.Errors(), "skips are not errors")

	e, ok := rec.find(etl.StageExtract, "stg_fct_order")
	require.True(t, ok)
	require.Equal(t, etl.StatusSkipped, e.Status)
	require.Contains(t, e.ErrorMsg, "dim_customers")
}

type strictJob struct {
	*copyJob
	calls int
}

func (j *strictJob) OnError(context.Context, etl.Stage, error) etl.Action {
	j.calls++
	return etl.ActionFail
}

func TestRun_ErrorHandler(t *testing.T) {
	t.Run("pipeline handler aborts", func(t *testing.T) {
		var stages []etl.Stage
		broken := &copyJob{spec: spec("dim_customers"), loadErr: fmt.Errorf("%w: refused", etl.ErrConnection)}
		next := &copyJob{spec: spec("dim_employees"), batch: rows(t, "employees", 1)}

		p, err := etl.New([]etl.Job{broken, next}, etl.WithErrorHandler(etl.ErrorHandlerFunc(
			func(_ context.Context, stage etl.Stage, err error) etl.Action {
				stages = append(stages, stage)
				if errors.Is(err, etl.ErrConnection) {
					return etl.ActionFail
				}
				return etl.ActionSkip
			})))
		require.NoError(t, err)

		report, err := p.Run(context.Background())
		require.ErrorIs(t, err, etl.ErrConnection)
		require.Equal(t, []etl.Stage{etl.StageLoad}, stages)

		jr, _ := report.Job("dim_employees")
		require.Equal(t, etl.StatusSkipped, jr.Status)
		require.Empty(t, next.loaded)
	})

	t.Run("job handler wins", func(t *testing.T) {
		job := &strictJob{copyJob: &copyJob{spec: spec("dim_customers"), extractErr: errors.New("boom")}}

		p, err := etl.New([]etl.Job{job}, etl.WithErrorHandler(etl.ErrorHandlerFunc(
			func(context.Context, etl.Stage, error) etl.Action { return etl.ActionSkip })))
		require.NoError(t, err)

		_, err = p.Run(context.Background())
		require.Error(t, err)
		require.Equal(t, 1, job.calls)
	})
}

func TestRun_ContextCancelled(t *testing.T) {
	rec := &events{}
	ctx, cancel := context.WithCancel(context.Background())

	first := &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 1)}
	second := &copyJob{spec: spec("dim_employees"), batch: rows(t, "employees", 1)}

	var stopErr error
	p, err := etl.New([]etl.Job{first, second},
		etl.WithRecorder(rec),
		etl.WithProgress(etl.ProgressFunc(func(_ context.Context, jr etl.JobReport, _ *etl.Stats) {
			if jr.Spec.Target == "dim_customers" {
				cancel()
			}
		})),
		etl.WithStopper(stopFunc(func(_ context.Context, _ *etl.Stats, err error) { stopErr = err })),
	)
	require.NoError(t, err)

	report, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, stopErr, context.Canceled)

	require.Len(t, first.loaded, 1)
	require.Empty(t, second.loaded)
	jr, _ := report.Job("dim_employees")
	require.Equal(t, etl.StatusSkipped, jr.Status)

	e, ok := rec.find(etl.StageExtract, "stg_dim_employees")
	require.True(t, ok, "the skip is still recorded after cancellation")
	require.Equal(t, etl.StatusSkipped, e.Status)
}

// =============================================================================
// Hooks
// =============================================================================

type stopFunc func(ctx context.Context, stats *etl.Stats, err error)

func (f stopFunc) Stop(ctx context.Context, stats *etl.Stats, err error) { f(ctx, stats, err) }

type ctxKey struct{}

type starter struct{}

func (starter) Start(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, "run-1")
}

type ctxJob struct {
	*copyJob
	value any
}

func (j *ctxJob) Extract(ctx context.Context, asOf time.Time) (*etl.Batch, error) {
	j.value = ctx.Value(ctxKey{})
	return j.copyJob.Extract(ctx, asOf)
}

func TestRun_Hooks(t *testing.T) {
	job := &ctxJob{copyJob: &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 2)}}

	var (
		progress []string
		stops    int
		final    *etl.Stats
	)
	p, err := etl.New([]etl.Job{job},
		etl.WithStarter(starter{}),
		etl.WithProgress(etl.ProgressFunc(func(_ context.Context, jr etl.JobReport, _ *etl.Stats) {
			progress = append(progress, jr.Spec.Target+":"+string(jr.Status))
		})),
		etl.WithStopper(stopFunc(func(_ context.Context, stats *etl.Stats, err error) {
			stops++
			final = stats
			require.NoError(t, err)
		})),
	)
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", job.value)
	require.Equal(t, []string{"dim_customers:success"}, progress)
	require.Equal(t, 1, stops)
	require.Same(t, report.Stats, final)
	require.Equal(t, int64(2), final.Loaded())
}

func TestRun_LogsJobs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ok := &copyJob{spec: spec("dim_customers"), batch: rows(t, "customers", 1)}
	bad := &copyJob{spec: spec("dim_employees"), extractErr: fmt.Errorf("%w: gone", etl.ErrConnection)}

	p, err := etl.New([]etl.Job{ok, bad}, etl.WithLogger(zap.New(core)))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, logs.FilterMessage("job complete").Len())
	failed := logs.FilterMessage("job failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, "connection failure", failed[0].ContextMap()["kind"])
	require.Equal(t, "dim_employees", failed[0].ContextMap()["table"])
}
