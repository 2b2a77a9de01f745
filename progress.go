package etl

import "context"

// ProgressReporter receives a report after every job, including skipped
// ones. Implement it to print per-table progress or heartbeat to a
// dashboard while a long run is going.
//
// The Stats are cumulative for the run so far.
//
// Example:
//
//	func (p *printer) OnProgress(ctx context.Context, job etl.JobReport, stats *etl.Stats) {
//	    fmt.Fprintf(p.w, "%-18s %-8s loaded=%d\n", job.Spec.Target, job.Status, stats.Loaded())
//	}
type ProgressReporter interface {
	OnProgress(ctx context.Context, job JobReport, stats *Stats)
}

// ProgressFunc adapts a plain function to the [ProgressReporter] interface.
type ProgressFunc func(ctx context.Context, job JobReport, stats *Stats)

func (f ProgressFunc) OnProgress(ctx context.Context, job JobReport, stats *Stats) {
	f(ctx, job, stats)
}
