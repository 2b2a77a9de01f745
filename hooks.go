package etl

import "context"

// ErrorHandler decides what happens after a job fails. Without an
// ErrorHandler the pipeline records the failure and moves on to the next
// job, so one bad table never blocks the others.
//
// A job may implement ErrorHandler itself; otherwise the handler passed with
// [WithErrorHandler] is used.
//
// Common pattern:
//
//	// Abort the run when the log database is unreachable, isolate everything else
//	func (h strict) OnError(ctx context.Context, stage etl.Stage, err error) etl.Action {
//	    if errors.Is(err, etl.ErrConnection) {
//	        return etl.ActionFail
//	    }
//	    return etl.ActionSkip
//	}
//
// Skipped jobs (unmet dependencies, cancellation) never reach OnError.
type ErrorHandler interface {
	// OnError is called once per failed job with the stage that failed.
	OnError(ctx context.Context, stage Stage, err error) Action
}

// ErrorHandlerFunc adapts a plain function to the [ErrorHandler] interface.
type ErrorHandlerFunc func(ctx context.Context, stage Stage, err error) Action

func (f ErrorHandlerFunc) OnError(ctx context.Context, stage Stage, err error) Action {
	return f(ctx, stage, err)
}

// Starter is called before the first job runs. The returned context is used
// for the whole run, which makes Start the place to attach logger fields or
// deadlines.
type Starter interface {
	Start(ctx context.Context) context.Context
}

// Stopper is called exactly once after the last job, whether the run
// succeeded, was aborted by an ErrorHandler or was cancelled.
//
// The ctx passed to Stop is not cancelled with the run's context, so Stop can
// still push metrics or write a summary after a shutdown signal.
//
// err is the error Run returns; failures isolated with ActionSkip are not in
// it, but they are counted in stats.Errors.
//
// Example:
//
//	func (h *summary) Stop(ctx context.Context, stats *etl.Stats, err error) {
//	    h.log.Info("run complete", zap.Object("stats", stats), zap.Error(err))
//	}
type Stopper interface {
	Stop(ctx context.Context, stats *Stats, err error)
}
