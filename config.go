package etl

import (
	"time"

	"go.uber.org/zap"
)

// Default configuration values.
const (
	// DefaultBucket is the dead-letter bucket used when none is configured.
	DefaultBucket = "error-paccafe"

	// MaxBindParams is the PostgreSQL limit on bind parameters per statement.
	MaxBindParams = 65535
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder sets where stage events are written. Without a recorder events
// are discarded, which also means watermarks never advance.
func WithRecorder(r EventRecorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithDeadLetter routes failed and rejected batches to q under bucket. An
// empty bucket means DefaultBucket.
func WithDeadLetter(q Quarantiner, bucket string) Option {
	return func(p *Pipeline) {
		p.quarantine = q
		if bucket != "" {
			p.bucket = bucket
		}
	}
}

// WithObserver sets the observer notified of every stage outcome.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides time.Now. The clock supplies the as-of time of every
// extraction and the etl_date of every event.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithErrorHandler sets the handler for jobs that do not implement
// ErrorHandler themselves.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pipeline) { p.errHandler = h }
}

// WithStarter sets the hook called before the first job.
func WithStarter(s Starter) Option {
	return func(p *Pipeline) { p.starter = s }
}

// WithStopper sets the hook called after the last job.
func WithStopper(s Stopper) Option {
	return func(p *Pipeline) { p.stopper = s }
}

// WithProgress sets the reporter called after every job.
func WithProgress(r ProgressReporter) Option {
	return func(p *Pipeline) { p.progress = r }
}
