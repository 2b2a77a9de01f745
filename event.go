package etl

import (
	"context"
	"time"
)

// Event is one row of the ETL log. Exactly one event is recorded per stage
// invocation, whatever way the stage exits.
type Event struct {
	Step      string
	Component Stage
	Status    Status
	TableName string
	EtlDate   time.Time
	ErrorMsg  string // Empty unless Status is failed or skipped
}

// EventRecorder persists events. Record must not fail the caller: a recorder
// that cannot write reports the problem through its own logging.
type EventRecorder interface {
	Record(ctx context.Context, e Event)
}

// Artifact addresses a quarantined batch in the dead-letter store.
type Artifact struct {
	Bucket    string
	Step      string
	Component string
	Table     string
}

// Quarantiner stores a batch that could not be processed and returns the
// name of the stored object.
type Quarantiner interface {
	Quarantine(ctx context.Context, batch *Batch, a Artifact) (object string, err error)
}

// Observer receives stage outcomes and quarantine attempts, typically to
// export them as metrics.
type Observer interface {
	ObserveStage(o Outcome)
	ObserveQuarantine(a Artifact, rows int, err error)
}

// Outcome is the result of one stage invocation.
type Outcome struct {
	Step     string
	Stage    Stage
	Table    string
	Status   Status
	Rows     int
	Err      error
	Duration time.Duration
}

// Event converts the outcome to its log row.
func (o Outcome) Event(etlDate time.Time) Event {
	e := Event{
		Step:      o.Step,
		Component: o.Stage,
		Status:    o.Status,
		TableName: o.Table,
		EtlDate:   etlDate,
	}
	if o.Err != nil {
		e.ErrorMsg = o.Err.Error()
	}
	return e
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}

type nopObserver struct{}

func (nopObserver) ObserveStage(Outcome) {}

func (nopObserver) ObserveQuarantine(Artifact, int, error) {}
