package etl

import (
	"context"
	"fmt"
	"time"
)

// BeginningOfTime is the watermark used when no successful load has ever been
// recorded for a table. Anything created after it is extracted, which turns
// the first incremental run into a full load.
var BeginningOfTime = time.Date(1111, time.January, 1, 0, 0, 0, 0, time.UTC)

// Watermark selects the log events whose latest etl_date bounds the next
// incremental extraction. Only successful events supply a watermark.
//
// TableName is matched case-insensitively by the log store.
type Watermark struct {
	Step      string
	Component Stage
	TableName string
	Status    Status
}

// LoadWatermark is the watermark of the successful warehouse load into table.
// This is the event that advances once the rows read by an extraction have
// reached the warehouse.
func LoadWatermark(table string) Watermark {
	return Watermark{
		Step:      StepWarehouse,
		Component: StageLoad,
		TableName: table,
		Status:    StatusSuccess,
	}
}

func (w Watermark) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", w.Step, w.Component, w.TableName, w.Status)
}

// WatermarkSource returns the latest etl_date among the events selected by a
// watermark. ok is false when no event matches.
type WatermarkSource interface {
	Latest(ctx context.Context, w Watermark) (latest time.Time, ok bool, err error)
}

// Since resolves the lower bound of an incremental extraction. A missing
// watermark resolves to BeginningOfTime. An error is returned as is: callers
// must not treat a failed lookup as a missing watermark, since that would
// silently reload the whole table.
func Since(ctx context.Context, src WatermarkSource, w Watermark) (time.Time, error) {
	if w.Status != StatusSuccess {
		return time.Time{}, fmt.Errorf("%w: watermark %s: only successful events bound an extraction", ErrQuery, w)
	}
	latest, ok, err := src.Latest(ctx, w)
	if err != nil {
		return time.Time{}, err
	}
	if !ok || latest.IsZero() {
		return BeginningOfTime, nil
	}
	return latest.UTC(), nil
}
