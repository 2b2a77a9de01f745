package etl

import (
	"errors"
	"fmt"
)

// Error categories. Components wrap their failures with one of these so the
// pipeline can name the category in the log row:
//
//	return fmt.Errorf("%w: read %s: %w", etl.ErrQuery, table, err)
var (
	ErrConnection = errors.New("connection failure")
	ErrQuery      = errors.New("query failure")
	ErrTransform  = errors.New("transform failure")
	ErrLoad       = errors.New("load failure")
	ErrSink       = errors.New("sink failure")

	// ErrSkipped marks jobs that did not run.
	ErrSkipped = errors.New("skipped")
)

// Kind returns the category sentinel err wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, kind := range []error{ErrConnection, ErrQuery, ErrTransform, ErrLoad, ErrSink, ErrSkipped} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// stageKind is the category assumed for an error a stage returns unwrapped.
func stageKind(stage Stage) error {
	switch stage {
	case StageExtract:
		return ErrQuery
	case StageTransform:
		return ErrTransform
	default:
		return ErrLoad
	}
}

// classify makes sure err carries a category.
func classify(stage Stage, err error) error {
	if err == nil || Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", stageKind(stage), err)
}

// panicError converts a recovered panic into an error of the stage's kind.
func panicError(stage Stage, r any) error {
	return fmt.Errorf("%w: panic in %s: %v", stageKind(stage), stage, r)
}
