package etl

import (
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// Stats provides run statistics with thread-safe access.
type Stats struct {
	extracted   atomic.Int64
	rejected    atomic.Int64
	transformed atomic.Int64
	loaded      atomic.Int64
	errors      atomic.Int64
	quarantined atomic.Int64
}

// NewStats creates a Stats with initial counter values, as when summing
// the stats of several runs.
func NewStats(extracted, rejected, transformed, loaded, errors, quarantined int64) *Stats {
	s := &Stats{}
	s.extracted.Store(extracted)
	s.rejected.Store(rejected)
	s.transformed.Store(transformed)
	s.loaded.Store(loaded)
	s.errors.Store(errors)
	s.quarantined.Store(quarantined)
	return s
}

// Extracted returns the number of rows extracted.
func (s *Stats) Extracted() int64 { return s.extracted.Load() }

// Rejected returns the number of rows transforms dropped for missing
// mandatory fields or references.
func (s *Stats) Rejected() int64 { return s.rejected.Load() }

// Transformed returns the number of rows transforms produced.
func (s *Stats) Transformed() int64 { return s.transformed.Load() }

// Loaded returns the number of rows loaded.
func (s *Stats) Loaded() int64 { return s.loaded.Load() }

// Errors returns the number of failed jobs.
func (s *Stats) Errors() int64 { return s.errors.Load() }

// Quarantined returns the number of batches written to the dead-letter store.
func (s *Stats) Quarantined() int64 { return s.quarantined.Load() }

// MarshalLogObject implements zapcore.ObjectMarshaler for structured logging.
func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("extracted", s.Extracted())
	enc.AddInt64("rejected", s.Rejected())
	enc.AddInt64("transformed", s.Transformed())
	enc.AddInt64("loaded", s.Loaded())
	enc.AddInt64("errors", s.Errors())
	enc.AddInt64("quarantined", s.Quarantined())
	return nil
}

// statsJSON is the JSON form of Stats in run reports.
type statsJSON struct {
	Extracted   int64 `json:"extracted"`
	Rejected    int64 `json:"rejected"`
	Transformed int64 `json:"transformed"`
	Loaded      int64 `json:"loaded"`
	Errors      int64 `json:"errors"`
	Quarantined int64 `json:"quarantined"`
}

// MarshalJSON implements json.Marshaler.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Extracted:   s.extracted.Load(),
		Rejected:    s.rejected.Load(),
		Transformed: s.transformed.Load(),
		Loaded:      s.loaded.Load(),
		Errors:      s.errors.Load(),
		Quarantined: s.quarantined.Load(),
	})
}

func (s *Stats) incExtracted(n int64) int64   { return s.extracted.Add(n) }
func (s *Stats) incRejected(n int64) int64    { return s.rejected.Add(n) }
func (s *Stats) incTransformed(n int64) int64 { return s.transformed.Add(n) }
func (s *Stats) incLoaded(n int64) int64      { return s.loaded.Add(n) }
func (s *Stats) incErrors(n int64) int64      { return s.errors.Add(n) }
func (s *Stats) incQuarantined(n int64) int64 { return s.quarantined.Add(n) }
