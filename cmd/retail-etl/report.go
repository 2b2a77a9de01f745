package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	etl "github.com/paccafe/retail-etl"
)

// runLog logs the start and the totals of one step.
type runLog struct {
	log    *zap.Logger
	step   string
	tables int
}

func (l runLog) Start(ctx context.Context) context.Context {
	l.log.Info("run started", zap.String("step", l.step), zap.Int("tables", l.tables))
	return ctx
}

func (l runLog) Stop(_ context.Context, stats *etl.Stats, err error) {
	if err != nil {
		l.log.Error("run stopped", zap.String("step", l.step), zap.Object("stats", stats), zap.Error(err))
		return
	}
	l.log.Info("run complete", zap.String("step", l.step), zap.Object("stats", stats))
}

// progress prints one line per finished table.
type progress struct {
	w     io.Writer
	total int
	done  int
}

func (p *progress) OnProgress(_ context.Context, jr etl.JobReport, _ *etl.Stats) {
	p.done++
	line := fmt.Sprintf("[%d/%d] %s.%s %s", p.done, p.total, jr.Spec.Step, jr.Spec.Target, jr.Status)
	switch jr.Status {
	case etl.StatusSuccess:
		line += fmt.Sprintf(" (%d rows)", jr.Rows())
	default:
		if kind := etl.Kind(jr.Err); kind != nil {
			line += fmt.Sprintf(" (%s at %s)", kind, jr.Stage)
		}
	}
	fmt.Fprintln(p.w, line)
}

type tableReport struct {
	Step        string     `json:"step"`
	Table       string     `json:"table"`
	Status      etl.Status `json:"status"`
	Stage       etl.Stage  `json:"stage,omitempty"`
	Rows        int        `json:"rows"`
	Error       string     `json:"error,omitempty"`
	Quarantined []string   `json:"quarantined,omitempty"`
}

type runReport struct {
	Tables []tableReport `json:"tables"`
	Totals *etl.Stats    `json:"totals"`
}

// writeReport writes the tables of every report and their summed stats as
// one JSON document.
func writeReport(w io.Writer, reports ...*etl.Report) error {
	out := runReport{Tables: []tableReport{}}
	var extracted, rejected, transformed, loaded, errs, quarantined int64
	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, jr := range r.Jobs {
			tr := tableReport{
				Step:        jr.Spec.Step,
				Table:       jr.Spec.Target,
				Status:      jr.Status,
				Stage:       jr.Stage,
				Rows:        jr.Rows(),
				Quarantined: jr.Quarantined,
			}
			if jr.Err != nil {
				tr.Error = jr.Err.Error()
			}
			out.Tables = append(out.Tables, tr)
		}
		if s := r.Stats; s != nil {
			extracted += s.Extracted()
			rejected += s.Rejected()
			transformed += s.Transformed()
			loaded += s.Loaded()
			errs += s.Errors()
			quarantined += s.Quarantined()
		}
	}
	out.Totals = etl.NewStats(extracted, rejected, transformed, loaded, errs, quarantined)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
