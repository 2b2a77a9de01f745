package etl

import "time"

// JobReport summarizes one job of a run.
type JobReport struct {
	Spec   JobSpec
	Status Status

	// Stage is the stage that failed or was skipped. It is empty on success.
	Stage Stage
	Err   error

	// AsOf is the upper bound of the extraction.
	AsOf time.Time

	Outcomes    []Outcome
	Quarantined []string // Dead-letter objects written for this job
	SinkErrors  []error  // Dead-letter writes that failed
}

// add appends o and reports whether the job may continue.
func (r *JobReport) add(o Outcome) bool {
	r.Outcomes = append(r.Outcomes, o)
	if o.Status == StatusSuccess {
		return true
	}
	r.Status = o.Status
	r.Stage = o.Stage
	r.Err = o.Err
	return false
}

// Rows returns the row count of the last stage that ran.
func (r JobReport) Rows() int {
	if len(r.Outcomes) == 0 {
		return 0
	}
	return r.Outcomes[len(r.Outcomes)-1].Rows
}

// Outcome returns the outcome of stage, if it ran.
func (r JobReport) Outcome(stage Stage) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return Outcome{}, false
}

// Report summarizes a run.
type Report struct {
	Jobs  []JobReport
	Stats *Stats
}

// Job returns the report of the job writing target.
func (r *Report) Job(target string) (JobReport, bool) {
	for _, jr := range r.Jobs {
		if jr.Spec.Target == target {
			return jr, true
		}
	}
	return JobReport{}, false
}

// Failed returns the reports of the jobs that failed.
func (r *Report) Failed() []JobReport {
	var failed []JobReport
	for _, jr := range r.Jobs {
		if jr.Status == StatusFailed {
			failed = append(failed, jr)
		}
	}
	return failed
}

// Skipped returns the reports of the jobs that did not run.
func (r *Report) Skipped() []JobReport {
	var skipped []JobReport
	for _, jr := range r.Jobs {
		if jr.Status == StatusSkipped {
			skipped = append(skipped, jr)
		}
	}
	return skipped
}
