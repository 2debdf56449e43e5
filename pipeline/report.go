package pipeline

import (
	"bytes"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/readcount/aggregate"
	"github.com/grailbio/readcount/partition"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/readcount/sched"
)

// SampleReport is the outcome of one sample.
type SampleReport struct {
	Sample string
	// Table is the count table path; empty if the sample failed.
	Table string
	// FullMatrix is the persisted merged table, if requested.
	FullMatrix string
	Manifest   probe.LoadStats
	Partitions partition.Stats
	Tasks      sched.Summary
	Counts     aggregate.Stats
	Duration   time.Duration
	// Err is the error that stopped the sample, nil on success.
	Err error
}

// Report is the outcome of a run.
type Report struct {
	// RunID identifies the run in logs and metrics.
	RunID    string
	Start    time.Time
	Duration time.Duration
	// Workers is the run-wide worker bound shared by extraction and merging.
	Workers int
	// PeakWorkers is the largest number of worker slots held at once.
	PeakWorkers int
	Samples     []SampleReport
}

// Failed returns the samples that did not produce a table.
func (r *Report) Failed() []SampleReport {
	var out []SampleReport
	for _, s := range r.Samples {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Err returns nil if every sample succeeded. Otherwise it returns an error
// wrapping the first sample failure.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	var once errors.Once
	for _, s := range failed {
		once.Set(errors.E(s.Sample, s.Err))
	}
	return errors.E(fmt.Sprintf("%d of %d samples failed", len(failed), len(r.Samples)), once.Err())
}

// String renders the per-sample summary as a table.
func (r *Report) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "run %s: %d samples in %s, peak %d of %d workers\n",
		r.RunID, len(r.Samples), r.Duration.Round(time.Millisecond), r.PeakWorkers, r.Workers)
	w := tsv.NewWriter(&buf)
	for _, h := range []string{"sample", "status", "tasks_ok", "tasks_failed", "reads", "matched", "ambiguous", "counted", "error"} {
		w.WriteString(h)
	}
	_ = w.EndLine()
	for _, s := range r.Samples {
		status, msg := "ok", ""
		if s.Err != nil {
			status, msg = "FAILED", s.Err.Error()
		}
		w.WriteString(s.Sample)
		w.WriteString(status)
		w.WriteInt64(int64(s.Tasks.Succeeded))
		w.WriteInt64(int64(s.Tasks.Failed))
		w.WriteInt64(s.Counts.TotalReads)
		w.WriteInt64(s.Counts.MatrixReads)
		w.WriteInt64(s.Counts.Ambiguous)
		w.WriteInt64(s.Counts.Counted)
		w.WriteString(msg)
		_ = w.EndLine()
	}
	_ = w.Flush()
	return buf.String()
}
