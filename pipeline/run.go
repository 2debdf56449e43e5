// Package pipeline runs the read-count pipeline over the samples of a project.
// For each sample it stages read partitions, extracts every (partition, probe
// chunk) task on a bounded pool, and then merges, filters, and aggregates the
// task artifacts into a count table in the background while the next sample
// extracts.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/readcount/aggregate"
	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/extract"
	"github.com/grailbio/readcount/merge"
	"github.com/grailbio/readcount/partition"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/readcount/project"
	"github.com/grailbio/readcount/sched"
)

// Run processes every sample listed in p. Sample failures are recorded in
// the report and never stop other samples; the returned error is non-nil only
// if the run could not start. Run returns after every sample's table is
// written or has failed.
func Run(ctx context.Context, p project.Project, opts Opts) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	samples, err := p.Samples(ctx)
	if err != nil {
		return nil, err
	}
	p.CheckInputs(samples)
	return RunSamples(ctx, p, samples, opts)
}

// RunSamples processes the given samples of p in order.
func RunSamples(ctx context.Context, p project.Project, samples []project.Sample, opts Opts) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Indel {
		log.Printf("indel analysis is not implemented; ignoring")
	}
	r := &Report{RunID: uuid.New().String(), Start: time.Now(), Samples: make([]SampleReport, len(samples))}
	m := newMetrics()
	// One set of slots bounds extraction and the background merges of every
	// sample together.
	workers, _ := opts.pool(nil).Bound()
	slots := sched.NewSlots(workers)
	r.Workers = slots.Size()
	log.Printf("run %s: %d samples, %d workers, mode %s, matcher %s", r.RunID, len(samples), r.Workers, opts.Mode, opts.Matcher)

	handles := make([]*finalizeHandle, len(samples))
	for i, s := range samples {
		rep := &r.Samples[i]
		rep.Sample = s.Name
		handles[i] = runSample(ctx, p, s, opts, slots, rep)
		project.Reclaim()
	}
	for i, h := range handles {
		rep := &r.Samples[i]
		if h != nil {
			h.wait()
			if h.err != nil {
				rep.Err, rep.Table, rep.FullMatrix = h.err, "", ""
				log.Error.Printf("sample %s: finalize: %v", rep.Sample, h.err)
			}
		}
		m.observe(rep)
	}
	r.Duration = time.Since(r.Start)
	r.PeakWorkers = slots.Peak()
	if opts.MetricsTextfile != "" {
		if err := m.write(opts.MetricsTextfile); err != nil {
			log.Error.Printf("write metrics %s: %v", opts.MetricsTextfile, err)
		}
	}
	log.Printf("%s", r)
	return r, nil
}

// runSample stages and extracts s, recording into rep. On success it returns
// the handle of the sample's finalize step; on failure it sets rep.Err and
// returns nil.
func runSample(ctx context.Context, p project.Project, s project.Sample, opts Opts, slots *sched.Slots, rep *SampleReport) *finalizeHandle {
	start := time.Now()
	fail := func(err error) *finalizeHandle {
		rep.Err = err
		rep.Duration = time.Since(start)
		log.Error.Printf("sample %s: %v", s.Name, err)
		return nil
	}
	if s.ReadPath == "" {
		path, err := p.ReadFile(s.Name)
		if err != nil {
			return fail(err)
		}
		s.ReadPath = path
	}
	paths, err := p.Prepare(s)
	if err != nil {
		return fail(err)
	}
	log.Printf("sample %s: reads %s, manifest %s", s.Name, s.ReadPath, s.ManifestPath)

	manifest, lstats, err := probe.Load(ctx, s.ManifestPath, opts.Sep)
	rep.Manifest = lstats
	if err != nil {
		return fail(err)
	}
	chunks, err := manifest.Chunks(opts.Chunks)
	if err != nil {
		return fail(errors.E(errors.Invalid, err))
	}
	if opts.Restage {
		if err := os.RemoveAll(paths.Partitions); err != nil {
			return fail(err)
		}
	}
	parts, pstats, err := partition.Partition(ctx, s.ReadPath, paths.Partitions, opts.Partition)
	rep.Partitions = pstats
	if err != nil {
		return fail(err)
	}

	tasks := make([]extract.Task, 0, len(parts)*len(chunks))
	for _, part := range parts {
		for _, c := range chunks {
			tasks = append(tasks, extract.Task{
				Sample:    s.Name,
				Partition: part,
				Chunk:     c,
				OutDir:    paths.Artifacts,
				Mode:      opts.mode(),
				Matcher:   opts.matcher(),
			})
		}
	}
	jobs := make([]sched.Job, len(tasks))
	for i, t := range tasks {
		jobs[i] = sched.Job{Name: s.Name + "/" + t.Name(), Memory: extract.EstimateMemory(t)}
	}
	pool := opts.pool(slots)
	outcomes, summary := pool.Run(ctx, jobs, func(ctx context.Context, i int) (string, error) {
		res, err := extract.Run(ctx, tasks[i])
		return res.Path, err
	})
	rep.Tasks = summary
	log.Printf("sample %s: %d partitions x %d chunks: %s", s.Name, len(parts), len(chunks), summary)
	if summary.Failed > 0 {
		for _, o := range outcomes {
			if o.Err != nil {
				return fail(errors.E(fmt.Sprintf("%d of %d extraction tasks failed", summary.Failed, len(jobs)), o.Err))
			}
		}
	}
	artifacts := make([]string, len(outcomes))
	for i, o := range outcomes {
		artifacts[i] = o.Path
	}
	fin := finalize{
		sample:     s.Name,
		artifacts:  artifacts,
		manifest:   manifest,
		paths:      paths,
		opts:       opts,
		totalReads: pstats.Reads,
		slots:      slots,
		start:      start,
		rep:        rep,
	}
	return startFinalize(ctx, fin)
}

// finalize is the merge, aggregate and persist step of one sample.
type finalize struct {
	sample     string
	artifacts  []string
	manifest   *probe.Manifest
	paths      project.Paths
	opts       Opts
	totalReads int64
	slots      *sched.Slots
	start      time.Time
	rep        *SampleReport
}

// finalizeHandle tracks a finalize step running in the background.
type finalizeHandle struct {
	done chan struct{}
	err  error
}

func startFinalize(ctx context.Context, f finalize) *finalizeHandle {
	h := &finalizeHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = errors.E(fmt.Sprintf("panic: %v", r))
			}
		}()
		h.err = f.run(ctx)
	}()
	return h
}

func (h *finalizeHandle) wait() { <-h.done }

func (f finalize) run(ctx context.Context) error {
	t, err := merge.Merge(ctx, f.artifacts, merge.Opts{Mode: f.opts.mode(), Slots: f.slots})
	if err != nil {
		return err
	}
	ct, stats := aggregate.Aggregate(t, f.manifest, f.opts.AmbiguityThreshold, f.totalReads)
	f.rep.Counts = stats
	if err := aggregate.WriteTSV(ctx, f.paths.Table, ct); err != nil {
		return err
	}
	f.rep.Table = f.paths.Table
	if f.opts.FullMatrix {
		path := filepath.Join(f.paths.FullMatrix, aggregate.FullMatrixName)
		if err := artifact.Write(ctx, path, t); err != nil {
			return err
		}
		f.rep.FullMatrix = path
	}
	f.rep.Duration = time.Since(f.start)
	log.Printf("sample %s: %d reads, %d matched, %d ambiguous, %d counted; wrote %s",
		f.sample, stats.TotalReads, stats.MatrixReads, stats.Ambiguous, stats.Counted, f.paths.Table)
	return nil
}
