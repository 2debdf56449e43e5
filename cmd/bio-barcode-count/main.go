// bio-barcode-count counts, per sample of a project, the reads that contain
// every barcode of each gene of a probe manifest.
//
// Usage:
//
//	bio-barcode-count -data-dir /data -u jane -p screen1 [flags]
//
// The samples are read from <data-dir>/User/<user>/<project>.txt, one
// "sample,manifest" row each. For every sample the count table is written to
// <data-dir>/Output/<user>/<project>/<manifest>/<sample>/read_counts.tsv.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/readcount/pipeline"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/readcount/project"
)

type memStats struct {
	mu        sync.Mutex
	alloc     uint64
	sys       uint64
	heapInuse uint64
}

func (m *memStats) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("peak Alloc: %v, Sys: %v, HeapInuse: %v", m.alloc, m.sys, m.heapInuse)
}

func (m *memStats) update() {
	var s runtime.MemStats
	runtime.ReadMemStats(&s)
	m.mu.Lock()
	if m.alloc < s.Alloc {
		m.alloc = s.Alloc
	}
	if m.sys < s.Sys {
		m.sys = s.Sys
	}
	if m.heapInuse < s.HeapInuse {
		m.heapInuse = s.HeapInuse
	}
	m.mu.Unlock()
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s -data-dir DIR -u USER -p PROJECT [flags]

Flags given on the command line override values from -config.

`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	var (
		proj       project.Project
		configPath string
		initOnly   bool
		flagOpts   = pipeline.DefaultOpts
	)
	d := pipeline.DefaultOpts
	flag.StringVar(&proj.DataDir, "data-dir", ".", "Root of the project layout.")
	flag.StringVar(&proj.User, "u", "", "User name.")
	flag.StringVar(&proj.Name, "p", "", "Project name.")
	flag.StringVar(&configPath, "config", "", "YAML file of pipeline options.")
	flag.BoolVar(&initOnly, "init", false, "Create the project layout and sample list, then exit.")
	flag.IntVar(&flagOpts.Workers, "t", d.Workers, "Maximum concurrent extraction tasks. 0 means the number of CPUs.")
	flag.IntVar(&flagOpts.Partition.MaxReads, "c", d.Partition.MaxReads, "Maximum reads per partition.")
	flag.Int64Var(&flagOpts.Partition.MaxBytes, "partition-bytes", d.Partition.MaxBytes, "Maximum record bytes per partition.")
	flag.IntVar(&flagOpts.Chunks.GenesPerChunk, "genes-per-chunk", d.Chunks.GenesPerChunk, "Genes per probe chunk.")
	flag.IntVar(&flagOpts.Chunks.NumChunks, "chunks", d.Chunks.NumChunks, "Number of probe chunks. Overrides -genes-per-chunk.")
	flag.StringVar(&flagOpts.Sep, "sep", d.Sep, "Manifest delimiter.")
	flag.StringVar(&flagOpts.Mode, "mode", d.Mode, `Gene score: "presence" or "count".`)
	flag.StringVar(&flagOpts.Matcher, "matcher", d.Matcher, `Matching engine: "auto", "reference" or "automaton".`)
	flag.Int64Var(&flagOpts.MemoryBudget, "memory-budget", d.MemoryBudget, "Memory budget in bytes. 0 means the free memory.")
	flag.BoolVar(&flagOpts.FullMatrix, "full-matrix", d.FullMatrix, "Also write the merged read-by-gene matrix.")
	flag.BoolVar(&flagOpts.Restage, "restage", d.Restage, "Re-partition the read file even if staged partitions match.")
	flag.BoolVar(&flagOpts.Indel, "indel", d.Indel, "Run indel analysis (not implemented).")
	flag.StringVar(&flagOpts.MetricsTextfile, "metrics-textfile", d.MetricsTextfile, "Write run metrics to this file in the Prometheus text format.")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if proj.User == "" || proj.Name == "" {
		log.Fatal("-u and -p are required")
	}
	if initOnly {
		if err := proj.Init(ctx); err != nil {
			log.Fatal(err)
		}
		log.Printf("initialized %s; list samples in %s", proj.DataDir, proj.SampleList())
		return
	}

	opts := pipeline.DefaultOpts
	if configPath != "" {
		var err error
		if opts, err = pipeline.LoadOpts(ctx, configPath, opts); err != nil {
			log.Fatal(err)
		}
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["t"] {
		opts.Workers = flagOpts.Workers
	}
	if set["c"] {
		opts.Partition.MaxReads = flagOpts.Partition.MaxReads
	}
	if set["partition-bytes"] {
		opts.Partition.MaxBytes = flagOpts.Partition.MaxBytes
	}
	switch {
	case set["chunks"]:
		opts.Chunks = probe.ChunkSpec{NumChunks: flagOpts.Chunks.NumChunks}
	case set["genes-per-chunk"]:
		opts.Chunks = probe.ChunkSpec{GenesPerChunk: flagOpts.Chunks.GenesPerChunk}
	}
	if set["sep"] {
		opts.Sep = flagOpts.Sep
	}
	if set["mode"] {
		opts.Mode = flagOpts.Mode
	}
	if set["matcher"] {
		opts.Matcher = flagOpts.Matcher
	}
	if set["memory-budget"] {
		opts.MemoryBudget = flagOpts.MemoryBudget
	}
	if set["full-matrix"] {
		opts.FullMatrix = flagOpts.FullMatrix
	}
	if set["restage"] {
		opts.Restage = flagOpts.Restage
	}
	if set["indel"] {
		opts.Indel = flagOpts.Indel
	}
	if set["metrics-textfile"] {
		opts.MetricsTextfile = flagOpts.MetricsTextfile
	}

	var stats memStats
	go func() {
		for {
			time.Sleep(500 * time.Millisecond)
			stats.update()
		}
	}()
	report, err := pipeline.Run(ctx, proj, opts)
	if err != nil {
		log.Fatal(err)
	}
	stats.update()
	log.Printf("MemStats: %s", stats.String())
	if err := report.Err(); err != nil {
		log.Error.Printf("%v", err)
		os.Exit(1)
	}
	log.Printf("All done")
}
