// Package extract runs one extraction task: it matches every read of a staged
// partition against every gene of a probe chunk and stores the reads with at
// least one hit as an artifact.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/encoding/fastq"
	"github.com/grailbio/readcount/match"
	"github.com/grailbio/readcount/partition"
	"github.com/grailbio/readcount/probe"
)

// Task is one (partition, chunk) unit of work.
type Task struct {
	Sample    string
	Partition partition.ReadPartition
	Chunk     probe.Chunk
	// OutDir receives the artifact.
	OutDir string
	Mode   match.Mode
	// Matcher selects the matching engine.
	Matcher match.Kind
}

// Name returns "p%06d-c%04d", the task's label and artifact base name.
func (t Task) Name() string { return t.Partition.Name() + "-" + t.Chunk.Name() }

// ArtifactPath returns where Run writes the task's artifact.
func (t Task) ArtifactPath() string {
	return filepath.Join(t.OutDir, t.Name()+artifact.Suffix)
}

// Result describes a completed task.
type Result struct {
	Path string
	// Reads is the number of reads scanned.
	Reads int
	// Hits is the number of reads with at least one non-zero score, i.e. the
	// number of rows stored.
	Hits int
}

// Per-read bookkeeping overhead of a stored row, beyond the read ID.
const rowOverhead = 64

// EstimateMemory returns an upper bound on the bytes Run holds at once for t:
// the matcher, one read, and, in the worst case where every read hits, the
// table of the partition.
func EstimateMemory(t Task) int64 {
	var bc int64
	for _, g := range t.Chunk.Genes {
		for _, b := range g.Barcodes {
			bc += int64(len(b))
		}
	}
	n := int64(t.Partition.NumReads)
	avg := int64(0)
	if n > 0 {
		avg = t.Partition.Bytes / n
	}
	matcher := bc * 64
	rows := n * (rowOverhead + avg/4 + 4*int64(len(t.Chunk.Genes)))
	return matcher + rows + 2*avg + 1<<20
}

// Run executes t. On error no artifact is left behind.
func Run(ctx context.Context, t Task) (res Result, err error) {
	if err := t.Chunk.Validate(); err != nil {
		return res, errors.E(errors.Invalid, t.Name(), err)
	}
	m, err := match.Select(t.Matcher, t.Chunk.Barcodes(), t.Mode)
	if err != nil {
		return res, errors.E(errors.Invalid, t.Name(), err)
	}
	refs := make([]artifact.GeneRef, len(t.Chunk.Genes))
	for i, g := range t.Chunk.Genes {
		refs[i] = artifact.GeneRef{Name: g.Name, Ordinal: g.Ordinal}
	}
	b := artifact.NewBuilder(t.Mode, refs)

	r, err := partition.Open(ctx, t.Partition, fastq.ID|fastq.Seq)
	if err != nil {
		return res, err
	}
	var (
		rec    fastq.Read
		seq    []byte
		scores = make([]uint32, m.NumGenes())
	)
	for r.Scan(&rec) {
		res.Reads++
		if res.Reads%4096 == 0 {
			if err := ctx.Err(); err != nil {
				_ = r.Close(ctx)
				return Result{}, err
			}
		}
		seq = match.Upper(seq, []byte(rec.Seq))
		m.Match(seq, scores)
		if match.Hits(scores) == 0 {
			continue
		}
		b.Add(rec.Name(), r.Seq(), scores)
		res.Hits++
	}
	err = r.Err()
	if e := r.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: read partition: %w", t.Name(), err)
	}
	res.Path = t.ArtifactPath()
	if err := artifact.Write(ctx, res.Path, b.Table()); err != nil {
		_ = os.Remove(res.Path)
		return Result{}, err
	}
	log.Debug.Printf("%s %s: %d reads, %d hits with %s matcher", t.Sample, t.Name(), res.Reads, res.Hits, m.Kind())
	return res, nil
}
