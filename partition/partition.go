// Package partition splits a FASTQ read file into ordered, bounded
// partitions and stages each partition as a separate snappy-compressed file.
//
// Staging is idempotent. A STAGED marker, written only after every partition
// file is durable, records the bound, a fingerprint of the input, and a
// checksum per partition. A later call with the same input and bound reuses
// the staged files; any other state of the directory is treated as a partial
// staging and is cleared before re-staging.
package partition

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/readcount/encoding/fastq"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Bound limits the size of one partition. A partition is closed before a read
// would make it exceed either limit. A zero limit is ignored, but at least one
// limit must be set. A read larger than MaxBytes forms its own partition.
type Bound struct {
	MaxReads int   `json:"max_reads" yaml:"max_reads"`
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`
}

// Validate checks that b bounds anything at all.
func (b Bound) Validate() error {
	if b.MaxReads < 0 || b.MaxBytes < 0 {
		return errors.Errorf("negative partition bound %+v", b)
	}
	if b.MaxReads == 0 && b.MaxBytes == 0 {
		return errors.New("partition bound must limit reads or bytes")
	}
	return nil
}

func (b Bound) full(reads int, bytes int64, next int) bool {
	if reads == 0 {
		return false
	}
	if b.MaxReads > 0 && reads >= b.MaxReads {
		return true
	}
	return b.MaxBytes > 0 && bytes+int64(next) > b.MaxBytes
}

// ReadPartition is one staged slice of a sample's reads.
type ReadPartition struct {
	// Index is the 0-based ordinal of the partition.
	Index int `json:"index"`
	// Path is the staged, snappy-compressed FASTQ file.
	Path string `json:"path"`
	// FirstSeq is the 0-based position of the partition's first read in the
	// input file. Read i of the partition has sequence number FirstSeq+i.
	FirstSeq uint64 `json:"first_seq"`
	// NumReads is the number of reads in the partition.
	NumReads int `json:"num_reads"`
	// Bytes is the uncompressed FASTQ size of the partition.
	Bytes int64 `json:"bytes"`
	// Checksum is the seahash of the uncompressed FASTQ text.
	Checksum uint64 `json:"checksum"`
}

// Name returns a short label for logs and task names.
func (p ReadPartition) Name() string { return fmt.Sprintf("p%06d", p.Index) }

// Stats summarizes one Partition call.
type Stats struct {
	Reads      int64
	Bytes      int64
	Partitions int
	// Reused is true if a complete staging from an earlier call was reused.
	Reused bool
}

func partitionPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%06d.fastq.sz", index))
}

// Partition splits readPath into partitions staged under dir. readPath may be
// gzip-compressed (".gz" suffix). The returned partitions are ordered, disjoint
// and cover every read of the input exactly once.
//
// A record that violates the FASTQ layout fails the call with a
// *fault.InputFormatError. The partial staging left behind is cleared by the
// next call.
func Partition(ctx context.Context, readPath, dir string, bound Bound) ([]ReadPartition, Stats, error) {
	if err := bound.Validate(); err != nil {
		return nil, Stats{}, err
	}
	fp, err := fingerprint(ctx, readPath, bound)
	if err != nil {
		return nil, Stats{}, err
	}
	if m, ok := loadMarker(ctx, dir); ok && m.matches(fp, bound) {
		err := m.verifyFiles(ctx)
		if err == nil {
			log.Printf("%s: reusing %d staged partitions in %s", readPath, len(m.Partitions), dir)
			return m.Partitions, m.stats(), nil
		}
		log.Printf("%s: staged partitions in %s are incomplete (%v), restaging", readPath, dir, err)
	}
	if err := clearDir(dir); err != nil {
		return nil, Stats{}, err
	}
	parts, stats, err := stage(ctx, readPath, dir, bound)
	if err != nil {
		return nil, Stats{}, err
	}
	m := marker{Version: markerVersion, Fingerprint: fp, Bound: bound, Partitions: parts}
	if err := m.write(ctx, dir); err != nil {
		return nil, Stats{}, err
	}
	log.Printf("%s: staged %d reads in %d partitions (%d bytes)", readPath, stats.Reads, stats.Partitions, stats.Bytes)
	return parts, stats, nil
}

// openInput opens a possibly gzip-compressed read file.
func openInput(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	var r io.Reader = in.Reader(ctx)
	closer := func() error { return in.Close(ctx) }
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			_ = in.Close(ctx)
			return nil, nil, errors.Wrapf(err, "gunzip %s", path)
		}
		r = gz
		closer = func() error {
			err := gz.Close()
			if e := in.Close(ctx); e != nil && err == nil {
				err = e
			}
			return err
		}
	}
	return r, closer, nil
}

func stage(ctx context.Context, readPath, dir string, bound Bound) (parts []ReadPartition, stats Stats, err error) {
	r, closeInput, err := openInput(ctx, readPath)
	if err != nil {
		return nil, stats, err
	}
	defer func() {
		if e := closeInput(); e != nil && err == nil {
			err = errors.Wrapf(e, "close %s", readPath)
		}
	}()
	var (
		sc  = fastq.NewNamedScanner(r, readPath, fastq.All)
		cur *stagingWriter
		rec fastq.Read
		seq uint64
	)
	finish := func() error {
		if cur == nil {
			return nil
		}
		p, err := cur.close(ctx)
		cur = nil
		if err != nil {
			return err
		}
		parts = append(parts, p)
		stats.Bytes += p.Bytes
		return nil
	}
	for sc.Scan(&rec) {
		size := rec.Size()
		if cur != nil && bound.full(cur.w.Reads(), cur.w.Bytes(), size) {
			if err = finish(); err != nil {
				return nil, stats, err
			}
		}
		if cur == nil {
			index := len(parts)
			if cur, err = newStagingWriter(ctx, partitionPath(dir, index), index, seq); err != nil {
				return nil, stats, err
			}
		}
		if err = cur.w.Write(&rec); err != nil {
			cur.abort(ctx)
			return nil, stats, errors.Wrapf(err, "write %s", cur.part.Path)
		}
		seq++
	}
	if err = sc.Err(); err != nil {
		if cur != nil {
			cur.abort(ctx)
		}
		return nil, stats, err
	}
	if err = finish(); err != nil {
		return nil, stats, err
	}
	stats.Reads = int64(seq)
	stats.Partitions = len(parts)
	return parts, stats, nil
}
