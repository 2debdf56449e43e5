package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"blainsmith.com/go/seahash"
	farm "github.com/dgryski/go-farm"
	"github.com/golang/snappy"
	"github.com/grailbio/base/file"
	"github.com/grailbio/readcount/encoding/fastq"
	"github.com/pkg/errors"
)

const (
	markerName    = "STAGED"
	markerVersion = "RCPART_V1"
)

// stagingWriter writes one partition file.
type stagingWriter struct {
	out  file.File
	sz   *snappy.Writer
	hash hash.Hash64
	w    *fastq.Writer
	part ReadPartition
}

func newStagingWriter(ctx context.Context, path string, index int, firstSeq uint64) (*stagingWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	sw := &stagingWriter{
		out:  out,
		sz:   snappy.NewBufferedWriter(out.Writer(ctx)),
		hash: seahash.New(),
		part: ReadPartition{Index: index, Path: path, FirstSeq: firstSeq},
	}
	sw.w = fastq.NewWriter(io.MultiWriter(sw.sz, sw.hash))
	return sw, nil
}

func (sw *stagingWriter) close(ctx context.Context) (ReadPartition, error) {
	err := sw.sz.Close()
	if e := sw.out.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return ReadPartition{}, errors.Wrapf(err, "close %s", sw.part.Path)
	}
	p := sw.part
	p.NumReads = sw.w.Reads()
	p.Bytes = sw.w.Bytes()
	p.Checksum = sw.hash.Sum64()
	return p, nil
}

func (sw *stagingWriter) abort(ctx context.Context) {
	_ = sw.sz.Close()
	_ = sw.out.Close(ctx)
	_ = os.Remove(sw.part.Path)
}

// marker is the content of the STAGED file.
type marker struct {
	Version     string          `json:"version"`
	Fingerprint uint64          `json:"fingerprint"`
	Bound       Bound           `json:"bound"`
	Partitions  []ReadPartition `json:"partitions"`
}

func (m marker) matches(fp uint64, b Bound) bool {
	return m.Version == markerVersion && m.Fingerprint == fp && m.Bound == b
}

func (m marker) stats() Stats {
	s := Stats{Partitions: len(m.Partitions), Reused: true}
	for _, p := range m.Partitions {
		s.Reads += int64(p.NumReads)
		s.Bytes += p.Bytes
	}
	return s
}

// verifyFiles checks that every staged file listed in the marker still exists.
// Content checksums are verified when the partition is read back.
func (m marker) verifyFiles(ctx context.Context) error {
	for i, p := range m.Partitions {
		if p.Index != i {
			return fmt.Errorf("partition %d listed at position %d", p.Index, i)
		}
		if _, err := file.Stat(ctx, p.Path); err != nil {
			return err
		}
	}
	return nil
}

func (m marker) write(ctx context.Context, dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, markerName)
	tmp := path + ".tmp"
	out, err := file.Create(ctx, tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := out.Writer(ctx).Write(data); err != nil {
		_ = out.Close(ctx)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := out.Close(ctx); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return os.Rename(tmp, path)
}

func loadMarker(ctx context.Context, dir string) (marker, bool) {
	var m marker
	data, err := file.ReadFile(ctx, filepath.Join(dir, markerName))
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false
	}
	return m, true
}

// fingerprint identifies one (input file, bound) combination.
func fingerprint(ctx context.Context, readPath string, b Bound) (uint64, error) {
	info, err := file.Stat(ctx, readPath)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", readPath)
	}
	abs, err := filepath.Abs(readPath)
	if err != nil {
		abs = readPath
	}
	key := fmt.Sprintf("%s|%d|%d|%d|%d", abs, info.Size(), info.ModTime().UnixNano(), b.MaxReads, b.MaxBytes)
	return farm.Fingerprint64([]byte(key)), nil
}

// clearDir removes everything under dir and recreates it empty.
func clearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "clear %s", dir)
	}
	return errors.Wrapf(os.MkdirAll(dir, 0755), "mkdir %s", dir)
}

// Reader scans the reads of one staged partition. It verifies the read count
// and content checksum recorded at staging time once the partition is
// exhausted.
type Reader struct {
	part ReadPartition
	in   file.File
	hash hash.Hash64
	sc   *fastq.Scanner
	n    int
	err  error
}

// Open opens a staged partition for reading. fields selects the FASTQ fields
// to fill, as in fastq.NewScanner.
func Open(ctx context.Context, p ReadPartition, fields fastq.Field) (*Reader, error) {
	in, err := file.Open(ctx, p.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open partition %s", p.Path)
	}
	r := &Reader{part: p, in: in, hash: seahash.New()}
	src := io.TeeReader(snappy.NewReader(in.Reader(ctx)), r.hash)
	r.sc = fastq.NewNamedScanner(src, p.Path, fields)
	return r, nil
}

// Scan reads the next read into rec. It returns false at the end of the
// partition or on error; check Err afterwards.
func (r *Reader) Scan(rec *fastq.Read) bool {
	if r.err != nil {
		return false
	}
	if r.sc.Scan(rec) {
		r.n++
		return true
	}
	if r.err = r.sc.Err(); r.err != nil {
		return false
	}
	if r.n != r.part.NumReads {
		r.err = fmt.Errorf("partition %s: read %d reads, staged %d", r.part.Path, r.n, r.part.NumReads)
	} else if sum := r.hash.Sum64(); sum != r.part.Checksum {
		r.err = fmt.Errorf("partition %s: checksum %x, staged %x", r.part.Path, sum, r.part.Checksum)
	}
	return false
}

// Seq returns the sequence number of the read returned by the last successful
// Scan.
func (r *Reader) Seq() uint64 { return r.part.FirstSeq + uint64(r.n) - 1 }

// Err returns the first error encountered by Scan.
func (r *Reader) Err() error { return r.err }

// Close closes the underlying file.
func (r *Reader) Close(ctx context.Context) error { return r.in.Close(ctx) }
