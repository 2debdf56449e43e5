package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/readcount/encoding/fastq"
	"github.com/grailbio/readcount/fault"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

// fastqText returns n reads named r0..r{n-1}, each with a sequence of length
// seqLen (or longLen for read index long).
func fastqText(n, seqLen, long, longLen int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		l := seqLen
		if i == long {
			l = longLen
		}
		fmt.Fprintf(&b, "@r%d extra\n%s\n+\n%s\n", i, strings.Repeat("ACGT", l/4+1)[:l], strings.Repeat("E", l))
	}
	return b.String()
}

func writeFile(t *testing.T, path, text string) {
	assert.NoError(t, os.WriteFile(path, []byte(text), 0644))
}

func readBack(t *testing.T, parts []ReadPartition) (names []string, seqs []uint64) {
	ctx := context.Background()
	for _, p := range parts {
		r, err := Open(ctx, p, fastq.ID|fastq.Seq)
		assert.NoError(t, err)
		var rec fastq.Read
		for r.Scan(&rec) {
			names = append(names, rec.Name())
			seqs = append(seqs, r.Seq())
		}
		assert.NoError(t, r.Err())
		assert.NoError(t, r.Close(ctx))
	}
	return
}

func TestPartitionCoverage(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(10, 12, -1, 0))

	parts, stats, err := Partition(ctx, in, filepath.Join(dir, "parts"), Bound{MaxReads: 3})
	assert.NoError(t, err)
	expect.EQ(t, stats.Partitions, 4)
	expect.EQ(t, stats.Reads, int64(10))
	expect.False(t, stats.Reused)

	var counts []int
	var firsts []uint64
	for i, p := range parts {
		expect.EQ(t, p.Index, i)
		counts = append(counts, p.NumReads)
		firsts = append(firsts, p.FirstSeq)
	}
	expect.EQ(t, counts, []int{3, 3, 3, 1})
	expect.EQ(t, firsts, []uint64{0, 3, 6, 9})

	names, seqs := readBack(t, parts)
	assert.EQ(t, len(names), 10)
	for i := range names {
		expect.EQ(t, names[i], fmt.Sprintf("r%d", i))
		expect.EQ(t, seqs[i], uint64(i))
	}
}

func TestPartitionByteBound(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	// Reads are 34 bytes each, except r2 which is 94 bytes.
	writeFile(t, in, fastqText(5, 10, 2, 40))

	parts, _, err := Partition(ctx, in, filepath.Join(dir, "parts"), Bound{MaxBytes: 70})
	assert.NoError(t, err)
	var counts []int
	for _, p := range parts {
		counts = append(counts, p.NumReads)
		if p.NumReads > 1 {
			expect.True(t, p.Bytes <= 70, "%d", p.Bytes)
		}
	}
	expect.EQ(t, counts, []int{2, 1, 2})
	expect.EQ(t, parts[0].Bytes, int64(68))
	expect.EQ(t, parts[1].Bytes, int64(94))
}

func TestPartitionDeterministic(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(17, 20, 5, 70))
	bound := Bound{MaxReads: 4, MaxBytes: 200}

	a, _, err := Partition(ctx, in, filepath.Join(dir, "a"), bound)
	assert.NoError(t, err)
	b, _, err := Partition(ctx, in, filepath.Join(dir, "b"), bound)
	assert.NoError(t, err)
	assert.EQ(t, len(a), len(b))
	for i := range a {
		expect.EQ(t, a[i].FirstSeq, b[i].FirstSeq)
		expect.EQ(t, a[i].NumReads, b[i].NumReads)
		expect.EQ(t, a[i].Checksum, b[i].Checksum)
	}
}

func TestPartitionReuse(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(7, 8, -1, 0))
	out := filepath.Join(dir, "parts")

	first, _, err := Partition(ctx, in, out, Bound{MaxReads: 2})
	assert.NoError(t, err)
	second, stats, err := Partition(ctx, in, out, Bound{MaxReads: 2})
	assert.NoError(t, err)
	expect.True(t, stats.Reused)
	expect.EQ(t, stats.Reads, int64(7))
	expect.EQ(t, second, first)

	// A different bound is a different staging.
	third, stats, err := Partition(ctx, in, out, Bound{MaxReads: 3})
	assert.NoError(t, err)
	expect.False(t, stats.Reused)
	expect.EQ(t, len(third), 3)
}

func TestPartitionRecoversPartialStaging(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(6, 8, -1, 0))
	out := filepath.Join(dir, "parts")

	parts, _, err := Partition(ctx, in, out, Bound{MaxReads: 2})
	assert.NoError(t, err)

	// A staged file disappears: the marker no longer describes the directory.
	assert.NoError(t, os.Remove(parts[1].Path))
	_, stats, err := Partition(ctx, in, out, Bound{MaxReads: 2})
	assert.NoError(t, err)
	expect.False(t, stats.Reused)

	// Interrupted staging: partition files without a marker, plus debris.
	assert.NoError(t, os.Remove(filepath.Join(out, markerName)))
	writeFile(t, filepath.Join(out, "part-000099.fastq.sz"), "junk")
	parts, stats, err = Partition(ctx, in, out, Bound{MaxReads: 2})
	assert.NoError(t, err)
	expect.False(t, stats.Reused)
	_, err = os.Stat(filepath.Join(out, "part-000099.fastq.sz"))
	expect.True(t, os.IsNotExist(err))
	names, _ := readBack(t, parts)
	expect.EQ(t, len(names), 6)
}

func TestPartitionFormatError(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(2, 8, -1, 0)+"@r2\nACGT\n+\nEE\n")

	_, _, err := Partition(ctx, in, filepath.Join(dir, "parts"), Bound{MaxReads: 1})
	var ferr *fault.InputFormatError
	assert.True(t, errors.As(err, &ferr))
	expect.EQ(t, ferr.Path, in)
	expect.EQ(t, ferr.Line, 12)
	expect.True(t, errors.Is(err, fastq.ErrLength))

	_, err = os.Stat(filepath.Join(dir, "parts", markerName))
	expect.True(t, os.IsNotExist(err))
}

func TestPartitionGzip(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fq.gz")
	f, err := os.Create(in)
	assert.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(fastqText(5, 16, -1, 0)))
	assert.NoError(t, err)
	assert.NoError(t, gz.Close())
	assert.NoError(t, f.Close())

	parts, stats, err := Partition(ctx, in, filepath.Join(dir, "parts"), Bound{MaxReads: 10})
	assert.NoError(t, err)
	expect.EQ(t, stats.Reads, int64(5))
	names, _ := readBack(t, parts)
	expect.EQ(t, names, []string{"r0", "r1", "r2", "r3", "r4"})
}

func TestReaderDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(dir, "reads.fastq")
	writeFile(t, in, fastqText(4, 8, -1, 0))
	parts, _, err := Partition(ctx, in, filepath.Join(dir, "parts"), Bound{MaxReads: 4})
	assert.NoError(t, err)

	for _, mutate := range []func(*ReadPartition){
		func(p *ReadPartition) { p.NumReads++ },
		func(p *ReadPartition) { p.Checksum ^= 1 },
	} {
		p := parts[0]
		mutate(&p)
		r, err := Open(ctx, p, fastq.ID)
		assert.NoError(t, err)
		var rec fastq.Read
		for r.Scan(&rec) {
		}
		expect.True(t, r.Err() != nil)
		assert.NoError(t, r.Close(ctx))
	}
}

func TestBoundValidate(t *testing.T) {
	expect.True(t, Bound{}.Validate() != nil)
	expect.True(t, Bound{MaxReads: -1, MaxBytes: 10}.Validate() != nil)
	expect.NoError(t, Bound{MaxBytes: 10}.Validate())
}
