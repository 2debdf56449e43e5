package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/match"
	"github.com/grailbio/readcount/partition"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const reads = `@read1 1:N
AAAACCCCGGGG
+
IIIIIIIIIIII
@read2
ttttaaaacccc
+
IIIIIIIIIIII
@read3
GGGGGGGGGGGG
+
IIIIIIIIIIII
@read4
CCCCGGGGTTTT
+
IIIIIIIIIIII
`

func setup(t *testing.T, dir string) []partition.ReadPartition {
	in := filepath.Join(dir, "reads.fastq")
	assert.NoError(t, os.WriteFile(in, []byte(reads), 0644))
	parts, _, err := partition.Partition(context.Background(), in, filepath.Join(dir, "partitions"), partition.Bound{MaxReads: 2})
	assert.NoError(t, err)
	assert.EQ(t, len(parts), 2)
	return parts
}

func chunk() probe.Chunk {
	return probe.Chunk{Index: 1, Genes: []probe.Gene{
		{Name: "A", Ordinal: 4, Barcodes: []string{"AAAA"}},
		{Name: "B", Ordinal: 5, Barcodes: []string{"CCCC", "GGGG"}},
		{Name: "C", Ordinal: 6, Barcodes: []string{"GGGG"}},
	}}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	parts := setup(t, dir)

	for _, kind := range []match.Kind{match.Reference, match.Automaton} {
		out := filepath.Join(dir, "artifacts", kind.String())
		task := Task{Sample: "s1", Partition: parts[0], Chunk: chunk(), OutDir: out, Mode: match.Count, Matcher: kind}
		res, err := Run(ctx, task)
		assert.NoError(t, err)
		expect.EQ(t, res.Reads, 2)
		expect.EQ(t, res.Hits, 2)
		expect.EQ(t, res.Path, filepath.Join(out, "p000000-c0001.rio"))

		tab, err := artifact.Read(ctx, res.Path)
		assert.NoError(t, err)
		expect.EQ(t, tab.IDs, []string{"read1", "read2"})
		expect.EQ(t, tab.Seqs, []uint64{0, 1})
		expect.EQ(t, tab.Genes(), []string{"A", "B", "C"})
		expect.EQ(t, tab.Cols[0].Values, []uint32{1, 1})
		expect.EQ(t, tab.Cols[1].Values, []uint32{1, 0})
		expect.EQ(t, tab.Cols[2].Values, []uint32{1, 0})

		// read3 holds nine overlapping GGGG occurrences.
		task.Partition = parts[1]
		res, err = Run(ctx, task)
		assert.NoError(t, err)
		tab, err = artifact.Read(ctx, res.Path)
		assert.NoError(t, err)
		expect.EQ(t, tab.Seqs, []uint64{2, 3})
		expect.EQ(t, tab.Cols[0].Values, []uint32{0, 0})
		expect.EQ(t, tab.Cols[1].Values, []uint32{0, 1})
		expect.EQ(t, tab.Cols[2].Values, []uint32{9, 1})
	}
}

func TestRunSparse(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	parts := setup(t, dir)
	c := probe.Chunk{Index: 0, Genes: []probe.Gene{{Name: "X", Ordinal: 0, Barcodes: []string{"ACGTACGT"}}}}
	res, err := Run(ctx, Task{Partition: parts[0], Chunk: c, OutDir: dir, Mode: match.Presence})
	assert.NoError(t, err)
	expect.EQ(t, res.Hits, 0)
	tab, err := artifact.Read(ctx, res.Path)
	assert.NoError(t, err)
	expect.EQ(t, tab.NumRows(), 0)
	expect.EQ(t, tab.Genes(), []string{"X"})
}

func TestRunFailures(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	parts := setup(t, dir)
	out := filepath.Join(dir, "artifacts")

	bad := probe.Chunk{Index: 2, Genes: []probe.Gene{{Name: "X", Barcodes: []string{""}}}}
	task := Task{Partition: parts[0], Chunk: bad, OutDir: out}
	_, err := Run(ctx, task)
	expect.True(t, err != nil)
	_, err = os.Stat(task.ArtifactPath())
	expect.True(t, os.IsNotExist(err))

	p := parts[1]
	p.NumReads = 5
	task = Task{Partition: p, Chunk: chunk(), OutDir: out}
	_, err = Run(ctx, task)
	expect.True(t, err != nil)
	expect.True(t, strings.Contains(err.Error(), "p000001-c0001"))
	_, err = os.Stat(task.ArtifactPath())
	expect.True(t, os.IsNotExist(err))

	p = parts[0]
	p.Path = filepath.Join(dir, "missing.fastq.sz")
	_, err = Run(ctx, Task{Partition: p, Chunk: chunk(), OutDir: out})
	expect.True(t, err != nil)
}

func TestEstimateMemory(t *testing.T) {
	small := Task{Partition: partition.ReadPartition{NumReads: 10, Bytes: 1000}, Chunk: chunk()}
	large := small
	large.Partition.NumReads, large.Partition.Bytes = 100000, 10000000
	expect.True(t, EstimateMemory(small) > 0)
	expect.True(t, EstimateMemory(large) > EstimateMemory(small))
}
