package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/match"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func manifest(genes ...probe.Gene) *probe.Manifest {
	m := &probe.Manifest{}
	for i, g := range genes {
		g.Ordinal = i
		m.Genes = append(m.Genes, g)
		if len(g.Barcodes) > m.MaxBarcodes {
			m.MaxBarcodes = len(g.Barcodes)
		}
	}
	return m
}

func TestFilter(t *testing.T) {
	b := artifact.NewBuilder(match.Presence, []artifact.GeneRef{{Name: "A", Ordinal: 0}, {Name: "B", Ordinal: 1}, {Name: "C", Ordinal: 2}})
	b.Add("two", 0, []uint32{1, 1, 0})
	b.Add("three", 1, []uint32{1, 1, 1})
	b.Add("one", 2, []uint32{0, 0, 1})
	tab := b.Table()

	kept, dropped := Filter(tab, AmbiguityThreshold)
	expect.EQ(t, dropped, 1)
	expect.EQ(t, kept.IDs, []string{"two", "one"})
	expect.EQ(t, Sum(kept), map[string]int64{"A": 1, "B": 1, "C": 1})
	// The input is untouched.
	expect.EQ(t, tab.NumRows(), 3)

	kept, dropped = Filter(tab, 3)
	expect.EQ(t, dropped, 0)
	expect.EQ(t, Sum(kept), map[string]int64{"A": 2, "B": 2, "C": 2})
}

// Reads: r1 hits A and B; r2 hits A and B; r3 hits only C in count mode with
// 3 occurrences; r4 hits A, B and C and is dropped.
func TestAggregate(t *testing.T) {
	b := artifact.NewBuilder(match.Count, []artifact.GeneRef{{Name: "A", Ordinal: 0}, {Name: "B", Ordinal: 1}, {Name: "C", Ordinal: 2}, {Name: "Z", Ordinal: 9}})
	b.Add("r1", 1, []uint32{1, 1, 0, 0})
	b.Add("r2", 2, []uint32{2, 1, 0, 0})
	b.Add("r3", 3, []uint32{0, 0, 3, 0})
	b.Add("r4", 4, []uint32{1, 1, 1, 0})
	m := manifest(
		probe.Gene{Name: "A", Barcodes: []string{"AAA"}},
		probe.Gene{Name: "B", Barcodes: []string{"CCC", "GGG"}},
		probe.Gene{Name: "C", Barcodes: []string{"TTT"}},
		probe.Gene{Name: "D", Barcodes: []string{"ACG"}},
	)
	ct, stats := Aggregate(b.Table(), m, AmbiguityThreshold, 10)
	expect.EQ(t, stats, Stats{TotalReads: 10, MatrixReads: 4, Ambiguous: 1, Counted: 3})
	expect.EQ(t, stats.Unmatched(), int64(6))
	expect.EQ(t, ct.Columns, []string{"Barcode_1", "Barcode_2"})
	expect.EQ(t, ct.Rows, []Row{
		{"A", 3, []string{"AAA", ""}},
		{"B", 2, []string{"CCC", "GGG"}},
		{"C", 3, []string{"TTT", ""}},
		{"D", 0, []string{"ACG", ""}},
		{"Z", 0, []string{"0", "0"}},
	})
}

func TestWriteTSV(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ct := &CountTable{
		Columns: []string{"Barcode_1"},
		Rows:    []Row{{"A", 2, []string{"AAA"}}, {"B", 0, []string{"0"}}},
	}
	p1 := filepath.Join(dir, "1.tsv")
	p2 := filepath.Join(dir, "2.tsv")
	assert.NoError(t, WriteTSV(ctx, p1, ct))
	assert.NoError(t, WriteTSV(ctx, p2, ct))
	a, err := os.ReadFile(p1)
	assert.NoError(t, err)
	expect.EQ(t, string(a), "Gene\tReads\tBarcode_1\nA\t2\tAAA\nB\t0\t0\n")
	b, err := os.ReadFile(p2)
	assert.NoError(t, err)
	expect.EQ(t, b, a)
}
