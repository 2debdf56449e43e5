// Package aggregate turns a merged read-by-gene table into a per-gene count
// table: ambiguous reads are dropped, the surviving scores are summed per
// gene, and the manifest's barcode columns are joined on.
package aggregate

import (
	"context"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/probe"
)

// AmbiguityThreshold is the largest number of genes a read may hit and still
// be counted.
const AmbiguityThreshold = 2

const (
	// TableName is the file name of the count table.
	TableName = "read_counts.tsv"
	// FullMatrixName is the file name of the persisted merged table.
	FullMatrixName = "full_matrix" + artifact.Suffix
)

// Stats describes one aggregation.
type Stats struct {
	// TotalReads is the number of reads scanned for the sample.
	TotalReads int64
	// MatrixReads is the number of reads with at least one hit.
	MatrixReads int64
	// Ambiguous is the number of reads dropped for hitting more than the
	// threshold number of genes.
	Ambiguous int64
	// Counted is the number of reads that contributed to the table.
	Counted int64
}

// Unmatched returns the number of reads that hit no gene.
func (s Stats) Unmatched() int64 { return s.TotalReads - s.MatrixReads }

// Row is one gene of the count table.
type Row struct {
	Gene  string
	Reads int64
	// Metadata holds one cell per CountTable.Columns entry.
	Metadata []string
}

// CountTable is the final per-gene table.
type CountTable struct {
	// Columns names the metadata columns.
	Columns []string
	Rows    []Row
}

// Filter returns the rows of t that hit at most threshold genes, and the number
// of rows dropped. t is not modified.
func Filter(t *artifact.Table, threshold int) (*artifact.Table, int) {
	keep := make([]int, 0, t.NumRows())
	for i := 0; i < t.NumRows(); i++ {
		if t.Hits(i) <= threshold {
			keep = append(keep, i)
		}
	}
	out := &artifact.Table{
		Mode: t.Mode,
		IDs:  make([]string, len(keep)),
		Seqs: make([]uint64, len(keep)),
		Cols: make([]artifact.Column, len(t.Cols)),
	}
	for k, i := range keep {
		out.IDs[k] = t.IDs[i]
		out.Seqs[k] = t.Seqs[i]
	}
	for c, col := range t.Cols {
		values := make([]uint32, len(keep))
		for k, i := range keep {
			values[k] = col.Values[i]
		}
		out.Cols[c] = artifact.Column{Gene: col.Gene, Ordinal: col.Ordinal, Values: values}
	}
	return out, t.NumRows() - len(keep)
}

// Sum returns the total score of each column of t, keyed by gene.
func Sum(t *artifact.Table) map[string]int64 {
	sums := make(map[string]int64, len(t.Cols))
	for _, c := range t.Cols {
		var s int64
		for _, v := range c.Values {
			s += int64(v)
		}
		sums[c.Gene] = s
	}
	return sums
}

// Aggregate filters t at threshold, sums the remaining scores and joins the
// manifest metadata. The table lists the manifest's genes in manifest order,
// followed by any gene of t that is not in the manifest, in column order.
// Genes without counts get 0; genes without metadata get probe.MissingValue
// cells. totalReads is the number of reads scanned for the sample.
func Aggregate(t *artifact.Table, m *probe.Manifest, threshold int, totalReads int64) (*CountTable, Stats) {
	filtered, ambiguous := Filter(t, threshold)
	sums := Sum(filtered)
	md := m.Metadata()
	ct := &CountTable{Columns: md.Columns}
	listed := make(map[string]bool, len(m.Genes))
	for _, g := range m.Genes {
		listed[g.Name] = true
		row, _ := md.Row(g.Name)
		ct.Rows = append(ct.Rows, Row{Gene: g.Name, Reads: sums[g.Name], Metadata: row})
	}
	for _, c := range t.Cols {
		if listed[c.Gene] {
			continue
		}
		row, _ := md.Row(c.Gene)
		ct.Rows = append(ct.Rows, Row{Gene: c.Gene, Reads: sums[c.Gene], Metadata: row})
	}
	stats := Stats{
		TotalReads:  totalReads,
		MatrixReads: int64(t.NumRows()),
		Ambiguous:   int64(ambiguous),
		Counted:     int64(filtered.NumRows()),
	}
	if ambiguous > 0 {
		log.Printf("discarded %d of %d matched reads hitting more than %d genes", ambiguous, t.NumRows(), threshold)
	}
	return ct, stats
}

// WriteTSV writes ct to path as "Gene\tReads\tBarcode_1...".
func WriteTSV(ctx context.Context, path string, ct *CountTable) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("Gene")
	w.WriteString("Reads")
	for _, c := range ct.Columns {
		w.WriteString(c)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, r := range ct.Rows {
		w.WriteString(r.Gene)
		w.WriteInt64(r.Reads)
		for _, v := range r.Metadata {
			w.WriteString(v)
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
