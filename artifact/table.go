// Package artifact defines the read-by-gene match table and its columnar
// on-disk format.
//
// A Table has one row per read and one column per gene. Rows are sorted by
// read sequence number (the 0-based position of the read in its input file)
// and columns by gene ordinal, so two tables holding the same cells are
// identical regardless of how they were assembled. A read absent from a table
// matched no gene of the table.
package artifact

import (
	"fmt"

	"github.com/grailbio/readcount/match"
)

// Column holds one gene's scores, one per table row.
type Column struct {
	Gene    string
	Ordinal int
	Values  []uint32
}

// Table is an in-memory read-by-gene score matrix.
type Table struct {
	Mode match.Mode
	// IDs and Seqs describe the rows; Seqs is strictly increasing.
	IDs  []string
	Seqs []uint64
	// Cols is sorted by Ordinal; every column has len(IDs) values.
	Cols []Column
}

// NumRows returns the number of reads in t.
func (t *Table) NumRows() int { return len(t.IDs) }

// Genes returns the column names in column order.
func (t *Table) Genes() []string {
	g := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		g[i] = c.Gene
	}
	return g
}

// Column returns the column of the named gene.
func (t *Table) Column(gene string) (*Column, bool) {
	for i := range t.Cols {
		if t.Cols[i].Gene == gene {
			return &t.Cols[i], true
		}
	}
	return nil, false
}

// Hits returns the number of genes with a non-zero score for row i.
func (t *Table) Hits(i int) int {
	n := 0
	for _, c := range t.Cols {
		if c.Values[i] != 0 {
			n++
		}
	}
	return n
}

// Validate checks the row and column ordering and shape invariants.
func (t *Table) Validate() error {
	if len(t.Seqs) != len(t.IDs) {
		return fmt.Errorf("%d read ids, %d sequence numbers", len(t.IDs), len(t.Seqs))
	}
	for i := 1; i < len(t.Seqs); i++ {
		if t.Seqs[i] <= t.Seqs[i-1] {
			return fmt.Errorf("row %d (%s): sequence number %d not after %d", i, t.IDs[i], t.Seqs[i], t.Seqs[i-1])
		}
	}
	seen := make(map[string]bool, len(t.Cols))
	for i, c := range t.Cols {
		if len(c.Values) != len(t.IDs) {
			return fmt.Errorf("column %s: %d values for %d rows", c.Gene, len(c.Values), len(t.IDs))
		}
		if i > 0 && c.Ordinal <= t.Cols[i-1].Ordinal {
			return fmt.Errorf("column %s: ordinal %d not after %d", c.Gene, c.Ordinal, t.Cols[i-1].Ordinal)
		}
		if seen[c.Gene] {
			return fmt.Errorf("duplicate column %s", c.Gene)
		}
		seen[c.Gene] = true
		if t.Mode == match.Presence {
			for j, v := range c.Values {
				if v > 1 {
					return fmt.Errorf("column %s row %d: presence value %d", c.Gene, j, v)
				}
			}
		}
	}
	return nil
}

// GeneRef names one column of a table being built.
type GeneRef struct {
	Name    string
	Ordinal int
}

// Builder appends rows to a new table.
type Builder struct {
	t *Table
}

// NewBuilder starts a table with the given columns, which must be sorted by
// ordinal.
func NewBuilder(mode match.Mode, genes []GeneRef) *Builder {
	t := &Table{Mode: mode, Cols: make([]Column, len(genes))}
	for i, g := range genes {
		t.Cols[i] = Column{Gene: g.Name, Ordinal: g.Ordinal}
	}
	return &Builder{t: t}
}

// Add appends a row. Rows must be added in increasing seq order; values holds
// one score per column.
func (b *Builder) Add(id string, seq uint64, values []uint32) {
	if n := len(b.t.Seqs); n > 0 && seq <= b.t.Seqs[n-1] {
		panic(fmt.Sprintf("artifact: row %s added out of order (%d after %d)", id, seq, b.t.Seqs[n-1]))
	}
	b.t.IDs = append(b.t.IDs, id)
	b.t.Seqs = append(b.t.Seqs, seq)
	for i := range b.t.Cols {
		b.t.Cols[i].Values = append(b.t.Cols[i].Values, values[i])
	}
}

// Table returns the table built so far. The builder must not be used
// afterwards.
func (b *Builder) Table() *Table {
	t := b.t
	b.t = nil
	return t
}
