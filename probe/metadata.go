package probe

import "fmt"

// MissingValue fills metadata cells of genes that are not in the manifest.
const MissingValue = "0"

// Metadata is the per-gene barcode table joined onto the count table.
type Metadata struct {
	// Columns are "Barcode_1".."Barcode_k", k = Manifest.MaxBarcodes.
	Columns []string
	rows    map[string][]string
}

// Metadata returns the barcode columns of every gene. Genes with fewer than
// MaxBarcodes barcodes have empty trailing cells.
func (m *Manifest) Metadata() Metadata {
	md := Metadata{rows: make(map[string][]string, len(m.Genes))}
	for i := 1; i <= m.MaxBarcodes; i++ {
		md.Columns = append(md.Columns, fmt.Sprintf("Barcode_%d", i))
	}
	for _, g := range m.Genes {
		row := make([]string, m.MaxBarcodes)
		copy(row, g.Barcodes)
		md.rows[g.Name] = row
	}
	return md
}

// Row returns the metadata cells of gene. For a gene not in the manifest,
// every cell is MissingValue and ok is false.
func (md Metadata) Row(gene string) (row []string, ok bool) {
	if row, ok = md.rows[gene]; ok {
		return row, true
	}
	row = make([]string, len(md.Columns))
	for i := range row {
		row[i] = MissingValue
	}
	return row, false
}
