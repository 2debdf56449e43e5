// Package probe loads barcode manifests. A manifest lists one gene per row:
// the gene name followed by one or more barcodes, separated by a single
// character (":" by default). A read is a hit for a gene only if it contains
// every barcode of the gene.
//
//   # Gene:Barcode
//   Frag1_Pos_1_M_F:TTCACTGAATATAAACTTGTGGTAGTT
//   Frag1_Pos_1_M_Y:TACACTGAATATAAACT:TGTGGTAGTT
package probe

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/readcount/fault"
	"github.com/pkg/errors"
)

// DefaultSep is the default manifest field separator.
const DefaultSep = ":"

// Gene is one manifest row.
type Gene struct {
	// Name is the gene identifier as written in the manifest.
	Name string
	// Ordinal is the 0-based position of the gene among the usable rows of the
	// manifest. It orders the columns of every table.
	Ordinal int
	// Barcodes are the upper-cased probe sequences, in manifest order.
	Barcodes []string
}

// Manifest is a loaded probe set.
type Manifest struct {
	// Path is the file the manifest was loaded from.
	Path string
	// Genes are the usable genes in manifest order. Genes[i].Ordinal == i.
	Genes []Gene
	// MaxBarcodes is the largest number of barcodes of any gene.
	MaxBarcodes int
}

// LoadStats counts what Load skipped or warned about.
type LoadStats struct {
	Rows       int // non-comment rows read
	Genes      int // usable genes
	EmptyName  int // rows skipped because the gene name is empty
	NoBarcodes int // rows skipped because no barcode is present
	Duplicates int // rows skipped because the gene was already defined
	// NonNucleotide counts barcodes containing characters other than ACGTN.
	// They are kept.
	NonNucleotide int
}

// Skipped returns the number of rows that were not loaded.
func (s LoadStats) Skipped() int { return s.EmptyName + s.NoBarcodes + s.Duplicates }

// ParseSep validates a separator string and returns its rune.
func ParseSep(sep string) (rune, error) {
	r, n := utf8.DecodeRuneInString(sep)
	if n == 0 || n != len(sep) || r == utf8.RuneError {
		return 0, errors.Errorf("separator %q must be a single character", sep)
	}
	switch r {
	case '#', '"', '\r', '\n':
		return 0, errors.Errorf("separator %q is not allowed", sep)
	}
	return r, nil
}

// Load reads the manifest at path. The file may be compressed; the
// compression is detected from the path suffix.
//
// Comment lines (starting with '#') and blank lines are ignored. Rows with an
// empty gene name, no barcodes, or a gene name seen before are skipped with a
// warning. A manifest without any usable gene is a *fault.InputFormatError.
func Load(ctx context.Context, path, sep string) (m *Manifest, stats LoadStats, err error) {
	comma, err := ParseSep(sep)
	if err != nil {
		return nil, stats, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, stats, errors.Wrapf(err, "open manifest %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, path); u != nil {
		r = u
	}
	m, stats, err = parse(r, path, comma)
	if err != nil {
		return nil, stats, err
	}
	log.Printf("%s: loaded %d genes (%d rows skipped, %d barcodes with non-nucleotide characters)",
		path, stats.Genes, stats.Skipped(), stats.NonNucleotide)
	return m, stats, nil
}

func parse(r io.Reader, path string, comma rune) (*Manifest, LoadStats, error) {
	var stats LoadStats
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	m := &Manifest{Path: path}
	seen := map[string]int{}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if perr, ok := err.(*csv.ParseError); ok {
				return nil, stats, &fault.InputFormatError{Path: path, Line: perr.Line, Msg: perr.Err.Error(), Err: perr.Err}
			}
			return nil, stats, errors.Wrapf(err, "read manifest %s", path)
		}
		line, _ := cr.FieldPos(0)
		stats.Rows++
		name := strings.TrimSpace(row[0])
		if name == "" {
			log.Printf("%s:%d: empty gene name, skipping row", path, line)
			stats.EmptyName++
			continue
		}
		var barcodes []string
		for _, f := range row[1:] {
			bc := strings.ToUpper(strings.TrimSpace(f))
			if bc == "" {
				continue
			}
			if !isNucleotide(bc) {
				log.Printf("%s:%d: barcode %q of gene %s has non-nucleotide characters", path, line, bc, name)
				stats.NonNucleotide++
			}
			barcodes = append(barcodes, bc)
		}
		if len(barcodes) == 0 {
			log.Printf("%s:%d: gene %s has no barcodes, skipping row", path, line, name)
			stats.NoBarcodes++
			continue
		}
		if prev, ok := seen[name]; ok {
			log.Printf("%s:%d: gene %s already defined on line %d, skipping row", path, line, name, prev)
			stats.Duplicates++
			continue
		}
		seen[name] = line
		m.Genes = append(m.Genes, Gene{Name: name, Ordinal: len(m.Genes), Barcodes: barcodes})
		if len(barcodes) > m.MaxBarcodes {
			m.MaxBarcodes = len(barcodes)
		}
	}
	stats.Genes = len(m.Genes)
	if len(m.Genes) == 0 {
		return nil, stats, &fault.InputFormatError{Path: path, Msg: fmt.Sprintf("no usable genes (%d rows skipped)", stats.Skipped())}
	}
	return m, stats, nil
}

func isNucleotide(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			return false
		}
	}
	return true
}

// Gene returns the gene with the given name.
func (m *Manifest) Gene(name string) (Gene, bool) {
	for _, g := range m.Genes {
		if g.Name == name {
			return g, true
		}
	}
	return Gene{}, false
}
