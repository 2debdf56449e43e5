// Package match implements exact barcode matching of reads against the genes
// of one probe chunk.
//
// A gene is described by its barcodes. In Presence mode a gene scores 1 for a
// read containing every one of its barcodes and 0 otherwise. In Count mode a
// gene scores the minimum, over its barcodes, of the number of (possibly
// overlapping) occurrences of the barcode in the read; the score is 0 iff some
// barcode is absent. Both modes score a read identically in terms of hits:
// score > 0 iff every barcode occurs.
//
// Matching is case-insensitive: barcodes are upper-cased when a matcher is
// built, and sequences must be upper-cased with Upper before Match.
package match

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how a gene is scored.
type Mode int

const (
	// Presence scores 1 if every barcode occurs, else 0.
	Presence Mode = iota
	// Count scores the minimum occurrence count over the gene's barcodes.
	Count
)

func (m Mode) String() string {
	switch m {
	case Presence:
		return "presence"
	case Count:
		return "count"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "presence" or "count".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "presence", "":
		return Presence, nil
	case "count":
		return Count, nil
	}
	return 0, errors.Errorf("unknown match mode %q", s)
}

// Kind names a matching engine.
type Kind int

const (
	// Auto picks an engine from the size of the chunk.
	Auto Kind = iota
	// Reference searches each barcode separately.
	Reference
	// Automaton scans each read once with an Aho-Corasick automaton over all
	// barcodes of the chunk.
	Automaton
)

func (k Kind) String() string {
	switch k {
	case Auto:
		return "auto"
	case Reference:
		return "reference"
	case Automaton:
		return "automaton"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses "auto", "reference" or "automaton".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return Auto, nil
	case "reference":
		return Reference, nil
	case "automaton":
		return Automaton, nil
	}
	return 0, errors.Errorf("unknown matcher %q", s)
}

// AutomatonMinPatterns is the number of barcodes from which Auto selects the
// automaton. Below it, per-barcode search is at least as fast.
const AutomatonMinPatterns = 16

// Matcher scores reads against the genes of one chunk. Implementations are
// immutable once built and safe for concurrent use.
type Matcher interface {
	// NumGenes returns the number of genes the matcher scores.
	NumGenes() int
	// Match scores the upper-cased sequence seq against every gene, writing
	// one value per gene into dst[:NumGenes()].
	Match(seq []byte, dst []uint32)
	// Kind returns the engine implementing the matcher.
	Kind() Kind
}

// Select builds a matcher of the given kind for genes, where genes[i] lists
// the barcodes of gene i.
func Select(kind Kind, genes [][]string, mode Mode) (Matcher, error) {
	if mode != Presence && mode != Count {
		return nil, errors.Errorf("invalid match mode %v", mode)
	}
	if kind == Auto {
		n := 0
		for _, g := range genes {
			n += len(g)
		}
		kind = Reference
		if n >= AutomatonMinPatterns {
			kind = Automaton
		}
	}
	switch kind {
	case Reference:
		return NewReference(genes, mode)
	case Automaton:
		return NewAutomaton(genes, mode)
	}
	return nil, errors.Errorf("invalid matcher kind %v", kind)
}

func normalize(genes [][]string) ([][][]byte, error) {
	if len(genes) == 0 {
		return nil, errors.New("no genes to match")
	}
	out := make([][][]byte, len(genes))
	for i, g := range genes {
		if len(g) == 0 {
			return nil, errors.Errorf("gene %d has no barcodes", i)
		}
		out[i] = make([][]byte, len(g))
		for j, bc := range g {
			if bc == "" {
				return nil, errors.Errorf("gene %d has an empty barcode", i)
			}
			out[i][j] = []byte(strings.ToUpper(bc))
		}
	}
	return out, nil
}

// Upper writes the upper-cased src into dst and returns it. dst may be src.
func Upper(dst, src []byte) []byte {
	dst = append(dst[:0], src...)
	for i, c := range dst {
		if 'a' <= c && c <= 'z' {
			dst[i] = c - ('a' - 'A')
		}
	}
	return dst
}

// Hits returns the number of non-zero scores in v.
func Hits(v []uint32) int {
	n := 0
	for _, x := range v {
		if x != 0 {
			n++
		}
	}
	return n
}
