package match

import "bytes"

type referenceMatcher struct {
	mode  Mode
	genes [][][]byte
}

// NewReference builds a matcher that searches every barcode of every gene
// separately. It is the baseline the automaton is checked against.
func NewReference(genes [][]string, mode Mode) (Matcher, error) {
	g, err := normalize(genes)
	if err != nil {
		return nil, err
	}
	return &referenceMatcher{mode: mode, genes: g}, nil
}

func (m *referenceMatcher) NumGenes() int { return len(m.genes) }

func (m *referenceMatcher) Kind() Kind { return Reference }

func (m *referenceMatcher) Match(seq []byte, dst []uint32) {
	for i, barcodes := range m.genes {
		if m.mode == Presence {
			dst[i] = 1
			for _, bc := range barcodes {
				if !bytes.Contains(seq, bc) {
					dst[i] = 0
					break
				}
			}
			continue
		}
		var score uint32
		for j, bc := range barcodes {
			n := occurrences(seq, bc)
			if j == 0 || n < score {
				score = n
			}
			if score == 0 {
				break
			}
		}
		dst[i] = score
	}
}

// occurrences counts the possibly overlapping occurrences of pat in seq.
func occurrences(seq, pat []byte) uint32 {
	var n uint32
	for off := 0; off+len(pat) <= len(seq); {
		i := bytes.Index(seq[off:], pat)
		if i < 0 {
			break
		}
		n++
		off += i + 1
	}
	return n
}
