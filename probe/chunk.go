package probe

import (
	"fmt"

	"github.com/pkg/errors"
)

// ChunkSpec says how to split a manifest. Exactly one field must be set.
type ChunkSpec struct {
	// GenesPerChunk puts this many genes in each chunk; the last chunk may be
	// smaller.
	GenesPerChunk int `json:"genes_per_chunk" yaml:"genes_per_chunk"`
	// NumChunks splits the genes into this many chunks whose sizes differ by at
	// most one. It is capped at the number of genes.
	NumChunks int `json:"num_chunks" yaml:"num_chunks"`
}

// Validate checks that exactly one split rule is set.
func (s ChunkSpec) Validate() error {
	if s.GenesPerChunk < 0 || s.NumChunks < 0 {
		return errors.Errorf("negative chunk spec %+v", s)
	}
	if (s.GenesPerChunk > 0) == (s.NumChunks > 0) {
		return errors.Errorf("chunk spec %+v must set exactly one of genes_per_chunk and num_chunks", s)
	}
	return nil
}

// Chunk is a contiguous slice of a manifest's genes.
type Chunk struct {
	Index int
	Genes []Gene
}

// Name returns a short label for logs and artifact names.
func (c Chunk) Name() string { return fmt.Sprintf("c%04d", c.Index) }

// NumBarcodes returns the total number of barcodes of the chunk's genes.
func (c Chunk) NumBarcodes() int {
	n := 0
	for _, g := range c.Genes {
		n += len(g.Barcodes)
	}
	return n
}

// Barcodes returns the barcodes of each gene, indexed like c.Genes.
func (c Chunk) Barcodes() [][]string {
	b := make([][]string, len(c.Genes))
	for i, g := range c.Genes {
		b[i] = g.Barcodes
	}
	return b
}

// Validate checks that the chunk can be matched.
func (c Chunk) Validate() error {
	if len(c.Genes) == 0 {
		return errors.Errorf("chunk %s has no genes", c.Name())
	}
	for _, g := range c.Genes {
		if len(g.Barcodes) == 0 {
			return errors.Errorf("chunk %s: gene %s has no barcodes", c.Name(), g.Name)
		}
		for _, bc := range g.Barcodes {
			if bc == "" {
				return errors.Errorf("chunk %s: gene %s has an empty barcode", c.Name(), g.Name)
			}
		}
	}
	return nil
}

// Chunks splits the manifest into disjoint, contiguous chunks in manifest
// order. Every gene appears in exactly one chunk. The split depends only on
// the manifest and the spec.
func (m *Manifest) Chunks(spec ChunkSpec) ([]Chunk, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	n := len(m.Genes)
	var sizes []int
	if spec.GenesPerChunk > 0 {
		for rest := n; rest > 0; rest -= spec.GenesPerChunk {
			if rest < spec.GenesPerChunk {
				sizes = append(sizes, rest)
			} else {
				sizes = append(sizes, spec.GenesPerChunk)
			}
		}
	} else {
		k := spec.NumChunks
		if k > n {
			k = n
		}
		for i := 0; i < k; i++ {
			size := n / k
			if i < n%k {
				size++
			}
			sizes = append(sizes, size)
		}
	}
	chunks := make([]Chunk, len(sizes))
	off := 0
	for i, size := range sizes {
		chunks[i] = Chunk{Index: i, Genes: m.Genes[off : off+size : off+size]}
		off += size
	}
	return chunks, nil
}
