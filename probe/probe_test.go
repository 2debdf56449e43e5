package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/readcount/fault"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `# Gene:Barcode
Frag1_Pos_1_M_F:TTCACTGAATATAAACTTGTGGTAGTT
Frag1_Pos_1_M_Y:tacactgaatataaact:TGTGGTAGTT

:ACGT
NoBarcode:
Frag1_Pos_1_M_F:GGGG
Frag1_Pos_1_M_X:ACGTXX
`

func parseString(t *testing.T, s, sep string) (*Manifest, LoadStats, error) {
	comma, err := ParseSep(sep)
	require.NoError(t, err)
	return parse(strings.NewReader(s), "m.txt", comma)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "barcodes.txt")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	m, stats, err := Load(ctx, path, DefaultSep)
	require.NoError(t, err)
	require.Len(t, m.Genes, 3)
	assert.Equal(t, Gene{Name: "Frag1_Pos_1_M_F", Ordinal: 0, Barcodes: []string{"TTCACTGAATATAAACTTGTGGTAGTT"}}, m.Genes[0])
	assert.Equal(t, []string{"TACACTGAATATAAACT", "TGTGGTAGTT"}, m.Genes[1].Barcodes)
	assert.Equal(t, 2, m.Genes[2].Ordinal)
	assert.Equal(t, 2, m.MaxBarcodes)
	assert.Equal(t, LoadStats{Rows: 6, Genes: 3, EmptyName: 1, NoBarcodes: 1, Duplicates: 1, NonNucleotide: 1}, stats)
	assert.Equal(t, 3, stats.Skipped())
}

func TestLoadSeparator(t *testing.T) {
	m, _, err := parseString(t, "g1,AAA,CCC\ng2,GGG\n", ",")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "CCC"}, m.Genes[0].Barcodes)

	// With the default separator the whole row is a gene name.
	_, _, err = parseString(t, "g1,AAA\n", DefaultSep)
	var ferr *fault.InputFormatError
	require.True(t, errors.As(err, &ferr))
}

func TestLoadNoGenes(t *testing.T) {
	for _, text := range []string{"", "# only a comment\n", ":AAA\nx:\n"} {
		_, _, err := parseString(t, text, DefaultSep)
		var ferr *fault.InputFormatError
		assert.True(t, errors.As(err, &ferr), "%q: %v", text, err)
	}
}

func TestParseSep(t *testing.T) {
	for _, c := range []struct {
		sep string
		ok  bool
	}{
		{":", true}, {",", true}, {"\t", true}, {"", false}, {"::", false}, {"#", false}, {"\n", false},
	} {
		_, err := ParseSep(c.sep)
		assert.Equal(t, c.ok, err == nil, "%q", c.sep)
	}
}

func genes(n int) *Manifest {
	m := &Manifest{}
	for i := 0; i < n; i++ {
		m.Genes = append(m.Genes, Gene{Name: string(rune('a' + i)), Ordinal: i, Barcodes: []string{"ACGT"}})
	}
	m.MaxBarcodes = 1
	return m
}

func chunkSizes(chunks []Chunk) []int {
	var s []int
	for _, c := range chunks {
		s = append(s, len(c.Genes))
	}
	return s
}

func TestChunks(t *testing.T) {
	m := genes(10)
	for _, c := range []struct {
		spec ChunkSpec
		want []int
	}{
		{ChunkSpec{GenesPerChunk: 3}, []int{3, 3, 3, 1}},
		{ChunkSpec{GenesPerChunk: 10}, []int{10}},
		{ChunkSpec{GenesPerChunk: 50}, []int{10}},
		{ChunkSpec{NumChunks: 3}, []int{4, 3, 3}},
		{ChunkSpec{NumChunks: 1}, []int{10}},
		{ChunkSpec{NumChunks: 20}, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
	} {
		chunks, err := m.Chunks(c.spec)
		require.NoError(t, err)
		assert.Equal(t, c.want, chunkSizes(chunks), "%+v", c.spec)

		// Every gene lands in exactly one chunk, in order.
		next := 0
		for i, ch := range chunks {
			assert.Equal(t, i, ch.Index)
			for _, g := range ch.Genes {
				assert.Equal(t, next, g.Ordinal)
				next++
			}
		}
		assert.Equal(t, 10, next)
	}
	_, err := m.Chunks(ChunkSpec{})
	assert.Error(t, err)
	_, err = m.Chunks(ChunkSpec{GenesPerChunk: 2, NumChunks: 2})
	assert.Error(t, err)
}

func TestChunkValidate(t *testing.T) {
	assert.Error(t, Chunk{}.Validate())
	assert.Error(t, Chunk{Genes: []Gene{{Name: "a", Barcodes: []string{""}}}}.Validate())
	assert.Error(t, Chunk{Genes: []Gene{{Name: "a"}}}.Validate())
	assert.NoError(t, Chunk{Genes: []Gene{{Name: "a", Barcodes: []string{"A"}}}}.Validate())
	assert.Equal(t, "c0007", Chunk{Index: 7}.Name())
}

func TestMetadata(t *testing.T) {
	m, _, err := parseString(t, "g1:AAA:CCC\ng2:GGG\n", DefaultSep)
	require.NoError(t, err)
	md := m.Metadata()
	assert.Equal(t, []string{"Barcode_1", "Barcode_2"}, md.Columns)
	row, ok := md.Row("g2")
	assert.True(t, ok)
	assert.Equal(t, []string{"GGG", ""}, row)
	row, ok = md.Row("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"0", "0"}, row)
}
