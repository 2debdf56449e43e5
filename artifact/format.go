package artifact

// An artifact file is a recordio file with zstd-compressed blocks. Each item
// is flushed as its own block so that columns can be read independently:
//
//   header:  readcount-artifact = RCART_V1, mode = presence|count, trailer
//   item 0:  row keys, uvarint(n) then n x (uvarint(seq delta), uvarint(len), id)
//   item k:  column k-1; presence columns are serialized roaring bitmaps of
//            the row indexes with value 1, count columns are
//            uvarint(nnz) then nnz x (uvarint(row delta), uvarint(value))
//   trailer: gob-encoded fileIndex
//
// The index records the file offset and highwayhash of every item.

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/readcount/fault"
	"github.com/grailbio/readcount/match"
	"github.com/minio/highwayhash"
)

const (
	versionHeader = "readcount-artifact"
	version       = "RCART_V1"
	modeHeader    = "mode"
)

// Suffix is the file name suffix of artifact files.
const Suffix = ".rio"

var hashKey = make([]byte, highwayhash.Size)

func init() {
	recordiozstd.Init()
}

// fileIndex is stored in the recordio trailer.
type fileIndex struct {
	Rows     int
	Genes    []string
	Ordinals []int
	// Offsets[k] and Sums[k] describe item k: the row keys for k == 0, column
	// k-1 otherwise.
	Offsets []uint64
	Sums    []uint64
}

type item struct {
	index int
	data  []byte
}

// Write stores t at path. The file appears atomically: it is written under a
// temporary name and renamed once complete.
func Write(ctx context.Context, path string, t *Table) (err error) {
	if err := t.Validate(); err != nil {
		return errors.E(errors.Invalid, "write artifact "+path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(ctx, tmp, t); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(ctx context.Context, path string, t *Table) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create artifact", path)
	}
	defer file.CloseAndReport(ctx, out, &err)

	nitems := len(t.Cols) + 1
	idx := fileIndex{
		Rows:     t.NumRows(),
		Genes:    t.Genes(),
		Ordinals: make([]int, len(t.Cols)),
		Offsets:  make([]uint64, nitems),
		Sums:     make([]uint64, nitems),
	}
	for i, c := range t.Cols {
		idx.Ordinals[i] = c.Ordinal
	}
	var mu sync.Mutex
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.(*item).data, nil
		},
		Index: func(loc recordio.ItemLocation, v interface{}) error {
			mu.Lock()
			idx.Offsets[v.(*item).index] = loc.Block
			mu.Unlock()
			return nil
		},
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(versionHeader, version)
	w.AddHeader(modeHeader, t.Mode.String())
	w.AddHeader(recordio.KeyTrailer, true)

	add := func(i int, data []byte) {
		idx.Sums[i] = highwayhash.Sum64(data, hashKey)
		w.Append(&item{index: i, data: data})
		w.Flush()
	}
	add(0, encodeRows(t))
	for i, c := range t.Cols {
		var data []byte
		if t.Mode == match.Presence {
			if data, err = encodePresence(c.Values); err != nil {
				return err
			}
		} else {
			data = encodeCounts(c.Values)
		}
		add(i+1, data)
	}
	w.Wait()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(idx); err != nil {
		return err
	}
	w.SetTrailer(buf.Bytes())
	return w.Finish()
}

func encodeRows(t *Table) []byte {
	var tmp [binary.MaxVarintLen64]byte
	buf := make([]byte, 0, 16*len(t.IDs)+8)
	buf = append(buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(t.IDs)))]...)
	var prev uint64
	for i, id := range t.IDs {
		buf = append(buf, tmp[:binary.PutUvarint(tmp[:], t.Seqs[i]-prev)]...)
		prev = t.Seqs[i]
		buf = append(buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(id)))]...)
		buf = append(buf, id...)
	}
	return buf
}

func encodePresence(values []uint32) ([]byte, error) {
	bm := roaring.New()
	for i, v := range values {
		if v != 0 {
			bm.Add(uint32(i))
		}
	}
	bm.RunOptimize()
	return bm.ToBytes()
}

func encodeCounts(values []uint32) []byte {
	var tmp [binary.MaxVarintLen64]byte
	nnz := 0
	for _, v := range values {
		if v != 0 {
			nnz++
		}
	}
	buf := make([]byte, 0, 4*nnz+8)
	buf = append(buf, tmp[:binary.PutUvarint(tmp[:], uint64(nnz))]...)
	prev := 0
	for i, v := range values {
		if v == 0 {
			continue
		}
		buf = append(buf, tmp[:binary.PutUvarint(tmp[:], uint64(i-prev))]...)
		buf = append(buf, tmp[:binary.PutUvarint(tmp[:], uint64(v))]...)
		prev = i
	}
	return buf
}

// decoder walks a uvarint-encoded block.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.err = fmt.Errorf("bad varint")
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.b)) {
		d.err = fmt.Errorf("truncated block")
		return nil
	}
	b := d.b[:n]
	d.b = d.b[n:]
	return b
}

func decodeRows(data []byte, rows int) (ids []string, seqs []uint64, err error) {
	d := decoder{b: data}
	if n := d.uvarint(); d.err == nil && n != uint64(rows) {
		return nil, nil, fmt.Errorf("row block has %d rows, index says %d", n, rows)
	}
	ids = make([]string, rows)
	seqs = make([]uint64, rows)
	var seq uint64
	for i := 0; i < rows; i++ {
		seq += d.uvarint()
		seqs[i] = seq
		ids[i] = string(d.bytes(d.uvarint()))
	}
	if d.err != nil {
		return nil, nil, d.err
	}
	return ids, seqs, nil
}

func decodePresence(data []byte, rows int) ([]uint32, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	values := make([]uint32, rows)
	it := bm.Iterator()
	for it.HasNext() {
		i := it.Next()
		if int(i) >= rows {
			return nil, fmt.Errorf("row %d out of range", i)
		}
		values[i] = 1
	}
	return values, nil
}

func decodeCounts(data []byte, rows int) ([]uint32, error) {
	d := decoder{b: data}
	values := make([]uint32, rows)
	nnz := d.uvarint()
	row := uint64(0)
	for k := uint64(0); k < nnz && d.err == nil; k++ {
		row += d.uvarint()
		v := d.uvarint()
		if row >= uint64(rows) {
			return nil, fmt.Errorf("row %d out of range", row)
		}
		values[row] = uint32(v)
	}
	if d.err != nil {
		return nil, d.err
	}
	return values, nil
}

// Reader reads an artifact file.
type Reader struct {
	path string
	in   file.File
	sc   recordio.Scanner
	mode match.Mode
	idx  fileIndex
}

// Open opens the artifact at path and validates its header and index.
// A file that is not a well-formed artifact yields a *fault.MergeIntegrityError.
func Open(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, &fault.MergeIntegrityError{Path: path, Err: err}
	}
	r := &Reader{path: path, in: in}
	if err := r.init(ctx); err != nil {
		_ = in.Close(ctx)
		return nil, r.corrupt(err)
	}
	return r, nil
}

func (r *Reader) corrupt(err error) error {
	return &fault.MergeIntegrityError{Path: r.path, Err: err}
}

func (r *Reader) init(ctx context.Context) error {
	r.sc = recordio.NewScanner(r.in.Reader(ctx), recordio.ScannerOpts{})
	if err := r.sc.Err(); err != nil {
		return err
	}
	var ver, mode string
	for _, kv := range r.sc.Header() {
		switch kv.Key {
		case versionHeader:
			ver, _ = kv.Value.(string)
		case modeHeader:
			mode, _ = kv.Value.(string)
		}
	}
	if ver != version {
		return fmt.Errorf("artifact version %q, want %q", ver, version)
	}
	var err error
	if r.mode, err = match.ParseMode(mode); err != nil || mode == "" {
		return fmt.Errorf("bad artifact mode %q", mode)
	}
	trailer := r.sc.Trailer()
	if len(trailer) == 0 {
		if err := r.sc.Err(); err != nil {
			return err
		}
		return fmt.Errorf("missing index")
	}
	if err := gob.NewDecoder(bytes.NewReader(trailer)).Decode(&r.idx); err != nil {
		return fmt.Errorf("decode index: %v", err)
	}
	n := len(r.idx.Genes) + 1
	if len(r.idx.Ordinals) != n-1 || len(r.idx.Offsets) != n || len(r.idx.Sums) != n {
		return fmt.Errorf("inconsistent index")
	}
	return nil
}

// Mode returns the scoring mode of the stored table.
func (r *Reader) Mode() match.Mode { return r.mode }

// Genes returns the stored column names in column order.
func (r *Reader) Genes() []string { return r.idx.Genes }

// NumRows returns the number of stored rows.
func (r *Reader) NumRows() int { return r.idx.Rows }

func (r *Reader) item(k int) ([]byte, error) {
	r.sc.Seek(recordio.ItemLocation{Block: r.idx.Offsets[k], Item: 0})
	if !r.sc.Scan() {
		err := r.sc.Err()
		if err == nil {
			err = fmt.Errorf("item %d: block at offset %d is missing", k, r.idx.Offsets[k])
		}
		return nil, err
	}
	data := r.sc.Get().([]byte)
	if sum := highwayhash.Sum64(data, hashKey); sum != r.idx.Sums[k] {
		return nil, fmt.Errorf("item %d: checksum %x, want %x", k, sum, r.idx.Sums[k])
	}
	return data, nil
}

// ReadColumns reads the row keys and the named columns; only the blocks of
// those columns are read from the file. A nil names reads every column.
// Columns are returned in stored order. Naming a column that is not stored is
// an error.
func (r *Reader) ReadColumns(names []string) (*Table, error) {
	want := make([]bool, len(r.idx.Genes))
	if names == nil {
		for i := range want {
			want[i] = true
		}
	} else {
		pos := make(map[string]int, len(r.idx.Genes))
		for i, g := range r.idx.Genes {
			pos[g] = i
		}
		for _, name := range names {
			i, ok := pos[name]
			if !ok {
				return nil, errors.E(errors.NotExist, fmt.Sprintf("%s: no column %s", r.path, name))
			}
			want[i] = true
		}
	}
	data, err := r.item(0)
	if err != nil {
		return nil, r.corrupt(err)
	}
	t := &Table{Mode: r.mode}
	if t.IDs, t.Seqs, err = decodeRows(data, r.idx.Rows); err != nil {
		return nil, r.corrupt(err)
	}
	for i, g := range r.idx.Genes {
		if !want[i] {
			continue
		}
		if data, err = r.item(i + 1); err != nil {
			return nil, r.corrupt(err)
		}
		c := Column{Gene: g, Ordinal: r.idx.Ordinals[i]}
		if r.mode == match.Presence {
			c.Values, err = decodePresence(data, r.idx.Rows)
		} else {
			c.Values, err = decodeCounts(data, r.idx.Rows)
		}
		if err != nil {
			return nil, r.corrupt(fmt.Errorf("column %s: %v", g, err))
		}
		t.Cols = append(t.Cols, c)
	}
	if err := t.Validate(); err != nil {
		return nil, r.corrupt(err)
	}
	return t, nil
}

// Close closes the underlying file.
func (r *Reader) Close(ctx context.Context) error {
	err := r.sc.Finish()
	if e := r.in.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// Read reads the whole artifact at path.
func Read(ctx context.Context, path string) (t *Table, err error) {
	r, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = r.corrupt(e)
		}
	}()
	return r.ReadColumns(nil)
}
