// Package merge combines extraction artifacts into one table by a
// divide-and-conquer outer join on read ID.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/readcount/artifact"
	"github.com/grailbio/readcount/fault"
	"github.com/grailbio/readcount/match"
	"github.com/grailbio/readcount/sched"
	"golang.org/x/sync/errgroup"
	"v.io/x/lib/vlog"
)

// Opts configures Merge.
type Opts struct {
	// Parallelism bounds the number of subtrees merged at once. <= 0 means 1.
	Parallelism int
	// Mode is the mode of the empty table returned for zero paths.
	Mode match.Mode
	// Slots, if set, replaces Parallelism: the merge holds one slot for the
	// calling goroutine and runs a subtree concurrently only when another
	// slot is free.
	Slots *sched.Slots
}

type merger struct {
	paths []string
	slots *sched.Slots
}

// Merge reads the artifacts at paths and outer-joins them. The result does not
// depend on the order of paths. A single artifact is returned as read; no
// paths yield an empty table.
//
// Any missing or corrupt artifact, or two artifacts that disagree about a
// read, fail the merge with a *fault.MergeIntegrityError and no table.
func Merge(ctx context.Context, paths []string, opts Opts) (*artifact.Table, error) {
	if len(paths) == 0 {
		return &artifact.Table{Mode: opts.Mode}, nil
	}
	m := &merger{paths: paths, slots: opts.Slots}
	if m.slots == nil {
		// The calling goroutine takes the first of its private slots.
		m.slots = sched.NewSlots(opts.Parallelism)
		m.slots.TryAcquire(1)
	} else if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t, err := m.mergeRange(ctx, 0, len(paths))
	m.slots.Release(1)
	if err != nil {
		return nil, err
	}
	vlog.VI(1).Infof("merged %d artifacts: %d rows, %d columns", len(paths), t.NumRows(), len(t.Cols))
	return t, nil
}

// mergeRange merges paths[lo:hi]. The left half runs in its own goroutine when
// a worker slot is free.
func (m *merger) mergeRange(ctx context.Context, lo, hi int) (*artifact.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hi-lo == 1 {
		return artifact.Read(ctx, m.paths[lo])
	}
	mid := lo + (hi-lo)/2
	var left, right *artifact.Table
	if m.slots.TryAcquire(1) {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer m.slots.Release(1)
			var err error
			left, err = m.mergeRange(gctx, lo, mid)
			return err
		})
		g.Go(func() error {
			var err error
			right, err = m.mergeRange(gctx, mid, hi)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if left, err = m.mergeRange(ctx, lo, mid); err != nil {
			return nil, err
		}
		if right, err = m.mergeRange(ctx, mid, hi); err != nil {
			return nil, err
		}
	}
	t, err := Join(left, right)
	if err != nil {
		return nil, err
	}
	vlog.VI(2).Infof("merge [%d,%d): %d + %d rows -> %d", lo, hi, left.NumRows(), right.NumRows(), t.NumRows())
	return t, nil
}

func integrity(format string, args ...interface{}) error {
	return &fault.MergeIntegrityError{Err: fmt.Errorf(format, args...)}
}

// Join returns the full outer join of a and b on read ID. Rows are merged by
// sequence number and columns by gene ordinal. Tables are sparse, so a 0 cell
// only says that no hit was recorded on that side: each output cell takes the
// non-zero value of either side, or 0. The inputs are not modified.
//
// It is an integrity error for the tables to have different modes, for a read
// ID to have different sequence numbers, for a gene to have different
// ordinals, or for a cell to hold two different non-zero values.
func Join(a, b *artifact.Table) (*artifact.Table, error) {
	if a.Mode != b.Mode {
		return nil, integrity("cannot join %v and %v tables", a.Mode, b.Mode)
	}
	cols, err := joinColumns(a, b)
	if err != nil {
		return nil, err
	}
	rowA, rowB, out, err := joinRows(a, b)
	if err != nil {
		return nil, err
	}
	for k := range cols {
		c := &cols[k]
		ca, cb := c.srcA, c.srcB
		values := make([]uint32, len(rowA))
		for i := range values {
			var va, vb uint32
			if ca >= 0 && rowA[i] >= 0 {
				va = a.Cols[ca].Values[rowA[i]]
			}
			if cb >= 0 && rowB[i] >= 0 {
				vb = b.Cols[cb].Values[rowB[i]]
			}
			switch {
			case va == 0:
				values[i] = vb
			case vb == 0 || va == vb:
				values[i] = va
			default:
				return nil, integrity("read %s gene %s: %d vs %d", out.IDs[i], c.gene, va, vb)
			}
		}
		out.Cols = append(out.Cols, artifact.Column{Gene: c.gene, Ordinal: c.ordinal, Values: values})
	}
	return out, nil
}

type joinColumn struct {
	gene       string
	ordinal    int
	srcA, srcB int
}

func joinColumns(a, b *artifact.Table) ([]joinColumn, error) {
	byOrd := map[int]*joinColumn{}
	byName := map[string]int{}
	add := func(c artifact.Column, i int, left bool) error {
		if ord, ok := byName[c.Gene]; ok && ord != c.Ordinal {
			return integrity("gene %s has ordinals %d and %d", c.Gene, ord, c.Ordinal)
		}
		byName[c.Gene] = c.Ordinal
		jc, ok := byOrd[c.Ordinal]
		if !ok {
			jc = &joinColumn{gene: c.Gene, ordinal: c.Ordinal, srcA: -1, srcB: -1}
			byOrd[c.Ordinal] = jc
		} else if jc.gene != c.Gene {
			return integrity("ordinal %d names genes %s and %s", c.Ordinal, jc.gene, c.Gene)
		}
		if left {
			jc.srcA = i
		} else {
			jc.srcB = i
		}
		return nil
	}
	for i, c := range a.Cols {
		if err := add(c, i, true); err != nil {
			return nil, err
		}
	}
	for i, c := range b.Cols {
		if err := add(c, i, false); err != nil {
			return nil, err
		}
	}
	cols := make([]joinColumn, 0, len(byOrd))
	for _, jc := range byOrd {
		cols = append(cols, *jc)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].ordinal < cols[j].ordinal })
	return cols, nil
}

// joinRows merges the rows of a and b by sequence number. rowA[i] and rowB[i]
// are the indexes of output row i in a and b, or -1.
func joinRows(a, b *artifact.Table) (rowA, rowB []int, out *artifact.Table, err error) {
	n := a.NumRows() + b.NumRows()
	out = &artifact.Table{Mode: a.Mode, IDs: make([]string, 0, n), Seqs: make([]uint64, 0, n)}
	rowA = make([]int, 0, n)
	rowB = make([]int, 0, n)
	seqOf := make(map[string]uint64, a.NumRows())
	for i, id := range a.IDs {
		seqOf[id] = a.Seqs[i]
	}
	for i, id := range b.IDs {
		if s, ok := seqOf[id]; ok && s != b.Seqs[i] {
			return nil, nil, nil, integrity("read %s has sequence numbers %d and %d", id, s, b.Seqs[i])
		}
	}
	i, j := 0, 0
	for i < a.NumRows() || j < b.NumRows() {
		switch {
		case j == b.NumRows() || (i < a.NumRows() && a.Seqs[i] < b.Seqs[j]):
			out.IDs = append(out.IDs, a.IDs[i])
			out.Seqs = append(out.Seqs, a.Seqs[i])
			rowA = append(rowA, i)
			rowB = append(rowB, -1)
			i++
		case i == a.NumRows() || b.Seqs[j] < a.Seqs[i]:
			out.IDs = append(out.IDs, b.IDs[j])
			out.Seqs = append(out.Seqs, b.Seqs[j])
			rowA = append(rowA, -1)
			rowB = append(rowB, j)
			j++
		default:
			if a.IDs[i] != b.IDs[j] {
				return nil, nil, nil, integrity("sequence number %d is read %s and read %s", a.Seqs[i], a.IDs[i], b.IDs[j])
			}
			out.IDs = append(out.IDs, a.IDs[i])
			out.Seqs = append(out.Seqs, a.Seqs[i])
			rowA = append(rowA, i)
			rowB = append(rowB, j)
			i++
			j++
		}
	}
	return rowA, rowB, out, nil
}
