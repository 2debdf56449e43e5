package match

import "sync"

// automaton is an Aho-Corasick automaton over the distinct barcodes of a
// chunk, compiled into a full transition table over the bytes that occur in
// barcodes. Bytes outside that alphabet reset the scan to the root.
type automaton struct {
	mode  Mode
	class [256]int32
	width int32
	delta []int32   // delta[state*width+class] is the next state
	out   [][]int32 // pattern ids ending at each state, including via fail links
	npat  int
	genes [][]int32 // pattern ids of each gene's barcodes
	pool  sync.Pool
}

// NewAutomaton builds a matcher that scans each read once, whatever the
// number of barcodes in the chunk.
func NewAutomaton(genes [][]string, mode Mode) (Matcher, error) {
	g, err := normalize(genes)
	if err != nil {
		return nil, err
	}
	a := &automaton{mode: mode, genes: make([][]int32, len(g))}
	ids := map[string]int32{}
	var pats [][]byte
	for i, barcodes := range g {
		for _, bc := range barcodes {
			id, ok := ids[string(bc)]
			if !ok {
				id = int32(len(pats))
				ids[string(bc)] = id
				pats = append(pats, bc)
			}
			a.genes[i] = append(a.genes[i], id)
		}
	}
	a.npat = len(pats)
	a.build(pats)
	a.pool.New = func() interface{} {
		buf := make([]uint32, a.npat)
		return &buf
	}
	return a, nil
}

func (a *automaton) build(pats [][]byte) {
	a.width = 1
	for _, p := range pats {
		for _, b := range p {
			if a.class[b] == 0 {
				a.class[b] = a.width
				a.width++
			}
		}
	}
	w := a.width
	a.delta = make([]int32, w)
	a.out = [][]int32{nil}
	// Trie edges; state 0 is the root and never a child.
	for id, p := range pats {
		cur := int32(0)
		for _, b := range p {
			c := a.class[b]
			next := a.delta[cur*w+c]
			if next == 0 {
				next = int32(len(a.out))
				a.out = append(a.out, nil)
				a.delta = append(a.delta, make([]int32, w)...)
				a.delta[cur*w+c] = next
			}
			cur = next
		}
		a.out[cur] = append(a.out[cur], int32(id))
	}
	// Breadth-first: fail links, then missing edges borrowed from the fail
	// state, whose row is already complete.
	fail := make([]int32, len(a.out))
	queue := []int32{0}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for c := int32(1); c < w; c++ {
			s := a.delta[r*w+c]
			if s == 0 {
				if r != 0 {
					a.delta[r*w+c] = a.delta[fail[r]*w+c]
				}
				continue
			}
			if r != 0 {
				fail[s] = a.delta[fail[r]*w+c]
			}
			if f := fail[s]; len(a.out[f]) > 0 {
				a.out[s] = append(a.out[s], a.out[f]...)
			}
			queue = append(queue, s)
		}
	}
}

func (a *automaton) NumGenes() int { return len(a.genes) }

func (a *automaton) Kind() Kind { return Automaton }

func (a *automaton) Match(seq []byte, dst []uint32) {
	buf := a.pool.Get().(*[]uint32)
	counts := *buf
	for i := range counts {
		counts[i] = 0
	}
	w := a.width
	state := int32(0)
	for _, b := range seq {
		state = a.delta[state*w+a.class[b]]
		for _, id := range a.out[state] {
			counts[id]++
		}
	}
	for i, ids := range a.genes {
		score := counts[ids[0]]
		for _, id := range ids[1:] {
			if counts[id] < score {
				score = counts[id]
			}
		}
		if a.mode == Presence && score > 0 {
			score = 1
		}
		dst[i] = score
	}
	a.pool.Put(buf)
}
