package patterns

import (
	"math/rand/v2"
	"sort"
)

// Index proposes candidate groups for a vector. Cluster scans candidates first
// and then verifies every group the index left out, so an index changes the
// order of comparisons, never the membership that comes out.
type Index interface {
	// Put inserts or replaces the vector stored for group id.
	Put(id int, v []float64)
	// Candidates returns group ids that may be close to v, in ascending order.
	Candidates(v []float64) []int
	// All returns every stored group id in ascending order.
	All() []int
}

// NewIndex returns the index named by kind ("exact" or "lsh").
func NewIndex(kind string, bits, bands int, seed uint64) Index {
	if kind == "lsh" {
		return NewLSHIndex(bits, bands, seed)
	}
	return NewExactIndex()
}

// ExactIndex proposes every group.
type ExactIndex struct {
	ids []int
}

func NewExactIndex() *ExactIndex { return &ExactIndex{} }

func (x *ExactIndex) Put(id int, _ []float64) {
	i := sort.SearchInts(x.ids, id)
	if i < len(x.ids) && x.ids[i] == id {
		return
	}
	x.ids = append(x.ids, 0)
	copy(x.ids[i+1:], x.ids[i:])
	x.ids[i] = id
}

func (x *ExactIndex) Candidates(_ []float64) []int { return x.All() }

func (x *ExactIndex) All() []int { return append([]int(nil), x.ids...) }

// LSHIndex buckets vectors by random-hyperplane signatures split into bands.
// Two vectors share a candidate slot when any band of their signatures matches.
type LSHIndex struct {
	bits   int
	bands  int
	rng    *rand.Rand
	planes [][]float64

	buckets map[bucketKey]map[int]bool
	sigs    map[int]uint64
	all     ExactIndex
}

type bucketKey struct {
	band int
	code uint64
}

// NewLSHIndex creates an index with bits hyperplanes grouped into bands.
// Hyperplanes are drawn lazily from seed once the dimension is known.
func NewLSHIndex(bits, bands int, seed uint64) *LSHIndex {
	bits = min(max(bits, 1), 64)
	bands = min(max(bands, 1), bits)
	return &LSHIndex{
		bits:    bits,
		bands:   bands,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		buckets: make(map[bucketKey]map[int]bool),
		sigs:    make(map[int]uint64),
	}
}

func (l *LSHIndex) ensurePlanes(dims int) {
	if len(l.planes) > 0 && len(l.planes[0]) == dims {
		return
	}
	l.planes = make([][]float64, l.bits)
	for i := range l.planes {
		p := make([]float64, dims)
		for j := range p {
			p[j] = l.rng.NormFloat64()
		}
		l.planes[i] = p
	}
}

func (l *LSHIndex) signature(v []float64) uint64 {
	l.ensurePlanes(len(v))
	var sig uint64
	for i, p := range l.planes {
		var dot float64
		for j := range p {
			dot += p[j] * v[j]
		}
		if dot >= 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// bandCodes splits sig into band codes. The last band absorbs leftover bits.
func (l *LSHIndex) bandCodes(sig uint64) []bucketKey {
	width := l.bits / l.bands
	keys := make([]bucketKey, l.bands)
	for b := 0; b < l.bands; b++ {
		lo := b * width
		hi := lo + width
		if b == l.bands-1 {
			hi = l.bits
		}
		mask := uint64(1)<<uint(hi-lo) - 1
		keys[b] = bucketKey{band: b, code: (sig >> uint(lo)) & mask}
	}
	return keys
}

func (l *LSHIndex) Put(id int, v []float64) {
	if old, ok := l.sigs[id]; ok {
		for _, k := range l.bandCodes(old) {
			delete(l.buckets[k], id)
		}
	}
	sig := l.signature(v)
	l.sigs[id] = sig
	for _, k := range l.bandCodes(sig) {
		if l.buckets[k] == nil {
			l.buckets[k] = make(map[int]bool)
		}
		l.buckets[k][id] = true
	}
	l.all.Put(id, v)
}

func (l *LSHIndex) Candidates(v []float64) []int {
	if len(l.sigs) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	for _, k := range l.bandCodes(l.signature(v)) {
		for id := range l.buckets[k] {
			seen[id] = true
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (l *LSHIndex) All() []int { return l.all.All() }
