package fuzz

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"slices"
)

// Mutator derives new inputs from queued seeds. It is deterministic for a
// given random seed and not safe for concurrent use.
type Mutator struct {
	rng *rand.Rand
}

// NewMutator returns a mutator seeded with seed.
func NewMutator(seed uint64) *Mutator {
	return &Mutator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type mutation func(m *Mutator, in []byte) []byte

var mutations = []mutation{
	(*Mutator).insert,
	(*Mutator).change,
	(*Mutator).remove,
	(*Mutator).flip,
	(*Mutator).arithmetic,
}

// Mutate returns a mutated copy of in. It applies between two and
// ceil(20% of len)+1 random mutations. An empty input stays empty.
func (m *Mutator) Mutate(in []byte) []byte {
	out := slices.Clone(in)
	if len(out) == 0 {
		return out
	}
	hi := int(math.Ceil(float64(len(out)) * 0.2))
	hi = min(max(hi, 1), len(out))
	n := 1 + m.rng.IntN(hi)
	for range n + 1 {
		out = mutations[m.rng.IntN(len(mutations))](m, out)
	}
	return out
}

func (m *Mutator) randByte() byte { return byte(m.rng.Uint32()) }

func (m *Mutator) insert(in []byte) []byte {
	if len(in) == 0 {
		return in
	}
	return slices.Insert(in, m.rng.IntN(len(in)), m.randByte())
}

func (m *Mutator) change(in []byte) []byte {
	if len(in) == 0 {
		return in
	}
	in[m.rng.IntN(len(in))] = m.randByte()
	return in
}

// remove drops one byte but never empties the input.
func (m *Mutator) remove(in []byte) []byte {
	if len(in) <= 1 {
		return in
	}
	i := m.rng.IntN(len(in))
	return slices.Delete(in, i, i+1)
}

func (m *Mutator) flip(in []byte) []byte {
	if len(in) == 0 {
		return in
	}
	in[m.rng.IntN(len(in))] ^= 0xFF
	return in
}

// arithmetic adds a delta in [-35, 35] to a little-endian 1, 2 or 4 byte
// word. Inputs shorter than two bytes are left alone.
func (m *Mutator) arithmetic(in []byte) []byte {
	var width int
	switch {
	case len(in) <= 1:
		return in
	case len(in) <= 3:
		width = 1
	case len(in) == 4:
		width = []int{1, 2}[m.rng.IntN(2)]
	default:
		width = []int{1, 2, 4}[m.rng.IntN(3)]
	}
	i := m.rng.IntN(len(in) - width + 1)
	delta := int64(m.rng.IntN(71)) - 35
	switch width {
	case 1:
		in[i] += byte(delta)
	case 2:
		v := binary.LittleEndian.Uint16(in[i:])
		binary.LittleEndian.PutUint16(in[i:], v+uint16(delta))
	case 4:
		v := binary.LittleEndian.Uint32(in[i:])
		binary.LittleEndian.PutUint32(in[i:], v+uint32(delta))
	}
	return in
}
