// Package bloomfilter implements the word-packed bit vector used as
// the `.index.sorted.bloom` sidecar: a fixed-length bloom filter that
// lets a lookup against a sorted base skip the binary search entirely
// when a key is definitely absent.
package bloomfilter

import "encoding/binary"

// wordBits is the width of one underlying storage word.
const wordBits = 64

// Filter is a fixed-size bloom filter over L2 hash values. Membership
// is tested with K hash probes derived from the two halves of an
// already-computed 64-bit key hash (double hashing), so no additional
// hash function needs to be carried per key.
type Filter struct {
	words []uint64
	bits  uint64
	k     int
}

// New creates a filter holding at least bits bits (rounded up to a
// whole number of words) and using k hash probes per lookup.
func New(bits uint64, k int) *Filter {
	if k < 1 {
		k = 1
	}
	words := (bits + wordBits - 1) / wordBits
	if words == 0 {
		words = 1
	}
	return &Filter{
		words: make([]uint64, words),
		bits:  words * wordBits,
		k:     k,
	}
}

// NewFromBytes loads a filter from its little-endian on-disk
// representation, produced by Bytes.
func NewFromBytes(data []byte, k int) *Filter {
	words := make([]uint64, len(data)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return &Filter{words: words, bits: uint64(len(words)) * wordBits, k: k}
}

// set flips bit i on.
func (f *Filter) set(i uint64) {
	f.words[i/wordBits] |= 1 << (i % wordBits)
}

func (f *Filter) isSet(i uint64) bool {
	return f.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// probes derives the K bit positions for an L2 hash using the
// standard double-hashing construction: h1, h2 are the low/high
// 32-bit halves of the hash, and probe j lands at (h1 + j*h2) mod
// bits.
func (f *Filter) probes(l2hash uint64) []uint64 {
	h1 := l2hash & 0xffffffff
	h2 := l2hash >> 32
	out := make([]uint64, f.k)
	for j := 0; j < f.k; j++ {
		out[j] = (h1 + uint64(j)*h2) % f.bits
	}
	return out
}

// Add records l2hash's presence in the filter.
func (f *Filter) Add(l2hash uint64) {
	for _, p := range f.probes(l2hash) {
		f.set(p)
	}
}

// MightContain reports whether l2hash could be present. A false
// result is definitive; a true result may be a false positive.
func (f *Filter) MightContain(l2hash uint64) bool {
	for _, p := range f.probes(l2hash) {
		if !f.isSet(p) {
			return false
		}
	}
	return true
}

// Bytes returns the little-endian on-disk representation of the
// filter's word array.
func (f *Filter) Bytes() []byte {
	out := make([]byte, len(f.words)*8)
	for i, w := range f.words {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], w)
	}
	return out
}

// K returns the number of hash probes per lookup.
func (f *Filter) K() int { return f.k }
