// Package bloom implements the probabilistic membership filter attached to
// every SSTable.
//
// The bit storage is backed by github.com/bits-and-blooms/bitset, but the
// hash function is hand-written and frozen: because bloom bits are
// persisted as part of the SSTable format, the hash is part of the on-disk
// format and must be reproducible byte-for-byte across processes. Changing
// it is a breaking format change.
package bloom

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Filter is an immutable-after-construction bloom filter over the keys of
// one SSTable.
type Filter struct {
	bits *bitset.BitSet
	m    uint32 // number of bits
	k    uint32 // number of hash functions
}

// NewForEstimate sizes a filter for n expected insertions at target false
// positive rate fpr (e.g. 0.01 for 1%).
//
//	m = ceil(-n*ln(p) / (ln2)^2)
//	k = max(1, round(m/n * ln2))
func NewForEstimate(n int, fpr float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	ln2 := math.Ln2
	m := math.Ceil(-float64(n) * math.Log(fpr) / (ln2 * ln2))
	if m < 1 {
		m = 1
	}
	k := math.Round(m / float64(n) * ln2)
	if k < 1 {
		k = 1
	}
	return &Filter{
		bits: bitset.New(uint(m)),
		m:    uint32(m),
		k:    uint32(k),
	}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for i := uint32(0); i < f.k; i++ {
		f.bits.Set(uint(f.index(key, i)))
	}
}

// MightContain reports whether key may have been added. False means
// definitely not present; true means possibly present. Never a false
// negative.
func (f *Filter) MightContain(key []byte) bool {
	for i := uint32(0); i < f.k; i++ {
		if !f.bits.Test(uint(f.index(key, i))) {
			return false
		}
	}
	return true
}

func (f *Filter) index(key []byte, seed uint32) uint32 {
	h := hash(seed, key)
	if h < 0 {
		h = -h
	}
	return uint32(h) % f.m
}

// hash computes the seeded, format-frozen hash: a
// Java-String.hashCode-style rolling hash followed by a murmur-style
// finalizer.
func hash(seed uint32, b []byte) int32 {
	h := int32(seed)
	for _, c := range b {
		h = 31*h + int32(c)
	}
	u := uint32(h)
	u ^= u >> 16
	u *= 0x85EBCA6B
	u ^= u >> 13
	u *= 0xC2B2AE35
	u ^= u >> 16
	return int32(u)
}

// WriteTo serializes the filter as: bit_set_size (int32), num_hash_functions
// (int32), then the bitset's own self-describing byte pattern.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	var n int64
	if err := binary.Write(w, binary.BigEndian, f.m); err != nil {
		return n, err
	}
	n += 4
	if err := binary.Write(w, binary.BigEndian, f.k); err != nil {
		return n, err
	}
	n += 4
	bn, err := f.bits.WriteTo(w)
	n += bn
	return n, err
}

// ReadFrom reconstructs a filter previously written by WriteTo. The result
// round-trips: ReadFrom(WriteTo(f)) answers MightContain identically to f.
func ReadFrom(r io.Reader) (*Filter, int64, error) {
	var n int64
	var m, k uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return nil, n, err
	}
	n += 4
	if err := binary.Read(r, binary.BigEndian, &k); err != nil {
		return nil, n, err
	}
	n += 4
	bs := &bitset.BitSet{}
	bn, err := bs.ReadFrom(r)
	n += bn
	if err != nil {
		return nil, n, err
	}
	return &Filter{bits: bs, m: m, k: k}, n, nil
}

// Size returns the number of bits in the underlying set.
func (f *Filter) Size() uint32 { return f.m }

// NumHashFuncs returns k, the number of hash functions.
func (f *Filter) NumHashFuncs() uint32 { return f.k }
