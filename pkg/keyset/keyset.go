// Package keyset implements a compact set of 64-bit entry keys used for
// per-ledger deduplication.
//
// The zero key is reserved as the empty-slot marker, a restriction inherited
// from the ledger record format: an entry with key 0 cannot be deduplicated
// and is treated as absent by Add and Contains.
package keyset

const initialCapacity = 32

// Set is an open-addressed hash set of uint64 values with linear probing.
// The capacity is always a power of two. Not safe for concurrent use.
type Set struct {
	data []uint64
	size int
}

// New returns an empty set.
func New() *Set {
	return &Set{data: make([]uint64, initialCapacity)}
}

// Len returns the number of keys in the set.
func (s *Set) Len() int {
	return s.size
}

// hash mixes v down to 32 bits with a murmur3-style finalizer.
func hash(v uint64) uint32 {
	x := uint32(v ^ (v >> 32))
	x = ((x >> 16) ^ x) * 0x119de1f3
	x = ((x >> 16) ^ x) * 0x119de1f3
	return (x >> 16) ^ x
}

func insert(table []uint64, v uint64) {
	bucket := hash(v) & uint32(len(table)-1)
	for table[bucket] != 0 {
		bucket = (bucket + 1) & uint32(len(table)-1)
	}
	table[bucket] = v
}

// Add inserts v into the set. Adding 0 or an existing key is a no-op.
func (s *Set) Add(v uint64) {
	if v == 0 || s.Contains(v) {
		return
	}
	if s.size*2 > len(s.data) {
		s.rehash()
	}
	insert(s.data, v)
	s.size++
}

// Contains reports whether v is in the set. The reserved key 0 is never
// contained.
func (s *Set) Contains(v uint64) bool {
	if v == 0 {
		return false
	}
	bucket := hash(v) & uint32(len(s.data)-1)
	for {
		switch s.data[bucket] {
		case 0:
			return false
		case v:
			return true
		}
		bucket = (bucket + 1) & uint32(len(s.data)-1)
	}
}

func (s *Set) rehash() {
	data := make([]uint64, len(s.data)*2)
	for _, v := range s.data {
		if v != 0 {
			insert(data, v)
		}
	}
	s.data = data
}
