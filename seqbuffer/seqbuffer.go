// Package seqbuffer implements a fixed-capacity ring indexed by a
// rolling 16-bit sequence number, used to associate per-sequence
// metadata with bounded memory across packets, messages and blocks.
package seqbuffer

import "github.com/ironwire/netcode/seqnum"

// Buffer is a ring of capacity N holding entries of type T, tagged by
// the sequence they were inserted with. N must divide 65536 evenly so
// that sequence wrap-around aligns with slot wrap-around.
type Buffer[T any] struct {
	capacity uint16
	sequence uint16 // one past the newest inserted sequence
	entrySeq []uint32
	entries  []T
	occupied []bool
}

// New constructs a Buffer of the given capacity. Panics if capacity is
// zero or does not divide 65536.
func New[T any](capacity uint16) *Buffer[T] {
	if capacity == 0 || 65536%int(capacity) != 0 {
		panic("seqbuffer: capacity must be a nonzero divisor of 65536")
	}
	return &Buffer[T]{
		capacity: capacity,
		entrySeq: make([]uint32, capacity),
		entries:  make([]T, capacity),
		occupied: make([]bool, capacity),
	}
}

func (b *Buffer[T]) index(s uint16) uint16 {
	return s % b.capacity
}

// Sequence returns the buffer's current sequence: one past the newest
// sequence inserted so far (0 before any insert).
func (b *Buffer[T]) Sequence() uint16 { return b.sequence }

// Insert places entry at slot s, evicting whatever previously occupied
// that slot, and advances the buffer's current sequence to s+1 if s is
// newer.
func (b *Buffer[T]) Insert(s uint16, entry T) {
	idx := b.index(s)
	b.entries[idx] = entry
	b.entrySeq[idx] = uint32(s)
	b.occupied[idx] = true
	if seqnum.GreaterThan(s+1, b.sequence) {
		b.sequence = s + 1
	}
}

// Find returns the entry tagged with sequence s, if the slot is occupied
// and still tagged with exactly s.
func (b *Buffer[T]) Find(s uint16) (*T, bool) {
	idx := b.index(s)
	if !b.occupied[idx] || b.entrySeq[idx] != uint32(s) {
		return nil, false
	}
	return &b.entries[idx], true
}

// Remove clears the tag at sequence s, if present.
func (b *Buffer[T]) Remove(s uint16) {
	idx := b.index(s)
	if b.occupied[idx] && b.entrySeq[idx] == uint32(s) {
		b.occupied[idx] = false
		var zero T
		b.entries[idx] = zero
	}
}

// RemoveOld invalidates any slot whose tagged sequence is older than
// current - capacity + 1, i.e. has fallen out of the live window.
func (b *Buffer[T]) RemoveOld(current uint16) {
	oldestValid := current - b.capacity + 1
	for i := uint16(0); i < b.capacity; i++ {
		if !b.occupied[i] {
			continue
		}
		tagged := uint16(b.entrySeq[i])
		if seqnum.LessThan(tagged, oldestValid) {
			b.occupied[i] = false
			var zero T
			b.entries[i] = zero
		}
	}
}

// Capacity returns the ring's fixed size.
func (b *Buffer[T]) Capacity() uint16 { return b.capacity }
