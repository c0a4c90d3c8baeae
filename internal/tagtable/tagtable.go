// Package tagtable implements the append-only, copy-on-grow entity table:
// every directory object lives at a dense integer tag assigned the first
// time it is observed, and that tag is never reused even after deletion.
//
// Readers never take a lock. They capture the current length and backing
// slice atomically, then index into it; growth allocates a brand-new
// backing array and swaps it in, so a reader holding an old slice reference
// keeps seeing a consistent, never-mutated-from-under-it prefix. This
// mirrors the snapshot-then-iterate-lock-free shape used for handler lists
// elsewhere in this style of service, generalized to a growable array of
// entities instead of a fixed slice of callbacks.
package tagtable

import (
	"sync"
	"sync/atomic"

	"github.com/evalgo/adsyncd/internal/entity"
)

// Table is safe for concurrent Get/Len from any number of goroutines.
// Append/Replace/NullOut must only ever be called by the single store
// writer; the zero value is not usable, use New.
type Table struct {
	mu      sync.Mutex // guards writers only; never taken by readers
	backing atomic.Pointer[[]*entity.Entity]
	length  atomic.Int64
}

// New returns an empty, ready-to-use Table.
func New() *Table {
	t := &Table{}
	empty := make([]*entity.Entity, 0, 64)
	t.backing.Store(&empty)
	return t
}

// Len is a lock-free read of the current published length.
func (t *Table) Len() int {
	return int(t.length.Load())
}

// Get returns the entity at tag, or nil if the slot is empty, deleted, or
// out of range. Safe for concurrent use without locking.
func (t *Table) Get(tag int) *entity.Entity {
	if tag < 0 {
		return nil
	}
	n := t.length.Load()
	if int64(tag) >= n {
		return nil
	}
	backing := *t.backing.Load()
	if tag >= len(backing) {
		return nil
	}
	return backing[tag]
}

// Snapshot captures (length, backing slice) atomically for iteration. The
// returned slice is never mutated in place by subsequent Append/Replace
// calls — it either stays exactly as it is, or is superseded by a new
// array the caller doesn't see until it calls Snapshot again.
func (t *Table) Snapshot() (length int, slice []*entity.Entity) {
	n := t.length.Load()
	backing := *t.backing.Load()
	if int64(len(backing)) < n {
		n = int64(len(backing))
	}
	return int(n), backing
}

// Append assigns the next tag to e, publishes it, and returns the tag.
// Single-writer only.
func (t *Table) Append(e *entity.Entity) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	backing := *t.backing.Load()
	tag := len(backing)
	// Always copy into a fresh array, even when the current one has spare
	// capacity: appending in place would mutate a backing array a reader
	// might still be holding a slice header into.
	grown := make([]*entity.Entity, len(backing)+1, growCap(len(backing)+1))
	copy(grown, backing)
	grown[tag] = e
	e.Tag = tag

	t.backing.Store(&grown)
	t.length.Store(int64(len(grown)))
	return tag
}

// Replace single-writer-overwrites the slot at tag with e. The slot must
// already exist (tag < Len()).
func (t *Table) Replace(tag int, e *entity.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	backing := *t.backing.Load()
	grown := make([]*entity.Entity, len(backing))
	copy(grown, backing)
	grown[tag] = e

	t.backing.Store(&grown)
	// length is unchanged, but publish a fresh pointer regardless so a
	// reader who re-checks length before indexing still lands on the new
	// array rather than a torn one.
	t.length.Store(int64(len(grown)))
}

// NullOut marks tag as deleted without reusing it.
func (t *Table) NullOut(tag int) {
	t.Replace(tag, nil)
}

// InstallAll replaces the whole backing array with entities, preserving
// whatever tags/gaps it already encodes (each non-nil entity's Tag field
// must already equal its index). Used once, at startup, to install a
// snapshot loaded from disk before any other writer touches the table.
func (t *Table) InstallAll(entities []*entity.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	grown := make([]*entity.Entity, len(entities))
	copy(grown, entities)
	t.backing.Store(&grown)
	t.length.Store(int64(len(grown)))
}

// growCap mirrors the teacher idiom of growing geometrically rather than
// by exactly one element each append, to keep copy-on-grow from degrading
// into O(n^2) during a large bulk load.
func growCap(n int) int {
	if n < 64 {
		return 64
	}
	return n + n/2
}
