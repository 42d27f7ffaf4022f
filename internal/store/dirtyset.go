package store

import "github.com/puzpuzpuz/xsync/v4"

// DirtyOp represents the type of dirty operation.
type DirtyOp int

const (
	// OpUpsert marks a key for upsert (value read from memory at flush time).
	OpUpsert DirtyOp = iota
	// OpDelete marks a key for deletion.
	OpDelete
)

// DirtySet tracks dirty keys with their operation type. It stores only keys;
// values are read from memory at flush time. Marks come from API handler
// goroutines and the reaper concurrently, so the set rides on a concurrent
// map rather than a mutex.
type DirtySet[K comparable] struct {
	m *xsync.Map[K, DirtyOp]
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{m: xsync.NewMap[K, DirtyOp]()}
}

// MarkUpsert marks a key for upsert.
func (d *DirtySet[K]) MarkUpsert(key K) {
	d.m.Store(key, OpUpsert)
}

// MarkDelete marks a key for deletion.
func (d *DirtySet[K]) MarkDelete(key K) {
	d.m.Store(key, OpDelete)
}

// Drain removes and returns a snapshot of the current entries. A mark that
// races with a drain lands either in this snapshot or in the next one, never
// both.
func (d *DirtySet[K]) Drain() map[K]DirtyOp {
	out := make(map[K]DirtyOp)
	d.m.Range(func(key K, _ DirtyOp) bool {
		if op, ok := d.m.LoadAndDelete(key); ok {
			out[key] = op
		}
		return true
	})
	return out
}

// Merge re-merges a previously drained snapshot back into the dirty set.
// Used for flush-failure recovery. Only keys that have NOT been re-dirtied
// since the drain are restored, preserving newer marks.
func (d *DirtySet[K]) Merge(old map[K]DirtyOp) {
	for k, v := range old {
		d.m.LoadOrStore(k, v)
	}
}

// Len returns the current number of dirty entries.
func (d *DirtySet[K]) Len() int {
	return d.m.Size()
}
