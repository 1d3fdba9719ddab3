package memtable

import (
	"bytes"
	"sync"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/tidwall/btree"
)

func entryLess(a, b *model.MemTableEntry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Table is an ordered in-memory write buffer keyed by physical key.
// The newest write of a key replaces older ones.
type Table struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[*model.MemTableEntry]
	size   int64
	maxSeq uint64
}

// New creates an empty memtable
func New() *Table {
	return &Table{tree: btree.NewBTreeG(entryLess)}
}

// Put inserts or replaces an entry and reports whether a key was replaced
func (t *Table) Put(entry *model.MemTableEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, replaced := t.tree.Set(entry)
	if replaced {
		t.size -= prev.Size()
	}
	t.size += entry.Size()
	if entry.Seq > t.maxSeq {
		t.maxSeq = entry.Seq
	}
	return replaced
}

// Get returns the entry stored under key, tombstones included
func (t *Table) Get(key []byte) (*model.MemTableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Get(&model.MemTableEntry{Key: key})
}

// Size returns the approximate memory held
func (t *Table) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Len returns the number of entries
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// MaxSeq returns the highest sequence number written
func (t *Table) MaxSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSeq
}

// Snapshot returns a copy-on-write view unaffected by later writes
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Snapshot{tree: t.tree.Copy()}
}

// Snapshot is a frozen view of a memtable
type Snapshot struct {
	tree *btree.BTreeG[*model.MemTableEntry]
}

// Len returns the number of entries in the snapshot
func (s *Snapshot) Len() int {
	return s.tree.Len()
}

// Iterator positions at the first entry with key >= start. A nil start
// positions at the first entry.
func (s *Snapshot) Iterator(start []byte) *Iterator {
	it := &Iterator{iter: s.tree.Iter()}
	if start == nil {
		it.valid = it.iter.First()
	} else {
		it.valid = it.iter.Seek(&model.MemTableEntry{Key: start})
	}
	return it
}

// Iterator walks a snapshot in ascending key order
type Iterator struct {
	iter  btree.IterG[*model.MemTableEntry]
	valid bool
}

func (it *Iterator) Valid() bool {
	return it.valid
}

func (it *Iterator) Entry() *model.MemTableEntry {
	if !it.valid {
		return nil
	}
	return it.iter.Item()
}

func (it *Iterator) Next() {
	if it.valid {
		it.valid = it.iter.Next()
	}
}

func (it *Iterator) Err() error {
	return nil
}

func (it *Iterator) Close() {
	it.valid = false
	it.iter.Release()
}
