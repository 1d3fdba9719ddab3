package service

import (
	"bytes"
	"container/heap"

	"github.com/devrev/pairdb/disktable/internal/model"
)

// entryIterator is satisfied by memtable and sstable iterators
type entryIterator interface {
	Valid() bool
	Entry() *model.MemTableEntry
	Next()
	Err() error
	Close()
}

// mergeIterator yields the newest version of every key across sources.
// Sources are ordered newest first; on equal keys the lowest source wins.
type mergeIterator struct {
	sources []entryIterator
	heap    mergeHeap
	cur     *model.MemTableEntry
	err     error
}

type mergeItem struct {
	entry  *model.MemTableEntry
	source int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].entry.Key, h[j].entry.Key); c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newMergeIterator(sources []entryIterator) *mergeIterator {
	m := &mergeIterator{sources: sources, heap: make(mergeHeap, 0, len(sources))}
	for i, it := range sources {
		m.push(i, it)
	}
	heap.Init(&m.heap)
	m.advance()
	return m
}

func (m *mergeIterator) push(i int, it entryIterator) {
	if it.Valid() {
		m.heap = append(m.heap, mergeItem{entry: it.Entry(), source: i})
	} else if err := it.Err(); err != nil && m.err == nil {
		m.err = err
	}
}

// advance pops the smallest key and discards older versions of it
func (m *mergeIterator) advance() {
	m.cur = nil
	if m.err != nil || m.heap.Len() == 0 {
		return
	}
	top := heap.Pop(&m.heap).(mergeItem)
	m.cur = top.entry
	m.step(top.source)

	for m.heap.Len() > 0 && bytes.Equal(m.heap[0].entry.Key, m.cur.Key) {
		dup := heap.Pop(&m.heap).(mergeItem)
		m.step(dup.source)
	}
	if m.err != nil {
		m.cur = nil
	}
}

func (m *mergeIterator) step(i int) {
	it := m.sources[i]
	it.Next()
	if it.Valid() {
		heap.Push(&m.heap, mergeItem{entry: it.Entry(), source: i})
	} else if err := it.Err(); err != nil && m.err == nil {
		m.err = err
	}
}

func (m *mergeIterator) Valid() bool {
	return m.cur != nil
}

// Entry returns the newest version of the current key, tombstones included
func (m *mergeIterator) Entry() *model.MemTableEntry {
	return m.cur
}

func (m *mergeIterator) Next() {
	m.advance()
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() {
	for _, it := range m.sources {
		it.Close()
	}
	m.cur = nil
}
