package service

import (
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/memtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memSource(entries ...*model.MemTableEntry) *memtable.Snapshot {
	mt := memtable.New()
	for _, e := range entries {
		mt.Put(e)
	}
	return mt.Snapshot()
}

func TestMergeIterator_NewestWins(t *testing.T) {
	newest := memSource(
		&model.MemTableEntry{Key: []byte("b"), Value: []byte("b3"), Seq: 3},
		&model.MemTableEntry{Key: []byte("d"), Seq: 4, IsTombstone: true},
	)
	older := memSource(
		&model.MemTableEntry{Key: []byte("a"), Value: []byte("a1"), Seq: 1},
		&model.MemTableEntry{Key: []byte("b"), Value: []byte("b1"), Seq: 1},
		&model.MemTableEntry{Key: []byte("d"), Value: []byte("d1"), Seq: 1},
	)
	oldest := memSource(
		&model.MemTableEntry{Key: []byte("b"), Value: []byte("b0"), Seq: 0},
		&model.MemTableEntry{Key: []byte("c"), Value: []byte("c0"), Seq: 0},
	)

	it := newMergeIterator([]entryIterator{newest.Iterator(nil), older.Iterator(nil), oldest.Iterator(nil)})
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		e := it.Entry()
		if e.IsTombstone {
			got = append(got, string(e.Key)+"=deleted")
			continue
		}
		got = append(got, string(e.Key)+"="+string(e.Value))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a=a1", "b=b3", "c=c0", "d=deleted"}, got)
}

func TestMergeIterator_Empty(t *testing.T) {
	it := newMergeIterator([]entryIterator{memSource().Iterator(nil)})
	assert.False(t, it.Valid())
	it.Next()
	assert.False(t, it.Valid())
	it.Close()
}
