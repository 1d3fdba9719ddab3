package memtable_test

import (
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/memtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *memtable.Table, key, value string, seq uint64) bool {
	return t.Put(&model.MemTableEntry{Key: []byte(key), Value: []byte(value), Seq: seq})
}

func TestTable_PutGet(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*memtable.Table)
		key   string
		want  string
		found bool
		tomb  bool
	}{
		{
			name:  "single entry",
			setup: func(mt *memtable.Table) { put(mt, "key1", "value1", 1) },
			key:   "key1",
			want:  "value1",
			found: true,
		},
		{
			name: "newest write wins",
			setup: func(mt *memtable.Table) {
				put(mt, "key1", "value1", 1)
				put(mt, "key1", "value2", 2)
			},
			key:   "key1",
			want:  "value2",
			found: true,
		},
		{
			name: "tombstone is returned",
			setup: func(mt *memtable.Table) {
				put(mt, "key1", "value1", 1)
				mt.Put(&model.MemTableEntry{Key: []byte("key1"), Seq: 2, IsTombstone: true})
			},
			key:   "key1",
			found: true,
			tomb:  true,
		},
		{
			name:  "missing key",
			setup: func(mt *memtable.Table) { put(mt, "key1", "value1", 1) },
			key:   "key2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := memtable.New()
			tt.setup(mt)
			entry, found := mt.Get([]byte(tt.key))
			assert.Equal(t, tt.found, found)
			if !found {
				return
			}
			assert.Equal(t, tt.tomb, entry.IsTombstone)
			if !tt.tomb {
				assert.Equal(t, tt.want, string(entry.Value))
			}
		})
	}
}

func TestTable_SizeTracksReplacement(t *testing.T) {
	mt := memtable.New()
	assert.False(t, put(mt, "k", "aaaa", 1))
	first := mt.Size()
	assert.True(t, put(mt, "k", "bbbb", 2))
	assert.Equal(t, first, mt.Size())
	assert.Equal(t, 1, mt.Len())
	assert.Equal(t, uint64(2), mt.MaxSeq())
}

func TestSnapshot_IsolatedFromWrites(t *testing.T) {
	mt := memtable.New()
	put(mt, "b", "1", 1)
	put(mt, "d", "2", 2)

	snap := mt.Snapshot()
	put(mt, "c", "3", 3)
	put(mt, "b", "changed", 4)

	var keys, values []string
	it := snap.Iterator(nil)
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Entry().Key))
		values = append(values, string(it.Entry().Value))
	}
	it.Close()
	assert.Equal(t, []string{"b", "d"}, keys)
	assert.Equal(t, []string{"1", "2"}, values)
	assert.Equal(t, 3, mt.Len())
}

func TestSnapshot_IteratorSeek(t *testing.T) {
	mt := memtable.New()
	for i, k := range []string{"a", "c", "e", "g"} {
		put(mt, k, k, uint64(i))
	}

	it := mt.Snapshot().Iterator([]byte("d"))
	defer it.Close()
	require.True(t, it.Valid())
	assert.Equal(t, "e", string(it.Entry().Key))
	it.Next()
	assert.Equal(t, "g", string(it.Entry().Key))
	it.Next()
	assert.False(t, it.Valid())
	assert.Nil(t, it.Entry())
}
