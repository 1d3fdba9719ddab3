package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, c Compression, entries []*model.MemTableEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := NewSSTableWriter(path, &SSTableConfig{
		BloomFilterFP:   0.01,
		ExpectedEntries: len(entries),
		Compression:     c,
	})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())
	return path
}

func sampleEntries(n int) []*model.MemTableEntry {
	entries := make([]*model.MemTableEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &model.MemTableEntry{
			Key:         []byte(fmt.Sprintf("key%04d", i)),
			Value:       []byte(fmt.Sprintf("value-%d-value-value-value", i)),
			Seq:         uint64(i + 1),
			IsTombstone: i%10 == 9,
		})
	}
	return entries
}

func TestSSTable_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd, CompressionLz4} {
		t.Run(c.String(), func(t *testing.T) {
			entries := sampleEntries(200)
			path := writeTable(t, c, entries)

			r, err := NewSSTableReader(path)
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, c, r.Compression())
			assert.Equal(t, len(entries), r.Len())

			for _, want := range entries {
				got, err := r.Get(want.Key)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, want.Key, got.Key)
				assert.Equal(t, want.Seq, got.Seq)
				assert.Equal(t, want.IsTombstone, got.IsTombstone)
				assert.Equal(t, want.Value, got.Value)
			}

			got, err := r.Get([]byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestSSTable_Iterator(t *testing.T) {
	entries := sampleEntries(50)
	path := writeTable(t, CompressionSnappy, entries)

	r, err := NewSSTableReader(path)
	require.NoError(t, err)
	defer r.Close()

	it := r.Iterator(nil)
	n := 0
	for ; it.Valid(); it.Next() {
		assert.Equal(t, entries[n].Key, it.Entry().Key)
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(entries), n)

	// seek between keys lands on the next one
	it = r.Iterator([]byte("key0010a"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("key0011"), it.Entry().Key)

	it = r.Iterator([]byte("zzz"))
	assert.False(t, it.Valid())
}

func TestSSTable_WriteOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	w, err := NewSSTableWriter(path, &SSTableConfig{BloomFilterFP: 0.01, ExpectedEntries: 2})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Write(&model.MemTableEntry{Key: []byte("b"), Seq: 1}))
	assert.Error(t, w.Write(&model.MemTableEntry{Key: []byte("a"), Seq: 2}))
	assert.Error(t, w.Write(&model.MemTableEntry{Key: []byte("b"), Seq: 3}))
	assert.Equal(t, 1, w.Count())
}

func TestSSTable_WriterStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.sst")
	w, err := NewSSTableWriter(path, &SSTableConfig{BloomFilterFP: 0.01, ExpectedEntries: 3})
	require.NoError(t, err)
	defer w.Close()

	for i, k := range []string{"a", "m", "z"} {
		require.NoError(t, w.Write(&model.MemTableEntry{Key: []byte(k), Value: []byte("v"), Seq: uint64(10 - i)}))
	}
	assert.Equal(t, 3, w.Count())
	assert.Equal(t, uint64(10), w.MaxSeq())
	assert.Equal(t, model.KeyRange{StartKey: []byte("a"), EndKey: []byte("z")}, w.KeyRange())
	assert.Greater(t, w.Size(), dataHeaderSize)
}

func TestSSTable_CorruptedData(t *testing.T) {
	path := writeTable(t, CompressionNone, sampleEntries(5))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := NewSSTableReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get([]byte("key0004"))
	assert.Error(t, err)

	it := r.Iterator([]byte("key0004"))
	assert.False(t, it.Valid())
	assert.Error(t, it.Err())
}

func TestSSTable_NotAnSSTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.sst")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	_, err := NewSSTableReader(path)
	assert.Error(t, err)
}

func TestSSTable_MissingBloomFallsBackToIndex(t *testing.T) {
	path := writeTable(t, CompressionNone, sampleEntries(5))
	require.NoError(t, os.Remove(path+".bloom"))

	r, err := NewSSTableReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get([]byte("key0002"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, r.MayContain([]byte("anything")))
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("present%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MayContain([]byte(fmt.Sprintf("present%d", i))))
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500)

	path := filepath.Join(t.TempDir(), "f.bloom")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = bf.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := LoadBloomFilter(path)
	require.NoError(t, err)
	assert.Equal(t, bf.size, loaded.size)
	assert.Equal(t, bf.hashCount, loaded.hashCount)
	assert.True(t, loaded.MayContain([]byte("present7")))
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"Snappy", CompressionSnappy, false},
		{"zstd", CompressionZstd, false},
		{"lz4", CompressionLz4, false},
		{"gzip", CompressionNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
