package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/devrev/pairdb/disktable/internal/storage/sstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(dir string) *service.StorageConfig {
	return &service.StorageConfig{
		DataDir:    dir,
		MemTable:   service.MemTableConfig{FlushThreshold: 1 << 30},
		SSTable:    service.SSTableConfig{BloomFilterFP: 0.01, Compression: sstable.CompressionSnappy},
		Cache:      service.CacheConfig{MaxEntries: 128},
		Compaction: service.CompactionConfig{L0Trigger: 100},
	}
}

// setupStorageService opens a substrate in a temp dir
func setupStorageService(t *testing.T, dir string) *service.StorageService {
	t.Helper()
	svc, err := service.OpenStorageService(context.Background(), testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func collect(t *testing.T, svc *service.StorageService, start, end []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var last []byte
	require.NoError(t, svc.Scan(start, end, func(key, value []byte) bool {
		if last != nil {
			assert.Less(t, string(last), string(key), "scan must be ascending")
		}
		last = append(last[:0], key...)
		out[string(key)] = string(value)
		return true
	}))
	return out
}

func TestStorageService_PutGetDelete(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "simple", key: "key1", value: "value1"},
		{name: "binary key", key: "\x00\x01\xff", value: "v"},
		{name: "empty value", key: "key2", value: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, svc.Put(ctx, []byte(tt.key), []byte(tt.value)))
			got, found, err := svc.Get([]byte(tt.key))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tt.value, string(got))

			require.NoError(t, svc.Delete(ctx, []byte(tt.key)))
			_, found, err = svc.Get([]byte(tt.key))
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStorageService_ReadsAcrossFlush(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, svc.Put(ctx, []byte(fmt.Sprintf("k%03d", i)), []byte("old")))
	}
	require.NoError(t, svc.Flush(ctx))

	for i := 0; i < 50; i += 2 {
		require.NoError(t, svc.Put(ctx, []byte(fmt.Sprintf("k%03d", i)), []byte("new")))
	}
	require.NoError(t, svc.Delete(ctx, []byte("k001")))

	got, found, err := svc.Get([]byte("k000"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", string(got))

	got, found, err = svc.Get([]byte("k003"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "old", string(got))

	_, found, err = svc.Get([]byte("k001"))
	require.NoError(t, err)
	assert.False(t, found)

	all := collect(t, svc, nil, nil)
	assert.Len(t, all, 49)
	assert.Equal(t, "new", all["k010"])
	assert.Equal(t, "old", all["k011"])

	ranged := collect(t, svc, []byte("k010"), []byte("k020"))
	assert.Len(t, ranged, 10)
	assert.Equal(t, 1, svc.Stats().SSTables)
}

func TestStorageService_Recovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Put(ctx, []byte("flushed"), []byte("1")))
	require.NoError(t, svc.Flush(ctx))
	require.NoError(t, svc.Put(ctx, []byte("logged"), []byte("2")))
	require.NoError(t, svc.Delete(ctx, []byte("flushed")))

	// simulate a crash: reopen without Close
	reopened, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, found, err := reopened.Get([]byte("logged"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(got))

	_, found, err = reopened.Get([]byte("flushed"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStorageService_RecoverySkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, svc.Put(ctx, []byte("b"), []byte("2")))

	segments, err := filepath.Glob(filepath.Join(dir, "wal", "commitlog-*.log"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	// flip the value of the first record without fixing its checksum
	lines[0] = strings.Replace(lines[0], `"value":"MQ=="`, `"value":"OQ=="`, 1)
	require.NoError(t, os.WriteFile(segments[0], []byte(strings.Join(lines, "")+"{not json\n"), 0o644))

	reopened, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	_, found, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
	got, found, err := reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(got))
}

// failingContext reports cancellation from the n-th call to Err on
type failingContext struct {
	context.Context
	calls atomic.Int32
	n     int32
}

func (c *failingContext) Err() error {
	if c.calls.Add(1) >= c.n {
		return context.Canceled
	}
	return nil
}

func TestStorageService_FailedWriteAppliesNothing(t *testing.T) {
	dir := t.TempDir()
	svc, err := service.OpenStorageService(context.Background(), testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)

	batch := []service.Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	for _, n := range []int32{1, 2} {
		err := svc.Write(&failingContext{Context: context.Background(), n: n}, batch)
		assert.Error(t, err, "n=%d", n)
		assert.Empty(t, collect(t, svc, nil, nil), "n=%d", n)
	}

	// nothing of the failed batches is replayed either
	reopened, err := service.OpenStorageService(context.Background(), testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Empty(t, collect(t, reopened, nil, nil))
	_ = svc.Close()
}

func TestStorageService_RecoveryIsPerBatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Write(ctx, []service.Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))
	require.NoError(t, svc.Put(ctx, []byte("c"), []byte("3")))

	segments, err := filepath.Glob(filepath.Join(dir, "wal", "commitlog-*.log"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	// damage the second entry of the first batch only
	lines[0] = strings.Replace(lines[0], `"value":"Mg=="`, `"value":"OQ=="`, 1)
	require.NoError(t, os.WriteFile(segments[0], []byte(strings.Join(lines, "")), 0o644))

	reopened, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, map[string]string{"c": "3"}, collect(t, reopened, nil, nil))
}

func TestStorageService_CloseFlushes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc, err := service.OpenStorageService(ctx, testConfig(dir), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	assert.True(t, service.HasManifest(dir))
	assert.Error(t, svc.Put(ctx, []byte("k"), []byte("v")))

	reopened := setupStorageService(t, dir)
	assert.Equal(t, 1, reopened.Stats().SSTables)
	assert.Equal(t, 0, reopened.Stats().MemTableEntries)
}

func TestStorageService_CompactWithFilter(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, svc.Put(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, svc.Flush(ctx))
	require.NoError(t, svc.Delete(ctx, []byte("k00")))
	require.NoError(t, svc.Put(ctx, []byte("k01"), []byte("updated")))

	var seen []string
	result, err := svc.Compact(ctx, service.CompactionFilterFunc(func(key, value []byte) bool {
		seen = append(seen, string(key))
		// drop odd keys except the updated one
		return string(value) != "updated" && key[len(key)-1]%2 == 1
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, result.InputTables)
	assert.Equal(t, 1, result.TombstonesRemoved)
	assert.Equal(t, 9, result.EntriesFiltered)
	assert.Equal(t, 10, result.EntriesWritten)
	assert.Len(t, seen, 19)
	assert.IsIncreasing(t, seen)

	all := collect(t, svc, nil, nil)
	assert.Len(t, all, 10)
	assert.Equal(t, "updated", all["k01"])
	_, ok := all["k03"]
	assert.False(t, ok)
	assert.Equal(t, 1, svc.Stats().SSTables)
}

func TestStorageService_HideAndShadowed(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, []byte("k"), []byte("v")))
	assert.True(t, svc.Shadowed([]byte("k")))
	require.NoError(t, svc.Flush(ctx))
	assert.False(t, svc.Shadowed([]byte("k")))

	svc.Hide([]byte("k"))
	assert.True(t, svc.Shadowed([]byte("k")))
	_, found, err := svc.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, collect(t, svc, nil, nil))
}

func TestStorageService_IteratorIsolation(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	it := svc.NewIterator(nil, nil)
	defer it.Close()

	// writes, flushes and compactions after creation are invisible
	require.NoError(t, svc.Put(ctx, []byte("k99"), []byte("v")))
	require.NoError(t, svc.Delete(ctx, []byte("k0")))
	_, err := svc.Compact(ctx, nil)
	require.NoError(t, err)

	n := 0
	for ; it.Valid(); it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 10, n)
}

func TestStorageService_Checkpoint(t *testing.T) {
	svc := setupStorageService(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, svc.Flush(ctx))
	require.NoError(t, svc.Put(ctx, []byte("b"), []byte("2")))

	cp := filepath.Join(t.TempDir(), "checkpoint", "data")
	require.NoError(t, svc.Checkpoint(ctx, cp))
	require.NoError(t, svc.Put(ctx, []byte("c"), []byte("3")))

	restored := setupStorageService(t, cp)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, collect(t, restored, nil, nil))
}

func TestStorageService_AsyncFlushAndCompaction(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MemTable.FlushThreshold = 2048
	cfg.Compaction.L0Trigger = 2
	svc, err := service.OpenStorageService(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		require.NoError(t, svc.Put(ctx, []byte(fmt.Sprintf("key%04d", i)), []byte("some-value-bytes")))
	}
	require.NoError(t, svc.Flush(ctx))

	all := collect(t, svc, nil, nil)
	assert.Len(t, all, 500)
}
