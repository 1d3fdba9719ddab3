package codec_test

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/codec"
	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineKeyTs_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ts   uint64
	}{
		{"simple", "test1", 9527},
		{"empty key", "", 9527},
		{"zero ts", "test1", 0},
		{"empty key zero ts", "", 0},
		{"max ts", "pk", math.MaxUint64},
		{"delimiter bytes", "a|b\x00c", 1},
		{"binary key", string([]byte{0xff, 0x00, 0xfe}), 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			combined := codec.CombineKeyTs(tt.key, tt.ts)
			assert.Len(t, combined, codec.MinCombinedKeySize+len(tt.key))

			key, ts, err := codec.ParseKeyAndTs(combined)
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.ts, ts)
		})
	}
}

func TestParseKeyAndTs_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"nil", nil},
		{"too short", []byte("abc")},
		{"header only minus one", make([]byte, codec.MinCombinedKeySize-1)},
		{"length larger than payload", append([]byte{0, 0, 0, 9}, make([]byte, 10)...)},
		{"length smaller than payload", append([]byte{0, 0, 0, 1}, make([]byte, 12)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := codec.ParseKeyAndTs(tt.input)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidKey, errors.GetCode(err))
		})
	}
}

func TestCombineKeyTs_DescendingOrder(t *testing.T) {
	keys := [][]byte{
		codec.CombineKeyTs("pk", 1),
		codec.CombineKeyTs("pk", 9546),
		codec.CombineKeyTs("pk", 0),
		codec.CombineKeyTs("pk", 9537),
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var got []uint64
	for _, k := range keys {
		_, ts, err := codec.ParseKeyAndTs(k)
		require.NoError(t, err)
		got = append(got, ts)
	}
	assert.Equal(t, []uint64{9546, 9537, 1, 0}, got)
}

func TestIndexKey_Layout(t *testing.T) {
	physical := codec.EncodeIndexKey(3, "card", 100)
	ordinal, pk, ts, err := codec.DecodeIndexKey(physical)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ordinal)
	assert.Equal(t, "card", pk)
	assert.Equal(t, uint64(100), ts)

	assert.True(t, bytes.HasPrefix(physical, codec.IndexPrefix(3)))
	assert.True(t, bytes.HasPrefix(physical, codec.BucketPrefix(3, "card")))
	assert.False(t, bytes.HasPrefix(codec.EncodeIndexKey(3, "cards", 100), codec.BucketPrefix(3, "card")))

	_, _, _, err = codec.DecodeIndexKey([]byte{0, 1})
	assert.Error(t, err)
}

func TestBucketsAreContiguous(t *testing.T) {
	// A longer pk sharing a prefix must not interleave with the shorter one.
	a1 := codec.EncodeIndexKey(0, "ab", 5)
	a2 := codec.EncodeIndexKey(0, "ab", 1)
	b := codec.EncodeIndexKey(0, "abc", 3)
	assert.True(t, bytes.Compare(a1, a2) < 0)
	assert.True(t, bytes.Compare(a2, b) < 0)
}

func TestPrefixEndAndAfter(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 2}, codec.PrefixEnd(codec.IndexPrefix(1)))
	assert.Equal(t, []byte{0x01}, codec.PrefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, codec.PrefixEnd([]byte{0xff, 0xff}))

	k := codec.EncodeIndexKey(0, "pk", 10)
	after := codec.After(k)
	assert.True(t, bytes.Compare(k, after) < 0)
	assert.True(t, bytes.Compare(after, codec.EncodeIndexKey(0, "pk", 9)) < 0)
}
