package util

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
			assert.True(t, ValidateChecksum(tt.data, ComputeChecksum(tt.data)))
		})
	}
}

func TestComputeChecksum_Parts(t *testing.T) {
	whole := ComputeChecksum([]byte("hello world"))
	assert.Equal(t, whole, ComputeChecksum([]byte("hello"), []byte(" "), []byte("world")))
	assert.NotEqual(t, whole, ComputeChecksum([]byte("hello"), []byte("world")))
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendFrame(buf, []byte("first"))
	second := int64(len(buf))
	buf = AppendFrame(buf, []byte{})
	third := int64(len(buf))
	buf = AppendFrame(buf, []byte("third"))

	r := bytes.NewReader(buf)
	p, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(p))

	p, err = ReadFrame(r, second)
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = ReadFrame(r, third)
	require.NoError(t, err)
	assert.Equal(t, "third", string(p))
}

func TestFrame_Corrupted(t *testing.T) {
	buf := AppendFrame(nil, []byte("payload"))
	buf[len(buf)-1] ^= 0xFF

	_, err := ReadFrame(bytes.NewReader(buf), 0)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(0), ce.Offset)
}

func TestFrame_Truncated(t *testing.T) {
	buf := AppendFrame(nil, []byte("payload"))
	_, err := ReadFrame(bytes.NewReader(buf[:len(buf)-2]), 0)
	assert.Error(t, err)

	_, err = ReadFrame(bytes.NewReader(buf[:3]), 0)
	assert.Error(t, err)
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
