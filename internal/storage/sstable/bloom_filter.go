package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set of keys
type BloomFilter struct {
	bits      []uint64
	size      uint64
	hashCount uint64
}

// NewBloomFilter sizes a filter for the expected element count and false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size < 64 {
		size = 64
	}
	// k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

func (bf *BloomFilter) hashes(key []byte) (uint64, uint64) {
	d := xxhash.New()
	_, _ = d.Write(key)
	h1 := d.Sum64()
	_, _ = d.WriteString("salt")
	return h1, d.Sum64()
}

// Add inserts a key
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports false only when the key was never added
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// WriteTo serializes the filter as [u64 size][u64 hashCount][u64 words...]
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, 16+8*len(bf.bits))
	buf = binary.LittleEndian.AppendUint64(buf, bf.size)
	buf = binary.LittleEndian.AppendUint64(buf, bf.hashCount)
	for _, word := range bf.bits {
		buf = binary.LittleEndian.AppendUint64(buf, word)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// LoadBloomFilter reads a filter written by WriteTo
func LoadBloomFilter(filePath string) (*BloomFilter, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("bloom filter %s truncated", filePath)
	}
	bf := &BloomFilter{
		size:      binary.LittleEndian.Uint64(data[0:8]),
		hashCount: binary.LittleEndian.Uint64(data[8:16]),
	}
	words := (bf.size + 63) / 64
	if bf.size == 0 || uint64(len(data)-16) != words*8 {
		return nil, fmt.Errorf("bloom filter %s has inconsistent size", filePath)
	}
	bf.bits = make([]uint64, words)
	for i := range bf.bits {
		bf.bits[i] = binary.LittleEndian.Uint64(data[16+8*i:])
	}
	return bf, nil
}
