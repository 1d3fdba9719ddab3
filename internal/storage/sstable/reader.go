package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/util"
)

// SSTableReader serves point lookups and ordered scans over one SSTable.
// It is safe for concurrent use.
type SSTableReader struct {
	path        string
	dataFile    *os.File
	index       []IndexEntry
	bloom       *BloomFilter
	compression Compression
}

// NewSSTableReader opens the data file and loads its index and bloom filter
func NewSSTableReader(dataPath string) (*SSTableReader, error) {
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	reader := &SSTableReader{path: dataPath, dataFile: dataFile}
	if err := reader.load(); err != nil {
		dataFile.Close()
		return nil, err
	}
	return reader, nil
}

func (r *SSTableReader) load() error {
	header := make([]byte, dataHeaderSize)
	if _, err := r.dataFile.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read data header: %w", err)
	}
	if string(header[:len(dataMagic)]) != dataMagic {
		return fmt.Errorf("%s is not an sstable", r.path)
	}
	r.compression = Compression(header[len(dataMagic)])

	raw, err := os.ReadFile(r.path + ".idx")
	if err != nil {
		return fmt.Errorf("failed to read index file: %w", err)
	}
	if r.index, err = decodeIndex(raw); err != nil {
		return fmt.Errorf("failed to load index: %w", err)
	}

	if r.bloom, err = LoadBloomFilter(r.path + ".bloom"); err != nil {
		// point lookups fall back to the index
		r.bloom = nil
	}
	return nil
}

// Len returns the number of entries
func (r *SSTableReader) Len() int {
	return len(r.index)
}

// Compression returns the codec the file was written with
func (r *SSTableReader) Compression() Compression {
	return r.compression
}

// MayContain consults the bloom filter
func (r *SSTableReader) MayContain(key []byte) bool {
	return r.bloom == nil || r.bloom.MayContain(key)
}

// Get returns the entry stored under key, tombstones included, or nil
func (r *SSTableReader) Get(key []byte) (*model.MemTableEntry, error) {
	if !r.MayContain(key) {
		return nil, nil
	}
	i := r.search(key)
	if i >= len(r.index) || !bytes.Equal(r.index[i].Key, key) {
		return nil, nil
	}
	return r.readEntry(i)
}

// search returns the position of the first index entry >= key
func (r *SSTableReader) search(key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) >= 0
	})
}

func (r *SSTableReader) readEntry(i int) (*model.MemTableEntry, error) {
	ie := r.index[i]
	payload, err := util.ReadFrame(r.dataFile, ie.Offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	if len(payload) != int(ie.Size) || util.ComputeChecksum(payload) != ie.Checksum {
		return nil, fmt.Errorf("%s: entry at offset %d disagrees with index", r.path, ie.Offset)
	}

	data, err := decompressBlock(r.compression, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to decompress entry: %w", r.path, err)
	}
	entry, err := decodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	if !bytes.Equal(entry.Key, ie.Key) {
		return nil, fmt.Errorf("%s: entry key at offset %d disagrees with index", r.path, ie.Offset)
	}
	return entry, nil
}

// Iterator positions at the first entry with key >= start. A nil start
// positions at the first entry.
func (r *SSTableReader) Iterator(start []byte) *Iterator {
	it := &Iterator{r: r}
	if start != nil {
		it.pos = r.search(start)
	}
	it.load()
	return it
}

// Close closes the data file
func (r *SSTableReader) Close() error {
	return r.dataFile.Close()
}

// Iterator walks an SSTable in ascending key order
type Iterator struct {
	r   *SSTableReader
	pos int
	cur *model.MemTableEntry
	err error
}

func (it *Iterator) load() {
	if it.pos >= len(it.r.index) {
		it.cur = nil
		return
	}
	it.cur, it.err = it.r.readEntry(it.pos)
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.cur != nil
}

func (it *Iterator) Entry() *model.MemTableEntry {
	return it.cur
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.load()
}

// Err returns the first read failure. A failed iterator is no longer valid.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Close() {
	it.cur = nil
}
