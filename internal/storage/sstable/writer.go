package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/util"
)

const (
	dataMagic      = "PDT1"
	dataHeaderSize = int64(len(dataMagic) + 1)

	flagTombstone byte = 1 << 0
)

// IndexEntry locates one record in the data file
type IndexEntry struct {
	Key      []byte
	Offset   int64
	Size     int32
	Checksum uint32 // CRC32-C of the stored payload
}

// SSTableConfig holds SSTable configuration
type SSTableConfig struct {
	BloomFilterFP   float64
	ExpectedEntries int
	Compression     Compression
}

// SSTableWriter writes a sorted run of entries to an SSTable
type SSTableWriter struct {
	path        string
	dataFile    *os.File
	data        *bufio.Writer
	offset      int64
	index       []IndexEntry
	bloomFilter *BloomFilter
	config      *SSTableConfig
	maxSeq      uint64
	frame       []byte
}

// NewSSTableWriter creates the data file and writes its header. The index
// and bloom files are produced by Finalize.
func NewSSTableWriter(filePath string, config *SSTableConfig) (*SSTableWriter, error) {
	dataFile, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	w := &SSTableWriter{
		path:        filePath,
		dataFile:    dataFile,
		data:        bufio.NewWriterSize(dataFile, 64*1024),
		index:       make([]IndexEntry, 0, max(config.ExpectedEntries, 0)),
		bloomFilter: NewBloomFilter(config.ExpectedEntries, config.BloomFilterFP),
		config:      config,
	}

	header := append([]byte(dataMagic), byte(config.Compression))
	if _, err := w.data.Write(header); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to write data header: %w", err)
	}
	w.offset = dataHeaderSize
	return w, nil
}

// Write appends an entry. Keys must arrive in strictly ascending order.
func (w *SSTableWriter) Write(entry *model.MemTableEntry) error {
	if n := len(w.index); n > 0 && bytes.Compare(w.index[n-1].Key, entry.Key) >= 0 {
		return fmt.Errorf("key %x written out of order", entry.Key)
	}

	payload, err := compressBlock(w.config.Compression, encodePayload(entry))
	if err != nil {
		return fmt.Errorf("failed to compress entry: %w", err)
	}

	w.frame = util.AppendFrame(w.frame[:0], payload)
	if _, err := w.data.Write(w.frame); err != nil {
		return fmt.Errorf("failed to write entry data: %w", err)
	}

	key := append([]byte(nil), entry.Key...)
	w.index = append(w.index, IndexEntry{
		Key:      key,
		Offset:   w.offset,
		Size:     int32(len(payload)),
		Checksum: util.ComputeChecksum(payload),
	})
	w.bloomFilter.Add(key)
	w.offset += int64(len(w.frame))
	if entry.Seq > w.maxSeq {
		w.maxSeq = entry.Seq
	}
	return nil
}

// Finalize flushes the data file and writes the index and bloom files
func (w *SSTableWriter) Finalize() error {
	if err := w.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	if err := w.dataFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}

	if err := writeFileSync(w.path+".idx", encodeIndex(w.index)); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	var bloom bytes.Buffer
	if _, err := w.bloomFilter.WriteTo(&bloom); err != nil {
		return fmt.Errorf("failed to encode bloom filter: %w", err)
	}
	if err := writeFileSync(w.path+".bloom", bloom.Bytes()); err != nil {
		return fmt.Errorf("failed to write bloom file: %w", err)
	}
	return nil
}

// Size returns the bytes written to the data file so far
func (w *SSTableWriter) Size() int64 {
	return w.offset
}

// Count returns the number of entries written
func (w *SSTableWriter) Count() int {
	return len(w.index)
}

// MaxSeq returns the highest sequence number written
func (w *SSTableWriter) MaxSeq() uint64 {
	return w.maxSeq
}

// KeyRange returns the first and last keys written
func (w *SSTableWriter) KeyRange() model.KeyRange {
	if len(w.index) == 0 {
		return model.KeyRange{}
	}
	return model.KeyRange{StartKey: w.index[0].Key, EndKey: w.index[len(w.index)-1].Key}
}

// Close closes the data file
func (w *SSTableWriter) Close() error {
	return w.dataFile.Close()
}

// Abort closes and removes every file the writer produced
func (w *SSTableWriter) Abort() {
	_ = w.dataFile.Close()
	for _, p := range []string{w.path, w.path + ".idx", w.path + ".bloom"} {
		_ = os.Remove(p)
	}
}

// payload: [u8 flags][uvarint seq][uvarint keylen][key][value]
func encodePayload(entry *model.MemTableEntry) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(entry.Key)+len(entry.Value))
	var flags byte
	if entry.IsTombstone {
		flags |= flagTombstone
	}
	buf = append(buf, flags)
	buf = binary.AppendUvarint(buf, entry.Seq)
	buf = binary.AppendUvarint(buf, uint64(len(entry.Key)))
	buf = append(buf, entry.Key...)
	return append(buf, entry.Value...)
}

func decodePayload(data []byte) (*model.MemTableEntry, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty entry payload")
	}
	flags := data[0]
	rest := data[1:]

	seq, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("malformed sequence number")
	}
	rest = rest[n:]

	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || keyLen > uint64(len(rest)-n) {
		return nil, fmt.Errorf("malformed key length")
	}
	rest = rest[n:]

	entry := &model.MemTableEntry{
		Key:         rest[:keyLen],
		Seq:         seq,
		IsTombstone: flags&flagTombstone != 0,
	}
	if value := rest[keyLen:]; len(value) > 0 {
		entry.Value = value
	}
	return entry, nil
}

// index record: [u32 keylen][key][i64 offset][i32 size][u32 crc], little endian
func encodeIndex(index []IndexEntry) []byte {
	size := 0
	for _, e := range index {
		size += 20 + len(e.Key)
	}
	buf := make([]byte, 0, size)
	for _, e := range index {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Size))
		buf = binary.LittleEndian.AppendUint32(buf, e.Checksum)
	}
	return buf
}

func decodeIndex(data []byte) ([]IndexEntry, error) {
	var index []IndexEntry
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated index record")
		}
		keyLen := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < keyLen+16 {
			return nil, fmt.Errorf("truncated index record")
		}
		e := IndexEntry{Key: data[:keyLen:keyLen]}
		data = data[keyLen:]
		e.Offset = int64(binary.LittleEndian.Uint64(data))
		e.Size = int32(binary.LittleEndian.Uint32(data[8:]))
		e.Checksum = binary.LittleEndian.Uint32(data[12:])
		data = data[16:]

		if n := len(index); n > 0 && bytes.Compare(index[n-1].Key, e.Key) >= 0 {
			return nil, fmt.Errorf("index keys out of order at %x", e.Key)
		}
		index = append(index, e)
	}
	return index, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
