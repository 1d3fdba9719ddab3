package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Records on disk are framed as [u32 size][u32 crc][payload], little endian.
const FrameHeaderSize = 8

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32-C over the concatenation of parts
func ComputeChecksum(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, crc32Table, p)
	}
	return crc
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendFrame appends a framed payload to dst
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, ComputeChecksum(payload))
	return append(dst, payload...)
}

// ReadFrame reads and validates the frame at off
func ReadFrame(r io.ReaderAt, off int64) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("failed to read frame header at %d: %w", off, err)
	}
	size := binary.LittleEndian.Uint32(hdr[:4])
	expected := binary.LittleEndian.Uint32(hdr[4:])

	payload := make([]byte, size)
	if size > 0 {
		if _, err := r.ReadAt(payload, off+FrameHeaderSize); err != nil {
			return nil, fmt.Errorf("failed to read frame payload at %d: %w", off, err)
		}
	}
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, &ChecksumError{Offset: off, Expected: expected, Actual: actual}
	}
	return payload, nil
}

// ChecksumError reports a frame whose payload does not match its checksum
type ChecksumError struct {
	Offset   int64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch at offset %d: expected %d, got %d", e.Offset, e.Expected, e.Actual)
}
