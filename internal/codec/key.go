package codec

import (
	"encoding/binary"

	"github.com/devrev/pairdb/disktable/internal/errors"
)

const (
	keyLenSize  = 4
	tsSize      = 8
	ordinalSize = 4

	// MinCombinedKeySize is the size of a combined key with an empty key
	MinCombinedKeySize = keyLenSize + tsSize
)

// CombineKeyTs encodes (key, ts) as u32be(len) | key | u64be(^ts).
// For one key, byte order of combined keys is descending ts order.
func CombineKeyTs(key string, ts uint64) []byte {
	buf := make([]byte, 0, MinCombinedKeySize+len(key))
	return appendCombined(buf, key, ts)
}

func appendCombined(buf []byte, key string, ts uint64) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return binary.BigEndian.AppendUint64(buf, ^ts)
}

// ParseKeyAndTs is the inverse of CombineKeyTs
func ParseKeyAndTs(combined []byte) (string, uint64, error) {
	if len(combined) < MinCombinedKeySize {
		return "", 0, errors.InvalidKey(len(combined), "shorter than header")
	}
	keyLen := binary.BigEndian.Uint32(combined[:keyLenSize])
	if uint64(keyLen)+MinCombinedKeySize != uint64(len(combined)) {
		return "", 0, errors.InvalidKey(len(combined), "embedded length mismatch")
	}
	key := string(combined[keyLenSize : keyLenSize+keyLen])
	ts := ^binary.BigEndian.Uint64(combined[keyLenSize+keyLen:])
	return key, ts, nil
}

// IndexPrefix is the physical namespace of one index
func IndexPrefix(ordinal uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, ordinalSize), ordinal)
}

// EncodeIndexKey returns the physical key of a record: u32be(ordinal) | combined
func EncodeIndexKey(ordinal uint32, pk string, ts uint64) []byte {
	buf := make([]byte, 0, ordinalSize+MinCombinedKeySize+len(pk))
	buf = binary.BigEndian.AppendUint32(buf, ordinal)
	return appendCombined(buf, pk, ts)
}

// DecodeIndexKey splits a physical key into its parts
func DecodeIndexKey(physical []byte) (uint32, string, uint64, error) {
	if len(physical) < ordinalSize {
		return 0, "", 0, errors.InvalidKey(len(physical), "missing index prefix")
	}
	ordinal := binary.BigEndian.Uint32(physical[:ordinalSize])
	pk, ts, err := ParseKeyAndTs(physical[ordinalSize:])
	if err != nil {
		return 0, "", 0, err
	}
	return ordinal, pk, ts, nil
}

// BucketPrefix is the common prefix of every record of (ordinal, pk)
func BucketPrefix(ordinal uint32, pk string) []byte {
	buf := make([]byte, 0, ordinalSize+keyLenSize+len(pk))
	buf = binary.BigEndian.AppendUint32(buf, ordinal)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pk)))
	return append(buf, pk...)
}

// SeekKey returns the first physical key of (ordinal, pk) with timestamp <= ts
func SeekKey(ordinal uint32, pk string, ts uint64) []byte {
	return EncodeIndexKey(ordinal, pk, ts)
}

// After returns the smallest key strictly greater than key
func After(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// PrefixEnd returns the smallest key greater than every key with the prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
