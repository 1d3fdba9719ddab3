package model

// OperationType defines the type of substrate mutation
type OperationType string

const (
	OperationTypePut    OperationType = "put"
	OperationTypeDelete OperationType = "delete"
)

// CommitLogBatch is one line of the commit log. Replay applies all of its
// entries or none.
type CommitLogBatch struct {
	Entries []*CommitLogEntry `json:"entries"`
}

// CommitLogEntry is one mutation of a commit log batch
type CommitLogEntry struct {
	SequenceNumber uint64        `json:"seq"`
	Key            []byte        `json:"key"`
	Value          []byte        `json:"value,omitempty"`
	OperationType  OperationType `json:"op"`
	Timestamp      int64         `json:"ts"`
	Checksum       uint32        `json:"crc"`
}

// MemTableEntry is a versioned substrate record. Key is the physical key.
type MemTableEntry struct {
	Key         []byte
	Value       []byte
	Seq         uint64
	IsTombstone bool
}

// Size approximates the memory held by the entry
func (e *MemTableEntry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 32)
}
