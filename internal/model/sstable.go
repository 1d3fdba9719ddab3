package model

import "time"

// SSTableMetadata contains metadata about an SSTable
type SSTableMetadata struct {
	SSTableID   string    `json:"id"`
	Level       int       `json:"level"`
	Size        int64     `json:"size"`
	EntryCount  int       `json:"entries"`
	KeyRange    KeyRange  `json:"key_range"`
	Compression string    `json:"compression"`
	MaxSeq      uint64    `json:"max_seq"`
	CreatedAt   time.Time `json:"created_at"`
	FilePath    string    `json:"-"`
	IndexPath   string    `json:"-"`
	BloomPath   string    `json:"-"`
}

// KeyRange is the inclusive physical key range held by an SSTable
type KeyRange struct {
	StartKey []byte `json:"start"`
	EndKey   []byte `json:"end"`
}

// SSTableLevel represents the compaction level
type SSTableLevel int

const (
	L0 SSTableLevel = 0
	L1 SSTableLevel = 1
)

// CompactionJob represents a compaction task
type CompactionJob struct {
	JobID       string
	Level       SSTableLevel
	InputTables []*SSTableMetadata
	OutputLevel SSTableLevel
	Filtered    bool
	StartedAt   time.Time
	Status      CompactionStatus
}

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
)

// CompactionResult summarises a finished compaction
type CompactionResult struct {
	JobID             string
	InputTables       int
	EntriesWritten    int
	TombstonesRemoved int
	EntriesFiltered   int
	BytesWritten      int64
	Duration          time.Duration
}
