package table

import (
	"sync/atomic"

	"github.com/devrev/pairdb/disktable/internal/model"
)

// IndexDef is one declared index of a table and its live counters
type IndexDef struct {
	name     string
	ordinal  uint32
	columns  []string
	tsColumn string

	ttl     atomic.Pointer[model.TTLPolicy]
	pending atomic.Pointer[model.TTLPolicy]
	active  atomic.Bool

	recordCnt   atomic.Int64
	recordBytes atomic.Int64
	idxCnt      atomic.Int64
	idxBytes    atomic.Int64
	pkCnt       atomic.Int64
}

func newIndexDef(name string, ordinal uint32, columns []string, tsColumn string, policy model.TTLPolicy) *IndexDef {
	idx := &IndexDef{
		name:     name,
		ordinal:  ordinal,
		columns:  columns,
		tsColumn: tsColumn,
	}
	idx.ttl.Store(&policy)
	idx.active.Store(true)
	return idx
}

func (i *IndexDef) Name() string {
	return i.name
}

func (i *IndexDef) Ordinal() uint32 {
	return i.ordinal
}

// Columns are the schema columns composing the dimension key
func (i *IndexDef) Columns() []string {
	return i.columns
}

// TsColumn is the bound timestamp column, empty for an implicit timestamp
func (i *IndexDef) TsColumn() string {
	return i.tsColumn
}

// GetTTL returns the policy currently applied by reads and GC
func (i *IndexDef) GetTTL() model.TTLPolicy {
	return *i.ttl.Load()
}

// PendingTTL returns a policy staged by SetTTL and not yet applied
func (i *IndexDef) PendingTTL() (model.TTLPolicy, bool) {
	p := i.pending.Load()
	if p == nil {
		return model.TTLPolicy{}, false
	}
	return *p, true
}

func (i *IndexDef) IsActive() bool {
	return i.active.Load()
}

func (i *IndexDef) stage(policy model.TTLPolicy) {
	i.pending.Store(&policy)
}

// promote applies a staged policy and reports whether there was one
func (i *IndexDef) promote() bool {
	p := i.pending.Swap(nil)
	if p == nil {
		return false
	}
	i.ttl.Store(p)
	return true
}

// track adjusts the counters by n records of the given size
func (i *IndexDef) track(primary bool, size, n int64) {
	i.idxCnt.Add(n)
	i.idxBytes.Add(n * size)
	if primary {
		i.recordCnt.Add(n)
		i.recordBytes.Add(n * size)
	}
}

func (i *IndexDef) resetCounters() {
	i.recordCnt.Store(0)
	i.recordBytes.Store(0)
	i.idxCnt.Store(0)
	i.idxBytes.Store(0)
	i.pkCnt.Store(0)
}

// RecordCnt is the number of logical rows whose primary record lives here
func (i *IndexDef) RecordCnt() uint64 {
	return clamp(i.recordCnt.Load())
}

// IdxCnt is the number of live physical records of the index
func (i *IndexDef) IdxCnt() uint64 {
	return clamp(i.idxCnt.Load())
}

func (i *IndexDef) PkCnt() uint64 {
	return clamp(i.pkCnt.Load())
}

func clamp(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// indexState is the persisted form of an index's mutable state
type indexState struct {
	Name    string          `json:"name"`
	Ordinal uint32          `json:"ordinal"`
	Active  bool            `json:"active"`
	TTL     model.TTLPolicy `json:"ttl"`
}
