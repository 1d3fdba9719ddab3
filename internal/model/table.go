package model

import (
	"fmt"
	"strings"
)

// DataType is a schema column type
type DataType string

const (
	TypeString    DataType = "string"
	TypeBool      DataType = "bool"
	TypeInt       DataType = "int"
	TypeBigInt    DataType = "bigint"
	TypeTimestamp DataType = "timestamp"
	TypeFloat     DataType = "float"
	TypeDouble    DataType = "double"
)

// ColumnDesc describes one schema column
type ColumnDesc struct {
	Name string   `yaml:"name" json:"name"`
	Type DataType `yaml:"type" json:"type"`
}

// StorageMode selects the root path a table is placed under
type StorageMode string

const (
	StorageModeSSD StorageMode = "ssd"
	StorageModeHDD StorageMode = "hdd"
)

// IndexDesc declares a secondary index. The index ordinal is its position in
// TableMeta.Indexes.
type IndexDesc struct {
	Name     string   `yaml:"name" json:"name"`
	Columns  []string `yaml:"columns" json:"columns"`
	TsColumn string   `yaml:"ts_column" json:"ts_column"`
	TTL      TTLDesc  `yaml:"ttl" json:"ttl"`
}

// TableMeta is the table descriptor supplied at construction
type TableMeta struct {
	Name        string       `yaml:"name" json:"name"`
	Tid         uint32       `yaml:"tid" json:"tid"`
	Pid         uint32       `yaml:"pid" json:"pid"`
	StorageMode StorageMode  `yaml:"storage_mode" json:"storage_mode"`
	Columns     []ColumnDesc `yaml:"columns" json:"columns"`
	Indexes     []IndexDesc  `yaml:"indexes" json:"indexes"`
}

// Validate checks index declarations against the schema
func (m *TableMeta) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(m.Indexes) == 0 {
		return fmt.Errorf("table %s declares no index", m.Name)
	}
	columns := make(map[string]DataType, len(m.Columns))
	for _, c := range m.Columns {
		if _, dup := columns[c.Name]; dup {
			return fmt.Errorf("duplicate column %s", c.Name)
		}
		columns[c.Name] = c.Type
	}
	names := make(map[string]struct{}, len(m.Indexes))
	for _, idx := range m.Indexes {
		if idx.Name == "" {
			return fmt.Errorf("index name is required")
		}
		if _, dup := names[idx.Name]; dup {
			return fmt.Errorf("duplicate index %s", idx.Name)
		}
		names[idx.Name] = struct{}{}
		// Tables built from a plain name mapping carry no schema.
		if len(m.Columns) == 0 {
			continue
		}
		for _, col := range idx.Columns {
			if _, ok := columns[col]; !ok {
				return fmt.Errorf("index %s references unknown column %s", idx.Name, col)
			}
		}
		if idx.TsColumn != "" {
			t, ok := columns[idx.TsColumn]
			if !ok {
				return fmt.Errorf("index %s references unknown ts column %s", idx.Name, idx.TsColumn)
			}
			if t != TypeBigInt && t != TypeTimestamp && t != TypeInt {
				return fmt.Errorf("ts column %s of index %s must be an integer type", idx.TsColumn, idx.Name)
			}
		}
	}
	return nil
}

// PartitionDir returns the "{tid}_{pid}" directory name
func (m *TableMeta) PartitionDir() string {
	return fmt.Sprintf("%d_%d", m.Tid, m.Pid)
}

// ParseStorageMode accepts "ssd" or "hdd" in any case
func ParseStorageMode(s string) (StorageMode, error) {
	switch StorageMode(strings.ToLower(s)) {
	case StorageModeSSD:
		return StorageModeSSD, nil
	case StorageModeHDD, "":
		return StorageModeHDD, nil
	}
	return "", fmt.Errorf("unknown storage mode %q", s)
}

// Dimension binds a logical row to one (index, key)
type Dimension struct {
	Index uint32 `json:"idx"`
	Key   string `json:"key"`
}

// LogEntry is a replicated write as the replication layer sees it
type LogEntry struct {
	LogIndex   uint64      `json:"log_index"`
	PK         string      `json:"pk"`
	TS         uint64      `json:"ts"`
	Value      []byte      `json:"value"`
	Dimensions []Dimension `json:"dimensions"`
}
