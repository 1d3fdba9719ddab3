package validation

import (
	"fmt"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/model"
)

const (
	// Size limits
	MaxKeySize   = 16 * 1024        // 16 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB

	MaxDimensions = 256
)

// Validator checks writes against size limits before they reach the table
type Validator struct {
	maxKeySize    int
	maxValueSize  int
	maxDimensions int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:    MaxKeySize,
		maxValueSize:  MaxValueSize,
		maxDimensions: MaxDimensions,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
// Non-positive limits fall back to the defaults.
func NewValidatorWithLimits(maxKeySize, maxValueSize, maxDimensions int) *Validator {
	v := NewValidator()
	if maxKeySize > 0 {
		v.maxKeySize = maxKeySize
	}
	if maxValueSize > 0 {
		v.maxValueSize = maxValueSize
	}
	if maxDimensions > 0 {
		v.maxDimensions = maxDimensions
	}
	return v
}

// ValidateKey validates a primary key. The empty key is allowed.
func (v *Validator) ValidateKey(key string) error {
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates an encoded value
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateDimensions validates the bindings of a fan-out write
func (v *Validator) ValidateDimensions(dims []model.Dimension) error {
	if len(dims) == 0 {
		return errors.InvalidArgument("write binds no dimension", nil)
	}
	if len(dims) > v.maxDimensions {
		return errors.InvalidArgument(
			fmt.Sprintf("write binds too many dimensions: %d > %d", len(dims), v.maxDimensions),
			nil,
		)
	}
	for _, d := range dims {
		if err := v.ValidateKey(d.Key); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePut validates a complete fan-out write
func (v *Validator) ValidatePut(value []byte, dims []model.Dimension) error {
	if err := v.ValidateValue(value); err != nil {
		return err
	}
	return v.ValidateDimensions(dims)
}

// EstimateWriteSize estimates the disk space needed for a write.
// This is used by the disk manager to check available space.
func EstimateWriteSize(value []byte, dims []model.Dimension) uint64 {
	var total int
	for _, d := range dims {
		// commit log: JSON with base64 payload, sequence, op and checksum
		commitLogSize := (len(d.Key)+len(value))*4/3 + 120
		// sstable: framed payload plus index entry
		sstableSize := 2*len(d.Key) + len(value) + 64
		total += commitLogSize + sstableSize
	}
	// 20% safety margin
	return uint64(total + total/5)
}
