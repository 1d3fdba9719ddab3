package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies failures surfaced by the disk table
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1004
	ErrCodeIndexNotFound   ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeIO              ErrorCode = 2001
	ErrCodeDiskFull        ErrorCode = 2002
	ErrCodeCommitLogFailed ErrorCode = 2003
	ErrCodeMemTableFailed  ErrorCode = 2004
	ErrCodeSSTableFailed   ErrorCode = 2005
	ErrCodeCorruptedData   ErrorCode = 2006
	ErrCodeTableClosed     ErrorCode = 2007
)

// StorageError is a coded error carrying structured context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts the error to a gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeIndexNotFound:
		return codes.NotFound
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeTableClosed:
		return codes.FailedPrecondition
	case ErrCodeIO:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail attaches a key/value detail and returns the error for chaining
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

// InvalidKey reports a combined key that cannot be decoded
func InvalidKey(size int, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid combined key (%d bytes): %s", size, reason), nil).
		WithDetail("size", size).
		WithDetail("reason", reason)
}

func KeyNotFound(index, pk string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s/%s", index, pk), nil).
		WithDetail("index", index).
		WithDetail("pk", pk)
}

// IndexNotFound reports a reference to an undeclared or deleted index
func IndexNotFound(ref interface{}) *StorageError {
	return NewStorageError(ErrCodeIndexNotFound, fmt.Sprintf("index not found: %v", ref), nil).
		WithDetail("index", ref)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

// IOError wraps a filesystem or substrate failure
func IOError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func MemTableFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeMemTableFailed, message, cause)
}

func SSTableFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSSTableFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func TableClosed(name string) *StorageError {
	return NewStorageError(ErrCodeTableClosed, fmt.Sprintf("table %s is closed", name), nil).
		WithDetail("table", name)
}

// IsStorageError reports whether err is or wraps a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code, defaulting to ErrCodeInternal
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
