package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for region server operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeRegionNotFound  ErrorCode = 1001
	ErrCodeRegionOffline   ErrorCode = 1002
	ErrCodeInvalidPriority ErrorCode = 1003
	ErrCodeChecksumFailed  ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeCompactionFailed  ErrorCode = 2003
	ErrCodeSplitFailed       ErrorCode = 2004
	ErrCodeCatalogFailed     ErrorCode = 2005
	ErrCodeCorruptedData     ErrorCode = 2006
	ErrCodeShutdownRequested ErrorCode = 2007
)

// RegionError represents a structured error with code and context
type RegionError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RegionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RegionError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes for the
// admin API.
func (e *RegionError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeInvalidPriority:
		return http.StatusBadRequest
	case ErrCodeRegionNotFound:
		return http.StatusNotFound
	case ErrCodeRegionOffline:
		return http.StatusConflict
	case ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	case ErrCodeUnavailable, ErrCodeShutdownRequested:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewRegionError creates a new RegionError
func NewRegionError(code ErrorCode, message string, cause error) *RegionError {
	return &RegionError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RegionError) WithDetail(key string, value interface{}) *RegionError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RegionError {
	return NewRegionError(ErrCodeInvalidArgument, message, cause)
}

func RegionNotFound(encodedName string) *RegionError {
	return NewRegionError(ErrCodeRegionNotFound, fmt.Sprintf("region not found: %s", encodedName), nil).
		WithDetail("encoded_name", encodedName)
}

func RegionOffline(regionName string) *RegionError {
	return NewRegionError(ErrCodeRegionOffline, fmt.Sprintf("region is offline: %s", regionName), nil).
		WithDetail("region_name", regionName)
}

func CompactionFailed(regionName string, cause error) *RegionError {
	return NewRegionError(ErrCodeCompactionFailed, fmt.Sprintf("compaction failed for region %s", regionName), cause).
		WithDetail("region_name", regionName)
}

func SplitFailed(regionName string, cause error) *RegionError {
	return NewRegionError(ErrCodeSplitFailed, fmt.Sprintf("split failed for region %s", regionName), cause).
		WithDetail("region_name", regionName)
}

func CatalogFailed(table string, cause error) *RegionError {
	return NewRegionError(ErrCodeCatalogFailed, fmt.Sprintf("catalog write to %s failed", table), cause).
		WithDetail("catalog_table", table)
}

func CorruptedData(message string, cause error) *RegionError {
	return NewRegionError(ErrCodeCorruptedData, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *RegionError {
	return NewRegionError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func InternalError(message string, cause error) *RegionError {
	return NewRegionError(ErrCodeInternal, message, cause)
}

// IsRegionError checks if an error is a RegionError
func IsRegionError(err error) bool {
	_, ok := err.(*RegionError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if re, ok := err.(*RegionError); ok {
		return re.Code
	}
	return ErrCodeInternal
}
