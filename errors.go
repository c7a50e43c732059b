package querycore

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Record store errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrBadDatabaseShape = errors.New("database file is not a record list")

	// Query errors
	ErrBadFilterShape = errors.New("filter value has wrong shape for operator")
	ErrBadRegex       = errors.New("regex pattern failed to compile")
	ErrBadCursor      = errors.New("pagination cursor could not be decoded")
	ErrQueryTimeout   = errors.New("query deadline exceeded")
	ErrQueryCancelled = errors.New("query cancelled")
	ErrTooComplex     = errors.New("query exceeds complexity bounds")

	// Cache errors
	ErrCacheIO     = errors.New("cache tier I/O failure")
	ErrCacheMiss   = errors.New("cache miss")
	ErrCacheClosed = errors.New("cache already closed")

	// Export errors
	ErrExportFailed    = errors.New("export failed")
	ErrJobNotFound     = errors.New("export job not found")
	ErrUnknownFormat   = errors.New("unknown export format")
	ErrUnknownTemplate = errors.New("unknown export template")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error means a database could not be resolved
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDatabaseNotFound) || errors.Is(err, ErrJobNotFound)
}

// IsBadQuery checks if an error was caused by a malformed query rather than state
func IsBadQuery(err error) bool {
	return errors.Is(err, ErrBadFilterShape) ||
		errors.Is(err, ErrBadRegex) ||
		errors.Is(err, ErrBadCursor) ||
		errors.Is(err, ErrTooComplex)
}

// IsCancellation checks if an error came from timeout or external cancel.
// No cache write happens for these; see Engine.ExecuteStructured.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrQueryTimeout) || errors.Is(err, ErrQueryCancelled)
}

// IsRecoverable checks if an error is handled locally instead of surfacing.
// Cache tier failures degrade to misses on read and drops on write.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrCacheIO) || errors.Is(err, ErrCacheMiss)
}
