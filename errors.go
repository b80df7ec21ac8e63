package statehistory

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the statehistory package.
var (
	// ErrInvalidTimeRange is returned when an interval or write has an
	// inverted, negative or out-of-history time range.
	ErrInvalidTimeRange = errors.New("invalid time range")

	// ErrInvalidValue is returned when a state value cannot be constructed,
	// for example a string containing control characters.
	ErrInvalidValue = errors.New("invalid state value")

	// ErrInvalidArgument is returned for malformed call arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAttributeNotFound is returned when a reader asks for a path or quark
	// that was never created.
	ErrAttributeNotFound = errors.New("attribute not found")

	// ErrTimeRange is returned when a query timestamp lies outside the
	// history's [start, current end] bounds.
	ErrTimeRange = errors.New("timestamp outside of state history range")

	// ErrNoSuchElement is returned by cursors stepped past either end.
	ErrNoSuchElement = errors.New("no such element")

	// ErrStateValueType is returned when a value has an unexpected kind.
	ErrStateValueType = errors.New("unexpected state value type")

	// ErrStateSystemDisposed is returned for queries on a disposed state system.
	ErrStateSystemDisposed = errors.New("state system is disposed")

	// ErrVersionMismatch is returned when an artifact was written by a
	// different file format or provider version.
	ErrVersionMismatch = errors.New("history version mismatch")

	// ErrStorageCorruption is returned when data corruption is detected.
	ErrStorageCorruption = errors.New("storage corruption detected")

	// ErrBackendClosed is returned when a disposed backend is used.
	ErrBackendClosed = errors.New("history backend is closed")

	// ErrBuildInProgress is returned when a read-only operation is attempted
	// on a backend that is still being built, or a write after it finished.
	ErrBuildInProgress = errors.New("history build state does not allow this operation")
)

// AttributeError provides detail about a failed attribute lookup or write.
type AttributeError struct {
	Op    string
	Path  []string
	Quark Quark
	Cause error
}

func (e *AttributeError) Error() string {
	target := fmt.Sprintf("quark %d", e.Quark)
	if len(e.Path) > 0 {
		target = fmt.Sprintf("path %q", e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, target, e.Cause)
	}
	return fmt.Sprintf("%s %s", e.Op, target)
}

func (e *AttributeError) Unwrap() error {
	return e.Cause
}

func newAttributeNotFound(op string, path []string, quark Quark) *AttributeError {
	return &AttributeError{Op: op, Path: path, Quark: quark, Cause: ErrAttributeNotFound}
}

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates data corruption.
	StorageErrorTypeCorruption
	// StorageErrorTypeVersion indicates an artifact written by another version.
	StorageErrorTypeVersion
)

// StorageError provides detailed information about artifact failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Key     string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	switch e.Type {
	case StorageErrorTypeCorruption:
		return target == ErrStorageCorruption
	case StorageErrorTypeVersion:
		return target == ErrVersionMismatch
	}
	return false
}

func newStorageError(errType StorageErrorType, message, key string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}
