package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound signals that no session exists for the uploadId.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrAssemblyInProgress signals that another completion currently holds the session.
	ErrAssemblyInProgress = errors.New("upload is already being assembled")
	// ErrSessionExpired signals that the session passed its expiry and its chunks were reaped.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrSessionCompleted signals that the session already produced its final object.
	ErrSessionCompleted = errors.New("upload session already completed")
	// ErrChunkTooLarge signals that a decoded chunk exceeds the configured limit.
	ErrChunkTooLarge = errors.New("chunk too large")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// ChunkMismatchError reports that the staged chunk set does not cover 0..Expected-1.
// Missing is the first absent index when the count matches but the set has a gap, otherwise -1.
type ChunkMismatchError struct {
	Expected int
	Found    int
	Missing  int
}

func (e *ChunkMismatchError) Error() string {
	if e.Missing >= 0 && e.Expected == e.Found {
		return fmt.Sprintf("Chunks mismatch: missing chunk %d", e.Missing)
	}
	return fmt.Sprintf("Chunks mismatch: expected %d, found %d", e.Expected, e.Found)
}

// StorageError wraps a failed object store call.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AssemblyError reports the chunk whose download broke assembly.
type AssemblyError struct {
	Index int
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly failed at chunk %d: %v", e.Index, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports that the assembled bytes do not hash to the declared checksum.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// CleanupError records a staged chunk that could not be deleted. It is logged, never returned.
type CleanupError struct {
	Key string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %q failed: %v", e.Key, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
