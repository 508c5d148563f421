package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates an entry that cannot be decoded.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a decoded entry whose checksum is wrong.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrEmpty indicates a journal without entries.
	ErrEmpty = errors.New("journal: file is empty")

	// ErrClosed is returned for operations on a closed journal.
	ErrClosed = errors.New("journal: already closed")

	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError reports the entry that failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

// Is lets errors.Is match ErrChecksumMismatch.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}
