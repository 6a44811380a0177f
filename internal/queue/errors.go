package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStorage matches any failure of the underlying store.
	ErrStorage = errors.New("queue: storage failure")
	// ErrCorruptEntry matches entries that could not be decoded.
	ErrCorruptEntry = errors.New("queue: corrupt entry")
)

// StorageError wraps a store failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// CorruptEntriesError lists entries List skipped and deleted.
type CorruptEntriesError struct {
	Keys []string
	Errs []error
}

func (e *CorruptEntriesError) Error() string {
	return fmt.Sprintf("queue: %d corrupt entries removed: %s", len(e.Keys), strings.Join(e.Keys, ", "))
}

func (e *CorruptEntriesError) Unwrap() []error { return e.Errs }

func (e *CorruptEntriesError) Is(target error) bool { return target == ErrCorruptEntry }
