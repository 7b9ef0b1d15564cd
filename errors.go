package ngtrie

import (
	"io/fs"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned for arguments a Trie can never accept,
// such as a frequency below one.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrStorageFailure matches every error reported by the underlying
// store. Use errors.Is to test for it; the concrete error is a
// *StorageError.
var ErrStorageFailure = errors.New("storage failure")

// ErrClosed is returned by operations on a closed Trie.
var ErrClosed = errors.New("trie is closed")

// StorageError wraps a failure of the underlying store together with
// the operation that was running.
//
// A store path that cannot be created or opened is also an invalid
// argument, and its StorageError matches ErrInvalidArgument too.
type StorageError struct {
	Op  string
	Err error

	badPath bool
}

func (e *StorageError) Error() string {
	return "storage failure during " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the error reported by the store.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorageFailure) succeed.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure || (e.badPath && target == ErrInvalidArgument)
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// pathError reports a failure to reach the store location. Failures
// that carry no *fs.PathError are plain storage failures.
func pathError(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *fs.PathError
	return &StorageError{Op: op, Err: err, badPath: errors.As(err, &perr)}
}

func invalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
