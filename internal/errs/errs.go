// Package errs defines the error-kind vocabulary described in spec §7.
//
// The original source keeps a thread-local error stack of (file, line,
// function, code, message) frames. Per Design Note 9 this is replaced with
// ordinary wrapped errors: every sentinel below is a distinct value callers
// can match with errors.Is, and every layer that adds context wraps with
// fmt.Errorf("...: %w", err) the way pkg/storage/kv.go already does, so the
// chain of frames lives on the error value itself instead of a global.
package errs

import "errors"

var (
	// InvalidArgument covers bad options, out-of-range pages, and a second
	// concurrent writer.
	InvalidArgument = errors.New("invalid argument")

	// IOFailure covers a failed file, mmap, pwrite, or fsync operation.
	IOFailure = errors.New("io failure")

	// OutOfSpace means the file cannot grow past its configured maximum.
	OutOfSpace = errors.New("out of space")

	// OutOfMemory means an allocation failed in an operation that cannot
	// degrade gracefully.
	OutOfMemory = errors.New("out of memory")

	// CorruptedPage means a page's hash or MAC did not match its content.
	CorruptedPage = errors.New("corrupted page")

	// CorruptedLog means a valid WAL record was found after an invalid one.
	CorruptedLog = errors.New("corrupted log")

	// InvariantViolation marks a programmer error, such as double
	// allocation of the same page within a transaction.
	InvariantViolation = errors.New("invariant violation")
)

// Is reports whether err (or any error it wraps) is the given kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
