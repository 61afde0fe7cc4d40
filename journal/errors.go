package journal

import "errors"

var (
	// ErrWritebackRefused is returned by every write path after a
	// device failure has latched the writer into its read-only state.
	ErrWritebackRefused = errors.New("journal: writeback disabled by a prior device failure")

	// ErrDataIntegrity is returned by replay when a corrupted entry is
	// followed by what looks like a valid successor: a gap in committed
	// history that must refuse the mount rather than lose data silently.
	ErrDataIntegrity = errors.New("journal: committed entry corrupted mid-log")

	// ErrNotSupported is returned for revocation records, whose replay
	// semantics are deliberately unimplemented.
	ErrNotSupported = errors.New("journal: revocation records are not supported")

	// ErrInvalidOperation is returned when a submitted batch contains an
	// operation of the wrong type, before any buffer space is reserved.
	ErrInvalidOperation = errors.New("journal: operation type not valid for this call")

	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("journal: closed")

	// ErrTooLarge is returned when a metadata batch cannot fit in a
	// single journal entry or in the circular entries region.
	ErrTooLarge = errors.New("journal: batch exceeds journal capacity")
)
