// Package errs defines the sentinel errors shared across the storage engine.
//
// Recoverable errors (NoSpace, OutOfOrderWrite, IOError, CorruptChunk) stay
// inside the component that detects them and are surfaced through a Status
// value or a callback state, never returned bare to a caller that can't act
// on them. Fatal errors (StorageLocked, VersionMismatch) unwind all the way
// to the engine boundary.
package errs

import "errors"

var (
	// ErrStorageLocked means another process already holds the storage lockfile.
	ErrStorageLocked = errors.New("storage: locked by another process")
	// ErrVersionMismatch means the on-disk storage_version is incompatible with this build.
	ErrVersionMismatch = errors.New("storage: version mismatch")
	// ErrNoSpace means a chunk allocator has no free slots; the caller should retry after a drop.
	ErrNoSpace = errors.New("storage: no space in chunk allocator")
	// ErrOutOfOrderWrite means an append arrived with a time older than the series' known max.
	ErrOutOfOrderWrite = errors.New("storage: writing to past")
	// ErrIO wraps a recoverable file I/O failure.
	ErrIO = errors.New("storage: io error")
	// ErrCorruptChunk means a chunk's CRC32 did not verify and it was dropped.
	ErrCorruptChunk = errors.New("storage: corrupt chunk")
	// ErrQueryCanceled is a clean-stop signal, not treated as a real error by callers.
	ErrQueryCanceled = errors.New("storage: query canceled")

	// ErrInvalidHeaderSize means a header byte slice was the wrong length to parse.
	ErrInvalidHeaderSize = errors.New("storage: invalid header size")
	// ErrInvalidHeaderFlags means a parsed header's magic number or flag bits failed validation.
	ErrInvalidHeaderFlags = errors.New("storage: invalid header flags")
	// ErrChunkFull means an append was rejected because the chunk has no room left.
	ErrChunkFull = errors.New("storage: chunk is full")
	// ErrChunkClosed means a mutation was attempted on a chunk that already closed.
	ErrChunkClosed = errors.New("storage: chunk is closed")

	// ErrUnknownStrategy means a Settings value named a strategy the engine doesn't implement.
	ErrUnknownStrategy = errors.New("storage: unknown strategy")
	// ErrEmptyStorage means open_storage was called against a directory with no manifest.
	ErrEmptyStorage = errors.New("storage: empty storage directory, explicit Settings required")
	// ErrStopped means an operation was attempted on an engine or tier after stop().
	ErrStopped = errors.New("storage: engine is stopped")
	// ErrManifestCorrupt means the manifest checksum did not match its recorded records.
	ErrManifestCorrupt = errors.New("storage: manifest checksum mismatch")
)
