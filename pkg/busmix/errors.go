package busmix

import "errors"

var (
	// ErrBusNotFound means the named bus is absent from the backend graph
	ErrBusNotFound = errors.New("bus not found")

	// ErrBackendCommandFailed means every control command issued for a
	// request errored; the cache is left untouched for that entry
	ErrBackendCommandFailed = errors.New("backend command failed")

	// ErrSnapshotOverflow means an encoded snapshot would exceed the fixed
	// shared memory region; nothing is written
	ErrSnapshotOverflow = errors.New("snapshot exceeds shared memory region")

	// ErrRelayClosed means the event bridge relay broke. The backend loop
	// exiting is unrecoverable for the process.
	ErrRelayClosed = errors.New("graph event relay closed")
)
