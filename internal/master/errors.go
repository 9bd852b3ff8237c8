package master

import "errors"

var (
	// ErrNoConnections is returned when a distribution round finds no live workers.
	ErrNoConnections = errors.New("no live worker connections")

	// ErrShortWrite is returned when fewer payload bytes were written than the payload holds.
	ErrShortWrite = errors.New("short write")

	// ErrCollectTimeout is reported when a worker sends nothing within the collection bound.
	ErrCollectTimeout = errors.New("collection timed out")

	// ErrWouldBlock is returned by a poll that found no data ready.
	ErrWouldBlock = errors.New("no data available")

	// ErrConnectionClosed is returned when using a connection already marked invalid.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRegistrySealed is returned when appending to a registry frozen for distribution.
	ErrRegistrySealed = errors.New("registry sealed for distribution")

	// ErrAlreadyDistributed is returned when a second round is requested.
	ErrAlreadyDistributed = errors.New("workload already distributed")

	// ErrNotDistributed is returned when collection is requested before distribution.
	ErrNotDistributed = errors.New("workload not distributed")

	// ErrNoWorkload is returned when distribution is requested before a workload is loaded.
	ErrNoWorkload = errors.New("workload not loaded")

	// ErrMasterNotStarted is returned when an operation needs the listener running.
	ErrMasterNotStarted = errors.New("master not started")
)
