package node

import "errors"

var (
	// ErrStaleConnection is returned when a caller uses a connection key
	// that no longer refers to a ready connection.
	ErrStaleConnection = errors.New("stale connection")

	// ErrConnectionTimeout is returned by WaitForConnectionTimeout when
	// no connection became ready in time.
	ErrConnectionTimeout = errors.New("no connection was established within timeout")

	// ErrAlreadyRunning is returned by Start on a running node.
	ErrAlreadyRunning = errors.New("diameter stack is already running")

	// ErrNotRunning is returned by operations that need a started node.
	ErrNotRunning = errors.New("diameter stack is not running")

	// ErrUnsupportedTransport is returned when a required transport
	// driver could not be initialised.
	ErrUnsupportedTransport = errors.New("transport protocol support could not be loaded")
)
