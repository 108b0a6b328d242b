package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that require a live session.
	ErrNotConnected = errors.New("terminal not connected")
	// ErrConnectFailed is returned when the backend rejects initialization.
	ErrConnectFailed = errors.New("terminal connect failed")
)

// ReconnectError reports an exhausted reconnect cycle.
type ReconnectError struct {
	Attempts int
	Server   string
	Login    int64
	Last     error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect to %s (login %d) failed after %d attempts: %v",
		e.Server, e.Login, e.Attempts, e.Last)
}

func (e *ReconnectError) Unwrap() error { return e.Last }
