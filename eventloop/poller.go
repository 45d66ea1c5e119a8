package eventloop

import (
	"errors"
)

// maxFDs is the initial size of the direct-indexed fd table.
const maxFDs = 1024

// MaxFDLimit is the maximum FD value the poller accepts.
const MaxFDLimit = 100000000

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the pipe.
	EventHangup
)

// Standard errors.
var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// fdTable is the direct-indexed fd table shared by the platform pollers.
// It is only touched from the loop goroutine.
type fdTable []fdInfo

func (t *fdTable) grow(fd int) error {
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}
	if fd >= len(*t) {
		newSize := fd*2 + 1
		if newSize > MaxFDLimit {
			newSize = MaxFDLimit + 1
		}
		grown := make(fdTable, newSize)
		copy(grown, *t)
		*t = grown
	}
	return nil
}

func (t fdTable) lookup(fd int) (fdInfo, bool) {
	if fd < 0 || fd >= len(t) || !t[fd].active {
		return fdInfo{}, false
	}
	return t[fd], true
}
