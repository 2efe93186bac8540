package adb

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable is returned when the device refuses an OPEN by
// closing the stream before it ever became ready.
var ErrServiceUnavailable = errors.New("adb: service unavailable")

// ErrStreamClosed is returned for operations on a stream that already
// completed its close exchange.
var ErrStreamClosed = errors.New("adb: stream closed")

// CommandFailedError carries the device's FAIL payload, which is usually
// human-readable diagnostic text.
type CommandFailedError struct {
	Payload []byte
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("adb: command failed: %s", e.Payload)
}

// InterleavedDataError reports a message whose stream ids belong to a
// different stream than the one being read.
type InterleavedDataError struct {
	WantLocal, WantRemote uint32
	GotLocal, GotRemote   uint32
}

func (e *InterleavedDataError) Error() string {
	return fmt.Sprintf("adb: interleaved data: stream (%d,%d) received ids (%d,%d)",
		e.WantLocal, e.WantRemote, e.GotLocal, e.GotRemote)
}
