package fastboot

import "fmt"

// StateMismatchError reports a terminal response of the wrong kind, e.g.
// OKAY where the exchange requires DATA.
type StateMismatchError struct {
	Expected string
	Got      string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("fastboot: expected %s, got %s", e.Expected, e.Got)
}

// RemoteFailureError carries the device's FAIL message.
type RemoteFailureError struct {
	Message string
}

func (e *RemoteFailureError) Error() string {
	return "fastboot: FAIL: " + e.Message
}

// InvalidResponseError reports a response whose header is none of
// OKAY/FAIL/INFO/DATA.
type InvalidResponseError struct {
	Header    []byte
	Remaining []byte
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("fastboot: unknown header %q (%q)", e.Header, e.Remaining)
}

// TransferError reports the device accepting a different download size
// than the host asked for.
type TransferError struct {
	Requested int64
	Accepted  int64
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("fastboot: device accepts %d bytes, host has %d", e.Accepted, e.Requested)
}
