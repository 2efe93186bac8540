package wire

import (
	"fmt"
	"time"
)

// InvalidCommandError reports a header whose command code is not one of the
// seven known four-letter codes.
type InvalidCommandError struct {
	Raw uint32
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("adb wire: unknown command %#08x", e.Raw)
}

// InvalidMagicError reports a header whose magic field is not the bitwise
// complement of its command field.
type InvalidMagicError struct {
	Command uint32
	Magic   uint32
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("adb wire: bad magic %#08x for command %#08x", e.Magic, e.Command)
}

// ChecksumError reports a payload whose byte sum does not match the header.
type ChecksumError struct {
	Expected uint32
	Got      uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("adb wire: payload checksum %#x, header claims %#x", e.Got, e.Expected)
}

// InvalidResponseError reports a well-formed message that makes no sense at
// this point in the exchange.
type InvalidResponseError struct {
	Detail string
}

func (e *InvalidResponseError) Error() string {
	return "adb wire: invalid response: " + e.Detail
}

// ProtocolTimeoutError reports that only valid-but-unexpected messages
// arrived for the whole overall timeout.
type ProtocolTimeoutError struct {
	Expected []Command
	Elapsed  time.Duration
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("adb wire: no %v within %v", e.Expected, e.Elapsed)
}

// AuthReason classifies authentication failures.
type AuthReason int

const (
	// AuthNoKeys: the device demanded authentication and no signers were
	// supplied.
	AuthNoKeys AuthReason = iota + 1
	// AuthPendingUserAccept: the public key was offered and the device did
	// not answer before the auth timeout; the confirmation dialog is most
	// likely still on screen.
	AuthPendingUserAccept
	// AuthAllKeysRejected: every signature was refused and the device
	// answered the public-key offer with yet another challenge.
	AuthAllKeysRejected
)

func (r AuthReason) String() string {
	switch r {
	case AuthNoKeys:
		return "no keys available"
	case AuthPendingUserAccept:
		return "pending user accept"
	case AuthAllKeysRejected:
		return "all keys rejected"
	}
	return "unknown"
}

// AuthError reports a failed authentication handshake.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	msg := "adb auth: " + e.Reason.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }
