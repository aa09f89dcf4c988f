package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is the sentinel wrapped by every MalformedFrameError.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrProtocolVersionMismatch is the sentinel wrapped by VersionMismatchError.
var ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

// A MalformedFrameError reports a frame that could not be decoded.
type MalformedFrameError struct {
	Kind   MsgKind
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("wire: malformed %s frame: %s", e.Kind, e.Reason)
}

// Unwrap returns ErrMalformedFrame.
func (e *MalformedFrameError) Unwrap() error {
	return ErrMalformedFrame
}

// A VersionMismatchError reports a registry header outside the supported
// version range.
type VersionMismatchError struct {
	RegistryKind RegistryMessageKind
	Header       RegistryMsgHeader
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf(
		"wire: %s carries incompatible header %s, supported range is %s to %s",
		e.RegistryKind, e.Header, MinimumProtocolVersion, CurrentProtocolVersion)
}

// Unwrap returns ErrProtocolVersionMismatch.
func (e *VersionMismatchError) Unwrap() error {
	return ErrProtocolVersionMismatch
}

type readError string

func (e readError) Error() string {
	return string(e)
}

func errShortRead(want, have int) error {
	return readError(fmt.Sprintf("need %d bytes, %d left", want, have))
}

func errTrailingBytes(n int) error {
	return readError(fmt.Sprintf("%d trailing bytes", n))
}

func errCountTooLarge(n, left int) error {
	return readError(fmt.Sprintf("sequence of %d elements cannot fit in %d bytes", n, left))
}

func errInvalidValue(what string, v uint64) error {
	return readError(fmt.Sprintf("invalid %s value %d", what, v))
}

func malformed(kind MsgKind, err error) error {
	var mfe *MalformedFrameError
	if errors.As(err, &mfe) {
		return mfe
	}

	var vme *VersionMismatchError
	if errors.As(err, &vme) {
		return vme
	}

	return &MalformedFrameError{Kind: kind, Reason: err.Error()}
}
