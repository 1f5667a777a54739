package okserial

import (
	"syscall"

	"github.com/egnor/okserial/lock"
)

type Error struct {
	msg string
	err error
}

func (e Error) Error() string {
	if e.msg != "" {
		msg := e.msg
		if e.err != nil {
			msg += ": " + e.err.Error()
		}
		return msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e Error) Unwrap() error {
	return e.err
}

// Is treats two Errors with the same message as the same kind, so a
// wrapped cause still answers errors.Is against the package sentinels.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.msg == e.msg
}

func wrapErr(msg string, e error) error {
	if e == nil {
		return nil
	}
	return Error{
		msg: msg,
		err: e,
	}
}

var (
	// ErrClosed is the terminal error of a connection shut down by Close
	// with no prior failure.
	ErrClosed = Error{msg: "port already closed", err: syscall.EBADF}

	// ErrInterrupted is the terminal error of a connection shut down by
	// Interrupt.
	ErrInterrupted = Error{msg: "port interrupted", err: syscall.EINTR}

	// ErrDisconnected reports that the device vanished under an open
	// connection (EOF or the driver dropped the node).
	ErrDisconnected = Error{msg: "device disconnected", err: syscall.ENODEV}

	// ErrTimeout reports that a drain exceeded its deadline. An open whose
	// OpenTimeout runs out reports the last sharing conflict instead.
	ErrTimeout = Error{msg: "operation timed out", err: syscall.ETIMEDOUT}

	// ErrIO reports a failed read or write on an open device.
	ErrIO = Error{msg: "serial I/O failed", err: syscall.EIO}

	// ErrNoMatch reports that no present port matched an expression.
	ErrNoMatch = Error{msg: "no matching serial port"}

	// ErrAmbiguousMatch reports that an expression matched several ports
	// where exactly one was required.
	ErrAmbiguousMatch = Error{msg: "multiple matching serial ports"}

	// ErrConfiguration reports invalid line parameters or an unknown
	// sharing mode.
	ErrConfiguration = Error{msg: "invalid port configuration"}

	// ErrSharingConflict is lock.ErrConflict re-exported at the package
	// surface most callers import.
	ErrSharingConflict = lock.ErrConflict
)
