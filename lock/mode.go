// Package lock arbitrates serial-port sharing between cooperating
// processes. Three mechanisms are layered: UUCP-style lockfiles under
// /var/lock, advisory whole-file locks on the device node, and the
// exclusive-use ioctl (asserted and recorded by the port owner, not by
// this package).
package lock

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how aggressively an open claims the port.
type Mode int

const (
	// Oblivious takes no locks and honors nobody else's.
	Oblivious Mode = iota

	// Polite takes a shared advisory lock and backs off from any live
	// lockfile or stronger lock.
	Polite

	// Exclusive takes the exclusive advisory lock, writes the lockfile
	// and asserts the exclusive-use ioctl; refuses if anyone else holds
	// the port.
	Exclusive

	// Stomp kills the current holder if it can, then claims the port as
	// Exclusive would, shrugging off a failed advisory lock, lockfile
	// write or exclusive-use ioctl. A lockfile that cannot be read or
	// removed still fails the open.
	Stomp
)

var modeNames = map[Mode]string{
	Oblivious: "oblivious",
	Polite:    "polite",
	Exclusive: "exclusive",
	Stomp:     "stomp",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Valid reports whether m names one of the four sharing policies.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode maps a sharing-mode name to its Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == strings.ToLower(s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown sharing mode %q", s)
}

var (
	// ErrConflict reports that the port is held by someone else under a
	// mode that must not share it.
	ErrConflict = errors.New("serial port is in use")

	// ErrLocking reports that a locking step failed for an OS reason
	// unrelated to sharing.
	ErrLocking = errors.New("serial port locking failed")
)
