package okserial

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

// OpenPTY allocates a pseudoterminal pair and returns the master, the
// slave and the slave's device path. The pair behaves like a looped-back
// serial line, which is how the I/O tests exercise connections without
// hardware.
func OpenPTY() (*Port, *Port, string, error) {
	master, err := OpenPort("/dev/ptmx")
	if err != nil {
		return nil, nil, "", err
	}
	if err := master.SetLockPT(false); err != nil {
		master.Close()
		return nil, nil, "", err
	}
	name, err := master.PTSName()
	if err != nil {
		master.Close()
		return nil, nil, "", err
	}
	slave, err := master.ptPeer(name)
	if err != nil {
		master.Close()
		return nil, nil, "", err
	}
	return master, slave, name, nil
}

// SetLockPT locks or unlocks the slave side of a pty master.
func (p *Port) SetLockPT(locked bool) error {
	v := int32(0)
	if locked {
		v = 1
	}
	return ioctl.Ioctl(uintptr(p.f), tiocsptlck, uintptr(unsafe.Pointer(&v)))
}

// PTSName returns the slave path of a pty master.
func (p *Port) PTSName() (string, error) {
	var n uint32
	if err := ioctl.Ioctl(uintptr(p.f), tiocgptn, uintptr(unsafe.Pointer(&n))); err != nil {
		return "", err
	}
	return fmt.Sprintf("/dev/pts/%d", n), nil
}

// ptPeer opens the slave side through TIOCGPTPEER, falling back to the
// path for kernels without it.
func (p *Port) ptPeer(name string) (*Port, error) {
	flags := uintptr(unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK)
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.f), tiocgptpeer, flags)
	if errno == 0 {
		return &Port{f: int(fd)}, nil
	}
	return OpenPort(name)
}
