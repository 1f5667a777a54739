package okserial

import (
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

// Termios2 is the extended terminal configuration block, needed for the
// BOTHER arbitrary-baud path.
type Termios2 struct {
	Iflag  IFlag      /* input mode flags */
	Oflag  OFlag      /* output mode flags */
	Cflag  CFlag      /* control mode flags */
	Lflag  LFlag      /* local mode flags */
	Line   byte       /* line discipline */
	Cc     [19]byte   /* control characters */
	ISpeed uint32     /* input speed */
	OSpeed uint32     /* output speed */
}

// Control characters used by raw-mode configuration.
const (
	// VTIME Timeout in deciseconds for noncanonical read.
	VTIME = 5
	// VMIN Minimum number of characters for noncanonical read.
	VMIN = 6
)

type IFlag uint32

// Input flags
const (
	// IGNBRK Ignore BREAK condition on input.
	IGNBRK = IFlag(0000001)

	// BRKINT Flush queues on BREAK (when IGNBRK is unset).
	BRKINT = IFlag(0000002)

	// IGNPAR Ignore framing errors and parity errors.
	IGNPAR = IFlag(0000004)

	// PARMRK Mark bytes with parity or framing errors.
	PARMRK = IFlag(0000010)

	// INPCK Enable input parity checking.
	INPCK = IFlag(0000020)

	// ISTRIP Strip off eighth bit.
	ISTRIP = IFlag(0000040)

	// INLCR Translate NL to CR on input.
	INLCR = IFlag(0000100)

	// IGNCR Ignore carriage return on input.
	IGNCR = IFlag(0000200)

	// ICRNL Translate carriage return to newline on input (unless IGNCR is set).
	ICRNL = IFlag(0000400)

	// IXON Enable XON/XOFF flow control on output.
	IXON = IFlag(0002000)

	// IXANY Typing any character will restart stopped output.
	IXANY = IFlag(0004000)

	// IXOFF Enable XON/XOFF flow control on input.
	IXOFF = IFlag(0010000)
)

type OFlag uint32

// Output flags
const (
	// OPOST Enable implementation-defined output processing.
	OPOST = OFlag(0000001)

	// ONLCR (XSI) Map NL to CR-NL on output.
	ONLCR = OFlag(0000004)
)

type CFlag uint32

// Control flags
const (
	// CBAUD (not in POSIX) Baud speed mask (4+1 bits).
	CBAUD  = CFlag(0010017)
	B0     = CFlag(0000000)
	B50    = CFlag(0000001)
	B75    = CFlag(0000002)
	B110   = CFlag(0000003)
	B134   = CFlag(0000004)
	B150   = CFlag(0000005)
	B200   = CFlag(0000006)
	B300   = CFlag(0000007)
	B600   = CFlag(0000010)
	B1200  = CFlag(0000011)
	B1800  = CFlag(0000012)
	B2400  = CFlag(0000013)
	B4800  = CFlag(0000014)
	B9600  = CFlag(0000015)
	B19200 = CFlag(0000016)
	B38400 = CFlag(0000017)

	// CSIZE Character size mask. Values are CS5, CS6, CS7, or CS8.
	CSIZE = CFlag(0000060)
	CS5   = CFlag(0000000)
	CS6   = CFlag(0000020)
	CS7   = CFlag(0000040)
	CS8   = CFlag(0000060)

	// CSTOPB Set two stop bits, rather than one.
	CSTOPB = CFlag(0000100)

	// CREAD Enable receiver.
	CREAD = CFlag(0000200)

	// PARENB Enable parity generation on output and parity checking for input.
	PARENB = CFlag(0000400)

	// PARODD If set, parity for input and output is odd; otherwise even.
	PARODD = CFlag(0001000)

	// HUPCL Lower modem control lines after last process closes the device.
	HUPCL = CFlag(0002000)

	// CLOCAL Ignore modem control lines.
	CLOCAL = CFlag(0004000)

	// CBAUDEX (not in POSIX) Extra baud speed mask (1 bit).
	CBAUDEX = CFlag(0010000)
	// BOTHER Arbitrary speed, taken from ISpeed/OSpeed instead of CBAUD.
	BOTHER = CFlag(0010000)

	B57600   = CFlag(0010001)
	B115200  = CFlag(0010002)
	B230400  = CFlag(0010003)
	B460800  = CFlag(0010004)
	B500000  = CFlag(0010005)
	B576000  = CFlag(0010006)
	B921600  = CFlag(0010007)
	B1000000 = CFlag(0010010)
	B1152000 = CFlag(0010011)
	B1500000 = CFlag(0010012)
	B2000000 = CFlag(0010013)
	B2500000 = CFlag(0010014)
	B3000000 = CFlag(0010015)
	B3500000 = CFlag(0010016)
	B4000000 = CFlag(0010017)

	// CMSPAR (not in POSIX) Use "stick" (mark/space) parity: with PARODD
	// the parity bit is always 1, without it always 0.
	CMSPAR = CFlag(010000000000)

	// CRTSCTS (not in POSIX) Enable RTS/CTS (hardware) flow control.
	CRTSCTS = CFlag(020000000000)
)

type LFlag uint32

// Line flags
const (
	// ISIG Generate signals for INTR, QUIT, SUSP, DSUSP.
	ISIG = LFlag(0000001)

	// ICANON Enable canonical mode.
	ICANON = LFlag(0000002)

	// ECHO Echo input characters.
	ECHO = LFlag(0000010)

	// ECHONL If ICANON is also set, echo the NL character even if ECHO is not set.
	ECHONL = LFlag(0000100)

	// IEXTEN Enable implementation-defined input processing.
	IEXTEN = LFlag(0100000)
)

type Action int

const (
	// TCSANOW
	// the change occurs immediately.
	TCSANOW = Action(iota)

	// TCSADRAIN
	// the change occurs after all output written to fd has been transmitted.
	TCSADRAIN

	// TCSAFLUSH
	// as TCSADRAIN, additionally discarding unread input.
	TCSAFLUSH
)

type Queue uint32

const (
	TCIFLUSH = Queue(iota)
	TCOFLUSH
	TCIOFLUSH
)

type ModemLine int

const (
	// TIOCM_LE
	// LE / DSR (line enable / data set ready)
	TIOCM_LE = ModemLine(0x001)

	// TIOCM_DTR
	// DTR (data terminal ready)
	TIOCM_DTR = ModemLine(0x002)

	// TIOCM_RTS
	// RTS (request to send)
	TIOCM_RTS = ModemLine(0x004)

	// TIOCM_CTS
	// CTS (clear to send)
	TIOCM_CTS = ModemLine(0x020)

	// TIOCM_CAR
	// DCD (data carrier detect)
	TIOCM_CAR = ModemLine(0x040)
	TIOCM_CD  = TIOCM_CAR

	// TIOCM_RNG
	// RNG (ring)
	TIOCM_RNG = ModemLine(0x080)
	TIOCM_RI  = TIOCM_RNG

	// TIOCM_DSR
	// DSR (data set ready)
	TIOCM_DSR = ModemLine(0x100)
)

func (m ModemLine) String() string {
	flags := make([]string, 0, len(modemLineStrings))
	for i := 1; i <= int(TIOCM_DSR); i <<= 1 {
		if int(m)&i > 0 {
			if flag, ok := modemLineStrings[ModemLine(i)]; ok {
				flags = append(flags, flag)
			} else {
				flags = append(flags, fmt.Sprintf("Unknown(%x)", i))
			}
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(flags, "|"))
}

var modemLineStrings = map[ModemLine]string{
	TIOCM_LE:  "LE",
	TIOCM_DTR: "DTR",
	TIOCM_RTS: "RTS",
	TIOCM_CTS: "CTS",
	TIOCM_CAR: "CAR",
	TIOCM_RNG: "RNG",
	TIOCM_DSR: "DSR",
}

// Port is a raw descriptor on a serial device node, opened nonblocking so
// reads and writes compose with poll-based waits.
type Port struct {
	closed atomic.Bool
	f      int
}

// OpenPort opens the device node. No line configuration is applied.
func OpenPort(name string) (*Port, error) {
	fd, err := syscall.Open(name, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, wrapErr("opening "+name, err)
	}
	return &Port{f: fd}, nil
}

// Read performs one nonblocking read. Returns EAGAIN when nothing is
// buffered in the driver.
func (p *Port) Read(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return syscall.Read(p.f, data)
}

// ReadTimeout waits up to timeout for input, then reads.
func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if err := poll.WaitInput(p.f, timeout); err != nil {
		return 0, err
	}
	return syscall.Read(p.f, data)
}

// WaitInput blocks until the descriptor is readable or timeout elapses.
func (p *Port) WaitInput(timeout time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return poll.WaitInput(p.f, timeout)
}

// WaitOutput blocks until the descriptor accepts writes or timeout elapses.
func (p *Port) WaitOutput(timeout time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}
	fds := []unix.PollFd{{Fd: int32(p.f), Events: unix.POLLOUT}}
	_, err := unix.Poll(fds, int(timeout.Milliseconds()))
	return err
}

func (p *Port) Write(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return syscall.Write(p.f, data)
}

func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.f
}

func (p *Port) Close() error {
	if !p.closed.Swap(true) {
		fd := p.f
		p.f = -1
		return syscall.Close(fd)
	}
	return ErrClosed
}

func (p *Port) GetAttr() (*Termios2, error) {
	attrs := &Termios2{}
	err := ioctl.Ioctl(uintptr(p.f), tcgets2, uintptr(unsafe.Pointer(attrs)))
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *Port) SetAttr(when Action, attrs *Termios2) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets2+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

// Drain waits until all output written to the Port has been transmitted.
func (p *Port) Drain() error {
	if p.closed.Load() {
		return ErrClosed
	}
	return ioctl.Ioctl(uintptr(p.f), tcsbrk, 1)
}

// OutputPending returns the number of bytes the driver has accepted but
// not yet sent.
func (p *Port) OutputPending() (int, error) {
	var n int32
	err := ioctl.Ioctl(uintptr(p.f), tiocoutq, uintptr(unsafe.Pointer(&n)))
	return int(n), err
}

// Flush discards data written to the Port but not transmitted, or data
// received but not read, depending on the queue.
func (p *Port) Flush(queue Queue) error {
	return ioctl.Ioctl(uintptr(p.f), tcflsh, uintptr(queue))
}

// SendBreak transmits zero bits for arg deciseconds (0.25s–0.5s when arg
// is zero).
func (p *Port) SendBreak(arg int) error {
	return ioctl.Ioctl(uintptr(p.f), tcsbrkp, uintptr(arg))
}

// SetBreak turns break on, that is, starts sending zero bits.
func (p *Port) SetBreak() error {
	return ioctl.Ioctl(uintptr(p.f), tiocsbrk, 1)
}

// ClearBreak turns break off.
func (p *Port) ClearBreak() error {
	return ioctl.Ioctl(uintptr(p.f), tioccbrk, 1)
}

// SetExclusive asserts TIOCEXCL: further opens of the node fail with
// EBUSY for everyone but root.
func (p *Port) SetExclusive() error {
	return ioctl.Ioctl(uintptr(p.f), tiocexcl, 0)
}

// ClearExclusive reverses SetExclusive.
func (p *Port) ClearExclusive() error {
	return ioctl.Ioctl(uintptr(p.f), tiocnxcl, 0)
}

// Exclusive reports whether exclusive use is currently asserted.
func (p *Port) Exclusive() (bool, error) {
	var v int32
	err := ioctl.Ioctl(uintptr(p.f), tiocgexcl, uintptr(unsafe.Pointer(&v)))
	return v != 0, err
}

// SetModemLines sets the status of modem bits.
func (p *Port) SetModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmset, uintptr(unsafe.Pointer(&line)))
}

// GetModemLines gets the status of modem bits.
func (p *Port) GetModemLines() (ModemLine, error) {
	var line ModemLine
	err := ioctl.Ioctl(uintptr(p.f), tiocmget, uintptr(unsafe.Pointer(&line)))
	return line, err
}

// EnableModemLines sets the indicated modem bits.
func (p *Port) EnableModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmbis, uintptr(unsafe.Pointer(&line)))
}

// DisableModemLines clears the indicated modem bits.
func (p *Port) DisableModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmbic, uintptr(unsafe.Pointer(&line)))
}

func (attrs *Termios2) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
}

func (attrs *Termios2) SetSpeed(speed CFlag) {
	attrs.Cflag &= ^(CBAUD | CBAUDEX)
	attrs.Cflag |= speed
}

func (attrs *Termios2) SetCustomSpeed(speed uint32) {
	attrs.Cflag &= ^(CBAUD | CBAUDEX)
	attrs.Cflag |= BOTHER
	attrs.ISpeed = speed
	attrs.OSpeed = speed
}

// standardBauds maps common rates to their CBAUD encodings; anything else
// goes through BOTHER.
var standardBauds = map[int]CFlag{
	50:      B50,
	75:      B75,
	110:     B110,
	134:     B134,
	150:     B150,
	200:     B200,
	300:     B300,
	600:     B600,
	1200:    B1200,
	1800:    B1800,
	2400:    B2400,
	4800:    B4800,
	9600:    B9600,
	19200:   B19200,
	38400:   B38400,
	57600:   B57600,
	115200:  B115200,
	230400:  B230400,
	460800:  B460800,
	500000:  B500000,
	576000:  B576000,
	921600:  B921600,
	1000000: B1000000,
	1152000: B1152000,
	1500000: B1500000,
	2000000: B2000000,
	2500000: B2500000,
	3000000: B3000000,
	3500000: B3500000,
	4000000: B4000000,
}
