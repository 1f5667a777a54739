// Package okserial is a serial-port client library: attribute-rich port
// discovery with a search-expression language, connections with buffered
// background I/O and sync/async/non-blocking operations, multi-mechanism
// port locking with four sharing policies, and a tracker that keeps a
// logical connection alive across unplug/replug.
package okserial

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/egnor/okserial/lock"
	"github.com/egnor/okserial/match"
	"github.com/egnor/okserial/scan"
)

type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
	ParityMark
	ParitySpace
)

type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowRTSCTS
	FlowXONXOFF
)

// Config carries line parameters, sharing policy and tuning for Open,
// Find and NewTracker. Start from NewConfig; a nil Config means defaults.
type Config struct {
	Baud     int
	DataBits int
	Parity   Parity
	StopBits int
	Flow     FlowControl

	// Sharing selects the locking policy applied at open.
	Sharing lock.Mode

	// OpenTimeout, when positive, retries sharing conflicts until the
	// deadline instead of failing the first attempt.
	OpenTimeout time.Duration

	// ReadChunk bounds the per-request size of the background reader.
	ReadChunk int

	// LockDir overrides the lockfile directory (tests mostly).
	LockDir string

	// StompSignal is the signal lock.Stomp delivers to a live holder.
	StompSignal string

	// DTR and RTS force the initial state of those lines after open.
	DTR, RTS *bool

	// Provider overrides enumeration for Find and NewTracker.
	Provider scan.Provider

	// PollInterval and PollMax bound the tracker's scan cadence:
	// PollInterval between healthy cycles, backed off exponentially to
	// PollMax while cycles keep failing.
	PollInterval time.Duration
	PollMax      time.Duration
}

func NewConfig() *Config {
	return &Config{
		Baud:         115200,
		DataBits:     8,
		StopBits:     1,
		Sharing:      lock.Exclusive,
		ReadChunk:    1024,
		LockDir:      lock.DefaultDir,
		StompSignal:  "TERM",
		PollInterval: 100 * time.Millisecond,
		PollMax:      2 * time.Second,
	}
}

// termios translates the line parameters, validating as it goes.
func (cfg *Config) termios() (*Termios2, error) {
	t := &Termios2{}
	t.MakeRaw()
	t.Cflag |= CREAD | CLOCAL
	t.Cc[VMIN] = 1
	t.Cc[VTIME] = 0

	t.Cflag &= ^CSIZE
	switch cfg.DataBits {
	case 5:
		t.Cflag |= CS5
	case 6:
		t.Cflag |= CS6
	case 7:
		t.Cflag |= CS7
	case 0, 8:
		t.Cflag |= CS8
	default:
		return nil, fmt.Errorf("%w: %d data bits", ErrConfiguration, cfg.DataBits)
	}

	switch cfg.Parity {
	case ParityNone:
	case ParityEven:
		t.Cflag |= PARENB
		t.Iflag |= INPCK
	case ParityOdd:
		t.Cflag |= PARENB | PARODD
		t.Iflag |= INPCK
	case ParityMark:
		t.Cflag |= PARENB | PARODD | CMSPAR
		t.Iflag |= INPCK
	case ParitySpace:
		t.Cflag |= PARENB | CMSPAR
		t.Iflag |= INPCK
	default:
		return nil, fmt.Errorf("%w: parity %d", ErrConfiguration, cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
	case 2:
		t.Cflag |= CSTOPB
	default:
		return nil, fmt.Errorf("%w: %d stop bits", ErrConfiguration, cfg.StopBits)
	}

	switch cfg.Flow {
	case FlowNone:
	case FlowRTSCTS:
		t.Cflag |= CRTSCTS
	case FlowXONXOFF:
		t.Iflag |= IXON | IXOFF
	default:
		return nil, fmt.Errorf("%w: flow control %d", ErrConfiguration, cfg.Flow)
	}

	switch {
	case cfg.Baud <= 0:
		return nil, fmt.Errorf("%w: baud %d", ErrConfiguration, cfg.Baud)
	default:
		if flag, ok := standardBauds[cfg.Baud]; ok {
			t.SetSpeed(flag)
		} else {
			t.SetCustomSpeed(uint32(cfg.Baud))
		}
	}
	return t, nil
}

func (cfg *Config) lockOptions() *lock.Options {
	opts := lock.NewOptions()
	if cfg.LockDir != "" {
		opts.Dir = cfg.LockDir
	}
	if cfg.StompSignal != "" {
		opts.StompSignal = cfg.StompSignal
	}
	opts.Fs = afero.NewOsFs()
	return opts
}

func (cfg *Config) provider() (scan.Provider, error) {
	if cfg.Provider != nil {
		return cfg.Provider, nil
	}
	return scan.NewProvider()
}

// Conn is one open serial connection: the OS handle, its sharing locks
// and the background I/O engine.
type Conn struct {
	device string
	attrs  scan.Attributes
	port   *Port
	locks  *lock.Set
	excl   bool
	chunk  int

	mu       sync.Mutex
	status   connStatus
	err      error
	rbuf     bytes.Buffer
	wbuf     bytes.Buffer
	readers  []*waiter
	drainers []*waiter

	wkick   chan struct{}
	done    chan struct{}
	workers tomb.Tomb

	closeOnce sync.Once
	closeErr  error
}

// Device returns the device node path this connection opened.
func (c *Conn) Device() string {
	return c.device
}

// Attributes returns the enumeration snapshot the port was selected from,
// nil when opened by explicit path.
func (c *Conn) Attributes() scan.Attributes {
	return c.attrs
}

// Port exposes the underlying handle for line control (break, modem
// lines, flush). The engine owns reads and writes; do not bypass it.
func (c *Conn) Port() *Port {
	return c.port
}

// Open opens a device by path. With a positive OpenTimeout, sharing
// conflicts are retried until the deadline.
func Open(device string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	return openRetrying(device, nil, cfg)
}

// openRetrying runs openOnce, retrying sharing conflicts for up to
// OpenTimeout when one is configured.
func openRetrying(device string, attrs scan.Attributes, cfg *Config) (*Conn, error) {
	if cfg.OpenTimeout <= 0 {
		return openOnce(device, attrs, cfg)
	}
	strategy := retry.LimitTime(cfg.OpenTimeout,
		retry.Exponential{Initial: 10 * time.Millisecond, Factor: 1.6, MaxDelay: 250 * time.Millisecond})
	var lastErr error
	for a := retry.Start(strategy, nil); a.Next(); {
		conn, err := openOnce(device, attrs, cfg)
		if err == nil || !errors.Is(err, lock.ErrConflict) {
			return conn, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Find enumerates, applies a match expression and opens the matched port.
// Exactly one port has to match.
func Find(expr string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	m, err := match.Compile(expr)
	if err != nil {
		return nil, err
	}
	provider, err := cfg.provider()
	if err != nil {
		return nil, err
	}
	ports, err := provider.Scan()
	if err != nil {
		return nil, wrapErr("enumerating ports", err)
	}
	var hits []scan.Attributes
	for _, p := range ports {
		if m.Matches(p) {
			hits = append(hits, p)
		}
	}
	switch len(hits) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, expr)
	case 1:
	default:
		devices := make([]string, len(hits))
		for i, h := range hits {
			devices[i] = h.Device()
		}
		return nil, fmt.Errorf("%w: %q matches %v", ErrAmbiguousMatch, expr, devices)
	}
	attrs := hits[0]
	return openRetrying(attrs.Device(), attrs, cfg)
}

// openOnce runs the open sequence — locks, handle, line configuration,
// exclusive-use ioctl, workers — rolling back in reverse on any failure.
func openOnce(device string, attrs scan.Attributes, cfg *Config) (*Conn, error) {
	if !cfg.Sharing.Valid() {
		return nil, fmt.Errorf("%w: sharing mode %d", ErrConfiguration, cfg.Sharing)
	}
	attr2, err := cfg.termios()
	if err != nil {
		return nil, err
	}
	locks, err := lock.Acquire(device, cfg.Sharing, cfg.lockOptions())
	if err != nil {
		return nil, err
	}
	port, err := OpenPort(device)
	if err != nil {
		locks.Release()
		if errors.Is(err, syscall.EBUSY) {
			return nil, fmt.Errorf("%w: %s is held exclusively", lock.ErrConflict, device)
		}
		return nil, err
	}
	fail := func(cause error) (*Conn, error) {
		port.Close()
		locks.Release()
		return nil, cause
	}
	if err := port.SetAttr(TCSANOW, attr2); err != nil {
		return fail(fmt.Errorf("%w: applying line parameters: %v", ErrConfiguration, err))
	}
	excl := false
	switch cfg.Sharing {
	case lock.Exclusive:
		if err := port.SetExclusive(); err != nil {
			return fail(wrapErr("asserting exclusive use", err))
		}
		excl = true
	case lock.Stomp:
		if err := port.SetExclusive(); err != nil {
			logrus.Warnf("open %s: exclusive use: %v", device, err)
		} else {
			excl = true
		}
	}
	if cfg.DTR != nil {
		if err := setLine(port, TIOCM_DTR, *cfg.DTR); err != nil {
			return fail(wrapErr("setting DTR", err))
		}
	}
	if cfg.RTS != nil {
		if err := setLine(port, TIOCM_RTS, *cfg.RTS); err != nil {
			return fail(wrapErr("setting RTS", err))
		}
	}

	chunk := cfg.ReadChunk
	if chunk <= 0 {
		chunk = 1024
	}
	c := &Conn{
		device: device,
		attrs:  attrs,
		port:   port,
		locks:  locks,
		excl:   excl,
		chunk:  chunk,
		wkick:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.workers.Go(c.readLoop)
	c.workers.Go(c.writeLoop)
	// Once both pumps stop for any reason, finish teardown so locks
	// never outlive the connection.
	go func() {
		c.workers.Wait()
		c.Close()
	}()
	logrus.Debugf("opened %s (%s, %d baud)", device, cfg.Sharing, cfg.Baud)
	return c, nil
}

func setLine(port *Port, line ModemLine, on bool) error {
	if on {
		return port.EnableModemLines(line)
	}
	return port.DisableModemLines(line)
}

// Close is idempotent: it records the synthetic terminal error if none is
// set, wakes and joins the workers, then releases every held resource.
// Release failures are collected, never skipped.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		c.closeErr = c.shutdown()
	})
	return c.closeErr
}

// Interrupt terminates the connection like Close but with ErrInterrupted,
// unblocking every pending waiter from outside.
func (c *Conn) Interrupt() error {
	c.fail(ErrInterrupted)
	return c.Close()
}

func (c *Conn) shutdown() error {
	joined := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		logrus.Warnf("close %s: workers still busy, forcing descriptor shut", c.device)
	}

	var errs []error
	if c.excl {
		if err := c.port.ClearExclusive(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, wrapErr("clearing exclusive use", err))
		}
		c.excl = false
	}
	if err := c.locks.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := c.port.Close(); err != nil && !errors.Is(err, ErrClosed) {
		errs = append(errs, err)
	}
	<-joined

	c.mu.Lock()
	c.status = statusClosed
	c.mu.Unlock()
	logrus.Debugf("closed %s", c.device)
	return errors.Join(errs...)
}
