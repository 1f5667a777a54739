package lock

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	mobysignal "github.com/moby/sys/signal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// DefaultDir is where cooperating serial programs keep UUCP lockfiles.
const DefaultDir = "/var/lock"

// Options tunes lock acquisition. The zero value is not useful; start
// from NewOptions.
type Options struct {
	// Dir is the lockfile directory.
	Dir string

	// Fs carries lockfile reads and writes.
	Fs afero.Fs

	// StompSignal is the signal name Stomp delivers to a live holder.
	StompSignal string

	// KillWait bounds how long Stomp waits for the holder to die.
	KillWait time.Duration
}

func NewOptions() *Options {
	return &Options{
		Dir:         DefaultDir,
		Fs:          afero.NewOsFs(),
		StompSignal: "TERM",
		KillWait:    300 * time.Millisecond,
	}
}

// Set is the collection of sharing resources held for one open port.
// Every element is released exactly once by Release.
type Set struct {
	device   string
	mode     Mode
	fs       afero.Fs
	pid      int
	lockPath string   // "" when no lockfile was written
	flock    *os.File // nil when no advisory lock is held
}

// Path returns the lockfile location for a device under dir.
func Path(dir, device string) string {
	return path.Join(dir, "LCK.."+path.Base(device))
}

// Acquire runs the open-time protocol for the given mode. On error,
// everything acquired so far has been released.
func Acquire(device string, mode Mode, opts *Options) (*Set, error) {
	if opts == nil {
		opts = NewOptions()
	}
	s := &Set{
		device: device,
		mode:   mode,
		fs:     opts.Fs,
		pid:    os.Getpid(),
	}
	if mode == Oblivious {
		return s, nil
	}
	lockPath := Path(opts.Dir, device)
	if err := clearLockfile(opts, lockPath, mode); err != nil {
		return nil, err
	}
	if err := s.acquireFlock(); err != nil {
		return nil, err
	}
	if err := s.writeLockfile(lockPath); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// clearLockfile applies the lockfile half of the protocol: reap a stale
// file, refuse (or stomp) a live one.
func clearLockfile(opts *Options, lockPath string, mode Mode) error {
	data, err := afero.ReadFile(opts.Fs, lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrLocking, lockPath, err)
	}
	pid, ok := parseLockfile(data)
	if ok && pidAlive(pid) {
		if mode != Stomp {
			return fmt.Errorf("%w: %s names live pid %d", ErrConflict, lockPath, pid)
		}
		stompHolder(opts, pid)
	} else {
		logrus.Debugf("lock: removing stale lockfile %s", lockPath)
	}
	if err := opts.Fs.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", ErrLocking, lockPath, err)
	}
	return nil
}

// parseLockfile extracts the holder PID. Leading whitespace and a trailing
// newline are tolerated; anything else marks the file stale.
func parseLockfile(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes the holder with a null signal. EPERM means the process
// exists under another uid, which still counts as alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// stompHolder sends the configured signal and waits briefly; the open
// proceeds whether or not the holder actually died.
func stompHolder(opts *Options, pid int) {
	sig, err := mobysignal.ParseSignal(opts.StompSignal)
	if err != nil {
		logrus.Warnf("lock: bad stomp signal %q: %v", opts.StompSignal, err)
		sig = unix.SIGTERM
	}
	logrus.Infof("lock: stomping pid %d with %s", pid, unix.SignalName(sig))
	if err := unix.Kill(pid, sig); err != nil {
		logrus.Warnf("lock: kill %d: %v", pid, err)
		return
	}
	deadline := time.Now().Add(opts.KillWait)
	for pidAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// acquireFlock takes the advisory lock on the device node through a
// dedicated descriptor. Closing that descriptor is what releases it.
func (s *Set) acquireFlock() error {
	how := unix.LOCK_EX
	if s.mode == Polite {
		how = unix.LOCK_SH
	}
	f, err := os.OpenFile(s.device, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		if s.mode == Stomp {
			logrus.Warnf("lock: cannot open %s for flock: %v", s.device, err)
			return nil
		}
		return fmt.Errorf("%w: opening %s: %v", ErrLocking, s.device, err)
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if s.mode == Stomp {
			logrus.Warnf("lock: flock %s: %v", s.device, err)
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s is flocked elsewhere", ErrConflict, s.device)
		}
		return fmt.Errorf("%w: flock %s: %v", ErrLocking, s.device, err)
	}
	s.flock = f
	return nil
}

// writeLockfile publishes our PID in the UUCP format: the decimal PID
// right-justified in ten columns plus a newline.
func (s *Set) writeLockfile(lockPath string) error {
	content := fmt.Sprintf("%10d\n", s.pid)
	err := afero.WriteFile(s.fs, lockPath, []byte(content), 0o644)
	if err == nil {
		s.lockPath = lockPath
		return nil
	}
	if s.mode == Polite || s.mode == Stomp {
		logrus.Warnf("lock: cannot write %s: %v", lockPath, err)
		return nil
	}
	return fmt.Errorf("%w: writing %s: %v", ErrLocking, lockPath, err)
}

// Release undoes acquisition in reverse order. Individual failures are
// collected, not fatal, so later resources still get released. Safe to
// call more than once.
func (s *Set) Release() error {
	var errs []error
	if s.lockPath != "" {
		if err := s.removeLockfile(); err != nil {
			errs = append(errs, err)
		}
		s.lockPath = ""
	}
	if s.flock != nil {
		if err := s.flock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("releasing flock on %s: %w", s.device, err))
		}
		s.flock = nil
	}
	return errors.Join(errs...)
}

// removeLockfile deletes the lockfile only while it still names our PID,
// so a successor who already overwrote it keeps its lock.
func (s *Set) removeLockfile() error {
	data, err := afero.ReadFile(s.fs, s.lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s back: %w", s.lockPath, err)
	}
	if pid, ok := parseLockfile(data); !ok || pid != s.pid {
		return nil
	}
	if err := s.fs.Remove(s.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", s.lockPath, err)
	}
	return nil
}
