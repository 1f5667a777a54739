package okserial

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/egnor/okserial/match"
	"github.com/egnor/okserial/scan"
)

// Tracker keeps a logical connection to whichever present port matches an
// expression, reopening it across unplug/replug. Each successful open
// bumps a generation counter so clients can tell reconnects apart.
type Tracker struct {
	matcher  *match.Matcher
	cfg      *Config
	provider scan.Provider

	mu      sync.Mutex
	current *Conn
	gen     uint64
	fatal   error
	waiters []*connWaiter

	loop tomb.Tomb
}

type connWaiter struct {
	minGen uint64
	conn   *Conn
	gen    uint64
	err    error
	done   chan struct{}
}

// ConnFuture resolves once the tracker holds a connection of a high
// enough generation, or fails fatally.
type ConnFuture struct {
	t *Tracker
	w *connWaiter
}

func (f *ConnFuture) Done() <-chan struct{} {
	return f.w.done
}

// Result blocks until resolution and returns the connection with its
// generation.
func (f *ConnFuture) Result() (*Conn, uint64, error) {
	<-f.w.done
	return f.w.conn, f.w.gen, f.w.err
}

// Cancel detaches the waiter; the tracker keeps running.
func (f *ConnFuture) Cancel() {
	f.t.mu.Lock()
	removed := false
	for i, w := range f.t.waiters {
		if w == f.w {
			f.t.waiters = append(f.t.waiters[:i], f.t.waiters[i+1:]...)
			removed = true
			break
		}
	}
	f.t.mu.Unlock()
	if removed {
		f.w.err = errors.New("wait canceled")
		close(f.w.done)
	}
}

// NewTracker compiles the expression and starts the control loop. A bad
// expression fails here, not later.
func NewTracker(expr string, cfg *Config) (*Tracker, error) {
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
	t := &Tracker{
		matcher:  m,
		cfg:      cfg,
		provider: provider,
	}
	t.loop.Go(t.run)
	return t, nil
}

// Current returns the live connection, if any, and the generation of the
// last successful open.
func (t *Tracker) Current() (*Conn, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.Err() == nil {
		return t.current, t.gen
	}
	return nil, t.gen
}

// Wait returns a future that resolves once a live connection with
// generation >= minGen exists. Wait(0) means "any live connection";
// passing the generation seen before a disconnect waits for the
// reconnect.
func (t *Tracker) Wait(minGen uint64) *ConnFuture {
	w := &connWaiter{minGen: minGen, done: make(chan struct{})}
	t.mu.Lock()
	switch {
	case t.fatal != nil:
		w.err = t.fatal
		close(w.done)
	case t.current != nil && t.current.Err() == nil && t.gen >= minGen:
		w.conn = t.current
		w.gen = t.gen
		close(w.done)
	default:
		t.waiters = append(t.waiters, w)
	}
	t.mu.Unlock()
	return &ConnFuture{t: t, w: w}
}

// Close stops the control loop, closes any current connection and fails
// pending waiters with ErrClosed.
func (t *Tracker) Close() error {
	t.loop.Kill(nil)
	t.loop.Wait()
	t.mu.Lock()
	cur := t.current
	t.current = nil
	pending := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, w := range pending {
		w.err = ErrClosed
		close(w.done)
	}
	if cur != nil {
		return cur.Close()
	}
	return nil
}

// run paces cycles with the backoff strategy: PollInterval while healthy,
// doubling toward PollMax across consecutive failures, reset by any
// success.
func (t *Tracker) run() error {
	strategy := retry.Exponential{
		Initial:  t.cfg.PollInterval,
		Factor:   2,
		MaxDelay: t.cfg.PollMax,
	}
	attempt := retry.Start(strategy, nil)
	attempt.Next()
	for {
		select {
		case <-t.loop.Dying():
			return tomb.ErrDying
		default:
		}
		ok, fatal := t.cycle()
		if fatal != nil {
			t.setFatal(fatal)
			return nil
		}
		if ok {
			attempt = retry.Start(strategy, nil)
			attempt.Next()
		}
		if !attempt.Next() {
			attempt = retry.Start(strategy, nil)
			attempt.Next()
		}
	}
}

// cycle performs one control-loop pass. It reports success (resets the
// backoff) and, separately, a fatal error that should stop the tracker.
func (t *Tracker) cycle() (bool, error) {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur != nil {
		if cur.Err() == nil {
			return true, nil
		}
		logrus.Infof("tracker: lost %s: %v", cur.Device(), cur.Err())
		cur.Close()
		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()
	}

	ports, err := t.provider.Scan()
	if err != nil {
		logrus.Warnf("tracker: enumeration failed: %v", err)
		return false, nil
	}
	var hits []scan.Attributes
	for _, p := range ports {
		if t.matcher.Matches(p) {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return false, nil
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Device() < hits[j].Device()
	})
	attrs := hits[0]

	conn, err := openOnce(attrs.Device(), attrs, t.cfg)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return false, err
		}
		logrus.Debugf("tracker: open %s: %v", attrs.Device(), err)
		return false, nil
	}

	t.mu.Lock()
	t.current = conn
	t.gen++
	gen := t.gen
	var still []*connWaiter
	for _, w := range t.waiters {
		if gen >= w.minGen {
			w.conn = conn
			w.gen = gen
			close(w.done)
		} else {
			still = append(still, w)
		}
	}
	t.waiters = still
	t.mu.Unlock()
	logrus.Infof("tracker: connected %s (generation %d)", conn.Device(), gen)
	return true, nil
}

func (t *Tracker) setFatal(err error) {
	t.mu.Lock()
	t.fatal = err
	pending := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	logrus.Errorf("tracker: giving up: %v", err)
	for _, w := range pending {
		w.err = err
		close(w.done)
	}
}
