package okserial

import (
	"errors"
	"os"
	"syscall"
	"time"

	"gopkg.in/tomb.v2"
)

type connStatus int

const (
	statusRunning connStatus = iota
	statusClosing
	statusClosed
)

// pollTick bounds how long a worker sits in poll(2) before re-checking
// for shutdown.
const pollTick = 100 * time.Millisecond

// Write appends to the outgoing buffer and returns immediately; the
// writer goroutine feeds the device in the background. The full length is
// always accepted while the connection is running.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.status != statusRunning || c.err != nil {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return 0, err
	}
	c.wbuf.Write(p)
	c.mu.Unlock()
	c.kickWriter()
	return len(p), nil
}

// ReadSync blocks until at least one byte is available and returns up to
// max bytes (all buffered bytes when max <= 0). A timeout with nothing
// buffered returns an empty slice and no error; timeout < 0 waits
// indefinitely. Once the connection has terminated and the buffer is
// empty, the terminal error is returned.
func (c *Conn) ReadSync(timeout time.Duration, max int) ([]byte, error) {
	c.mu.Lock()
	if data, err, ok := c.tryReadLocked(max); ok {
		c.mu.Unlock()
		return data, err
	}
	w := newWaiter(max)
	c.readers = append(c.readers, w)
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-w.done:
		return w.data, w.err
	case <-expired:
		c.mu.Lock()
		removed := removeWaiter(&c.readers, w)
		c.mu.Unlock()
		if removed {
			return nil, nil
		}
		// Lost the race: the waiter resolved while the timer fired.
		<-w.done
		return w.data, w.err
	}
}

// ReadAsync returns a future resolving under ReadSync's no-timeout rules.
func (c *Conn) ReadAsync(max int) *ReadFuture {
	w := newWaiter(max)
	f := &ReadFuture{c: c, w: w}
	c.mu.Lock()
	if data, err, ok := c.tryReadLocked(max); ok {
		c.mu.Unlock()
		w.complete(data, err)
		return f
	}
	c.readers = append(c.readers, w)
	c.mu.Unlock()
	return f
}

// ReadNowait returns whatever is buffered without blocking. An empty
// result is not an error unless the connection has terminated with an
// empty buffer.
func (c *Conn) ReadNowait(max int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rbuf.Len() > 0 {
		return c.takeLocked(max), nil
	}
	if c.err != nil {
		return nil, c.err
	}
	return nil, nil
}

// tryReadLocked is the nonblocking half of a read: buffered bytes win,
// then a terminal error; otherwise the caller has to wait. Buffered bytes
// are only taken when no earlier reader is queued, keeping delivery FIFO.
func (c *Conn) tryReadLocked(max int) ([]byte, error, bool) {
	if c.rbuf.Len() > 0 && len(c.readers) == 0 {
		return c.takeLocked(max), nil, true
	}
	if c.err != nil {
		return nil, c.err, true
	}
	return nil, nil, false
}

func (c *Conn) takeLocked(max int) []byte {
	n := c.rbuf.Len()
	if max > 0 && max < n {
		n = max
	}
	out := make([]byte, n)
	c.rbuf.Read(out)
	return out
}

// DrainSync blocks until the write buffer is empty and the driver reports
// no pending output, the timeout elapses (ErrTimeout), or the connection
// terminates (its terminal error). timeout < 0 waits indefinitely.
func (c *Conn) DrainSync(timeout time.Duration) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	w := newWaiter(0)
	queued := c.wbuf.Len() > 0
	if queued {
		c.drainers = append(c.drainers, w)
	} else {
		// Only the driver's queue is left; wait on it off the monitor.
		go func() { w.complete(nil, c.drainOS()) }()
	}
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-w.done:
		return w.err
	case <-expired:
		c.mu.Lock()
		removed := removeWaiter(&c.drainers, w)
		c.mu.Unlock()
		if removed || !queued {
			return ErrTimeout
		}
		<-w.done
		return w.err
	}
}

// DrainAsync returns a future resolving under DrainSync's rules.
func (c *Conn) DrainAsync() *DrainFuture {
	w := newWaiter(0)
	f := &DrainFuture{c: c, w: w}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		w.complete(nil, err)
		return f
	}
	if c.wbuf.Len() == 0 {
		c.mu.Unlock()
		go func() {
			w.complete(nil, c.drainOS())
		}()
		return f
	}
	c.drainers = append(c.drainers, w)
	c.mu.Unlock()
	return f
}

// drainOS waits for the driver's own output queue, off the monitor.
func (c *Conn) drainOS() error {
	err := c.port.Drain()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if err != nil {
		return wrapErr("drain failed", err)
	}
	return nil
}

// Err returns the terminal error, nil while the connection is healthy.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection records its terminal error.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) kickWriter() {
	select {
	case c.wkick <- struct{}{}:
	default:
	}
}

// fail records the terminal error (first one wins), wakes every waiter
// and stops the workers. Later resource teardown happens in Close.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
		close(c.done)
	}
	if c.status == statusRunning {
		c.status = statusClosing
	}
	c.wakeLocked()
	c.mu.Unlock()
	c.workers.Kill(nil)
	c.kickWriter()
}

// wakeLocked hands buffered bytes to queued readers in order, then — once
// the terminal error is set — resolves every remaining waiter with it.
func (c *Conn) wakeLocked() {
	for len(c.readers) > 0 && c.rbuf.Len() > 0 {
		w := c.readers[0]
		c.readers = c.readers[1:]
		w.complete(c.takeLocked(w.max), nil)
	}
	if c.err == nil {
		return
	}
	for _, w := range c.readers {
		w.complete(nil, c.err)
	}
	c.readers = nil
	for _, w := range c.drainers {
		w.complete(nil, c.err)
	}
	c.drainers = nil
}

func (c *Conn) completeDrainersLocked() {
	for _, w := range c.drainers {
		w.complete(nil, nil)
	}
	c.drainers = nil
}

// readLoop pumps the device into the read buffer until shutdown or a
// device error.
func (c *Conn) readLoop() error {
	buf := make([]byte, c.chunk)
	for {
		select {
		case <-c.workers.Dying():
			return tomb.ErrDying
		default:
		}
		// The poll only paces the loop; the nonblocking read below is
		// what decides between data, not-ready and a dead device.
		if err := c.port.WaitInput(pollTick); errors.Is(err, ErrClosed) {
			return nil
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if c.err == nil {
				c.rbuf.Write(buf[:n])
				c.wakeLocked()
			}
			c.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if transientIOErr(err) {
				continue
			}
			c.fail(mapIOErr(err))
			return nil
		}
		if n == 0 {
			// poll said readable, read said nothing: EOF.
			c.fail(ErrDisconnected)
			return nil
		}
	}
}

// writeLoop feeds buffered output to the device in bounded chunks,
// keeping any unwritten tail at the head of the buffer, and resolves
// drain waiters whenever buffer and driver queue are both empty.
func (c *Conn) writeLoop() error {
	for {
		c.mu.Lock()
		for c.wbuf.Len() == 0 && c.err == nil {
			c.mu.Unlock()
			select {
			case <-c.wkick:
			case <-c.workers.Dying():
				return tomb.ErrDying
			}
			c.mu.Lock()
		}
		if c.err != nil {
			c.mu.Unlock()
			return nil
		}
		b := c.wbuf.Bytes()
		n := len(b)
		if n > c.chunk {
			n = c.chunk
		}
		chunk := make([]byte, n)
		copy(chunk, b)
		c.mu.Unlock()

		written, err := c.port.Write(chunk)
		var empty bool
		if written > 0 {
			c.mu.Lock()
			c.wbuf.Next(written)
			empty = c.wbuf.Len() == 0
			c.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if transientIOErr(err) {
				c.port.WaitOutput(pollTick)
				continue
			}
			c.fail(mapIOErr(err))
			return nil
		}
		if empty && c.port.Drain() == nil {
			c.mu.Lock()
			if c.wbuf.Len() == 0 && c.err == nil {
				c.completeDrainersLocked()
			}
			c.mu.Unlock()
		}
	}
}

// transientIOErr covers conditions the pump loops simply retry: empty
// poll ticks, interrupted syscalls, not-ready descriptors.
func transientIOErr(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// mapIOErr classifies a failed device syscall: gone-device errnos become
// ErrDisconnected, the rest ErrIO.
func mapIOErr(err error) error {
	switch {
	case errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.EPIPE):
		return ErrDisconnected
	}
	return wrapErr(ErrIO.msg, err)
}
