package okserial

import "context"

// waiter is one pending blocked operation. Completion writes the result
// fields and closes done; after that the waiter is no longer in any list
// and its fields are read-only.
type waiter struct {
	max  int
	data []byte
	err  error
	done chan struct{}
}

func newWaiter(max int) *waiter {
	return &waiter{max: max, done: make(chan struct{})}
}

func (w *waiter) complete(data []byte, err error) {
	w.data = data
	w.err = err
	close(w.done)
}

// ReadFuture is an in-flight ReadAsync. It holds only the connection
// monitor and its waiter identity, never the engine's resources.
type ReadFuture struct {
	c *Conn
	w *waiter
}

// Done is closed when the read has a result.
func (f *ReadFuture) Done() <-chan struct{} {
	return f.w.done
}

// Result blocks until the read resolves. Semantics match ReadSync without
// a timeout.
func (f *ReadFuture) Result() ([]byte, error) {
	<-f.w.done
	return f.w.data, f.w.err
}

// Cancel withdraws the waiter. Buffered bytes and engine state are
// untouched; a future canceled before resolving reports context.Canceled.
func (f *ReadFuture) Cancel() {
	f.c.mu.Lock()
	removed := removeWaiter(&f.c.readers, f.w)
	f.c.mu.Unlock()
	if removed {
		f.w.complete(nil, context.Canceled)
	}
}

// DrainFuture is an in-flight DrainAsync.
type DrainFuture struct {
	c *Conn
	w *waiter
}

func (f *DrainFuture) Done() <-chan struct{} {
	return f.w.done
}

// Err blocks until the drain resolves; nil means every byte accepted
// before the drain was issued has left the OS handle.
func (f *DrainFuture) Err() error {
	<-f.w.done
	return f.w.err
}

func (f *DrainFuture) Cancel() {
	f.c.mu.Lock()
	removed := removeWaiter(&f.c.drainers, f.w)
	f.c.mu.Unlock()
	if removed {
		f.w.complete(nil, context.Canceled)
	}
}

func removeWaiter(list *[]*waiter, w *waiter) bool {
	for i, x := range *list {
		if x == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
