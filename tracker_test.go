package okserial_test

import (
	"errors"
	"sync"
	"time"

	. "gopkg.in/check.v1"

	"github.com/egnor/okserial"
	"github.com/egnor/okserial/lock"
	"github.com/egnor/okserial/scan"
)

var _ = Suite(&trackerSuite{})

type trackerSuite struct{}

// togglingProvider exposes or hides a fixed port on demand.
type togglingProvider struct {
	mu      sync.Mutex
	present bool
	port    scan.Attributes
}

func (p *togglingProvider) Scan() ([]scan.Attributes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present {
		return nil, nil
	}
	return []scan.Attributes{p.port}, nil
}

func (p *togglingProvider) set(present bool) {
	p.mu.Lock()
	p.present = present
	p.mu.Unlock()
}

func (s *trackerSuite) config(c *C, provider scan.Provider) *okserial.Config {
	cfg := okserial.NewConfig()
	cfg.Sharing = lock.Oblivious
	cfg.LockDir = c.MkDir()
	cfg.Provider = provider
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollMax = 50 * time.Millisecond
	return cfg
}

func waitConn(c *C, f *okserial.ConnFuture) (*okserial.Conn, uint64) {
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("tracker future never resolved")
	}
	conn, gen, err := f.Result()
	c.Assert(err, IsNil)
	c.Assert(conn, NotNil)
	return conn, gen
}

func (s *trackerSuite) TestConnectsWhenPortAppears(c *C) {
	master, slave, name, err := okserial.OpenPTY()
	c.Assert(err, IsNil)
	defer master.Close()
	defer slave.Close()

	provider := &togglingProvider{port: scan.Attributes{"device": name}}
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)
	defer tr.Close()

	cur, gen := tr.Current()
	c.Check(cur, IsNil)
	c.Check(gen, Equals, uint64(0))

	f := tr.Wait(1)
	time.Sleep(100 * time.Millisecond)
	provider.set(true)

	conn, gen := waitConn(c, f)
	c.Check(gen, Equals, uint64(1))
	c.Check(conn.Device(), Equals, name)

	cur, _ = tr.Current()
	c.Check(cur, Equals, conn)
}

func (s *trackerSuite) TestReconnectBumpsGeneration(c *C) {
	master, slave, name, err := okserial.OpenPTY()
	c.Assert(err, IsNil)
	defer master.Close()
	defer slave.Close()

	provider := &togglingProvider{present: true, port: scan.Attributes{"device": name}}
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)
	defer tr.Close()

	conn1, gen1 := waitConn(c, tr.Wait(1))
	c.Assert(gen1, Equals, uint64(1))

	// Simulate the device failing under the connection.
	conn1.Interrupt()

	conn2, gen2 := waitConn(c, tr.Wait(gen1+1))
	c.Check(gen2, Equals, uint64(2))
	c.Check(conn2 == conn1, Equals, false)
	c.Check(conn2.Err(), IsNil)
}

func (s *trackerSuite) TestWaitResolvedImmediatelyWhenLive(c *C) {
	master, slave, name, err := okserial.OpenPTY()
	c.Assert(err, IsNil)
	defer master.Close()
	defer slave.Close()

	provider := &togglingProvider{present: true, port: scan.Attributes{"device": name}}
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)
	defer tr.Close()

	first, gen := waitConn(c, tr.Wait(1))
	again, gen2 := waitConn(c, tr.Wait(gen))
	c.Check(again, Equals, first)
	c.Check(gen2, Equals, gen)
}

func (s *trackerSuite) TestWaitCancelDetaches(c *C) {
	provider := &togglingProvider{}
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)
	defer tr.Close()

	f := tr.Wait(1)
	f.Cancel()
	_, _, err = f.Result()
	c.Check(err, ErrorMatches, "wait canceled")
}

func (s *trackerSuite) TestFatalConfigurationSurfaces(c *C) {
	provider := &togglingProvider{present: true, port: scan.Attributes{"device": "/dev/null"}}
	cfg := s.config(c, provider)
	cfg.Baud = -1

	tr, err := okserial.NewTracker("*", cfg)
	c.Assert(err, IsNil)
	defer tr.Close()

	f := tr.Wait(1)
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("fatal error never surfaced")
	}
	_, _, err = f.Result()
	c.Check(errors.Is(err, okserial.ErrConfiguration), Equals, true, Commentf("got %v", err))
}

func (s *trackerSuite) TestBadExpressionFailsConstruction(c *C) {
	_, err := okserial.NewTracker(`~/broken`, okserial.NewConfig())
	c.Check(err, ErrorMatches, "bad match expression.*")
}

func (s *trackerSuite) TestCloseFailsPendingWaiters(c *C) {
	provider := &togglingProvider{}
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)

	f := tr.Wait(1)
	c.Assert(tr.Close(), IsNil)
	_, _, err = f.Result()
	c.Check(errors.Is(err, okserial.ErrClosed), Equals, true)
}

func (s *trackerSuite) TestPicksLexicographicallyLowestDevice(c *C) {
	masterA, slaveA, nameA, err := okserial.OpenPTY()
	c.Assert(err, IsNil)
	defer masterA.Close()
	defer slaveA.Close()
	masterB, slaveB, nameB, err := okserial.OpenPTY()
	c.Assert(err, IsNil)
	defer masterB.Close()
	defer slaveB.Close()

	lowest := nameA
	if nameB < nameA {
		lowest = nameB
	}
	provider := scan.Static(
		scan.Attributes{"device": nameA},
		scan.Attributes{"device": nameB},
	)
	tr, err := okserial.NewTracker("*", s.config(c, provider))
	c.Assert(err, IsNil)
	defer tr.Close()

	conn, _ := waitConn(c, tr.Wait(1))
	c.Check(conn.Device(), Equals, lowest)
}
