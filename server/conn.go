package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// trackedConn is one accepted TCP connection with its activity clock for the
// idle watchdog.
type trackedConn struct {
	raw net.Conn

	// lastActivityMs is the unix ms of the last inbound read.
	lastActivityMs atomic.Int64
	// idleLogged suppresses repeated idle log lines until activity resumes.
	idleLogged atomic.Bool
}

func newTrackedConn(raw net.Conn) *trackedConn {
	tc := &trackedConn{raw: raw}
	tc.touch()
	return tc
}

func (c *trackedConn) touch() {
	c.lastActivityMs.Store(time.Now().UnixMilli())
	c.idleLogged.Store(false)
}

func (c *trackedConn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(c.lastActivityMs.Load()))
}

// bufferedConn replays bytes already peeked by the sniffer before reading
// from the wire. Writes pass through to the raw connection, so an unwrapped
// gzip stream answers in plain bytes.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader

	closeOnce sync.Once
	closed    chan struct{}
}

func newBufferedConn(raw net.Conn, r *bufio.Reader) *bufferedConn {
	return &bufferedConn{Conn: raw, r: r, closed: make(chan struct{})}
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}

// oneShotListener yields exactly one connection to http.Server.Serve, then
// fails further accepts. Serving an already-sniffed connection through the
// shared HTTP server keeps one router for both direct and multiplexed
// traffic.
type oneShotListener struct {
	conn *bufferedConn
	once sync.Once
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c != nil {
		return c, nil
	}
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error   { return nil }
func (l *oneShotListener) Addr() net.Addr { return l.conn.LocalAddr() }
