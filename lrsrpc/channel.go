package lrsrpc

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Channel is the bidirectional byte channel an exchange session runs over.
// It is exclusively owned by one session for the session's lifetime. Close
// tears down both directions and is safe to call more than once, from any
// goroutine; closing unblocks reads and writes in flight.
type Channel struct {
	rwc       io.ReadWriteCloser
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to an exchange service over TCP.
func Dial(addr string, timeout time.Duration) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewChannel(conn), nil
}

// NewChannel wraps an existing byte stream (a net.Conn, a net.Pipe end, a
// subprocess stdio pair) as a session channel.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return &Channel{rwc: rwc}
}

func (c *Channel) Read(p []byte) (int, error) {
	return c.rwc.Read(p)
}

func (c *Channel) Write(p []byte) (int, error) {
	return c.rwc.Write(p)
}

// Close tears the channel down exactly once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
