package netx

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/casterlabs/speedtest/internal/congestion"
	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"
)

// Conn is an extended net.Conn that stores its accept time, a copy of the
// underlying socket's file descriptor, and counters for read/written bytes.
type Conn struct {
	net.Conn

	fp           *os.File
	acceptTime   time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn wraps an existing *net.TCPConn, e.g. one returned by a dialer.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn, time.Now())
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicate file descriptor.
func (c *Conn) Close() error {
	return c.close()
}

// SetCC sets the congestion control algorithm on the underlying file
// descriptor.
func (c *Conn) SetCC(cc string) error {
	return congestion.Set(c.fp, cc)
}

// CC gets the current congestion control algorithm from the underlying
// file descriptor.
func (c *Conn) CC() (string, error) {
	return congestion.Get(c.fp)
}

// Info returns the TCP_INFO struct associated with the underlying socket.
// If TCP_INFO isn't available on this platform, it returns an error wrapping
// tcpinfox.ErrNoSupport.
func (c *Conn) Info() (tcp.LinuxTCPInfo, error) {
	if c.fp == nil {
		return tcp.LinuxTCPInfo{}, tcpinfox.ErrNoSupport
	}
	tcpInfo, err := tcpinfox.GetTCPInfo(c.fp)
	if tcpInfo == nil {
		if err == nil {
			err = errors.New("no TCP_INFO returned")
		}
		return tcp.LinuxTCPInfo{}, err
	}
	return *tcpInfo, err
}

// AcceptTime returns this connection's accept time.
func (c *Conn) AcceptTime() time.Time {
	return c.acceptTime
}

// UUID returns an M-Lab UUID. On platforms not supporting SO_COOKIE, it
// returns a google/uuid as a fallback. If the fallback fails, it panics.
func (c *Conn) UUID() (string, error) {
	var id string
	var err error
	if c.fp != nil {
		id, err = uuid.FromFile(c.fp)
	}
	if c.fp == nil || err != nil {
		// fallback: use google/uuid if the platform does not support SO_COOKIE.
		gid, err := guuid.NewUUID()
		// NOTE: this could only fail when guuid.GetTime() fails.
		rtx.Must(err, "unable to fallback to uuid")
		id = gid.String()
	}
	return id, nil
}
