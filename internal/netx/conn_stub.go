//go:build !linux
// +build !linux

package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	// On non-Linux systems, TCPInfo and the socket cookie aren't supported,
	// the file pointer is not needed.
	return &Conn{
		Conn:       tcpConn,
		acceptTime: acceptTime,
	}, nil
}

func (c *Conn) close() error {
	return c.Conn.Close()
}
