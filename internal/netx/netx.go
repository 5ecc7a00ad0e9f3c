package netx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/m-lab/tcp-info/tcp"
)

// ConnInfo provides operations on a net.Conn's underlying file descriptor.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	Info() (tcp.LinuxTCPInfo, error)
	AcceptTime() time.Time
	UUID() (string, error)
	CC() (string, error)
	SetCC(string) error
}

// AsConnInfo returns the ConnInfo wrapped by netConn, if any. It unwraps
// *tls.Conn.
func AsConnInfo(netConn net.Conn) (ConnInfo, bool) {
	switch t := netConn.(type) {
	case *Conn:
		return t, true
	case *tls.Conn:
		c, ok := t.NetConn().(*Conn)
		return c, ok
	default:
		return nil, false
	}
}

// ToConnInfo is a helper function to convert a net.Conn into a netx.ConnInfo.
// It panics if netConn does not contain a type supporting ConnInfo.
func ToConnInfo(netConn net.Conn) ConnInfo {
	ci, ok := AsConnInfo(netConn)
	if !ok {
		panic(fmt.Sprintf("unsupported connection type: %T", netConn))
	}
	return ci
}

type connInfoKey struct{}

// SaveConnInfo returns a context carrying the ConnInfo of netConn. It is
// meant to be used as an http.Server's ConnContext. Connections that are not
// accepted by a netx.Listener leave the context unchanged.
func SaveConnInfo(ctx context.Context, netConn net.Conn) context.Context {
	ci, ok := AsConnInfo(netConn)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, connInfoKey{}, ci)
}

// LoadConnInfo returns the ConnInfo saved by SaveConnInfo, if any.
func LoadConnInfo(ctx context.Context) (ConnInfo, bool) {
	ci, ok := ctx.Value(connInfoKey{}).(ConnInfo)
	return ci, ok
}
