package netx_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/casterlabs/speedtest/internal/netx"
	"github.com/m-lab/go/rtx"
)

func dialAsync(t *testing.T, addr string) {
	go func() {
		// Because the socket already exists, Dial will block until Accept is
		// called below.
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Errorf("unexpected failure to dial local conn: %v", err)
			return
		}
		// Wait until primary test routine closes conn and returns.
		buf := make([]byte, 1)
		c.Read(buf)
		c.Close()
	}()
}

func acceptOne(t *testing.T) (net.Conn, netx.ConnInfo) {
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl)
	t.Cleanup(func() { l.Close() })
	dialAsync(t, tcpl.Addr().String())

	got, err := l.Accept()
	if err != nil {
		t.Fatalf("Listener.Accept() unexpected error = %v", err)
	}
	t.Cleanup(func() { got.Close() })
	ci, ok := netx.AsConnInfo(got)
	if !ok {
		t.Fatalf("Listener.Accept() wrong Conn type = %T, want *netx.Conn", got)
	}
	return got, ci
}

func TestListener_Accept(t *testing.T) {
	_, c := acceptOne(t)
	// The accept time must have been initialized.
	if time.Since(c.AcceptTime()) > time.Minute {
		t.Fatalf("invalid accept time")
	}

	// Accept error due to closed listener.
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{})
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl)
	tcpl.Close()
	if _, err = l.Accept(); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestConn_ByteCounters(t *testing.T) {
	got, c := acceptOne(t)
	n, err := got.Write([]byte("hello"))
	rtx.Must(err, "failed to write")
	read, written := c.ByteCounters()
	if read != 0 || written != uint64(n) {
		t.Errorf("ByteCounters() = %d, %d; want 0, %d", read, written, n)
	}
}

func TestConn_Congestion(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("TCP_CONGESTION is only supported on linux")
	}
	_, c := acceptOne(t)
	if err := c.SetCC("cubic"); err != nil {
		t.Skipf("cubic is not available: %v", err)
	}
	if cc, err := c.CC(); err != nil || cc != "cubic" {
		t.Errorf("CC() = %q, %v; want cubic", cc, err)
	}
}

func TestConn_InfoAndUUID(t *testing.T) {
	_, c := acceptOne(t)
	id, err := c.UUID()
	if err != nil || id == "" {
		t.Errorf("UUID() = %q, %v", id, err)
	}
	if runtime.GOOS != "linux" {
		return
	}
	if _, err := c.Info(); err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
}

func TestToConnInfo(t *testing.T) {
	// NOTE: because we cannot synthetically create a tls.Conn that wraps a
	// netx.Conn, we setup an httptest server with TLS enabled. The same
	// server also validates ConnContext propagation.
	tests := []struct {
		name    string
		withTLS bool
	}{
		{
			name: "success-Conn",
		},
		{
			name:    "success-tls.Conn",
			withTLS: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := make(chan bool, 1)
			s := httptest.NewUnstartedServer(http.HandlerFunc(
				func(rw http.ResponseWriter, req *http.Request) {
					_, ok := netx.LoadConnInfo(req.Context())
					found <- ok
					rw.Write([]byte("test"))
				}))
			tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
			rtx.Must(err, "failed to listen during unit test")
			s.Listener = netx.NewListener(tcpl)
			s.Config.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
				// ToConnInfo must not panic for either connection type.
				netx.ToConnInfo(c)
				return netx.SaveConnInfo(ctx, c)
			}
			if tt.withTLS {
				s.StartTLS()
			} else {
				s.Start()
			}
			defer s.Close()

			resp, err := s.Client().Get(s.URL)
			rtx.Must(err, "failed to GET %s", s.URL)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			rtx.Must(err, "failed to read reply from %s", s.URL)
			if string(b) != "test" {
				t.Errorf("failed to receive reply from server")
			}
			if !<-found {
				t.Errorf("LoadConnInfo() did not find the saved ConnInfo")
			}
		})
	}
}

func TestToConnInfoPanic(t *testing.T) {
	// Verify that unsupported net.Conn types cause a panic.
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("ToConnInfo did not panic on an unsupported type.")
		}
	}()

	netx.ToConnInfo(&net.UDPConn{})
}

func TestSaveConnInfo_Unsupported(t *testing.T) {
	ctx := netx.SaveConnInfo(context.Background(), &net.UDPConn{})
	if _, ok := netx.LoadConnInfo(ctx); ok {
		t.Errorf("LoadConnInfo() found a ConnInfo for an unsupported conn")
	}
}
