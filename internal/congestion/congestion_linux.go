package congestion

import (
	"os"

	"golang.org/x/sys/unix"
)

// The socket is accessed through SyscallConn rather than Fd(), since Fd()
// would switch the shared file description to blocking mode.

func set(fp *os.File, cc string) error {
	rc, err := fp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, cc)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func get(fp *os.File) (string, error) {
	rc, err := fp.SyscallConn()
	if err != nil {
		return "", err
	}
	var cc string
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		cc, sockErr = unix.GetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION)
	})
	if err != nil {
		return "", err
	}
	return cc, sockErr
}
