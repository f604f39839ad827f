package proxyserver

import (
	"net"

	"golang.org/x/sys/unix"
)

func init() {
	connTuners = append(connTuners, func(conn *net.TCPConn) error {
		raw, err := conn.SyscallConn()
		if err != nil {
			return err
		}

		// Raise the accepted socket's receive buffer blindly, trying
		// smaller and smaller powers of 2 starting from 4MiB, the same
		// opportunistic backoff the teacher uses for pipe sizing: system
		// tuning may cap this lower, and that is fine.
		var setErr error
		for bufSize := 4 << 20; bufSize > 64<<10; bufSize /= 2 {
			walkErr := raw.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize)
			})
			if walkErr != nil {
				return walkErr
			}
			if setErr == nil {
				return nil
			}
		}
		return setErr
	})
}
