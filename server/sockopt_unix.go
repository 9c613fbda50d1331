//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl returns a ListenConfig control function that sizes the
// socket buffers. A size of zero or less keeps the system default.
func socketControl(size int) func(network, address string, c syscall.RawConn) error {
	if size <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sysErr error
		err := c.Control(func(fd uintptr) {
			// Increase socket buffer sizes
			sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
			if sysErr != nil {
				return
			}
			sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
		})
		if err != nil {
			return err
		}
		return sysErr
	}
}
