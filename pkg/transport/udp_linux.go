//go:build linux
// +build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// This file sets the Linux-specific SO_REUSEPORT socket option so that
// several development instances of the server may bind the same CoAP
// port concurrently, load-balanced by the kernel. Grounded on the
// teacher's mtcp dial-time keepalive tuning, adapted from a TCP
// dialer's Control callback to a UDP listener's.

// controlSocket is the net.ListenConfig's Control function.
func controlSocket(_, _ string, rawConn syscall.RawConn) (err error) {
	ctrlErr := rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return err
}
