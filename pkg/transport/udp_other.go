//go:build !linux
// +build !linux

package transport

import "syscall"

// controlSocket is a no-op on non-Linux platforms: SO_REUSEPORT isn't
// portably available, and a single development instance doesn't need it.
func controlSocket(_, _ string, _ syscall.RawConn) error {
	return nil
}
