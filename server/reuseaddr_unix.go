//go:build unix

package server

import "golang.org/x/sys/unix"

// setReuseAddr enables SO_REUSEADDR on Unix sockets.
func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
