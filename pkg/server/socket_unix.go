//go:build unix

// ABOUTME: SO_REUSEADDR on the chat listener for Unix systems
// ABOUTME: Lets a restarted server bind while old connections sit in TIME_WAIT

package server

import "syscall"

func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
