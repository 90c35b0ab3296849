//go:build windows

// ABOUTME: SO_REUSEADDR on the chat listener for Windows
// ABOUTME: Lets a restarted server bind while old connections sit in TIME_WAIT

package server

import "syscall"

func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
