//go:build linux

package logger

import (
	"syscall"
	"unsafe"
)

// TCGETS is Linux's ioctl number for reading terminal attributes.
const TCGETS = 0x5401

// isTerminal backs ColorTextHandler's auto-color detection: vaultback runs
// under cron/systemd as often as an interactive shell, so color must be
// inferred rather than assumed.
func isTerminal(fd uintptr) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(
		syscall.SYS_IOCTL,
		fd,
		TCGETS,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return err == 0
}
