//go:build unix

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// detachStdout moves the frame stream off fd 1. The returned file writes where
// stdout used to go, and fd 1 then points at stderr so log output stays out of
// the frames.
func detachStdout() (*os.File, error) {
	fd, err := unix.Dup(unix.Stdout)
	if err != nil {
		return nil, fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(unix.Stderr, unix.Stdout); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("redirect stdout to stderr: %w", err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "native-messaging-out"), nil
}
