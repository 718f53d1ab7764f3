//go:build !windows

package filestore

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// isLockErrno reports errno values another process causes by holding the file
func isLockErrno(errno syscall.Errno) bool {
	switch errno {
	case unix.EBUSY, unix.EAGAIN, unix.EACCES, unix.EPERM, unix.ETXTBSY:
		return true
	}
	return false
}
