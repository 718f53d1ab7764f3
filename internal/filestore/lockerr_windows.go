//go:build windows

package filestore

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// isLockErrno reports Win32 errors raised while another process has the file open
func isLockErrno(errno syscall.Errno) bool {
	switch errno {
	case windows.ERROR_SHARING_VIOLATION, windows.ERROR_LOCK_VIOLATION, windows.ERROR_ACCESS_DENIED:
		return true
	}
	return false
}
