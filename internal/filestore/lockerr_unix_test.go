//go:build !windows

package filestore

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIsLockError_Errno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "busy", err: &fs.PathError{Op: "open", Path: "p.xlsx", Err: unix.EBUSY}, want: true},
		{name: "text file busy", err: &os.LinkError{Op: "rename", Old: "a", New: "b", Err: unix.ETXTBSY}, want: true},
		{name: "again", err: unix.EAGAIN, want: true},
		{name: "permission", err: &fs.PathError{Op: "open", Path: "p.xlsx", Err: unix.EACCES}, want: true},
		{name: "not found", err: &fs.PathError{Op: "open", Path: "p.xlsx", Err: unix.ENOENT}, want: false},
		{name: "plain", err: errors.New("nope"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLockError(tt.err); got != tt.want {
				t.Errorf("IsLockError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPathOf(t *testing.T) {
	if got := pathOf(&fs.PathError{Op: "open", Path: "p.xlsx", Err: unix.EBUSY}); got != "p.xlsx" {
		t.Errorf("pathOf(PathError) = %q", got)
	}
	if got := pathOf(&os.LinkError{Op: "rename", Old: "a", New: "b", Err: unix.EBUSY}); got != "b" {
		t.Errorf("pathOf(LinkError) = %q", got)
	}
}
