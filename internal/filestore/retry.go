package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
)

// IsLockError reports whether err comes from the file being held elsewhere
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrLock) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return isLockErrno(errno)
	}
	return false
}

// WithRetry runs op until it succeeds, fails with a non-lock error, or has
// been tried maxAttempts times. Attempt n waits baseDelay * 2^n first.
func WithRetry(ctx context.Context, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, baseDelay*time.Duration(1<<uint(attempt-1))); err != nil {
				return err
			}
		}
		last = op()
		if last == nil {
			return nil
		}
		if !IsLockError(last) {
			return last
		}
	}
	return &domain.LockError{Path: pathOf(last), Attempts: maxAttempts, Err: last}
}

func pathOf(err error) string {
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return perr.Path
	}
	var lerr *os.LinkError
	if errors.As(err, &lerr) {
		return lerr.New
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
