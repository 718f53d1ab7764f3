// Package filestore guards edits to a spreadsheet that people also have open.
// Every write states the content hash it was based on and is refused when the
// file has moved on since.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/keylock"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/tracing"
)

// Snapshot is one read of the file. Hash is computed from Data.
type Snapshot struct {
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	ReadOnly bool      `json:"read_only"` // read from a temporary copy while the file was locked
	Data     []byte    `json:"-"`
}

// Mutation turns the current bytes into the bytes to write
type Mutation func(current []byte) ([]byte, error)

type Options struct {
	LockRetries   int
	LockBaseDelay time.Duration
	TempDir       string // parent for fallback copies; os.TempDir() when empty
	Logger        *logging.Logger
}

type Controller struct {
	opts  Options
	locks *keylock.Map

	// swapped in tests to simulate a file held open elsewhere
	readFn func(path string) (Snapshot, error)
	copyFn func(src, dst string) error
}

func NewController(opts Options) *Controller {
	if opts.LockRetries <= 0 {
		opts.LockRetries = 5
	}
	if opts.LockBaseDelay <= 0 {
		opts.LockBaseDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("palletsync-filestore")
	}
	return &Controller{opts: opts, locks: keylock.New(), readFn: readSnapshot, copyFn: copyFile}
}

// HashBytes is the content fingerprint
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// readSnapshot takes size, mtime and content from one open handle
func readSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Snapshot{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Hash: HashBytes(data), Size: int64(len(data)), ModTime: info.ModTime(), Data: data}, nil
}

// Fingerprint hashes the file's current content
func Fingerprint(path string) (string, error) {
	s, err := readSnapshot(path)
	if err != nil {
		return "", err
	}
	return s.Hash, nil
}

// Read returns a snapshot, retrying while the file is locked. When the lock
// persists the file is copied to a private temp dir and the copy is read; the
// result is then marked read-only.
func (c *Controller) Read(ctx context.Context, path string) (Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "filestore.read", tracing.AttrFilePath.String(path))
	defer span.End()

	var snap Snapshot
	err := WithRetry(ctx, func() error {
		var err error
		snap, err = c.readFn(path)
		return err
	}, c.opts.LockRetries, c.opts.LockBaseDelay)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, domain.ErrLock) {
		tracing.SetSpanError(ctx, err)
		return Snapshot{}, err
	}

	c.opts.Logger.WithContext(ctx).WithField("path", path).WithError(err).Warn("file locked, reading a temporary copy")
	snap, copyErr := c.readCopy(path)
	if copyErr != nil {
		tracing.SetSpanError(ctx, copyErr)
		return Snapshot{}, errors.Join(err, copyErr)
	}
	return snap, nil
}

func (c *Controller) readCopy(path string) (Snapshot, error) {
	dir, err := os.MkdirTemp(c.opts.TempDir, "palletsync-read-*")
	if err != nil {
		return Snapshot{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dst := filepath.Join(dir, filepath.Base(path))
	if err := c.copyFn(path, dst); err != nil {
		return Snapshot{}, fmt.Errorf("copy locked file: %w", err)
	}
	snap, err := readSnapshot(dst)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Path = path
	snap.ReadOnly = true
	return snap, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// GuardedWrite applies mutate only if the file still hashes to expectedHash.
// On a mismatch it returns a ConflictError and mutate is never called.
func (c *Controller) GuardedWrite(ctx context.Context, path, expectedHash string, mutate Mutation) (Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "filestore.guarded_write", tracing.AttrFilePath.String(path))
	defer span.End()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	unlock := c.locks.Lock(abs)
	defer unlock()

	var current Snapshot
	err = WithRetry(ctx, func() error {
		var err error
		current, err = c.readFn(path)
		return err
	}, c.opts.LockRetries, c.opts.LockBaseDelay)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Snapshot{}, err
	}

	if current.Hash != expectedHash {
		metrics.RecordFileConflict()
		conflict := &domain.ConflictError{Path: path, Expected: expectedHash, Actual: current.Hash}
		c.opts.Logger.WithContext(ctx).WithField("path", path).WithError(conflict).Info("write refused, file changed")
		tracing.SetSpanError(ctx, conflict)
		return Snapshot{}, conflict
	}

	next, err := mutate(current.Data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Snapshot{}, err
	}

	err = WithRetry(ctx, func() error { return atomicWrite(path, next) }, c.opts.LockRetries, c.opts.LockBaseDelay)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Snapshot{}, err
	}

	snap := Snapshot{Path: path, Hash: HashBytes(next), Size: int64(len(next)), ModTime: time.Now(), Data: next}
	if info, err := os.Stat(path); err == nil {
		snap.ModTime = info.ModTime()
	}
	c.opts.Logger.WithContext(ctx).WithFields(map[string]any{
		"path": path,
		"hash": snap.Hash,
	}).Info("file written")
	return snap, nil
}

// atomicWrite writes a sibling temp file and renames it over path
func atomicWrite(path string, content []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".palletsync-tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}
