// Package fileset is the filesystem boundary of the shipper: it enumerates
// buffer files, probes them, and deletes the ones that were fully shipped.
//
// Windows share modes are emulated with advisory file locks: readers and
// writers of a buffer file hold a shared lock, and the probes here take an
// exclusive one, so a file that somebody still has open is reported as in use
// instead of being measured or deleted under them.
//
// Advisory locks only bind processes that take them. A writer that appends
// without holding Lock(path, true) is invisible to the probes, and its file
// can be rolled past and deleted while it is still being written.
package fileset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ErrInUse reports that another handle holds the file in a conflicting mode.
var ErrInUse = errors.New("file is in use")

// FileError is the error returned by every Manager operation.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// IsInUse reports whether err means the file is currently held by someone
// else. Such errors are contention, not failures: retry on the next tick.
func IsInUse(err error) bool {
	return errors.Is(err, ErrInUse) || errors.Is(err, fslock.ErrLockHeld)
}

// Lock takes a non-blocking advisory lock on path. Shared locks coexist with
// each other; an exclusive lock excludes every other lock.
//
// fslock opens path read-write. When that is denied, as for a 0444 file
// written by another user, the lock is taken on a read-only descriptor where
// the platform allows it.
func Lock(path string, shared bool) (fslock.Handle, error) {
	lock := fslock.Lock
	if shared {
		lock = fslock.LockShared
	}
	h, err := lock(path)
	if errors.Is(err, fs.ErrPermission) {
		if ro, roErr := readOnlyLock(path, shared); !errors.Is(roErr, errors.ErrUnsupported) {
			h, err = ro, roErr
		}
	}
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, &FileError{Op: "lock", Path: path, Err: fmt.Errorf("%w: %w", ErrInUse, err)}
		}
		return nil, &FileError{Op: "lock", Path: path, Err: err}
	}
	return h, nil
}

// CompareNames orders buffer file names case-insensitively. This order is the
// processing order.
func CompareNames(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// EqualNames reports whether two buffer file names refer to the same file.
func EqualNames(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Manager implements the file-set operations on top of an afero filesystem.
// Locking always goes to the OS, so the filesystem must be backed by real
// paths for ExclusiveLength and LockAndDelete.
//
// The in-use checks of ExclusiveLength and LockAndDelete hold only against
// writers that keep a shared Lock on the file while they append. Writers
// that do not lock must be stopped or rolled to a new file before the
// shipper catches up with the old one.
type Manager struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// New creates a Manager over fsys.
func New(fsys afero.Fs, logger zerolog.Logger) *Manager {
	return &Manager{
		fs:     fsys,
		logger: logger.With().Str("component", "fileset").Logger(),
	}
}

// NewOS creates a Manager over the OS filesystem.
func NewOS(logger zerolog.Logger) *Manager {
	return New(afero.NewOsFs(), logger)
}

// Exists reports whether path names an existing regular file.
func (m *Manager) Exists(path string) bool {
	info, err := m.fs.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ExclusiveLength returns the length of path while holding it exclusively.
// It fails with ErrInUse if any reader or writer has the file open.
func (m *Manager) ExclusiveLength(path string) (int64, error) {
	if _, err := m.fs.Stat(path); err != nil {
		return 0, &FileError{Op: "stat", Path: path, Err: err}
	}

	h, err := Lock(path, false)
	if err != nil {
		return 0, err
	}
	defer h.Unlock()

	info, err := m.fs.Stat(path)
	if err != nil {
		return 0, &FileError{Op: "stat", Path: path, Err: err}
	}
	return info.Size(), nil
}

// ListCandidates returns the files in dir whose names match pattern, sorted
// with CompareNames. Matching ignores case. A missing directory is an empty set.
func (m *Manager) ListCandidates(dir, pattern string) ([]string, error) {
	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &FileError{Op: "list", Path: dir, Err: err}
	}

	lowerPattern := strings.ToLower(pattern)
	var files []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		ok, err := filepath.Match(lowerPattern, strings.ToLower(info.Name()))
		if err != nil {
			return nil, &FileError{Op: "list", Path: dir, Err: err}
		}
		if ok {
			files = append(files, filepath.Join(dir, info.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return CompareNames(files[i], files[j]) < 0
	})

	m.logger.Trace().
		Str("dir", dir).
		Strs("files", files).
		Msg("File set listed")

	return files, nil
}

// LockAndDelete removes path while holding it exclusively. It fails with
// ErrInUse, leaving the file alone, if anybody else has it open.
func (m *Manager) LockAndDelete(path string) error {
	if _, err := m.fs.Stat(path); err != nil {
		return &FileError{Op: "delete", Path: path, Err: err}
	}

	h, err := Lock(path, false)
	if err != nil {
		return err
	}
	defer h.Unlock()

	if err := m.fs.Remove(path); err != nil {
		return &FileError{Op: "delete", Path: path, Err: err}
	}

	m.logger.Info().
		Str("file", path).
		Msg("Opened buffer file in exclusive mode and deleted it")

	return nil
}
