//go:build linux

package fileset

import (
	"errors"
	"os"

	"github.com/danjacques/gofslock/fslock"
	"golang.org/x/sys/unix"
)

// readOnlyLock takes a flock on a descriptor opened for reading only.
// gofslock locks with flock on Linux too, so the two exclude each other.
func readOnlyLock(path string, shared bool) (fslock.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fslock.ErrLockHeld
		}
		return nil, err
	}
	return &fileHandle{file: f}, nil
}

// fileHandle holds a flock for as long as its file stays open.
type fileHandle struct {
	file *os.File
}

func (h *fileHandle) Unlock() error {
	if h.file == nil {
		panic("lock is not held")
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func (h *fileHandle) LockFile() *os.File { return h.file }

func (h *fileHandle) PreserveExec() error {
	_, err := unix.FcntlInt(h.file.Fd(), unix.F_SETFD, 0)
	return err
}
