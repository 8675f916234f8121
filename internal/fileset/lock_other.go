//go:build !linux

package fileset

import (
	"errors"

	"github.com/danjacques/gofslock/fslock"
)

func readOnlyLock(string, bool) (fslock.Handle, error) {
	return nil, errors.ErrUnsupported
}
