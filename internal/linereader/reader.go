// Package linereader reads line-delimited records from a buffer file that a
// logger may still be appending to.
package linereader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/danjacques/gofslock/fslock"

	"github.com/SteelMorgan/log-shipper/internal/fileset"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// lockShared takes the reader's shared lock. Replaced in tests.
var lockShared = func(path string) (fslock.Handle, error) {
	return fileset.Lock(path, true)
}

// Reader returns complete records from one buffer file starting at a byte
// offset. A trailing line without a terminator is never returned; it stays
// unread until the writer finishes it.
type Reader struct {
	file *os.File
	lock fslock.Handle
	br   *bufio.Reader

	// offset is where br will read next; position is the end of the last
	// complete record (or skipped terminator).
	offset   int64
	position int64
	pending  []byte
}

// Open opens path for reading at offset. Offsets past the end of the file are
// clamped to its length. The file is held with a shared lock, which lets
// writers and other readers continue but makes exclusive probes fail.
//
// Where the platform cannot lock a file this process may only read, the file
// is read without the lock.
func Open(path string, offset int64) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &fileset.FileError{Op: "open", Path: path, Err: err}
	}

	lock, err := lockShared(path)
	if err != nil && !errors.Is(err, fs.ErrPermission) {
		file.Close()
		return nil, err
	}

	r := &Reader{file: file, lock: lock}
	if err := r.seek(path, offset); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) seek(path string, offset int64) error {
	info, err := r.file.Stat()
	if err != nil {
		return &fileset.FileError{Op: "stat", Path: path, Err: err}
	}
	if offset < 0 {
		offset = 0
	}
	if offset > info.Size() {
		offset = info.Size()
	}
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return &fileset.FileError{Op: "seek", Path: path, Err: err}
	}

	r.br = bufio.NewReaderSize(r.file, 64*1024)
	r.offset = offset
	r.position = offset
	return nil
}

// ReadNext returns the next complete record, without its terminator. It
// returns io.EOF once no complete record remains.
func (r *Reader) ReadNext() ([]byte, error) {
	if r.offset == 0 {
		if err := r.skipBOM(); err != nil {
			return nil, err
		}
	}

	for {
		c, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read %s: %w", r.file.Name(), err)
		}
		r.offset++

		if c != '\n' && c != '\r' {
			r.pending = append(r.pending, c)
			continue
		}

		r.position = r.offset
		if len(r.pending) == 0 {
			continue
		}
		record := bytes.Clone(r.pending)
		r.pending = r.pending[:0]
		return record, nil
	}
}

// skipBOM drops a UTF-8 byte-order mark at the start of the file. Anything
// else is left in place.
func (r *Reader) skipBOM() error {
	head, err := r.br.Peek(len(bom))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("failed to read %s: %w", r.file.Name(), err)
	}
	if bytes.Equal(head, bom) {
		r.br.Discard(len(bom))
		r.offset = int64(len(bom))
		r.position = r.offset
	}
	return nil
}

// Position returns the offset just past the last complete record. Reopening
// the file at this offset continues with the next record.
func (r *Reader) Position() int64 {
	return r.position
}

// Close releases the file and its shared lock.
func (r *Reader) Close() error {
	var errs []error
	if r.lock != nil {
		errs = append(errs, r.lock.Unlock())
		r.lock = nil
	}
	if r.file != nil {
		errs = append(errs, r.file.Close())
		r.file = nil
	}
	return errors.Join(errs...)
}
