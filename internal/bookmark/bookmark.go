package bookmark

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName  = "bookmark"
	keyFileName = "file_name"
	keyPosition = "position"

	// lockTimeout is short enough that bbolt gives up after its first failed
	// flock attempt instead of waiting for the holder.
	lockTimeout = time.Millisecond
)

var (
	// ErrLocked is returned by TryOpen when another holder (thread or process)
	// owns the control file. Callers skip the current cycle.
	ErrLocked = errors.New("bookmark is locked by another holder")

	// ErrNoFileName is returned by UpdatePosition before any file name is set.
	ErrNoFileName = errors.New("bookmark has no file name")

	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("bookmark is closed")
)

// Bookmark is the persisted shipping cursor: a buffer file name plus a byte
// offset into it. The control file stays exclusively locked while the
// Bookmark is open, which makes it the mutex between shipper instances.
type Bookmark struct {
	mu       sync.Mutex
	db       *bbolt.DB
	path     string
	fileName string
	position int64
}

// TryOpen opens (creating if needed) the control file at path and takes its
// exclusive lock. It never blocks: a held lock yields ErrLocked.
func TryOpen(path string) (*Bookmark, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: lockTimeout,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to open bookmark %s: %w", path, err)
	}

	b := &Bookmark{db: db, path: path}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		b.fileName, b.position, err = decode(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read bookmark %s: %w", path, err)
	}

	log.Debug().
		Str("bookmark", path).
		Str("file", b.fileName).
		Int64("position", b.position).
		Msg("Bookmark opened")

	return b, nil
}

// FileName returns the bookmarked buffer file, or "" if none was ever set.
func (b *Bookmark) FileName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fileName
}

// Position returns the bookmarked byte offset.
func (b *Bookmark) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// UpdatePosition durably moves the cursor within the current file.
func (b *Bookmark) UpdatePosition(position int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fileName == "" {
		return ErrNoFileName
	}
	return b.writeLocked(b.fileName, position)
}

// UpdateFileNameAndPosition durably moves the cursor to another file.
// An empty name clears the bookmark.
func (b *Bookmark) UpdateFileNameAndPosition(fileName string, position int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(fileName, position)
}

// Close releases the control file lock. It is safe to call more than once.
func (b *Bookmark) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		return fmt.Errorf("failed to close bookmark %s: %w", b.path, err)
	}
	return nil
}

// writeLocked persists the cursor in one transaction; bbolt fsyncs on commit,
// so the new cursor is durable once this returns.
func (b *Bookmark) writeLocked(fileName string, position int64) error {
	if b.db == nil {
		return ErrClosed
	}
	if position < 0 {
		return fmt.Errorf("invalid bookmark position %d", position)
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket not found")
		}
		if err := bucket.Put([]byte(keyFileName), []byte(fileName)); err != nil {
			return err
		}
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(position))
		return bucket.Put([]byte(keyPosition), val)
	})
	if err != nil {
		return fmt.Errorf("failed to update bookmark: %w", err)
	}

	b.fileName = fileName
	b.position = position
	return nil
}

func decode(bucket *bbolt.Bucket) (string, int64, error) {
	name := bucket.Get([]byte(keyFileName))
	if len(name) == 0 {
		return "", 0, nil
	}

	val := bucket.Get([]byte(keyPosition))
	if val == nil {
		return string(name), 0, nil
	}
	if len(val) < 8 {
		return "", 0, fmt.Errorf("invalid position value")
	}
	return string(name), int64(binary.BigEndian.Uint64(val)), nil
}
