// Package shipper streams buffer files to a transport in bounded batches and
// keeps a durable bookmark of how far it got.
//
// A Tick takes the bookmark lock, so any number of shippers (goroutines or
// processes) may point at the same buffer files: whoever loses the lock race
// does nothing that tick. Delivery is at-least-once. The bookmark only moves
// after a batch was accepted, so a crash between send and update resends the
// batch on the next tick.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/log-shipper/internal/bookmark"
	"github.com/SteelMorgan/log-shipper/internal/fileset"
	"github.com/SteelMorgan/log-shipper/internal/linereader"
	"github.com/SteelMorgan/log-shipper/internal/observability"
)

// Bookmark is the persisted cursor the shipper works from.
type Bookmark interface {
	FileName() string
	Position() int64
	UpdatePosition(position int64) error
	UpdateFileNameAndPosition(fileName string, position int64) error
	Close() error
}

// BookmarkOpener acquires the bookmark at path, failing with
// bookmark.ErrLocked when someone else holds it.
type BookmarkOpener func(path string) (Bookmark, error)

// RecordReader reads complete records from one buffer file.
type RecordReader interface {
	ReadNext() ([]byte, error)
	Position() int64
	Close() error
}

// ReaderOpener opens a RecordReader on path at offset.
type ReaderOpener func(path string, offset int64) (RecordReader, error)

// FileSet is the filesystem boundary; fileset.Manager implements it.
type FileSet interface {
	Exists(path string) bool
	ExclusiveLength(path string) (int64, error)
	ListCandidates(dir, pattern string) ([]string, error)
	LockAndDelete(path string) error
}

// Options configures a Shipper. Only BufferBaseFilename and
// BatchPostingLimit are required.
type Options struct {
	// BufferBaseFilename is the path prefix of the buffer files. Candidates
	// are "<prefix>*.json"; the bookmark lives at "<prefix>.bookmark".
	BufferBaseFilename string
	BatchPostingLimit  int
	// Destination names the target in logs and ShippingErrors.
	Destination string

	OnError ErrorHandler
	Logger  *zerolog.Logger

	Files        FileSet
	OpenBookmark BookmarkOpener
	OpenReader   ReaderOpener
}

// Stats are cumulative counters of a Shipper.
type Stats struct {
	Ticks        int64
	SkippedTicks int64
	Batches      int64
	Records      int64
	SendFailures int64
	FilesDeleted int64
}

// Shipper is the shipping state machine for one buffer prefix and one
// transport.
type Shipper[R, Resp any] struct {
	transport    Transport[R, Resp]
	files        FileSet
	openBookmark BookmarkOpener
	openReader   ReaderOpener
	onError      ErrorHandler
	logger       zerolog.Logger

	batchLimit   int
	destination  string
	base         string
	bookmarkPath string
	dir          string
	pattern      string

	ticks        atomic.Int64
	skippedTicks atomic.Int64
	batches      atomic.Int64
	records      atomic.Int64
	sendFailures atomic.Int64
	filesDeleted atomic.Int64
}

// New creates a Shipper that sends to transport.
func New[R, Resp any](opts Options, transport Transport[R, Resp]) (*Shipper[R, Resp], error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.BufferBaseFilename == "" {
		return nil, fmt.Errorf("buffer base filename is required")
	}
	if opts.BatchPostingLimit < 1 {
		return nil, fmt.Errorf("batch posting limit must be at least 1, got %d", opts.BatchPostingLimit)
	}

	base, err := filepath.Abs(opts.BufferBaseFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve buffer base filename: %w", err)
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().
		Str("component", "shipper").
		Str("destination", opts.Destination).
		Logger()

	s := &Shipper[R, Resp]{
		transport:    transport,
		files:        opts.Files,
		openBookmark: opts.OpenBookmark,
		openReader:   opts.OpenReader,
		onError:      opts.OnError,
		logger:       logger,
		batchLimit:   opts.BatchPostingLimit,
		destination:  opts.Destination,
		base:         base,
		bookmarkPath: base + ".bookmark",
		dir:          filepath.Dir(base),
		pattern:      filepath.Base(base) + "*.json",
	}
	if s.files == nil {
		s.files = fileset.NewOS(logger)
	}
	if s.openBookmark == nil {
		s.openBookmark = openBookmark
	}
	if s.openReader == nil {
		s.openReader = openReader
	}

	logger.Info().
		Str("candidate_search_path", s.pattern).
		Str("log_folder", s.dir).
		Str("bookmark", s.bookmarkPath).
		Int("batch_posting_limit", s.batchLimit).
		Msg("Shipper created")

	return s, nil
}

func openBookmark(path string) (Bookmark, error) {
	b, err := bookmark.TryOpen(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openReader(path string, offset int64) (RecordReader, error) {
	r, err := linereader.Open(path, offset)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Stats returns a snapshot of the counters.
func (s *Shipper[R, Resp]) Stats() Stats {
	return Stats{
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skippedTicks.Load(),
		Batches:      s.batches.Load(),
		Records:      s.records.Load(),
		SendFailures: s.sendFailures.Load(),
		FilesDeleted: s.filesDeleted.Load(),
	}
}

// Tick runs one shipping pass. Contention and rejected batches are not
// errors; they are retried on the next tick. Any other failure is logged,
// passed to the ErrorHandler and returned as a *ShippingError.
func (s *Shipper[R, Resp]) Tick(ctx context.Context) error {
	s.ticks.Add(1)
	ctx = observability.WithShipper(ctx, s.destination, s.base)
	ctx, span := observability.StartSpan(ctx, "shipper.tick",
		attribute.String("bookmark", s.bookmarkPath),
	)

	err := s.tick(ctx)
	observability.EndSpan(span, err, "tick")

	switch {
	case err == nil:
		return nil
	case fileset.IsInUse(err):
		s.logger.Debug().Err(err).Msg("Swallowed I/O error, file is in use")
		return nil
	}

	s.logger.Error().Err(err).Msg("Error while shipping periodic batch")
	shipErr := &ShippingError{Destination: s.destination, Err: err}
	if s.onError != nil {
		s.onError(shipErr)
	}
	return shipErr
}

func (s *Shipper[R, Resp]) tick(ctx context.Context) error {
	bm, err := s.openBookmark(s.bookmarkPath)
	if err != nil {
		switch {
		case errors.Is(err, bookmark.ErrLocked):
			s.skippedTicks.Add(1)
			s.logger.Debug().Msg("Bookmark is locked by another shipper, skipping tick")
			return nil
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Debug().Str("log_folder", s.dir).Msg("Log folder does not exist yet, nothing to do")
			return nil
		}
		return err
	}
	defer func() {
		if err := bm.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close bookmark")
		}
	}()

	return s.ship(ctx, bm)
}

// ship is the per-tick loop. Every iteration either makes progress (the
// cursor moves, or rolls to the next file) or ends the tick.
func (s *Shipper[R, Resp]) ship(ctx context.Context, bm Bookmark) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fileName, position := bm.FileName(), bm.Position()
		s.logger.Trace().
			Str("file", fileName).
			Int64("position", position).
			Msg("Bookmark is currently at offset")

		candidates, err := s.files.ListCandidates(s.dir, s.pattern)
		if err != nil {
			return err
		}

		if fileName == "" || !s.files.Exists(fileName) {
			fileName, position = "", 0
			if len(candidates) > 0 {
				fileName = candidates[0]
			}
			if err := bm.UpdateFileNameAndPosition(fileName, 0); err != nil {
				return err
			}
			if fileName == "" {
				s.logger.Debug().Msg("No buffer file found, nothing to do")
				return nil
			}
			s.logger.Info().Str("file", fileName).Msg("New buffer file")
		}

		// Everything sorting before the bookmarked file was shipped already.
		// Deletion is opportunistic: failures are retried next tick.
		next := 0
		for ; next < len(candidates) && fileset.CompareNames(candidates[next], fileName) < 0; next++ {
			if err := s.files.LockAndDelete(candidates[next]); err != nil {
				level := zerolog.WarnLevel
				if fileset.IsInUse(err) {
					level = zerolog.DebugLevel
				}
				s.logger.WithLevel(level).Err(err).Str("file", candidates[next]).Msg("Failed to delete shipped buffer file")
				continue
			}
			s.filesDeleted.Add(1)
		}
		remaining := candidates[next:]

		initial := position
		sent, err := s.shipFile(ctx, bm, fileName, position)
		if err != nil {
			return err
		}
		if !sent {
			return nil
		}
		if bm.Position() != initial {
			continue
		}

		s.logger.Trace().Msg("Found no records to process")
		if len(remaining) > 0 && fileset.EqualNames(remaining[0], fileName) {
			remaining = remaining[1:]
		}
		if len(remaining) == 0 {
			s.logger.Trace().Msg("Single buffer file and at its end, nothing to do")
			return nil
		}
		if !s.atEndAndUnlocked(fileName, initial) {
			return nil
		}

		s.logger.Debug().
			Str("from", fileName).
			Str("to", remaining[0]).
			Msg("Advancing bookmark to next buffer file")
		if err := bm.UpdateFileNameAndPosition(remaining[0], 0); err != nil {
			return err
		}
	}
}

// shipFile sends batches from fileName starting at position until a short
// batch or a rejected one. It reports false if the transport rejected a batch.
func (s *Shipper[R, Resp]) shipFile(ctx context.Context, bm Bookmark, fileName string, position int64) (bool, error) {
	for {
		records, newPosition, err := s.readBatch(fileName, position)
		if err != nil {
			return false, err
		}

		if len(records) > 0 && !s.send(ctx, fileName, position, records) {
			return false, nil
		}

		switch {
		case newPosition > position:
			s.logger.Trace().
				Int64("from", position).
				Int64("to", newPosition).
				Msg("Advancing bookmark")
			if err := bm.UpdatePosition(newPosition); err != nil {
				return false, err
			}
			position = newPosition
		case newPosition < position:
			// The file shrank under us: start it over.
			s.logger.Warn().
				Str("file", fileName).
				Int64("position", position).
				Int64("length", newPosition).
				Msg("Buffer file was truncated, restarting from its beginning")
			if err := bm.UpdatePosition(0); err != nil {
				return false, err
			}
			position = 0
		}

		if len(records) < s.batchLimit {
			return true, nil
		}
	}
}

func (s *Shipper[R, Resp]) readBatch(fileName string, position int64) ([]R, int64, error) {
	r, err := s.openReader(fileName, position)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	records := make([]R, 0, s.batchLimit)
	for len(records) < s.batchLimit {
		raw, err := r.ReadNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		records = append(records, s.transport.PrepareRecord(raw))
	}
	return records, r.Position(), nil
}

func (s *Shipper[R, Resp]) send(ctx context.Context, fileName string, position int64, records []R) bool {
	ctx, span := observability.StartSpan(ctx, "shipper.send",
		attribute.String("file", fileName),
		attribute.Int64("position", position),
		attribute.Int("batch_size", len(records)),
	)

	resp, ok := s.transport.SendRecords(ctx, records)
	if !ok {
		s.sendFailures.Add(1)
		s.transport.HandleError(resp, len(records))
		observability.EndSpan(span, errRejected, "send")
		s.logger.Warn().
			Str("file", fileName).
			Int64("position", position).
			Int("batch_size", len(records)).
			Msg("Transport rejected batch, will retry on next tick")
		return false
	}

	s.batches.Add(1)
	s.records.Add(int64(len(records)))
	observability.EndSpan(span, nil, "send")
	return true
}

var errRejected = errors.New("batch rejected by transport")

// atEndAndUnlocked reports whether fileName is fully read and nobody else
// has it open, i.e. the writer has moved on and it is safe to roll over.
func (s *Shipper[R, Resp]) atEndAndUnlocked(fileName string, position int64) bool {
	length, err := s.files.ExclusiveLength(fileName)
	if err != nil {
		if fileset.IsInUse(err) {
			s.logger.Trace().Err(err).Str("file", fileName).Msg("Buffer file is still in use")
		} else {
			s.logger.Error().Err(err).Str("file", fileName).Msg("Unexpected error while testing locked status")
		}
		return false
	}
	return length <= position
}
