// Package redisstream ships buffer lines into a Redis stream.
package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/observability"
	"github.com/SteelMorgan/log-shipper/internal/retry"
)

// Entry is one stream entry ready to be added.
type Entry struct {
	Line  string
	Level string
}

// AddResult is the outcome of one batch.
type AddResult struct {
	IDs []string
	Err error
}

// Options configures a Transport.
type Options struct {
	Stream      string
	MaxLen      int64 // approximate cap on the stream length, 0 for none
	Destination string
	Retry       retry.Config
}

// Transport adds every batch to a stream inside one MULTI/EXEC, so a batch
// lands completely or not at all.
type Transport struct {
	pool   *redis.Pool
	opts   Options
	logger zerolog.Logger
}

// NewPool returns a connection pool for addr.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(30*time.Second),
				redis.DialWriteTimeout(30*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// New creates a Transport over pool.
func New(pool *redis.Pool, opts Options, logger zerolog.Logger) (*Transport, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.MaxLen < 0 {
		return nil, fmt.Errorf("stream max length must not be negative, got %d", opts.MaxLen)
	}
	return &Transport{
		pool: pool,
		opts: opts,
		logger: logger.With().
			Str("component", "redis_transport").
			Str("stream", opts.Stream).
			Logger(),
	}, nil
}

// PrepareRecord turns a buffer line into a stream entry.
func (t *Transport) PrepareRecord(raw []byte) Entry {
	record := domain.ParseLogRecord(raw)
	return Entry{
		Line:  record.Raw,
		Level: record.Level,
	}
}

// SendRecords appends the batch to the stream.
func (t *Transport) SendRecords(ctx context.Context, records []Entry) (AddResult, bool) {
	ctx, span := observability.StartSpan(ctx, "redis.xadd",
		attribute.String("stream", t.opts.Stream),
		attribute.Int("entries", len(records)),
	)

	ids, err := t.add(ctx, records)
	observability.EndSpan(span, err, "xadd")
	if err != nil {
		return AddResult{Err: err}, false
	}

	t.logger.Debug().
		Int("entries", len(ids)).
		Msg("Batch added to Redis stream")
	return AddResult{IDs: ids}, true
}

func (t *Transport) add(ctx context.Context, records []Entry) ([]string, error) {
	conn, err := retry.DoWithResult(ctx, t.opts.Retry, func() (redis.Conn, error) {
		return t.pool.GetContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return nil, err
	}
	for _, e := range records {
		if err := conn.Send("XADD", t.xaddArgs(e)...); err != nil {
			return nil, err
		}
	}
	ids, err := redis.Strings(redis.DoContext(conn, ctx, "EXEC"))
	if err != nil {
		return nil, fmt.Errorf("failed to add %d entries to stream %s: %w", len(records), t.opts.Stream, err)
	}
	return ids, nil
}

func (t *Transport) xaddArgs(e Entry) []interface{} {
	args := make([]interface{}, 0, 10)
	args = append(args, t.opts.Stream)
	if t.opts.MaxLen > 0 {
		args = append(args, "MAXLEN", "~", t.opts.MaxLen)
	}
	args = append(args, "*", "line", e.Line)
	if e.Level != "" {
		args = append(args, "level", e.Level)
	}
	if t.opts.Destination != "" {
		args = append(args, "destination", t.opts.Destination)
	}
	return args
}

// HandleError logs a rejected batch. The shipper resends it on a later tick.
func (t *Transport) HandleError(resp AddResult, originalRecordCount int) {
	t.logger.Error().
		Err(resp.Err).
		Str("destination", t.opts.Destination).
		Int("records", originalRecordCount).
		Msg("Failed to add batch to Redis stream")
}
