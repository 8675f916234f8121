package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/log-shipper/internal/clickhouse"
	"github.com/SteelMorgan/log-shipper/internal/config"
	"github.com/SteelMorgan/log-shipper/internal/redisstream"
	"github.com/SteelMorgan/log-shipper/internal/shipper"
	"github.com/SteelMorgan/log-shipper/internal/throttle"
	"github.com/SteelMorgan/log-shipper/internal/writer"
)

// Ticker is one shipper as seen by the service
type Ticker interface {
	Tick(ctx context.Context) error
	Stats() shipper.Stats
}

type worker struct {
	name     string
	ticker   Ticker
	period   time.Duration
	throttle *throttle.Throttle
	errors   atomic.Int64
}

// ShipperService runs every configured shipper on its own throttle
type ShipperService struct {
	cfg     *config.Config
	workers []*worker
	closers []func() error

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewShipperService builds the shippers and connects to their sinks
func NewShipperService(ctx context.Context, cfg *config.Config) (*ShipperService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &ShipperService{cfg: cfg}
	b := &sinkBuilder{cfg: cfg, svc: s}
	for _, sc := range cfg.Shippers {
		w := &worker{name: sc.Name, period: sc.Period}
		ticker, err := b.build(ctx, sc, s.onError(w))
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("shipper %q: %w", sc.Name, err)
		}
		w.ticker = ticker
		s.workers = append(s.workers, w)
	}

	return s, nil
}

func (s *ShipperService) onError(w *worker) shipper.ErrorHandler {
	return func(err *shipper.ShippingError) {
		w.errors.Add(1)
		log.Warn().
			Str("shipper", w.name).
			Str("destination", err.Destination).
			Err(err.Err).
			Msg("Shipping error reported")
	}
}

// Start starts a throttle per shipper and blocks until ctx is done
func (s *ShipperService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("shipper service already started")
	}
	for _, w := range s.workers {
		w := w
		logger := log.With().Str("shipper", w.name).Logger()
		w.throttle = throttle.New(ctx, w.period, func(ctx context.Context) {
			// Errors were already logged and reported by the shipper
			_ = w.ticker.Tick(ctx)
		}, logger)

		log.Info().
			Str("shipper", w.name).
			Dur("period", w.period).
			Msg("Shipper started")
	}
	s.running = true
	s.mu.Unlock()

	// Ship whatever is already buffered instead of waiting a full period
	s.Signal()

	<-ctx.Done()
	return ctx.Err()
}

// Signal asks every shipper to run as soon as possible
func (s *ShipperService) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.throttle != nil {
			w.throttle.Signal()
		}
	}
}

// Stop waits for in-flight ticks, logs the totals and closes the sinks
func (s *ShipperService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	throttles := make([]*throttle.Throttle, len(s.workers))
	for i, w := range s.workers {
		throttles[i] = w.throttle
	}
	s.mu.Unlock()

	log.Info().Msg("Shipper service stopping...")

	for i, w := range s.workers {
		if throttles[i] != nil {
			throttles[i].Close()
		}
		logStats(log.Logger, w)
	}

	return s.closeSinks()
}

// Stats returns the counters of every shipper by name
func (s *ShipperService) Stats() map[string]shipper.Stats {
	stats := make(map[string]shipper.Stats, len(s.workers))
	for _, w := range s.workers {
		stats[w.name] = w.ticker.Stats()
	}
	return stats
}

func (s *ShipperService) closeSinks() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

func logStats(logger zerolog.Logger, w *worker) {
	st := w.ticker.Stats()
	logger.Info().
		Str("shipper", w.name).
		Int64("ticks", st.Ticks).
		Int64("skipped_ticks", st.SkippedTicks).
		Int64("batches", st.Batches).
		Int64("records", st.Records).
		Int64("send_failures", st.SendFailures).
		Int64("files_deleted", st.FilesDeleted).
		Int64("errors", w.errors.Load()).
		Msg("Shipper stopped")
}

// sinkBuilder creates transports, sharing one connection per sink kind
type sinkBuilder struct {
	cfg *config.Config
	svc *ShipperService

	ch   *clickhouse.Client
	pool *redis.Pool
}

func (b *sinkBuilder) build(ctx context.Context, sc config.ShipperConfig, onError shipper.ErrorHandler) (Ticker, error) {
	logger := log.With().Str("shipper", sc.Name).Logger()
	opts := shipper.Options{
		BufferBaseFilename: sc.BufferPrefix(),
		BatchPostingLimit:  sc.BatchPostingLimit,
		Destination:        sc.Destination,
		Logger:             &logger,
		OnError:            onError,
	}

	switch sc.Sink {
	case config.SinkClickHouse:
		client, err := b.clickhouse(ctx)
		if err != nil {
			return nil, err
		}
		table := fmt.Sprintf("%s.%s", b.cfg.ClickHouseDB, b.cfg.ClickHouseTable)
		tr := writer.NewClickHouseTransport(client, table, sc.Destination, logger)
		return shipper.New[writer.Row, writer.InsertResult](opts, tr)

	case config.SinkRedis:
		tr, err := redisstream.New(b.redis(), redisstream.Options{
			Stream:      "logs:" + sc.Destination,
			MaxLen:      b.cfg.RedisMaxLen,
			Destination: sc.Destination,
			Retry:       b.cfg.RetryConfig(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return shipper.New[redisstream.Entry, redisstream.AddResult](opts, tr)
	}

	return nil, fmt.Errorf("unknown sink %q", sc.Sink)
}

func (b *sinkBuilder) clickhouse(ctx context.Context) (*clickhouse.Client, error) {
	if b.ch != nil {
		return b.ch, nil
	}

	client, err := clickhouse.NewClient(ctx, clickhouse.Options{
		Host:     b.cfg.ClickHouseHost,
		Port:     b.cfg.ClickHousePort,
		Database: b.cfg.ClickHouseDB,
		Username: b.cfg.ClickHouseUser,
		Password: b.cfg.ClickHousePassword,
		Retry:    b.cfg.RetryConfig(),
	})
	if err != nil {
		return nil, err
	}
	b.svc.closers = append(b.svc.closers, client.Close)

	if b.cfg.ClickHouseCreateTable {
		table := fmt.Sprintf("%s.%s", b.cfg.ClickHouseDB, b.cfg.ClickHouseTable)
		if err := client.Exec(ctx, writer.CreateTableSQL(table)); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	b.ch = client
	return client, nil
}

func (b *sinkBuilder) redis() *redis.Pool {
	if b.pool == nil {
		b.pool = redisstream.NewPool(b.cfg.RedisAddr)
		b.svc.closers = append(b.svc.closers, b.pool.Close)
	}
	return b.pool
}
