package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/log-shipper/internal/retry"
)

// Options describes how to reach ClickHouse
type Options struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Retry    retry.Config
}

// Client wraps ClickHouse connection
type Client struct {
	conn     clickhouse.Conn
	retryCfg retry.Config
}

// NewClient connects to ClickHouse and pings it, retrying transient failures
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	username := opts.Username
	if username == "" {
		username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, opts.Retry, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", opts.Host).
		Int("port", opts.Port).
		Str("database", opts.Database).
		Msg("Connected to ClickHouse")

	return &Client{
		conn:     conn,
		retryCfg: opts.Retry,
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

// Exec executes a non-SELECT query with retry logic
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
}

// InsertRows writes rows into table as a single batch. A failed attempt
// is retried with a fresh batch, so the table may see the rows twice.
func (c *Client) InsertRows(ctx context.Context, table string, rows [][]interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+table)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i, row := range rows {
			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append row %d to batch: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch (rows=%d): %w", len(rows), err)
		}
		return nil
	})
}
