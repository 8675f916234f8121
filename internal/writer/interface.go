package writer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RowInserter inserts rows into a ClickHouse table in one batch.
// internal/clickhouse.Client implements it.
type RowInserter interface {
	InsertRows(ctx context.Context, table string, rows [][]interface{}) error
}

// InsertResult is what the ClickHouse transport reports for a batch.
type InsertResult struct {
	BatchID  uuid.UUID
	Rows     int
	Duration time.Duration
	Err      error
}
