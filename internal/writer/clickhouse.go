package writer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/observability"
)

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime ensures the time value is within ClickHouse DateTime64 range.
// Zero and out-of-range values are replaced by fallback.
func ensureValidDateTime(t, fallback time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return fallback
	}
	return t
}

// Row is a buffer line prepared for insertion.
type Row struct {
	Record domain.LogRecord
	Hash   string
}

// CreateTableSQL returns the DDL of the table the transport inserts into.
// Duplicates from resent batches collapse on record_hash.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    timestamp DateTime64(7, 'UTC'),
    level LowCardinality(String),
    message String,
    property_keys Array(String),
    property_values Array(String),
    raw String,
    record_hash String,
    batch_id UUID,
    destination LowCardinality(String),
    shipped_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
ORDER BY (timestamp, record_hash)`, table)
}

// ClickHouseTransport ships buffer lines into a ClickHouse table, one
// INSERT per batch.
type ClickHouseTransport struct {
	inserter    RowInserter
	table       string
	destination string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewClickHouseTransport creates a transport that inserts into table.
func NewClickHouseTransport(inserter RowInserter, table, destination string, logger zerolog.Logger) *ClickHouseTransport {
	return &ClickHouseTransport{
		inserter:    inserter,
		table:       table,
		destination: destination,
		logger: logger.With().
			Str("component", "clickhouse_transport").
			Str("table", table).
			Logger(),
		now: time.Now,
	}
}

// PrepareRecord parses a buffer line and hashes it.
func (w *ClickHouseTransport) PrepareRecord(raw []byte) Row {
	record := domain.ParseLogRecord(raw)
	return Row{
		Record: record,
		Hash:   calculateRecordHash(&record),
	}
}

// SendRecords inserts the batch. Every row carries the same batch id.
func (w *ClickHouseTransport) SendRecords(ctx context.Context, records []Row) (InsertResult, bool) {
	start := w.now()
	result := InsertResult{
		BatchID: uuid.New(),
		Rows:    len(records),
	}

	ctx, span := observability.StartSpan(ctx, "clickhouse.insert",
		attribute.String("table", w.table),
		attribute.String("batch_id", result.BatchID.String()),
		attribute.Int("rows", len(records)),
	)

	shippedAt := start.UTC()
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		propKeys, propVals := mapToArrays(r.Record.Properties)
		rows = append(rows, []interface{}{
			ensureValidDateTime(r.Record.Timestamp, shippedAt),
			r.Record.Level,
			r.Record.Message,
			propKeys,
			propVals,
			r.Record.Raw,
			r.Hash,
			result.BatchID,
			w.destination,
			shippedAt,
		})
	}

	result.Err = w.inserter.InsertRows(ctx, w.table, rows)
	result.Duration = w.now().Sub(start)
	observability.EndSpan(span, result.Err, "insert")

	if result.Err != nil {
		return result, false
	}

	w.logger.Debug().
		Str("batch_id", result.BatchID.String()).
		Int("rows", result.Rows).
		Dur("duration", result.Duration).
		Msg("Batch written to ClickHouse")

	return result, true
}

// HandleError logs a rejected batch. The shipper resends it on a later tick.
func (w *ClickHouseTransport) HandleError(resp InsertResult, originalRecordCount int) {
	w.logger.Error().
		Err(resp.Err).
		Str("batch_id", resp.BatchID.String()).
		Str("destination", w.destination).
		Int("records", originalRecordCount).
		Dur("duration", resp.Duration).
		Msg("Failed to write batch to ClickHouse")
}

// mapToArrays converts a property map to the parallel key/value arrays
// ClickHouse stores, sorted by key.
func mapToArrays(m map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return keys, values
}
