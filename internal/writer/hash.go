package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// calculateRecordHash calculates SHA256 hash of a log record.
// A resent batch produces the same hashes, which is what lets a
// ReplacingMergeTree table fold the duplicates of at-least-once delivery.
func calculateRecordHash(record *domain.LogRecord) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s|", record.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(h, "%s|", record.Level)
	fmt.Fprintf(h, "%s|", record.Message)
	fmt.Fprintf(h, "%s|", record.Raw)

	// Include properties (sorted for consistency)
	keys := make([]string, 0, len(record.Properties))
	for k := range record.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s|", k, record.Properties[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
