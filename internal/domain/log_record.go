package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// LogRecord is one buffered log event, prepared for a structured sink.
// Buffer lines are usually Serilog JSON in either the classic layout
// ({"Timestamp":...,"Level":...,"Properties":{...}}) or the compact one
// ({"@t":...,"@l":...,"@mt":...}). Anything else is kept as raw text.
type LogRecord struct {
	Timestamp  time.Time
	Level      string // Verbose, Debug, Information, Warning, Error, Fatal
	Message    string
	Raw        string
	Properties map[string]string // Additional properties
}

var (
	timestampKeys = []string{"Timestamp", "@t"}
	levelKeys     = []string{"Level", "@l"}
	messageKeys   = []string{"RenderedMessage", "@m", "MessageTemplate", "@mt"}
)

// ParseLogRecord builds a LogRecord from one buffer line. It never fails:
// lines that are not JSON objects only carry Raw.
func ParseLogRecord(raw []byte) LogRecord {
	line := strings.TrimPrefix(string(raw), "\ufeff")
	record := LogRecord{
		Raw:        line,
		Properties: make(map[string]string),
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return record
	}

	if ts := firstString(data, timestampKeys); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			record.Timestamp = t.UTC()
		}
	}

	record.Level = firstString(data, levelKeys)
	if record.Level == "" {
		if _, compact := data["@t"]; compact {
			// Compact JSON omits the level of Information events
			record.Level = "Information"
		}
	}

	record.Message = firstString(data, messageKeys)

	if props, ok := data["Properties"].(map[string]interface{}); ok {
		for k, v := range props {
			record.Properties[k] = stringify(v)
		}
	}
	for k, v := range data {
		if strings.HasPrefix(k, "@") || isCoreKey(k) {
			continue
		}
		record.Properties[k] = stringify(v)
	}

	return record
}

func firstString(data map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func isCoreKey(k string) bool {
	switch k {
	case "Timestamp", "Level", "RenderedMessage", "MessageTemplate", "Properties", "Exception", "Renderings":
		return true
	}
	return false
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
