package writer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeInserter struct {
	table string
	rows  [][]interface{}
	err   error
	calls int
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows [][]interface{}) error {
	f.calls++
	f.table = table
	f.rows = rows
	return f.err
}

func TestEnsureValidDateTime(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{name: "valid", in: valid, want: valid},
		{name: "zero", in: time.Time{}, want: fallback},
		{name: "too early", in: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), want: fallback},
		{name: "too late", in: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), want: fallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ensureValidDateTime(tt.in, fallback); !got.Equal(tt.want) {
				t.Errorf("ensureValidDateTime(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrepareRecordHashIsStable(t *testing.T) {
	tr := NewClickHouseTransport(&fakeInserter{}, "logs.app", "dest", zerolog.Nop())
	line := []byte(`{"@t":"2024-03-01T07:15:30Z","@mt":"hello {Name}","Name":"x"}`)

	a := tr.PrepareRecord(line)
	b := tr.PrepareRecord(line)
	c := tr.PrepareRecord([]byte(`{"@t":"2024-03-01T07:15:30Z","@mt":"hello {Name}","Name":"y"}`))

	if len(a.Hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(a.Hash))
	}
	if a.Hash != b.Hash {
		t.Errorf("same line hashed differently: %s vs %s", a.Hash, b.Hash)
	}
	if a.Hash == c.Hash {
		t.Errorf("different lines share hash %s", a.Hash)
	}
}

func TestSendRecords(t *testing.T) {
	ins := &fakeInserter{}
	tr := NewClickHouseTransport(ins, "logs.app", "orders", zerolog.Nop())
	shipped := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return shipped }

	records := []Row{
		tr.PrepareRecord([]byte(`{"Timestamp":"2024-03-01T07:15:30Z","Level":"Error","RenderedMessage":"boom","Properties":{"b":"2","a":"1"}}`)),
		tr.PrepareRecord([]byte("plain text line")),
	}

	res, ok := tr.SendRecords(context.Background(), records)
	if !ok {
		t.Fatalf("SendRecords() ok = false, err = %v", res.Err)
	}
	if ins.table != "logs.app" {
		t.Errorf("table = %q, want logs.app", ins.table)
	}
	if len(ins.rows) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(ins.rows))
	}
	if res.BatchID == uuid.Nil || res.Rows != 2 {
		t.Errorf("result = %+v", res)
	}

	first := ins.rows[0]
	if got := first[0].(time.Time); !got.Equal(time.Date(2024, 3, 1, 7, 15, 30, 0, time.UTC)) {
		t.Errorf("timestamp = %v", got)
	}
	if first[1] != "Error" || first[2] != "boom" {
		t.Errorf("level/message = %v/%v", first[1], first[2])
	}
	if keys := first[3].([]string); strings.Join(keys, ",") != "a,b" {
		t.Errorf("property keys = %v, want [a b]", keys)
	}
	if vals := first[4].([]string); strings.Join(vals, ",") != "1,2" {
		t.Errorf("property values = %v, want [1 2]", vals)
	}
	if first[7] != res.BatchID || ins.rows[1][7] != res.BatchID {
		t.Errorf("rows do not carry the batch id")
	}
	if first[8] != "orders" {
		t.Errorf("destination = %v, want orders", first[8])
	}

	// No timestamp in the line: the shipping time is used.
	if got := ins.rows[1][0].(time.Time); !got.Equal(shipped) {
		t.Errorf("fallback timestamp = %v, want %v", got, shipped)
	}
	if ins.rows[1][5] != "plain text line" {
		t.Errorf("raw = %v", ins.rows[1][5])
	}
}

func TestSendRecordsFailure(t *testing.T) {
	ins := &fakeInserter{err: errors.New("code: 999, connection lost")}
	tr := NewClickHouseTransport(ins, "logs.app", "orders", zerolog.Nop())

	res, ok := tr.SendRecords(context.Background(), []Row{tr.PrepareRecord([]byte("x"))})
	if ok {
		t.Fatal("SendRecords() ok = true, want false")
	}
	if !errors.Is(res.Err, ins.err) {
		t.Errorf("result error = %v, want %v", res.Err, ins.err)
	}

	// HandleError only logs; it must not touch the inserter.
	tr.HandleError(res, 1)
	if ins.calls != 1 {
		t.Errorf("inserter called %d times, want 1", ins.calls)
	}
}

func TestCreateTableSQL(t *testing.T) {
	sql := CreateTableSQL("logs.app")
	if !strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS logs.app (") {
		t.Errorf("unexpected DDL: %s", sql)
	}
	if !strings.Contains(sql, "ReplacingMergeTree") {
		t.Errorf("DDL does not deduplicate: %s", sql)
	}
}
