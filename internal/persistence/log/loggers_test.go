package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"gridstream.dev/internal/stream"
)

func TestDecisionLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewDecisionLogger(dir)

	entries := []stream.AuditEntry{
		{TS: 1000, Event: stream.AuditDispatch, EntityID: 42, Priority: "HIGH"},
		{TS: 1100, Event: stream.AuditOutcome, EntityID: 42, Outcome: "VALID", WaitMS: 100},
		{TS: 1200, Event: stream.AuditEvictStuck, EntityID: 7},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "decisions", "decisions-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one decision file, got %v (err=%v)", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []stream.AuditEntry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e stream.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("entries=%d want=%d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i] != e {
			t.Fatalf("entry %d mismatch: got=%+v want=%+v", i, got[i], e)
		}
	}
}
