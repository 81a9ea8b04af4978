package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "levelup/pkg/logx"
)

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	if st == nil {
		t.Fatalf("open %s: nil store", driver)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestStoreDrivers(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state", "levelup.db")
			st := openTest(t, driver, path)

			if err := st.AppendJournal(ctx, Entry{Event: "action.sent", Producer: "words", ActionID: "a1", MessageID: 10}); err != nil {
				t.Fatalf("append: %v", err)
			}
			key := ChallengeKey(-100, 42)
			if ok, _ := Answered(ctx, st, key); ok {
				t.Fatalf("fresh key already answered")
			}
			if err := st.PutDedup(ctx, key, time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
				t.Fatalf("put old: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// State survives a restart; expired keys do not count.
			st = openTest(t, driver, path)
			defer st.Close()
			if ok, err := Answered(ctx, st, key); err != nil || !ok {
				t.Fatalf("after reopen: ok=%v err=%v", ok, err)
			}
			if ok, _ := Answered(ctx, st, "old"); ok {
				t.Fatalf("expired key still answered")
			}
		})
	}
}

func TestFileJournalIsJSONLines(t *testing.T) {
	dir := t.TempDir()
	st := openTest(t, "file", filepath.Join(dir, "levelup.json"))
	ctx := context.Background()
	_ = st.AppendJournal(ctx, Entry{Event: "job.done", JobID: "j1", Reply: "7"})
	_ = st.AppendJournal(ctx, Entry{Event: "action.dropped", Error: "boom"})
	_ = st.Close()

	b, err := os.ReadFile(filepath.Join(dir, "levelup.journal.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d: %s", len(lines), b)
	}
	if !strings.Contains(lines[0], `"reply":"7"`) || !strings.Contains(lines[1], `"err":"boom"`) {
		t.Fatalf("unexpected journal: %s", b)
	}
}

func TestAnsweredNilStore(t *testing.T) {
	ok, err := Answered(context.Background(), nil, "k")
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestFileOpensWithDamagedDedupState(t *testing.T) {
	dir := t.TempDir()
	until := time.Now().Add(time.Hour).UnixMilli()
	// one good record, then a line longer than the scanner accepts
	journal := fmt.Sprintf("{\"key\":\"kept\",\"until\":%d}\n%s\n", until, strings.Repeat("x", 70<<10))
	if err := os.WriteFile(filepath.Join(dir, "levelup.dedup.journal.jsonl"), []byte(journal), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "levelup.dedup.snapshot.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "levelup.json")}, logx.NewWriter(&buf, "debug"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if ok, err := Answered(context.Background(), st, "kept"); err != nil || !ok {
		t.Fatalf("record before the bad line lost: ok=%v err=%v", ok, err)
	}
	logs := buf.String()
	if !strings.Contains(logs, "dedup journal replay failed") || !strings.Contains(logs, "dedup snapshot load failed") {
		t.Fatalf("logs=%s", logs)
	}
}

func TestFileFirstRunLogsNothing(t *testing.T) {
	var buf bytes.Buffer
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "levelup.json")}, logx.NewWriter(&buf, "debug"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Close()
	if strings.Contains(buf.String(), "failed") {
		t.Fatalf("logs=%s", buf.String())
	}
}
