package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"compile-sandbox/internal/config"
	"compile-sandbox/internal/queue"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "archive", "dl.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLite_InsertAndList(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	if !db.Healthy(ctx) {
		t.Fatal("Healthy() = false")
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		rec := NewRecord(queue.DeadLetter{JobID: id, Error: "slot unavailable", FailTime: base.Add(time.Duration(i) * time.Minute)})
		if err := db.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert() = %v", err)
		}
	}

	all, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(all) != 3 || all[0].JobID != "job-c" {
		t.Fatalf("List() = %+v, want 3 rows newest first", all)
	}
	if !all[2].FailTime.Equal(base) {
		t.Errorf("FailTime = %v, want %v", all[2].FailTime, base)
	}

	one, _ := db.List(ctx, Filter{JobID: "job-b"})
	if len(one) != 1 || one[0].Error != "slot unavailable" {
		t.Errorf("List(job-b) = %+v", one)
	}

	since := base.Add(90 * time.Second)
	recent, _ := db.List(ctx, Filter{Since: &since})
	if len(recent) != 1 || recent[0].JobID != "job-c" {
		t.Errorf("List(since) = %+v", recent)
	}

	limited, _ := db.List(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) returned %d rows", len(limited))
	}
}

func TestNewRecordTruncatesError(t *testing.T) {
	rec := NewRecord(queue.DeadLetter{JobID: "j", Error: strings.Repeat("x", maxErrorLen+10)})
	if len(rec.Error) != maxErrorLen {
		t.Errorf("len(Error) = %d, want %d", len(rec.Error), maxErrorLen)
	}
	if rec.ID == "" || rec.ArchivedAt.IsZero() {
		t.Errorf("record = %+v, want id and archive time", rec)
	}
}

func TestArchiverFlushDrains(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	w := NewArchiver(db, 16)
	w.Start()
	for _, id := range []string{"a", "b", "c", "d"} {
		w.Log(queue.DeadLetter{JobID: id, Error: "boom", FailTime: time.Now()})
	}
	w.Flush(5 * time.Second)

	rows, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("archived %d rows, want 4", len(rows))
	}
}

func TestMirroredDLQ(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	q := queue.NewMemoryQueue(time.Minute)

	w := NewArchiver(db, 4)
	w.Start()
	dlq := Mirror(q, w)

	if err := dlq.DeadLetter(ctx, queue.DeadLetter{JobID: "job-9", Error: "engine down", FailTime: time.Now()}); err != nil {
		t.Fatalf("DeadLetter() = %v", err)
	}
	w.Flush(5 * time.Second)

	listed, _ := dlq.DeadLetters(ctx, 10)
	if len(listed) != 1 || listed[0].JobID != "job-9" {
		t.Errorf("queue dead letters = %+v", listed)
	}
	archived, _ := db.List(ctx, Filter{JobID: "job-9"})
	if len(archived) != 1 {
		t.Errorf("archived = %+v", archived)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, config.ArchiveConfig{Driver: "none"})
	if err != nil || a != nil {
		t.Errorf("Open(none) = %v, %v", a, err)
	}

	a, err = Open(ctx, config.ArchiveConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) = %v", err)
	}
	a.Close()

	if _, err := Open(ctx, config.ArchiveConfig{Driver: "mysql"}); err == nil {
		t.Error("Open(mysql) should fail")
	}
}
