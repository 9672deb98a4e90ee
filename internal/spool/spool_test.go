package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, dir string) *TaskQueue {
	t.Helper()
	q, err := Open(Config{Dir: dir, Key: "points.2878"})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	return q
}

func TestSpool_AddPeekRemove(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	if err := q.Add(Record{Data: []byte("task-1")}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.Add(Record{Data: []byte("task-2")}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	if q.Size() != 2 {
		t.Errorf("expected size 2, got %d", q.Size())
	}

	rec, err := q.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(rec.Data) != "task-1" {
		t.Errorf("expected FIFO head task-1, got %q", rec.Data)
	}

	// Peek must not consume.
	rec2, _ := q.Peek()
	if string(rec2.Data) != "task-1" {
		t.Error("peek consumed the head")
	}

	if err := q.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec3, _ := q.Peek()
	if string(rec3.Data) != "task-2" {
		t.Errorf("expected task-2 after remove, got %q", rec3.Data)
	}
	if q.Size() != 1 {
		t.Errorf("expected size 1, got %d", q.Size())
	}
}

func TestSpool_EmptyPeek(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()
	rec, err := q.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if rec != nil {
		t.Error("expected nil from empty spool")
	}
}

func TestSpool_RestartRecoversHeadFirst(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	for i := 1; i <= 3; i++ {
		if err := q.Add(Record{Data: []byte(fmt.Sprintf("task-%d", i))}, ReasonProxyShutdown); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Consume the first task, then simulate a crash/restart.
	if err := q.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q2 := openTestQueue(t, dir)
	defer q2.Close()
	if q2.Size() != 2 {
		t.Fatalf("expected 2 recovered tasks, got %d", q2.Size())
	}
	rec, err := q2.Peek()
	if err != nil {
		t.Fatalf("peek after restart: %v", err)
	}
	if string(rec.Data) != "task-2" {
		t.Errorf("expected head task-2 retried first after restart, got %q", rec.Data)
	}
}

func TestSpool_PersistsAttemptsAndFirstAttempt(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	first := time.Now().Add(-time.Minute).UnixMilli()
	if err := q.Add(Record{Data: []byte("x"), Attempts: 3, FirstAttemptMillis: first}, ReasonRateLimit); err != nil {
		t.Fatalf("add: %v", err)
	}
	q.Close()

	q2 := openTestQueue(t, dir)
	defer q2.Close()
	rec, err := q2.Peek()
	if err != nil || rec == nil {
		t.Fatalf("peek: %v", err)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", rec.Attempts)
	}
	if rec.FirstAttemptMillis != first {
		t.Errorf("expected firstAttempt %d, got %d", first, rec.FirstAttemptMillis)
	}
}

func TestSpool_CompressionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Dir: dir, Key: "points.2878", Compression: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()
	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa compressible")
	if err := q.Add(Record{Data: payload}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err := q.Peek()
	if err != nil || rec == nil {
		t.Fatalf("peek: %v", err)
	}
	if string(rec.Data) != string(payload) {
		t.Error("compressed payload did not round-trip")
	}
}

func TestSpool_CorruptRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	if err := q.Add(Record{Data: []byte("victim")}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	q.Close()

	// Flip payload bytes so the CRC no longer matches.
	path := filepath.Join(dir, "spool_00000000.dat")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}

	q2 := openTestQueue(t, dir)
	defer q2.Close()
	rec, err := q2.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if rec != nil {
		t.Errorf("expected corrupt record skipped, got %q", rec.Data)
	}
}

func TestSpool_DeadLetterByAttempts(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Dir: dir, Key: "points.2878", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()
	if err := q.Add(Record{Data: []byte("worn-out"), Attempts: 5}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.Add(Record{Data: []byte("fresh")}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err := q.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if rec == nil || string(rec.Data) != "fresh" {
		t.Errorf("expected dead-lettered head skipped, got %v", rec)
	}
}

func TestSpool_DeadLetterByAge(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Dir: dir, Key: "points.2878", MaxTaskAge: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if err := q.Add(Record{Data: []byte("stale"), FirstAttemptMillis: stale}, ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err := q.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if rec != nil {
		t.Errorf("expected stale task dead-lettered, got %q", rec.Data)
	}
}

func TestSpool_Clear(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()
	for i := 0; i < 5; i++ {
		_ = q.Add(Record{Data: []byte("x")}, ReasonBufferSize)
	}
	if err := q.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("expected empty spool after clear, got %d", q.Size())
	}
	// Spool must remain usable.
	if err := q.Add(Record{Data: []byte("again")}, ReasonBufferSize); err != nil {
		t.Fatalf("add after clear: %v", err)
	}
}

func TestSpool_QueueFull(t *testing.T) {
	q, err := Open(Config{Dir: t.TempDir(), Key: "points.2878", MaxTasks: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()
	_ = q.Add(Record{Data: []byte("1")}, ReasonBufferSize)
	_ = q.Add(Record{Data: []byte("2")}, ReasonBufferSize)
	if err := q.Add(Record{Data: []byte("3")}, ReasonBufferSize); err != ErrSpoolFull {
		t.Errorf("expected ErrSpoolFull, got %v", err)
	}
}

func TestSpool_Stats(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()
	first := time.Now().Add(-30 * time.Second).UnixMilli()
	_ = q.Add(Record{Data: []byte("abc"), FirstAttemptMillis: first}, ReasonRateLimit)
	s := q.QueueStats()
	if s.Tasks != 1 {
		t.Errorf("expected 1 task, got %d", s.Tasks)
	}
	if s.Bytes <= 0 {
		t.Errorf("expected positive bytes, got %d", s.Bytes)
	}
	if s.OldestAge < 25*time.Second {
		t.Errorf("expected oldest age around 30s, got %v", s.OldestAge)
	}
}

func TestSpool_RollingFiles(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Dir: dir, Key: "points.2878", MaxFileBytes: 64})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := q.Add(Record{Data: []byte(fmt.Sprintf("payload-%02d", i))}, ReasonServerError); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	q.Close()

	entries, _ := os.ReadDir(dir)
	dataFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == dataFileExt {
			dataFiles++
		}
	}
	if dataFiles < 2 {
		t.Errorf("expected rolling across multiple data files, got %d", dataFiles)
	}

	q2 := openTestQueue(t, dir)
	defer q2.Close()
	if q2.Size() != 10 {
		t.Fatalf("expected 10 recovered tasks across files, got %d", q2.Size())
	}
	for i := 0; i < 10; i++ {
		rec, err := q2.Peek()
		if err != nil || rec == nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		want := fmt.Sprintf("payload-%02d", i)
		if string(rec.Data) != want {
			t.Fatalf("expected %q at position %d, got %q", want, i, rec.Data)
		}
		if err := q2.Remove(); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}
}
