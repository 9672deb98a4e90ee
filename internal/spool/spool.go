// Package spool is the disk-backed queue of serialized submission tasks
// awaiting retry. Each HandlerKey owns one spool directory of rolling
// data files; every file is a concatenation of length-prefixed,
// CRC-protected (optionally snappy-compressed) records, and a sidecar
// file stores the head cursor so the head task is re-attempted first
// after a restart.
package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/logging"
)

// Reason is why a task was queued to disk.
type Reason string

const (
	ReasonRateLimit     Reason = "RATE_LIMIT"
	ReasonBufferSize    Reason = "BUFFER_SIZE"
	ReasonProxyShutdown Reason = "PROXY_SHUTDOWN"
	ReasonServerError   Reason = "SERVER_ERROR"
)

const (
	recordMagic  = 0x53504C00 // "SPL\0"
	headerSize   = 28         // magic(4) + length(4) + crc(4) + flags(4) + attempts(4) + firstAttempt(8)
	flagSnappy   = 0x01
	dataFileExt  = ".dat"
	dataFileFmt  = "spool_%08d" + dataFileExt
	cursorName   = "spool.head"
	writerBufLen = 64 * 1024
)

var (
	ErrSpoolFull = errors.New("spool is full")
	ErrClosed    = errors.New("spool is closed")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

var (
	spoolTasksQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_proxy_spool_tasks",
		Help: "Number of tasks currently queued on disk",
	}, []string{"key"})

	spoolBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_proxy_spool_bytes",
		Help: "On-disk bytes of queued tasks",
	}, []string{"key"})

	spoolQueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spool_queued_total",
		Help: "Total tasks queued to disk by reason",
	}, []string{"key", "reason"})

	spoolCorruptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spool_corrupt_records_total",
		Help: "Total records skipped due to corruption",
	}, []string{"key"})

	spoolDeadLetterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spool_dead_letter_total",
		Help: "Total tasks dropped after exceeding max attempts or max age",
	}, []string{"key"})

	spoolLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spool_lost_total",
		Help: "Total tasks dropped by clearing the spool",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(spoolTasksQueued)
	prometheus.MustRegister(spoolBytes)
	prometheus.MustRegister(spoolQueuedTotal)
	prometheus.MustRegister(spoolCorruptTotal)
	prometheus.MustRegister(spoolDeadLetterTotal)
	prometheus.MustRegister(spoolLostTotal)
}

// Record is one queued task as stored on disk.
type Record struct {
	// Data is the serialized task envelope.
	Data []byte
	// FirstAttemptMillis is the task creation time.
	FirstAttemptMillis int64
	// Attempts is how many times submission has been tried.
	Attempts int
}

// Config holds spool settings.
type Config struct {
	// Dir is the spool directory for one HandlerKey.
	Dir string
	// Key labels metrics, customarily HandlerKey.String().
	Key string
	// MaxTasks bounds the queued task count (default 100000).
	MaxTasks int
	// MaxBytes bounds on-disk bytes (default 2GB).
	MaxBytes int64
	// MaxFileBytes is the rolling threshold for data files (default 32MB).
	MaxFileBytes int64
	// SyncBatchSize is how many appends between fsyncs (default 32).
	SyncBatchSize int
	// Compression enables snappy compression of record payloads.
	Compression bool
	// MaxAttempts dead-letters tasks tried more than this (default 100).
	MaxAttempts int
	// MaxTaskAge dead-letters tasks older than this (default 24h).
	MaxTaskAge time.Duration
}

// TaskQueue is a disk-backed FIFO of task records.
type TaskQueue struct {
	mu  sync.Mutex
	cfg Config

	dir      string
	headSeq  int64
	headOff  int64
	tailSeq  int64
	tailFile *os.File
	tailBuf  *bufio.Writer
	tailOff  int64

	count        int
	bytes        int64
	pendingSyncs int
	closed       bool
}

type cursor struct {
	FileSeq int64 `json:"fileSeq"`
	Offset  int64 `json:"offset"`
}

// Open opens (or creates) a spool directory and recovers its state.
// The head cursor is restored so the head task is re-attempted first.
func Open(cfg Config) (*TaskQueue, error) {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 100000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 30
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 32 << 20
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 100
	}
	if cfg.MaxTaskAge <= 0 {
		cfg.MaxTaskAge = 24 * time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}

	q := &TaskQueue{cfg: cfg, dir: cfg.Dir}
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

// Add enqueues a serialized task. O(1) append; fsync happens on batch
// boundaries, not on the hot path.
func (q *TaskQueue) Add(rec Record, reason Reason) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.count >= q.cfg.MaxTasks || q.bytes >= q.cfg.MaxBytes {
		return ErrSpoolFull
	}

	payload := rec.Data
	flags := uint32(0)
	if q.cfg.Compression {
		payload = snappy.Encode(nil, rec.Data)
		flags |= flagSnappy
	}
	if rec.FirstAttemptMillis == 0 {
		rec.FirstAttemptMillis = time.Now().UnixMilli()
	}

	if err := q.ensureTail(); err != nil {
		return err
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], recordMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(header[12:16], flags)
	binary.LittleEndian.PutUint32(header[16:20], uint32(rec.Attempts))
	binary.LittleEndian.PutUint64(header[20:28], uint64(rec.FirstAttemptMillis))

	if _, err := q.tailBuf.Write(header); err != nil {
		return fmt.Errorf("spool: write header: %w", err)
	}
	if _, err := q.tailBuf.Write(payload); err != nil {
		return fmt.Errorf("spool: write payload: %w", err)
	}
	q.tailOff += headerSize + int64(len(payload))
	q.count++
	q.bytes += headerSize + int64(len(payload))

	q.pendingSyncs++
	if q.pendingSyncs >= q.cfg.SyncBatchSize {
		q.syncLocked()
	}

	if q.tailOff >= q.cfg.MaxFileBytes {
		q.rollLocked()
	}

	spoolQueuedTotal.WithLabelValues(q.cfg.Key, string(reason)).Inc()
	q.updateGauges()
	return nil
}

// Peek returns the head record without removing it, or nil when empty.
// Dead-lettered and corrupt records at the head are skipped (and
// counted) transparently.
func (q *TaskQueue) Peek() (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

// Remove pops the head record. Call after a successful Peek/submit.
func (q *TaskQueue) Remove() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	rec, size, err := q.readHeadLocked()
	if err != nil || rec == nil {
		return err
	}
	q.advanceLocked(size)
	return nil
}

// Size returns the exact count of queued tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats describes the on-disk state of the spool.
type Stats struct {
	Tasks     int
	Bytes     int64
	OldestAge time.Duration
}

// QueueStats returns current on-disk bytes and oldest-task age.
func (q *TaskQueue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Tasks: q.count, Bytes: q.bytes}
	if rec, _, err := q.readHeadLocked(); err == nil && rec != nil {
		s.OldestAge = time.Since(time.UnixMilli(rec.FirstAttemptMillis))
	}
	return s
}

// Clear drops all queued tasks and emits a loss counter.
func (q *TaskQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	spoolLostTotal.WithLabelValues(q.cfg.Key).Add(float64(q.count))
	if q.tailFile != nil {
		q.tailBuf.Flush()
		q.tailFile.Close()
		q.tailFile = nil
		q.tailBuf = nil
	}
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), dataFileExt) || e.Name() == cursorName {
			_ = os.Remove(filepath.Join(q.dir, e.Name()))
		}
	}
	q.headSeq, q.headOff, q.tailSeq, q.tailOff = 0, 0, 0, 0
	q.count, q.bytes = 0, 0
	q.updateGauges()
	return nil
}

// Close flushes and closes the spool.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.syncLocked()
	q.persistCursorLocked(true)
	if q.tailFile != nil {
		if err := q.tailFile.Close(); err != nil {
			return err
		}
		q.tailFile = nil
	}
	return nil
}

func (q *TaskQueue) dataFilePath(seq int64) string {
	return filepath.Join(q.dir, fmt.Sprintf(dataFileFmt, seq))
}

func (q *TaskQueue) ensureTail() error {
	if q.tailFile != nil {
		return nil
	}
	f, err := os.OpenFile(q.dataFilePath(q.tailSeq), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: open data file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	q.tailFile = f
	q.tailBuf = bufio.NewWriterSize(f, writerBufLen)
	q.tailOff = st.Size()
	return nil
}

func (q *TaskQueue) rollLocked() {
	q.syncLocked()
	if q.tailFile != nil {
		q.tailFile.Close()
		q.tailFile = nil
		q.tailBuf = nil
	}
	q.tailSeq++
	q.tailOff = 0
}

func (q *TaskQueue) syncLocked() {
	if q.tailBuf != nil {
		_ = q.tailBuf.Flush()
	}
	if q.tailFile != nil {
		_ = q.tailFile.Sync()
	}
	q.pendingSyncs = 0
}

// persistCursorLocked rewrites the head cursor sidecar. Only Close
// passes forced=true, so Remove stays off the fsync path.
func (q *TaskQueue) persistCursorLocked(forced bool) {
	data, _ := json.Marshal(cursor{FileSeq: q.headSeq, Offset: q.headOff})
	tmp := filepath.Join(q.dir, cursorName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.Warn("spool: cannot persist head cursor", logging.F("error", err.Error()))
		return
	}
	if forced {
		if f, err := os.Open(tmp); err == nil {
			_ = f.Sync()
			f.Close()
		}
	}
	_ = os.Rename(tmp, filepath.Join(q.dir, cursorName))
}

// peekLocked returns the current head, transparently skipping corrupt
// and dead-lettered records.
func (q *TaskQueue) peekLocked() (*Record, error) {
	if q.closed {
		return nil, ErrClosed
	}
	for {
		rec, size, err := q.readHeadLocked()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		age := time.Since(time.UnixMilli(rec.FirstAttemptMillis))
		if rec.Attempts > q.cfg.MaxAttempts || age > q.cfg.MaxTaskAge {
			spoolDeadLetterTotal.WithLabelValues(q.cfg.Key).Inc()
			q.advanceLocked(size)
			continue
		}
		return rec, nil
	}
}

// readHeadLocked reads the record at the head cursor. Returns (nil, 0, nil)
// when the spool is empty. Corrupt records are skipped in place.
func (q *TaskQueue) readHeadLocked() (*Record, int64, error) {
	for {
		if q.headSeq == q.tailSeq && q.headOff >= q.tailOff {
			return nil, 0, nil
		}
		// Reading from the tail file: flush buffered writes first.
		if q.headSeq == q.tailSeq && q.tailBuf != nil {
			if err := q.tailBuf.Flush(); err != nil {
				return nil, 0, err
			}
		}
		f, err := os.Open(q.dataFilePath(q.headSeq))
		if err != nil {
			if os.IsNotExist(err) && q.headSeq < q.tailSeq {
				q.headSeq++
				q.headOff = 0
				continue
			}
			return nil, 0, err
		}
		rec, size, err := readRecordAt(f, q.headOff)
		st, _ := f.Stat()
		f.Close()
		if err == io.EOF {
			if q.headSeq < q.tailSeq {
				_ = os.Remove(q.dataFilePath(q.headSeq))
				q.headSeq++
				q.headOff = 0
				continue
			}
			return nil, 0, nil
		}
		if err != nil {
			// Corrupt head: skip the rest of this file, it cannot be
			// re-framed reliably.
			spoolCorruptTotal.WithLabelValues(q.cfg.Key).Inc()
			logging.Warn("spool: corrupt record, skipping rest of file", logging.F(
				"key", q.cfg.Key,
				"file_seq", q.headSeq,
				"offset", q.headOff,
				"error", err.Error(),
			))
			remaining := int64(0)
			if st != nil {
				remaining = st.Size() - q.headOff
			}
			q.advanceLocked(remaining)
			if q.headSeq < q.tailSeq {
				_ = os.Remove(q.dataFilePath(q.headSeq))
				q.headSeq++
				q.headOff = 0
			}
			continue
		}
		return rec, size, nil
	}
}

// advanceLocked moves the head cursor past a record of the given size.
func (q *TaskQueue) advanceLocked(size int64) {
	q.headOff += size
	if q.count > 0 {
		q.count--
	}
	q.bytes -= size
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.persistCursorLocked(false)
	q.updateGauges()
}

func (q *TaskQueue) updateGauges() {
	spoolTasksQueued.WithLabelValues(q.cfg.Key).Set(float64(q.count))
	spoolBytes.WithLabelValues(q.cfg.Key).Set(float64(q.bytes))
}

// readRecordAt reads and validates one record at offset.
func readRecordAt(f *os.File, off int64) (*Record, int64, error) {
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, off); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != recordMagic {
		return nil, 0, fmt.Errorf("bad record magic at offset %d", off)
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	wantCRC := binary.LittleEndian.Uint32(header[8:12])
	flags := binary.LittleEndian.Uint32(header[12:16])
	attempts := binary.LittleEndian.Uint32(header[16:20])
	firstAttempt := int64(binary.LittleEndian.Uint64(header[20:28]))

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, off+headerSize); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	if crc32.Checksum(payload, crcTable) != wantCRC {
		return nil, 0, fmt.Errorf("crc mismatch at offset %d", off)
	}
	data := payload
	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, 0, fmt.Errorf("decompress record at offset %d: %w", off, err)
		}
		data = decoded
	}
	return &Record{
		Data:               data,
		FirstAttemptMillis: firstAttempt,
		Attempts:           int(attempts),
	}, headerSize + int64(length), nil
}

// recover rebuilds the in-memory state from the data files and cursor.
func (q *TaskQueue) recover() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	var seqs []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "spool_") || !strings.HasSuffix(name, dataFileExt) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "spool_"), dataFileExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) == 0 {
		q.updateGauges()
		return nil
	}
	q.tailSeq = seqs[len(seqs)-1]
	q.headSeq = seqs[0]

	if data, err := os.ReadFile(filepath.Join(q.dir, cursorName)); err == nil {
		var c cursor
		if json.Unmarshal(data, &c) == nil && c.FileSeq >= q.headSeq {
			q.headSeq = c.FileSeq
			q.headOff = c.Offset
		}
	}

	// Scan from the head cursor to count active records and bytes.
	for seq := q.headSeq; seq <= q.tailSeq; seq++ {
		f, err := os.Open(q.dataFilePath(seq))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		off := int64(0)
		if seq == q.headSeq {
			off = q.headOff
		}
		for {
			_, size, err := readRecordAt(f, off)
			if err == io.EOF {
				break
			}
			if err != nil {
				spoolCorruptTotal.WithLabelValues(q.cfg.Key).Inc()
				break
			}
			q.count++
			q.bytes += size
			off += size
		}
		if seq == q.tailSeq {
			q.tailOff = off
		}
		f.Close()
	}
	q.updateGauges()
	logging.Info("spool recovered", logging.F(
		"key", q.cfg.Key,
		"dir", q.dir,
		"tasks", q.count,
		"bytes", q.bytes,
	))
	return nil
}
