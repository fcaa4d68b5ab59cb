// Package eventlog implements an append-only, checksummed audit log of
// every lifecycle event emitted during a run, adapted from the teacher's
// internal/storage/wal package. Unlike that WAL, this log is never
// replayed at startup: spec.md's Non-goals explicitly exclude "durable
// job queues that survive runner restart", so this is audit trail only —
// a human or an external tool reads it after the fact, the runner never
// reads it back.
package eventlog

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

// Record is one logged event, checksummed so a truncated or corrupted
// tail line can be detected (not repaired — this is audit-only).
type Record struct {
	Seq       uint64            `json:"seq"`
	RunID     string            `json:"run_id"`
	Kind      string            `json:"kind"`
	Timestamp int64             `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
	Checksum  uint32            `json:"checksum"`
}

func checksum(runID, kind string, seq uint64) uint32 {
	data := fmt.Sprintf("%s|%s|%d", runID, kind, seq)
	return crc32.ChecksumIEEE([]byte(data))
}

type writeRequest struct {
	record Record
	errCh  chan error
}

// Log is a background batch-writer over an append-only file, grounded on
// the teacher WAL's batchChan/flushInterval design: Append hands the
// record to a background goroutine and blocks for its flush result,
// while concurrent Appends are coalesced into one fsync.
type Log struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	seq  uint64

	requests chan writeRequest
	closed   chan struct{}
	wg       sync.WaitGroup

	bufferSize    int
	flushInterval time.Duration
}

// Open creates or appends to the audit log at path. bufferSize bounds how
// many records are coalesced per fsync; flushInterval bounds how long a
// record can wait before being flushed even if the batch isn't full.
func Open(path string, bufferSize int, flushInterval time.Duration) (*Log, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	l := &Log{
		file:          f,
		enc:           json.NewEncoder(f),
		requests:      make(chan writeRequest, bufferSize*2),
		closed:        make(chan struct{}),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
	}

	l.wg.Add(1)
	go l.batchWriter()
	return l, nil
}

// Append records one lifecycle event and blocks until it (and its batch)
// has been flushed to disk.
func (l *Log) Append(runID, kind string, detail map[string]string) error {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	rec := Record{
		Seq:       seq,
		RunID:     runID,
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Detail:    detail,
		Checksum:  checksum(runID, kind, seq),
	}

	errCh := make(chan error, 1)
	select {
	case l.requests <- writeRequest{record: rec, errCh: errCh}:
		return <-errCh
	case <-l.closed:
		return fmt.Errorf("eventlog: closed")
	}
}

func (l *Log) batchWriter() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]writeRequest, 0, l.bufferSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := l.writeBatch(batch)
		for _, req := range batch {
			req.errCh <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case req := <-l.requests:
			batch = append(batch, req)
			if len(batch) >= l.bufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.closed:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case req := <-l.requests:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Log) writeBatch(batch []writeRequest) error {
	for _, req := range batch {
		if err := l.enc.Encode(req.record); err != nil {
			return fmt.Errorf("eventlog: encode record: %w", err)
		}
	}
	return l.file.Sync()
}

// Close flushes any buffered records and closes the file.
func (l *Log) Close() error {
	close(l.closed)
	l.wg.Wait()
	if err := l.file.Close(); err != nil {
		log.Warn("eventlog: close failed", "error", err)
		return err
	}
	return nil
}
