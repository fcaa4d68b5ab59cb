package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesChecksummedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, 10, 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, l.Append("run-1", "AnalysisStarted", nil))
	require.NoError(t, l.Append("run-1", "AnalysisFinished", map[string]string{"cancelled": "false"}))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)

	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, "AnalysisStarted", records[0].Kind)
	assert.Equal(t, checksum("run-1", "AnalysisStarted", 1), records[0].Checksum)

	assert.Equal(t, uint64(2), records[1].Seq)
	assert.Equal(t, "false", records[1].Detail["cancelled"])
}

func TestAppendBatchesAcrossConcurrentCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, 50, 20*time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- l.Append("run-1", "AnalysisProgress", nil)
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCloseFlushesPendingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	// A flush interval longer than the test itself forces Close's drain
	// path (rather than the ticker) to be what persists the record.
	l, err := Open(path, 10, time.Hour)
	require.NoError(t, err)

	// Append blocks until its batch is flushed, so it runs in the
	// background while Close drains and flushes it.
	appendErr := make(chan error, 1)
	go func() { appendErr <- l.Append("run-1", "AnalysisStarted", nil) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, <-appendErr)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "AnalysisStarted")
}
