package jobserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-runner/internal/boundary"
	"github.com/ChuLiYu/analysis-runner/internal/imageset"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/metrics"
	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/internal/runner"
	"github.com/ChuLiYu/analysis-runner/internal/statusexport"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

// counterValue reads the current value of a named counter straight out of
// a Gatherer, avoiding any dependency on metrics package internals.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

type recordingBus struct {
	published chan Announcement
	done      chan string
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(chan Announcement, 64), done: make(chan string, 4)}
}

func (b *recordingBus) Publish(a Announcement)      { b.published <- a }
func (b *recordingBus) PublishDone(analysisID string) { b.done <- analysisID }

func newTestRunner(t *testing.T) (*runner.Runner, *events.ChanSink) {
	t.Helper()
	store := measurements.NewFileStore(t.TempDir() + "/measurements.json")
	imageSets := imageset.NewManager(1, 2)
	sink := events.NewChanSink(64)
	return runner.New("run-1", pipeline.NewNoop(false), store, imageSets, sink), sink
}

func waitForAnnouncement(t *testing.T, bus *recordingBus) Announcement {
	t.Helper()
	select {
	case a := <-bus.published:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announcement")
		return Announcement{}
	}
}

func TestJobServerRespondsNoneWhenQueueEmpty(t *testing.T) {
	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	ann := waitForAnnouncement(t, bus)
	assert.Equal(t, "run-1", ann.AnalysisID)

	client, err := boundary.Dial(ann.Endpoint)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Send(boundary.TagWork, nil)
	require.NoError(t, err)
	assert.Equal(t, "NONE", string(reply["jobtype"]))
}

func TestJobServerDispatchesQueuedWork(t *testing.T) {
	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	ann := waitForAnnouncement(t, bus)
	client, err := boundary.Dial(ann.Endpoint)
	require.NoError(t, err)
	defer client.Close()

	r.WorkQueue <- types.Job{ImageSets: []types.ImageSetNumber{1}, GroupingNeeded: false}

	reply, err := client.Send(boundary.TagWork, nil)
	require.NoError(t, err)
	assert.Equal(t, "IMAGE", string(reply["jobtype"]))
	assert.Equal(t, "1", string(reply["images"]))

	select {
	case notice := <-r.InProcessQueue:
		assert.Equal(t, []types.ImageSetNumber{1}, notice.ImageSets)
	case <-time.After(time.Second):
		t.Fatal("expected an in-process notice")
	}
}

func TestJobServerForwardsMeasurementsReport(t *testing.T) {
	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	ann := waitForAnnouncement(t, bus)
	client, err := boundary.Dial(ann.Endpoint)
	require.NoError(t, err)
	defer client.Close()

	storePath := t.TempDir() + "/report.json"
	report := measurements.NewFileStore(storePath)
	require.NoError(t, report.Flush())

	reply, err := client.Send(boundary.TagMeasurements, map[string]string{
		"path":              storePath,
		"image_set_numbers": "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "THANKS", string(reply["message"]))

	select {
	case rm := <-r.ReturnedMeasurementQueue:
		assert.Equal(t, []types.ImageSetNumber{1}, rm.ImageSets)
	case <-time.After(time.Second):
		t.Fatal("expected a returned-measurements notice")
	}
}

func TestJobServerForwardsInteractionToSink(t *testing.T) {
	r, sink := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	ann := waitForAnnouncement(t, bus)
	client, err := boundary.Dial(ann.Endpoint)
	require.NoError(t, err)
	defer client.Close()

	replyCh := make(chan map[string][]byte, 1)
	go func() {
		reply, sendErr := client.Send(boundary.TagInteraction, map[string]string{"question": "continue?"})
		require.NoError(t, sendErr)
		replyCh <- reply
	}()

	select {
	case e := <-sink.C:
		require.Equal(t, events.InteractionRequest, e.Kind)
		assert.Equal(t, "continue?", e.Payload["question"])
		e.Reply(map[string]string{"answer": "yes"}, nil)
	case <-time.After(time.Second):
		t.Fatal("expected an interaction event")
	}

	select {
	case reply := <-replyCh:
		assert.Equal(t, "yes", string(reply["answer"]))
	case <-time.After(time.Second):
		t.Fatal("worker never received its reply")
	}
}

func TestJobServerRecordsDispatchAndCompletionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	collector := metrics.NewCollector()

	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{Metrics: collector})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	ann := waitForAnnouncement(t, bus)
	client, err := boundary.Dial(ann.Endpoint)
	require.NoError(t, err)
	defer client.Close()

	r.WorkQueue <- types.Job{ImageSets: []types.ImageSetNumber{1}, GroupingNeeded: false}

	reply, err := client.Send(boundary.TagWork, nil)
	require.NoError(t, err)
	assert.Equal(t, "IMAGE", string(reply["jobtype"]))
	<-r.InProcessQueue

	assert.Equal(t, float64(1), counterValue(t, reg, "analysis_jobs_dispatched_total"))

	storePath := t.TempDir() + "/report.json"
	report := measurements.NewFileStore(storePath)
	require.NoError(t, report.Flush())

	_, err = client.Send(boundary.TagMeasurements, map[string]string{
		"path":              storePath,
		"image_set_numbers": "1",
	})
	require.NoError(t, err)
	<-r.ReturnedMeasurementQueue

	assert.Equal(t, float64(1), counterValue(t, reg, "analysis_jobs_completed_total"))
}

func TestJobServerRefreshesStatusExportOnTheReannounceTick(t *testing.T) {
	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	statusPath := filepath.Join(t.TempDir(), "status.json")
	exporter := statusexport.New(statusPath)
	js := New(r, bus, "127.0.0.1:0", Deps{Exporter: exporter})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()
	defer func() {
		r.Flags.SetCancelled()
		<-runErr
	}()

	waitForAnnouncement(t, bus)

	require.Eventually(t, func() bool {
		_, err := os.Stat(statusPath)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestJobServerPublishesDoneOnExit(t *testing.T) {
	r, _ := newTestRunner(t)
	bus := newRecordingBus()
	js := New(r, bus, "127.0.0.1:0", Deps{})

	runErr := make(chan error, 1)
	go func() { runErr <- js.Run() }()

	waitForAnnouncement(t, bus)
	r.Flags.SetCancelled()

	require.NoError(t, <-runErr)

	select {
	case id := <-bus.done:
		assert.Equal(t, "run-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected a DONE publication")
	}
}
