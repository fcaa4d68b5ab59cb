package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-runner/internal/imageset"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/internal/runner"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

func newTestRunner(t *testing.T, start, end types.ImageSetNumber) (*runner.Runner, *events.ChanSink) {
	t.Helper()
	store := measurements.NewFileStore(t.TempDir() + "/measurements.json")
	imageSets := imageset.NewManager(start, end)
	sink := events.NewChanSink(64)
	return runner.New("run-1", pipeline.NewNoop(false), store, imageSets, sink), sink
}

// drainJob pulls exactly one job off the work queue within a deadline.
func drainJob(t *testing.T, r *runner.Runner) types.Job {
	t.Helper()
	select {
	case j := <-r.WorkQueue:
		return j
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a job")
		return types.Job{}
	}
}

func completeJob(r *runner.Runner, j types.Job) {
	r.InProcessQueue <- types.InProcessNotice{ImageSets: j.ImageSets}
	r.ReturnedMeasurementQueue <- types.ReturnedMeasurements{ImageSets: j.ImageSets}
}

func TestRunNonGroupedToCompletion(t *testing.T) {
	r, sink := newTestRunner(t, 1, 3) // image sets 1, 2

	c := New(r, Config{})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	j1 := drainJob(t, r)
	assert.Len(t, j1.ImageSets, 1)
	assert.False(t, j1.GroupingNeeded)
	completeJob(r, j1)

	j2 := drainJob(t, r)
	completeJob(r, j2)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish")
	}

	counts := r.ImageSets.Counts()
	assert.Equal(t, types.StatusCounts{Done: 2}, counts)

	var kinds []events.Kind
	var finishedCancelled bool
	drainEvents:
	for {
		select {
		case e := <-sink.C:
			kinds = append(kinds, e.Kind)
			if e.Kind == events.AnalysisFinished {
				finishedCancelled = e.Cancelled
			}
		default:
			break drainEvents
		}
	}
	assert.Contains(t, kinds, events.AnalysisStarted)
	assert.Contains(t, kinds, events.AnalysisFinished)
	assert.False(t, finishedCancelled)
}

func TestRunGroupedBucketsByGroupNumber(t *testing.T) {
	store := measurements.NewFileStore(t.TempDir() + "/measurements.json")
	store.Write("Image", "Group_Number", 1, 1)
	store.Write("Image", "Group_Index", 1, 0)
	store.Write("Image", "Group_Number", 2, 1)
	store.Write("Image", "Group_Index", 2, 1)
	require.NoError(t, store.Flush())

	imageSets := imageset.NewManager(1, 3)
	imageSets.SetGrouping(1, 1, 0)
	imageSets.SetGrouping(2, 1, 1)

	sink := events.NewChanSink(64)
	r := runner.New("run-grouped", pipeline.NewNoop(true), store, imageSets, sink)

	c := New(r, Config{})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	job := drainJob(t, r)
	assert.True(t, job.GroupingNeeded)
	assert.Equal(t, []types.ImageSetNumber{1, 2}, job.ImageSets)
	completeJob(r, job)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish")
	}
}

func TestRunCancelledStopsDispatchingMoreWork(t *testing.T) {
	r, _ := newTestRunner(t, 1, 4) // three image sets

	c := New(r, Config{})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	j1 := drainJob(t, r)
	r.Flags.SetCancelled()
	completeJob(r, j1)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish after cancellation")
	}
}

func TestRunSkipsPersistedDoneImageSetsWithoutOverwrite(t *testing.T) {
	store := measurements.NewFileStore(t.TempDir() + "/measurements.json")
	store.Write("Image", "ProcessingStatus", 1, types.Done.String())
	require.NoError(t, store.Flush())

	imageSets := imageset.NewManagerWithStore(1, 3, store) // image sets 1, 2
	sink := events.NewChanSink(64)
	r := runner.New("run-rerun", pipeline.NewNoop(false), store, imageSets, sink)

	c := New(r, Config{Overwrite: false})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	// Only image set 2 should ever be dispatched; 1 was already Done.
	j := drainJob(t, r)
	assert.Equal(t, []types.ImageSetNumber{2}, j.ImageSets)
	completeJob(r, j)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish")
	}

	counts := r.ImageSets.Counts()
	assert.Equal(t, types.StatusCounts{Done: 2}, counts)
}

func TestRunSelfCancelsWhenAllWorkersDieWithWorkRemaining(t *testing.T) {
	r, _ := newTestRunner(t, 1, 4) // three image sets, none ever dispatched to completion
	r.WorkerLiveness = func() int { return 0 }

	c := New(r, Config{})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not self-cancel when no workers were alive")
	}

	assert.True(t, r.Flags.Cancelled())
}
