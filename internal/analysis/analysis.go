// Package analysis implements the Analysis Facade (spec.md §4.1): the
// per-run handle the front end drives with start/pause/resume/cancel/
// check, wiring together the Controller, Job Server, and the shared
// Worker Supervisor for one pipeline run.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/analysis-runner/internal/controller"
	"github.com/ChuLiYu/analysis-runner/internal/imageset"
	"github.com/ChuLiYu/analysis-runner/internal/jobserver"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/metrics"
	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/internal/runner"
	"github.com/ChuLiYu/analysis-runner/internal/statusexport"
	"github.com/ChuLiYu/analysis-runner/internal/worker"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

var log = slog.Default()

// ErrBusy is returned by Start when a run is already in progress
// (spec.md §4.1, §7's BusyError).
var ErrBusy = errors.New("analysis: a run is already in progress")

// Options configures a single Start call.
type Options struct {
	ImageSetStart types.ImageSetNumber
	ImageSetEnd   types.ImageSetNumber
	Overwrite     bool

	// JobServerBind is the TCP address the job server's Boundary listens
	// on; empty picks a random loopback port (spec.md §4.3).
	JobServerBind string

	// WorkerCount overrides worker.DefaultWorkerCount(); 0 uses the default.
	WorkerCount int
}

// Deps bundles Analysis's optional observability collaborators, passed
// straight through to the Job Server it constructs on Start. A
// zero-valued field is simply skipped (jobserver.Deps's contract).
type Deps struct {
	Metrics  *metrics.Collector
	Exporter *statusexport.Exporter
}

// Analysis owns a cloned pipeline, an owned measurements store, and at
// most one active Runner (spec.md §3).
type Analysis struct {
	pipeline     pipeline.Pipeline
	measurements measurements.Store
	supervisor   *worker.Supervisor
	bus          jobserver.AnnounceBus
	deps         Deps

	announceEndpoint      string
	imageProviderEndpoint string

	mu         sync.Mutex
	inProgress bool
	runID      string
	g          *errgroup.Group
	runnerRef  *runner.Runner
}

// New constructs an Analysis around a cloned pipeline and its initial
// measurements store. The Worker Supervisor and announce bus are shared,
// process-wide collaborators passed in rather than constructed here
// (spec.md §9's re-architecture note on the global worker pool).
// announceEndpoint and imageProviderEndpoint are handed to every worker
// process the supervisor spawns (spec.md §4.5).
func New(p pipeline.Pipeline, store measurements.Store, supervisor *worker.Supervisor, bus jobserver.AnnounceBus, announceEndpoint, imageProviderEndpoint string, deps Deps) *Analysis {
	return &Analysis{
		pipeline:              p.Clone(),
		measurements:          store,
		supervisor:            supervisor,
		bus:                   bus,
		deps:                  deps,
		announceEndpoint:      announceEndpoint,
		imageProviderEndpoint: imageProviderEndpoint,
	}
}

// Start implements spec.md §4.1's start operation.
func (a *Analysis) Start(sink events.Sink, opts Options) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inProgress {
		return "", ErrBusy
	}

	runID := uuid.New().String()

	start, end, err := a.resolveWindow(opts)
	if err != nil {
		return "", fmt.Errorf("analysis: %w", err)
	}
	imageSets := imageset.NewManagerWithStore(start, end, a.measurements)

	r := runner.New(runID, a.pipeline, a.measurements, imageSets, sink)
	if a.supervisor != nil {
		r.WorkerLiveness = a.supervisor.Alive
		if startErr := a.supervisor.Start(opts.WorkerCount, a.announceEndpoint, a.imageProviderEndpoint); startErr != nil && !errors.Is(startErr, worker.ErrAlreadyStarted) {
			return "", fmt.Errorf("analysis: start worker supervisor: %w", startErr)
		}
	}

	ws := pipeline.Workspace{Pipeline: a.pipeline, Measurements: a.measurements}
	if err := a.pipeline.PrepareRun(ws); err != nil {
		return "", fmt.Errorf("analysis: prepare_run: %w", err)
	}
	if err := a.measurements.Flush(); err != nil {
		return "", fmt.Errorf("analysis: flush initial store: %w", err)
	}

	ctl := controller.New(r, controller.Config{
		ImageSetStart: start,
		ImageSetEnd:   end,
		Overwrite:     opts.Overwrite,
	})
	js := jobserver.New(r, a.bus, opts.JobServerBind, jobserver.Deps{Metrics: a.deps.Metrics, Exporter: a.deps.Exporter})

	g, _ := errgroup.WithContext(context.Background())
	g.Go(ctl.Run)
	g.Go(js.Run)

	a.inProgress = true
	a.runID = runID
	a.g = g
	a.runnerRef = r

	go a.awaitCompletion(runID, g)

	return runID, nil
}

// awaitCompletion joins the controller+job-server pair and clears the run
// id once both exit (spec.md §4.2 step 10), propagating the first task
// error (if any) to a future check() caller via a logged warning — the
// facade never panics on an internal task error, it just stops reporting
// the run as in progress.
func (a *Analysis) awaitCompletion(runID string, g *errgroup.Group) {
	if err := g.Wait(); err != nil {
		log.Error("analysis task failed", "run_id", runID, "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runID == runID {
		a.inProgress = false
		a.runID = ""
		a.runnerRef = nil
		a.g = nil
	}
}

// Pause implements spec.md §4.1's pause operation.
func (a *Analysis) Pause() error { return a.setFlag(func(f *runner.Flags) { f.SetPaused(true) }) }

// Resume implements spec.md §4.1's resume operation.
func (a *Analysis) Resume() error { return a.setFlag(func(f *runner.Flags) { f.SetPaused(false) }) }

// Cancel implements spec.md §4.1's cancel operation. A cancelled run
// cannot be resumed; the facade's in-progress handle is cleared once the
// tasks finish, and a new Analysis must be constructed for another run.
func (a *Analysis) Cancel() error { return a.setFlag(func(f *runner.Flags) { f.SetCancelled() }) }

func (a *Analysis) setFlag(mutate func(*runner.Flags)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inProgress || a.runnerRef == nil {
		return errors.New("analysis: no run in progress")
	}
	mutate(a.runnerRef.Flags)
	return nil
}

// Check implements spec.md §4.1's check operation: true iff both Runner
// tasks are still alive. The front end uses this as a liveness probe to
// notice an internal task that died without a clean finish.
func (a *Analysis) Check() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// Stats reports the current run's image-set tally and cancellation flag,
// mirroring the teacher's Controller.GetStats for a status-export side
// channel (SPEC_FULL.md §4.1). ok is false when no run is in progress.
func (a *Analysis) Stats() (counts types.StatusCounts, cancelled bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inProgress || a.runnerRef == nil {
		return types.StatusCounts{}, false, false
	}
	return a.runnerRef.ImageSets.Counts(), a.runnerRef.Flags.Cancelled(), true
}

func (a *Analysis) resolveWindow(opts Options) (start, end types.ImageSetNumber, err error) {
	start = opts.ImageSetStart
	if start == 0 {
		start = 1
	}
	end = opts.ImageSetEnd
	if end == 0 {
		end = types.ImageSetNumber(a.measurements.ImageSetCount() + 1)
	}
	if end <= start {
		return 0, 0, fmt.Errorf("empty image set window [%d, %d)", start, end)
	}
	return start, end, nil
}
