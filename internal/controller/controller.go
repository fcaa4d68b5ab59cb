// Package controller implements the Controller task (spec.md §4.2): it
// groups image sets into jobs, tracks per-image-set status through the
// imageset.Manager, integrates returned measurements, emits lifecycle
// events, and decides when a run is finished.
package controller

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/internal/runner"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

var log = slog.Default()

// Config bounds the image-set window a run covers and whether Done sets
// are eligible for re-dispatch.
type Config struct {
	ImageSetStart types.ImageSetNumber // default 1
	ImageSetEnd   types.ImageSetNumber // default: store's ImageSetCount()+1
	Overwrite     bool
}

// Controller owns one run's job-construction and main loop. It is not
// safe to reuse across runs; one Controller per Analysis.Start call.
type Controller struct {
	r      *runner.Runner
	cfg    Config
	groups bool // whether this run dispatches grouped jobs
}

// New resolves defaults against the runner's measurements store and
// constructs a Controller, but does not start it — call Run for that.
func New(r *runner.Runner, cfg Config) *Controller {
	if cfg.ImageSetStart == 0 {
		cfg.ImageSetStart = 1
	}
	if cfg.ImageSetEnd == 0 {
		cfg.ImageSetEnd = types.ImageSetNumber(r.Measurements.ImageSetCount() + 1)
	}
	return &Controller{r: r, cfg: cfg}
}

// Run executes spec.md §4.2 steps 2-9 to completion, returning only once
// the run has finished or been cancelled. It works on the runner's
// measurements store directly; no separate working copy is cloned, and
// clearing the run id is left to the Analysis Facade. Callers run it in
// its own goroutine, joined via errgroup alongside the job server.
func (c *Controller) Run() error {
	r := c.r

	// Step 2: forward every pipeline event to the front end.
	r.Pipeline.AddListener(pipeline.ListenerFunc(func(event string, detail map[string]string) {
		r.Post(events.Event{Kind: events.DisplayRequest, Payload: mergeKind(event, detail)})
	}))

	// Step 3.
	r.Post(events.Event{Kind: events.AnalysisStarted})

	// Step 4: status reset pass. missing(n) consults the persisted
	// processing-status record, not an unrelated field, so a prior run's
	// Done image sets are correctly skipped unless overwrite is set.
	r.ImageSets.ResetForRun(c.cfg.Overwrite, func(n types.ImageSetNumber) bool {
		_, ok := r.Measurements.Read("Image", "ProcessingStatus", int(n))
		return !ok
	})

	// Step 5: job construction.
	ws := pipeline.Workspace{Pipeline: r.Pipeline, Measurements: r.Measurements}
	jobs, err := c.buildJobs(ws)
	if err != nil {
		log.Error("prepare_group failed; self-cancelling run", "run_id", r.ID, "error", err)
		r.Flags.SetCancelled()
		return c.finish(ws)
	}

	// Step 6: enqueue.
	for _, j := range jobs {
		r.WorkQueue <- j
	}

	// Step 7: main loop.
	for {
		drainedAny := c.drainReturns()
		drainedAny = c.drainInProcess() || drainedAny

		counts := c.tally()
		r.Post(events.Event{Kind: events.AnalysisProgress, Counts: counts})

		remaining := counts.InProcess + counts.Unprocessed
		if remaining == 0 {
			if !c.groups {
				if err := r.Pipeline.PostGroup(ws, map[string]string{}); err != nil {
					log.Error("post_group failed", "run_id", r.ID, "error", err)
				}
			}
			if err := r.Pipeline.PostRun(ws); err != nil {
				log.Error("post_run failed", "run_id", r.ID, "error", err)
			}
			break
		}

		if r.Flags.Cancelled() {
			break
		}

		// Distinguish "no work left" (remaining == 0, handled above) from
		// "all workers dead with work still outstanding": the run can
		// never finish on its own in that state, so self-cancel rather
		// than spin forever (spec.md §9's WorkerLiveness open question).
		if r.WorkerLiveness != nil && r.WorkerLiveness() == 0 {
			log.Error("all workers dead with work remaining; cancelling run", "run_id", r.ID, "remaining", remaining)
			r.Flags.SetCancelled()
			break
		}

		if !drainedAny {
			c.wait()
		}
	}

	return c.finish(ws)
}

// buildJobs implements step 5. Grouped pipelines bucket by group number
// and sort by group index; non-grouped pipelines get one job per image
// set, with a synthetic group assigned and flushed so workers see a
// consistent grouping schema either way.
func (c *Controller) buildJobs(ws pipeline.Workspace) ([]types.Job, error) {
	r := c.r

	if r.Measurements.HasGrouping() {
		c.groups = true
		asInt := func(v any) int {
			if f, ok := v.(float64); ok {
				return int(f) // values reloaded from JSON decode as float64
			}
			n, _ := v.(int)
			return n
		}
		start, end := r.ImageSets.Window()
		for n := start; n < end; n++ {
			gn, okN := r.Measurements.Read("Image", "Group_Number", int(n))
			gi, okI := r.Measurements.Read("Image", "Group_Index", int(n))
			if okN && okI {
				r.ImageSets.SetGrouping(n, asInt(gn), asInt(gi))
			}
		}
		buckets := r.ImageSets.GroupBuckets()
		jobs := make([]types.Job, 0, len(buckets))
		for _, g := range buckets {
			jobs = append(jobs, types.Job{ImageSets: g.Sets, GroupingNeeded: true})
		}
		return jobs, nil
	}

	c.groups = false
	unprocessed := r.ImageSets.UnprocessedInOrder()
	jobs := make([]types.Job, 0, len(unprocessed))
	for i, n := range unprocessed {
		r.Measurements.Write("Image", "Group_Number", int(n), 0)
		r.Measurements.Write("Image", "Group_Index", int(n), i)
		r.ImageSets.SetGrouping(n, 0, i)
		jobs = append(jobs, types.Job{ImageSets: []types.ImageSetNumber{n}, GroupingNeeded: false})
	}
	if err := r.Measurements.Flush(); err != nil {
		return nil, fmt.Errorf("flush synthetic grouping: %w", err)
	}

	if err := r.Pipeline.PrepareGroup(ws, map[string]string{}, intSlice(unprocessed)); err != nil {
		return nil, fmt.Errorf("prepare_group: %w", err)
	}
	return jobs, nil
}

// drainReturns processes returned_measurements_queue, marking every
// contained image set Done. Must run before drainInProcess each
// iteration so Done always wins (spec.md §4.2 step 7 tie-break).
func (c *Controller) drainReturns() bool {
	drained := false
	for {
		select {
		case rm := <-c.r.ReturnedMeasurementQueue:
			c.r.ImageSets.MarkDone(rm.ImageSets)
			drained = true
		default:
			return drained
		}
	}
}

// drainInProcess processes in_process_queue, marking dispatched image
// sets InProcess (unless already Done).
func (c *Controller) drainInProcess() bool {
	drained := false
	for {
		select {
		case notice := <-c.r.InProcessQueue:
			c.r.ImageSets.MarkInProcess(notice.ImageSets)
			drained = true
		default:
			return drained
		}
	}
}

func (c *Controller) tally() types.StatusCounts {
	return c.r.ImageSets.Counts()
}

// wait blocks until a queue has new items, a flag flips, or a dispatch
// notification arrives — spec.md §4.2 step 7's controller condition
// variable, reframed as a select over channels. If paused, it waits
// unconditionally for a flag change (pause/resume/cancel all wake it).
func (c *Controller) wait() {
	r := c.r
	if r.Flags.Paused() {
		<-r.Flags.ControllerWake()
		return
	}

	select {
	case <-r.Flags.ControllerWake():
	case notice := <-r.InProcessQueue:
		r.ImageSets.MarkInProcess(notice.ImageSets)
	case rm := <-r.ReturnedMeasurementQueue:
		r.ImageSets.MarkDone(rm.ImageSets)
	}
}

// finish implements steps 8-9: flush the working store, emit
// AnalysisFinished. Clearing the run id (step 10) is the Analysis
// Facade's job once both tasks have returned.
func (c *Controller) finish(ws pipeline.Workspace) error {
	if err := c.r.Measurements.Flush(); err != nil {
		log.Error("flush working store failed", "run_id", c.r.ID, "error", err)
	}
	c.r.Post(events.Event{Kind: events.AnalysisFinished, Cancelled: c.r.Flags.Cancelled()})
	return nil
}

func intSlice(ns []types.ImageSetNumber) []int {
	out := make([]int, len(ns))
	for i, n := range ns {
		out[i] = int(n)
	}
	return out
}

func mergeKind(event string, detail map[string]string) map[string]string {
	out := make(map[string]string, len(detail)+1)
	out["event"] = event
	for k, v := range detail {
		out[k] = v
	}
	return out
}
