// Package runner holds the state a Controller task and a Job Server task
// share for one Analysis: the three internal queues, the pause/cancel
// flags, the pipeline copy, the measurements store, and the per-image-set
// status manager (spec.md §3's "Runner").
package runner

import (
	"sync/atomic"

	"github.com/ChuLiYu/analysis-runner/internal/imageset"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

// Flags are the plain booleans both tasks read, written only through
// their setters so every write is paired with a wake (spec.md §5's
// "notify_threads" discipline, named explicitly per spec.md §9's
// re-architecture note).
type Flags struct {
	paused    atomic.Bool
	cancelled atomic.Bool

	// wake channels are the explicit "work_available" / "flags_changed"
	// style conditions spec.md §9 asks for, each buffered 1 so a wake
	// that races a consumer isn't lost and doesn't block the writer.
	controllerWake chan struct{}
	jobServerWake  chan struct{}
}

func newFlags() *Flags {
	return &Flags{
		controllerWake: make(chan struct{}, 1),
		jobServerWake:  make(chan struct{}, 1),
	}
}

func (f *Flags) Paused() bool    { return f.paused.Load() }
func (f *Flags) Cancelled() bool { return f.cancelled.Load() }

// SetPaused flips the pause flag and wakes both tasks.
func (f *Flags) SetPaused(v bool) {
	f.paused.Store(v)
	f.wakeAll()
}

// SetCancelled flips the cancel flag and wakes both tasks. Cancellation
// never un-sets.
func (f *Flags) SetCancelled() {
	f.cancelled.Store(true)
	f.wakeAll()
}

func (f *Flags) wakeAll() {
	nonBlockingSend(f.controllerWake)
	nonBlockingSend(f.jobServerWake)
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ControllerWake lets the controller's main loop select on a flag change
// alongside its queues.
func (f *Flags) ControllerWake() <-chan struct{} { return f.controllerWake }

// JobServerWake lets the job server's loop select on a flag change
// alongside its 1-second re-announcement tick.
func (f *Flags) JobServerWake() <-chan struct{} { return f.jobServerWake }

// WakeJobServer pushes a non-blocking wake to the job server's loop; used
// by the Boundary's Notifier when a new request lands on the inbox, so
// request arrival wakes the same select the flags do.
func (f *Flags) WakeJobServer() {
	nonBlockingSend(f.jobServerWake)
}

// Runner is the machinery for one Analysis: owns the queues, the
// pipeline copy, the measurements store, and the pause/cancel flags.
// Controller and Job Server each hold a reference and run concurrently
// against it.
type Runner struct {
	ID string

	Pipeline     pipeline.Pipeline
	Measurements measurements.Store
	ImageSets    *imageset.Manager

	Sink events.Sink

	WorkQueue                chan types.Job
	InProcessQueue           chan types.InProcessNotice
	ReturnedMeasurementQueue chan types.ReturnedMeasurements

	Flags *Flags

	// WorkerLiveness is consulted by the controller's termination check to
	// distinguish "no work left" from "all workers dead" (spec.md §9 open
	// question; resolved per SPEC_FULL.md §5 by delegating to the Worker
	// Supervisor).
	WorkerLiveness func() (alive int)
}

// New constructs a Runner with sensibly sized internal queues. Queue
// capacity only bounds how much can be buffered before a producer blocks;
// it does not bound how much work a run can do.
func New(id string, p pipeline.Pipeline, store measurements.Store, imageSets *imageset.Manager, sink events.Sink) *Runner {
	return &Runner{
		ID:                       id,
		Pipeline:                 p,
		Measurements:             store,
		ImageSets:                imageSets,
		Sink:                     sink,
		WorkQueue:                make(chan types.Job, 256),
		InProcessQueue:           make(chan types.InProcessNotice, 256),
		ReturnedMeasurementQueue: make(chan types.ReturnedMeasurements, 256),
		Flags:                    newFlags(),
		WorkerLiveness:           func() int { return 1 },
	}
}

// Post is a small convenience so controller/jobserver code reads less
// noisily than r.Sink.Post(events.Event{...}) everywhere.
func (r *Runner) Post(e events.Event) {
	e.RunID = r.ID
	if r.Sink != nil {
		r.Sink.Post(e)
	}
}
