// Package pipeline defines the pipeline object as an opaque external
// collaborator: something the runner can serialize, copy, and hand a
// lifecycle event listener, without knowing anything about what it
// actually computes (spec.md §1, "out of scope").
package pipeline

import "github.com/ChuLiYu/analysis-runner/internal/measurements"

// Listener receives pipeline-internal events (module start/end, warnings)
// so the controller can forward them to the front end (spec.md §4.2 step 2).
type Listener interface {
	Notify(event string, detail map[string]string)
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(event string, detail map[string]string)

func (f ListenerFunc) Notify(event string, detail map[string]string) { f(event, detail) }

// Pipeline is the opaque unit of work the runner dispatches. Concrete
// implementations live outside this module; the runner only needs to
// serialize it for workers and run its three lifecycle hooks.
type Pipeline interface {
	// Clone returns a deep copy suitable for an independent Analysis.
	Clone() Pipeline

	// AddListener registers a lifecycle listener. Implementations forward
	// their internal events to every registered listener.
	AddListener(Listener)

	// Serialize renders the pipeline to the text blob sent to workers over
	// the PIPELINE request (spec.md §6).
	Serialize() (string, error)

	// HasGrouping reports whether the measurements schema declares
	// grouping for this pipeline (spec.md §4.2 step 5).
	HasGrouping() bool

	// PrepareRun runs once before any job is dispatched, against a
	// workspace wrapping the initial measurements store.
	PrepareRun(ws Workspace) error

	// PrepareGroup prepares a group before its jobs are dispatched. The
	// controller calls it only on the non-grouped path, once with an empty
	// key and the full image-set range; grouped runs do not call it.
	PrepareGroup(ws Workspace, groupKey map[string]string, imageSets []int) error

	// PostGroup finishes a group after all of its jobs have completed. The
	// controller calls it only on the non-grouped path, once with an empty
	// key; grouped runs do not call it.
	PostGroup(ws Workspace, groupKey map[string]string) error

	// PostRun runs once after every image set has reached a terminal
	// status (spec.md §4.2 step 7).
	PostRun(ws Workspace) error
}

// Workspace bundles a pipeline with the measurements store it should
// operate against for one lifecycle hook invocation.
type Workspace struct {
	Pipeline     Pipeline
	Measurements measurements.Store
}
