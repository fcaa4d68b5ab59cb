// Package jobserver implements the Job Server task (spec.md §4.3): it owns
// a Boundary bound to a random TCP port, re-announces itself once a
// second, and dispatches incoming worker requests by tag.
package jobserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/analysis-runner/internal/boundary"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/metrics"
	"github.com/ChuLiYu/analysis-runner/internal/runner"
	"github.com/ChuLiYu/analysis-runner/internal/statusexport"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

var log = slog.Default()

const reannounceInterval = 1 * time.Second

// Announcement is one message published to the announce bus: either
// (endpoint, analysisID) for a live run or ("DONE", analysisID) when a
// run's job server loop exits.
type Announcement struct {
	Endpoint   string
	AnalysisID string
}

// AnnounceBus is the process-wide publish capability the Worker
// Supervisor's Announcer consumes (spec.md §9's "injected AnnounceBus
// capability interface").
type AnnounceBus interface {
	Publish(a Announcement)
	PublishDone(analysisID string)
}

// ProtocolError is fatal to the Job Server: an unrecognized wire tag or a
// malformed frame (spec.md §7).
type ProtocolError struct {
	Tag boundary.Tag
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jobserver: protocol error: unknown request tag %q", e.Tag)
}

// Deps bundles the JobServer's optional observability collaborators.
// Any zero-valued field is treated as absent and simply skipped.
type Deps struct {
	Metrics  *metrics.Collector
	Exporter *statusexport.Exporter
}

// JobServer runs one Analysis's request/reply loop over its own Boundary.
type JobServer struct {
	r     *runner.Runner
	bus   AnnounceBus
	bind  string // listen address, "" for any free loopback port
	inbox chan *boundary.Request
	deps  Deps

	b      *boundary.Boundary
	paused bool

	// dispatchedAt tracks when each in-flight job was handed out, keyed by
	// its image-set CSV, so a later measurements report can be turned into
	// a job-latency observation. The job server's request loop is
	// single-threaded, so no lock is needed here.
	dispatchedAt map[string]time.Time
}

// New constructs a JobServer for the given runner. bind is the TCP listen
// address (host:port); an empty bind defaults to 127.0.0.1:0, a random
// loopback port, matching spec.md §4.3.
func New(r *runner.Runner, bus AnnounceBus, bind string, deps Deps) *JobServer {
	if bind == "" {
		bind = "127.0.0.1:0"
	}
	return &JobServer{
		r:            r,
		bus:          bus,
		bind:         bind,
		deps:         deps,
		inbox:        make(chan *boundary.Request, 256),
		dispatchedAt: make(map[string]time.Time),
	}
}

// wakeNotifier adapts the runner's job-server wake channel to the
// boundary.Notifier contract so an arriving request wakes the same select
// the pause/cancel flags and re-announce ticker use.
type wakeNotifier struct{ js *JobServer }

func (w wakeNotifier) Notify() {
	w.js.r.Flags.WakeJobServer()
}

// Run starts the Boundary and executes spec.md §4.3's loop until the
// runner is cancelled or its analysis id is cleared. It returns once the
// Boundary has been stopped.
func (js *JobServer) Run() error {
	b, err := boundary.Bind(js.bind, js.inbox, wakeNotifier{js})
	if err != nil {
		return fmt.Errorf("jobserver: bind: %w", err)
	}
	js.b = b
	defer func() {
		js.bus.PublishDone(js.r.ID)
		js.b.Stop()
	}()

	ticker := time.NewTicker(reannounceInterval)
	defer ticker.Stop()

	for {
		js.bus.Publish(Announcement{Endpoint: js.b.RequestEndpoint(), AnalysisID: js.r.ID})

		if js.r.Flags.Cancelled() {
			js.r.Post(events.Event{Kind: events.AnalysisCancelled})
			return nil
		}

		if js.r.Flags.Paused() {
			if !js.paused {
				js.paused = true
				js.r.Post(events.Event{Kind: events.AnalysisPaused})
			}
			select {
			case <-ticker.C:
				js.refreshStatus()
			case <-js.r.Flags.JobServerWake():
			}
			continue
		}
		if js.paused {
			js.paused = false
			js.r.Post(events.Event{Kind: events.AnalysisResumed})
		}

		select {
		case req := <-js.inbox:
			if err := js.handle(req); err != nil {
				var perr *ProtocolError
				if errors.As(err, &perr) {
					log.Error("fatal protocol error", "run_id", js.r.ID, "tag", perr.Tag)
					if js.deps.Metrics != nil {
						js.deps.Metrics.RecordProtocolError()
					}
					return err
				}
				log.Error("request handling failed", "run_id", js.r.ID, "error", err)
			}
		case <-ticker.C:
			js.refreshStatus()
		case <-js.r.Flags.JobServerWake():
		}
	}
}

// refreshStatus writes a Status Export snapshot on the same 1-second
// cadence as the re-announcement tick (SPEC_FULL.md §4.3), a no-op when
// no Exporter was injected.
func (js *JobServer) refreshStatus() {
	if js.deps.Exporter == nil {
		return
	}
	_ = js.deps.Exporter.Write(statusexport.Snapshot{
		RunID:      js.r.ID,
		Counts:     js.r.ImageSets.Counts(),
		Cancelled:  js.r.Flags.Cancelled(),
		ExportedAt: time.Now().UnixMilli(),
	})
}

func (js *JobServer) handle(req *boundary.Request) error {
	switch req.Tag {
	case boundary.TagPipeline:
		blob, err := js.r.Pipeline.Serialize()
		if err != nil {
			return fmt.Errorf("serialize pipeline: %w", err)
		}
		return req.ReplyBlob(nil, "pipeline_blob", []byte(blob))

	case boundary.TagInitialMeasurements:
		return req.Reply(map[string]string{"path": js.r.Measurements.Path()})

	case boundary.TagWork:
		return js.handleWork(req)

	case boundary.TagMeasurements:
		return js.handleMeasurements(req)

	case boundary.TagInteraction:
		js.forward(events.InteractionRequest, req)
		return nil

	case boundary.TagDisplay:
		js.forward(events.DisplayRequest, req)
		return nil

	case boundary.TagException:
		js.forward(events.ExceptionReport, req)
		return nil

	default:
		return &ProtocolError{Tag: req.Tag}
	}
}

func (js *JobServer) handleWork(req *boundary.Request) error {
	select {
	case job := <-js.r.WorkQueue:
		jobtype := "IMAGE"
		if job.GroupingNeeded {
			jobtype = "GROUP"
		}
		if err := req.Reply(map[string]string{
			"jobtype": jobtype,
			"images":  joinImageSets(job.ImageSets),
		}); err != nil {
			return err
		}
		js.r.InProcessQueue <- types.InProcessNotice{ImageSets: job.ImageSets}
		js.dispatchedAt[joinImageSets(job.ImageSets)] = time.Now()
		if js.deps.Metrics != nil {
			js.deps.Metrics.RecordDispatch()
		}
		return nil
	default:
		return req.Reply(map[string]string{"jobtype": "NONE"})
	}
}

func (js *JobServer) handleMeasurements(req *boundary.Request) error {
	path := req.Field("path")
	imageSets, err := parseImageSets(req.Field("image_set_numbers"))
	if err != nil {
		// MeasurementsLoadError: logged, the report is abandoned rather than
		// re-queued (spec.md §9 open question, resolved as abandoned-with-log
		// per the guidance there).
		log.Error("measurements report: malformed image_set_numbers", "run_id", js.r.ID, "error", err)
		return req.Reply(map[string]string{"message": "THANKS"})
	}

	store, err := measurements.OpenFileStore(path)
	if err != nil {
		log.Error("measurements report: load failed, abandoning", "run_id", js.r.ID, "path", path, "error", err)
		return req.Reply(map[string]string{"message": "THANKS"})
	}
	_ = store // loaded only to check the report is readable; the controller
	// marks the listed image sets Done and does not merge the reported
	// store's contents into the working store.

	if err := req.Reply(map[string]string{"message": "THANKS"}); err != nil {
		return err
	}
	if js.deps.Metrics != nil {
		key := joinImageSets(imageSets)
		if dispatchedAt, ok := js.dispatchedAt[key]; ok {
			delete(js.dispatchedAt, key)
			js.deps.Metrics.RecordCompleted(dispatchedAt)
		}
	}
	js.r.ReturnedMeasurementQueue <- types.ReturnedMeasurements{Path: path, ImageSets: imageSets}
	return nil
}

func (js *JobServer) forward(kind events.Kind, req *boundary.Request) {
	fields := make(map[string]string, len(req.Fields))
	for k, v := range req.Fields {
		fields[k] = string(v)
	}
	js.r.Post(events.Event{
		Kind:    kind,
		Payload: fields,
		Reply: func(payload map[string]string, err error) {
			if err != nil {
				return
			}
			if replyErr := req.Reply(payload); replyErr != nil {
				log.Error("reply to forwarded request failed", "tag", req.Tag, "error", replyErr)
			}
		},
	})
}

func joinImageSets(ns []types.ImageSetNumber) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(int(n))
	}
	return strings.Join(parts, ",")
}

func parseImageSets(csv string) ([]types.ImageSetNumber, error) {
	if csv == "" {
		return nil, fmt.Errorf("empty image_set_numbers")
	}
	fields := strings.Split(csv, ",")
	out := make([]types.ImageSetNumber, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid image set number %q: %w", f, err)
		}
		out = append(out, types.ImageSetNumber(n))
	}
	return out, nil
}
