// Package events defines the lifecycle events the controller and job
// server emit to the front end, and the Sink they are emitted through.
package events

import "github.com/ChuLiYu/analysis-runner/pkg/types"

// Kind discriminates the event variants carried on a Sink.
type Kind int

const (
	AnalysisStarted Kind = iota
	AnalysisProgress
	AnalysisPaused
	AnalysisResumed
	AnalysisCancelled
	AnalysisFinished
	InteractionRequest
	DisplayRequest
	ExceptionReport
)

func (k Kind) String() string {
	switch k {
	case AnalysisStarted:
		return "AnalysisStarted"
	case AnalysisProgress:
		return "AnalysisProgress"
	case AnalysisPaused:
		return "AnalysisPaused"
	case AnalysisResumed:
		return "AnalysisResumed"
	case AnalysisCancelled:
		return "AnalysisCancelled"
	case AnalysisFinished:
		return "AnalysisFinished"
	case InteractionRequest:
		return "InteractionRequest"
	case DisplayRequest:
		return "DisplayRequest"
	case ExceptionReport:
		return "ExceptionReport"
	default:
		return "Unknown"
	}
}

// ReplyFunc completes a forwarded request. Called with a nil error, it
// sends payload back to the worker. Called with a non-nil error, it sends
// nothing, so the worker's reply handle stays pending and is abandoned
// when the Boundary stops, exactly as if ReplyFunc were never called.
type ReplyFunc func(payload map[string]string, err error)

// Event is one lifecycle notification posted to a Sink.
type Event struct {
	Kind      Kind
	RunID     string
	Counts    types.StatusCounts // AnalysisProgress
	Cancelled bool               // AnalysisFinished
	Payload   map[string]string  // Interaction/Display/Exception raw fields
	Reply     ReplyFunc          // set only for forwarded worker requests
}

// Sink receives lifecycle events. The front end (CLI, GUI, test harness)
// implements this; the runner never assumes anything about what's on the
// other end beyond "eventually drains".
type Sink interface {
	Post(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Post(e Event) { f(e) }

// ChanSink is a buffered-channel backed Sink, handy for tests and for
// front ends that want to pull events off a channel instead of supplying
// a callback.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

func (s *ChanSink) Post(e Event) {
	select {
	case s.C <- e:
	default:
		// Front end is not draining fast enough; drop rather than block
		// the controller or job server. A slow consumer should not stall
		// the run.
	}
}
