// Package announcer implements the Announcer (spec.md §4.6): a
// process-wide PUB/SUB broadcast of live-run endpoints so worker
// processes can discover which job server to connect to.
//
// Grounded on the noisefs announce-webui-simple server's WebSocket
// broadcast hub (cmd/announce-webui-simple/main.go): an Upgrader, a
// mutex-guarded map of connection to per-client outbound channel, and a
// broadcast that fans a message out to every client's channel with a
// non-blocking send so one slow subscriber can't stall the others.
package announcer

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/analysis-runner/internal/jobserver"
)

var log = slog.Default()

// Message is the two-part wire shape spec.md §6 defines for the
// announcement channel: (endpoint, analysis_id) for a live run, or
// ("DONE", analysis_id) once its job server loop exits.
type Message struct {
	Endpoint   string `json:"endpoint"`
	AnalysisID string `json:"analysis_id"`
}

// Queue is the process-wide publish surface the job server's
// jobserver.AnnounceBus is backed by.
type Queue struct {
	messages chan Message
}

// NewQueue creates an announce queue with the given buffer depth.
func NewQueue(buffer int) *Queue {
	return &Queue{messages: make(chan Message, buffer)}
}

// Publish implements jobserver.AnnounceBus.
func (q *Queue) Publish(a jobserver.Announcement) {
	q.send(Message{Endpoint: a.Endpoint, AnalysisID: a.AnalysisID})
}

// PublishDone implements jobserver.AnnounceBus.
func (q *Queue) PublishDone(analysisID string) {
	q.send(Message{Endpoint: "DONE", AnalysisID: analysisID})
}

func (q *Queue) send(m Message) {
	select {
	case q.messages <- m:
	default:
		log.Warn("announce queue full, dropping message", "analysis_id", m.AnalysisID)
	}
}

// Hub is the never-cancelled, process-wide task that drains a Queue and
// broadcasts every message to every connected worker over a websocket
// (spec.md §4.6: "the Announcer is never cancelled in the core's
// lifetime; it is process-wide").
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Message
}

// NewHub constructs a Hub that accepts connections from any origin —
// workers are trusted local subprocesses, not browsers (spec.md's
// Non-goals exclude authenticated transport).
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]chan Message),
	}
}

// Run drains q and broadcasts every message until q's channel is closed.
func (h *Hub) Run(q *Queue) {
	for m := range q.messages {
		h.broadcast(m)
	}
}

func (h *Hub) broadcast(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- m:
		default:
			log.Warn("subscriber channel full, dropping announcement")
		}
	}
}

// ServeHTTP upgrades a worker's subscribe request to a websocket and
// streams announcements to it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("announce subscribe upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan Message, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(ch)
	}()

	for m := range ch {
		if err := conn.WriteJSON(m); err != nil {
			log.Warn("announce subscriber write failed", "error", err)
			return
		}
	}
}
