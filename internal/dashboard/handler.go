package dashboard

import (
	"log/slog"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// SyncCompleteData summarizes one finished run.
type SyncCompleteData struct {
	Success      bool                                 `json:"success"`
	DurationMs   int64                                `json:"durationMs"`
	Pushed       int                                  `json:"pushed"`
	Failed       int                                  `json:"failed"`
	DeadLettered int                                  `json:"deadLettered"`
	Pulled       int                                  `json:"pulled"`
	Collections  map[schema.Collection]CollectionData `json:"collections"`
}

// CollectionData is the per-collection part of SyncCompleteData.
type CollectionData struct {
	Success bool     `json:"success"`
	Pushed  int      `json:"pushed"`
	Pulled  int      `json:"pulled"`
	Errors  []string `json:"errors,omitempty"`
}

// ConnectivityData reports a connectivity edge.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Subscriber is the engine's result feed.
type Subscriber interface {
	Subscribe(fn func(*engine.Result)) (unsubscribe func())
}

// Handler turns engine results and reconnect edges into dashboard messages.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes the handler to results from sub and reconnect edges
// from monitor (either may be nil). The returned func detaches both.
func (h *Handler) Attach(sub Subscriber, monitor connectivity.Monitor) (detach func()) {
	var undo []func()
	if sub != nil {
		undo = append(undo, sub.Subscribe(h.OnResult))
	}
	if monitor != nil {
		undo = append(undo, monitor.OnReconnect(h.OnReconnect))
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}

// OnResult broadcasts a run summary followed by the fresh status.
func (h *Handler) OnResult(res *engine.Result) {
	totals := res.Totals()
	data := SyncCompleteData{
		Success:      res.Success,
		DurationMs:   res.Duration().Milliseconds(),
		Pushed:       totals.Pushed,
		Failed:       totals.Failed,
		DeadLettered: totals.DeadLettered,
		Pulled:       totals.Pulled,
		Collections:  make(map[schema.Collection]CollectionData, len(res.Collections)),
	}
	for c, cr := range res.Collections {
		data.Collections[c] = CollectionData{
			Success: cr.Success,
			Pushed:  cr.Pushed,
			Pulled:  cr.Pulled,
			Errors:  cr.ErrorStrings(),
		}
	}
	h.send(MessageTypeSyncComplete, data)
	h.broadcastStatus()
}

// OnReconnect broadcasts the offline-to-online edge.
func (h *Handler) OnReconnect() {
	h.send(MessageTypeConnectivity, ConnectivityData{Online: true})
	h.broadcastStatus()
}

func (h *Handler) broadcastStatus() {
	if msg, ok := h.server.statusMessage(); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) send(t MessageType, payload any) {
	msg, err := newMessage(t, payload)
	if err != nil {
		h.logger.Error("failed to marshal dashboard message", "type", t, "err", err)
		return
	}
	h.server.Broadcast(msg)
}
