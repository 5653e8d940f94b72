package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const heartbeatInterval = 15 * time.Second

// StreamServer serves the display feed over server-sent events: a status
// frame, a scoped snapshot, then incremental updates, with periodic
// heartbeat comments so intermediaries keep the connection alive.
type StreamServer struct {
	sync   *Synchronizer
	hub    *Hub
	logger aqm.Logger
}

func NewStreamServer(sync *Synchronizer, hub *Hub, logger aqm.Logger) *StreamServer {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &StreamServer{
		sync:   sync,
		hub:    hub,
		logger: logger,
	}
}

func (s *StreamServer) RegisterRoutes(r chi.Router) {
	r.Get("/stream", s.Stream)
}

func (s *StreamServer) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		aqm.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	scope := Scope{}
	if stationStr := r.URL.Query().Get("station"); stationStr != "" {
		stationID, err := uuid.Parse(stationStr)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid station ID")
			return
		}
		scope.StationID = &stationID
	}
	if table := r.URL.Query().Get("table"); table != "" {
		scope.TableRef = &table
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.hub.Subscribe(scope)
	defer s.hub.Unsubscribe(sub.ID)

	// Status first so the display knows how fresh the snapshot is, then the
	// snapshot itself. Updates racing the snapshot arrive as upserts, which
	// merge cleanly on the client.
	s.write(w, DisplayEvent{Kind: KindStatus, Feed: s.sync.State()})
	s.write(w, DisplayEvent{Kind: KindSnapshot, Entries: s.sync.Snapshot(scope)})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			s.write(w, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *StreamServer) write(w http.ResponseWriter, evt DisplayEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Errorf("cannot encode display event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
}
