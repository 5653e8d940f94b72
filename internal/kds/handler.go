package kds

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const MaxBodyBytes = 1 << 20

// Handler exposes the inbound command API. Transition errors come back
// synchronously as structured responses; nothing here retries.
type Handler struct {
	engine *Engine
	store  EntryStore
	config *aqm.Config
	logger aqm.Logger
	tlm    *telemetry.HTTP
}

func NewHandler(engine *Engine, store EntryStore, config *aqm.Config, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		engine: engine,
		store:  store,
		config: config,
		logger: logger,
		tlm:    telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{id}", h.GetOrder)
	})
	r.Route("/entries", func(r chi.Router) {
		r.Get("/", h.ListEntries)
		r.Get("/{id}", h.GetEntry)
		r.Patch("/{id}/start", h.StartEntry)
		r.Patch("/{id}/bump", h.BumpEntry)
		r.Patch("/{id}/recall", h.RecallEntry)
		r.Patch("/{id}/priority", h.SetPriority)
		r.Patch("/{id}/cancel", h.CancelEntry)
	})
	r.Get("/stations", h.ListStations)
	r.Post("/stations/{id}/bump-all", h.BumpStation)
	r.Post("/tables/{table}/bump-all", h.BumpTable)
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CreateOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	var req NewOrder
	if !h.decode(w, r, &req) {
		return
	}
	if req.TableRef == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Missing table reference")
		return
	}

	order, entries, err := h.engine.CreateOrder(ctx, req)
	if err != nil {
		log.Errorf("cannot create order: %v", err)
		aqm.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	aqm.Respond(w, http.StatusCreated, map[string]interface{}{
		"order":   order,
		"entries": entries,
	}, nil)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.store.FindOrder(ctx, id)
	if err != nil {
		log.Errorf("cannot find order: %v", err)
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListEntries")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	filter := EntryFilter{}

	if stationStr := r.URL.Query().Get("station"); stationStr != "" {
		stationID, err := uuid.Parse(stationStr)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid station ID")
			return
		}
		filter.StationID = &stationID
	}
	if table := r.URL.Query().Get("table"); table != "" {
		filter.TableRef = &table
	}
	if openStr := r.URL.Query().Get("open"); openStr != "" {
		open, err := strconv.ParseBool(openStr)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid open flag")
			return
		}
		filter.Open = &open
	}

	entries, err := h.store.ListEntries(ctx, filter)
	if err != nil {
		log.Errorf("cannot list entries: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list entries")
		return
	}

	SortForDisplay(entries)
	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	}, nil)
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetEntry")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.store.FindEntry(ctx, id)
	if err != nil {
		log.Errorf("cannot find entry: %v", err)
		aqm.RespondError(w, http.StatusNotFound, "Entry not found")
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

type transitionRequest struct {
	ActorID  string `json:"actor_id"`
	Reason   string `json:"reason,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

func (h *Handler) StartEntry(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.StartEntry")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.engine.Start(ctx, id)
	if err != nil {
		h.respondTransitionError(w, log, err)
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

func (h *Handler) BumpEntry(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.BumpEntry")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	entry, err := h.engine.Bump(ctx, id, actor)
	if err != nil {
		h.respondTransitionError(w, log, err)
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

func (h *Handler) RecallEntry(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.RecallEntry")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.engine.Recall(ctx, id, req.Reason)
	if err != nil {
		h.respondTransitionError(w, log, err)
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SetPriority")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Priority == nil {
		aqm.RespondError(w, http.StatusBadRequest, "Missing priority")
		return
	}

	entry, err := h.engine.SetPriority(ctx, id, *req.Priority)
	if err != nil {
		h.respondTransitionError(w, log, err)
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CancelEntry")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	entry, err := h.engine.Cancel(ctx, id, actor)
	if err != nil {
		h.respondTransitionError(w, log, err)
		return
	}

	aqm.Respond(w, http.StatusOK, entry, nil)
}

func (h *Handler) ListStations(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListStations")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	stations, err := h.store.ListStations(ctx)
	if err != nil {
		log.Errorf("cannot list stations: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list stations")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"stations": stations,
	}, nil)
}

func (h *Handler) BumpStation(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.BumpStation")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	result, err := h.engine.BulkBump(ctx, BulkScope{StationID: &id}, actor)
	if err != nil {
		log.Errorf("bulk bump failed: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Bulk bump failed")
		return
	}

	aqm.Respond(w, http.StatusOK, result, nil)
}

func (h *Handler) BumpTable(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.BumpTable")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	table := chi.URLParam(r, "table")
	if table == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Missing table reference")
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	result, err := h.engine.BulkBump(ctx, BulkScope{TableRef: &table}, actor)
	if err != nil {
		log.Errorf("bulk bump failed: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Bulk bump failed")
		return
	}

	aqm.Respond(w, http.StatusOK, result, nil)
}

func (h *Handler) respondTransitionError(w http.ResponseWriter, log aqm.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		aqm.RespondError(w, http.StatusNotFound, "Entry not found")
	case IsInvalidTransition(err):
		aqm.RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case IsConflict(err):
		aqm.RespondError(w, http.StatusConflict, err.Error())
	case IsRecallWindowExpired(err):
		aqm.RespondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Errorf("transition failed: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Transition failed")
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (ActorID, bool) {
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return uuid.Nil, false
	}
	actor, err := uuid.Parse(req.ActorID)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Missing or invalid actor ID")
		return uuid.Nil, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}
