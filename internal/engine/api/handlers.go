package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pulseops/pulse-engine/internal/engine"
	"github.com/pulseops/pulse-engine/internal/engine/queue"
	"github.com/pulseops/pulse-engine/internal/engine/scheduler"
	"github.com/pulseops/pulse-engine/internal/engine/store"
	"github.com/pulseops/pulse-engine/internal/engine/streams"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

// Handler serves the REST surface over the engine facade.
type Handler struct {
	engine *engine.Engine
	logger logging.Logger
}

func NewHandler(engine *engine.Engine, logger logging.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("Error encoding response: %v", err)
	}
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req types.CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[CreateEvent] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.engine.CreateEvent(req.Kind, req.Payload, req.Source, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			h.logger.Warnf("[CreateEvent] Queue full, rejected %q event", req.Kind)
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, queue.ErrQueueClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			h.logger.Errorf("[CreateEvent] Error submitting event: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	h.logger.Infof("[CreateEvent] Accepted %q event %s", req.Kind, id)
	h.respond(w, http.StatusCreated, types.CreateEventResponse{ID: id, State: types.EventStateQueued})
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	event, err := h.engine.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Errorf("[GetEvent] Error fetching event %s: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.respond(w, http.StatusOK, event)
}

func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req types.CreateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[CreateStream] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.engine.CreateStream(req.Name, req.Kind, req.Source, req.Rate, req.BufferCapacity)
	if err != nil {
		h.logger.Errorf("[CreateStream] Error creating stream %q: %v", req.Name, err)
		if errors.Is(err, streams.ErrInvalidStream) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Infof("[CreateStream] Created stream %q as %s", req.Name, id)
	h.respond(w, http.StatusCreated, info)
}

func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.engine.ListStreams())
}

func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.respond(w, http.StatusOK, info)
}

func (h *Handler) AddSubscriber(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var req types.AddSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[AddSubscriber] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.engine.Subscribe(id, req.SubscriberID); err != nil {
		h.streamError(w, "AddSubscriber", id, err)
		return
	}

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Infof("[AddSubscriber] Subscriber %s attached to stream %s", req.SubscriberID, id)
	h.respond(w, http.StatusOK, info)
}

func (h *Handler) RemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	subscriberID := vars["subscriberId"]

	if err := h.engine.Unsubscribe(id, subscriberID); err != nil {
		h.streamError(w, "RemoveSubscriber", id, err)
		return
	}

	h.logger.Infof("[RemoveSubscriber] Subscriber %s detached from stream %s", subscriberID, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ActivateStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.engine.ActivateStream(id); err != nil {
		h.streamError(w, "ActivateStream", id, err)
		return
	}

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.respond(w, http.StatusOK, info)
}

func (h *Handler) DeactivateStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.engine.DeactivateStream(id); err != nil {
		h.streamError(w, "DeactivateStream", id, err)
		return
	}

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.respond(w, http.StatusOK, info)
}

func (h *Handler) UpdateStreamRate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var req types.UpdateStreamRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[UpdateStreamRate] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.engine.SetStreamRate(id, req.Rate); err != nil {
		h.streamError(w, "UpdateStreamRate", id, err)
		return
	}

	info, err := h.engine.GetStream(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.respond(w, http.StatusOK, info)
}

// streamError maps registry errors onto status codes shared by every
// stream handler.
func (h *Handler) streamError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, streams.ErrStreamNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, streams.ErrInvalidStream):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Errorf("[%s] Error on stream %s: %v", op, id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[CreateTask] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	deadline, err := time.ParseDuration(req.Deadline)
	if err != nil {
		http.Error(w, "invalid deadline: "+err.Error(), http.StatusBadRequest)
		return
	}

	var period, costEstimate time.Duration
	if req.Period != "" {
		if period, err = time.ParseDuration(req.Period); err != nil {
			http.Error(w, "invalid period: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.CostEstimate != "" {
		if costEstimate, err = time.ParseDuration(req.CostEstimate); err != nil {
			http.Error(w, "invalid cost_estimate: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var id string
	if req.Cron != "" {
		id, err = h.engine.CreateCronTask(req.Name, req.Priority, deadline, req.Cron)
	} else {
		id, err = h.engine.CreatePeriodicTask(req.Name, req.Priority, deadline, period, costEstimate)
	}
	if err != nil {
		h.logger.Errorf("[CreateTask] Error registering task %q: %v", req.Name, err)
		if errors.Is(err, scheduler.ErrInvalidTask) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	task, err := h.engine.GetTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Infof("[CreateTask] Registered task %q as %s", req.Name, id)
	h.respond(w, http.StatusCreated, task)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.engine.ListTasks())
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	task, err := h.engine.GetTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.respond(w, http.StatusOK, task)
}

func (h *Handler) RemoveTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.engine.RemoveTask(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Errorf("[RemoveTask] Error removing task %s: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Infof("[RemoveTask] Removed task %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.engine.GetStatus())
}

// GetEngineMetrics returns the sampled series. An empty category matches
// everything; an unknown one matches nothing.
func (h *Handler) GetEngineMetrics(w http.ResponseWriter, r *http.Request) {
	category := types.MetricCategory(r.URL.Query().Get("category"))
	h.respond(w, http.StatusOK, h.engine.GetMetrics(category))
}

func (h *Handler) GetFaults(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.engine.GetFaultLog())
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.engine.GetStatus()
	h.respond(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Uptime:    status.Uptime.String(),
		Timestamp: time.Now().UTC(),
	})
}
