package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	textEventStream        = "text/event-stream"
	failedToEncodeResponse = "failed to encode response"
)

// APIServer handles HTTP requests for event emission and observation.
type APIServer struct {
	eventService service.EventService
	bus          *eventbus.Bus
	log          *slog.Logger
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(eventService service.EventService, bus *eventbus.Bus, l *slog.Logger) *APIServer {
	return &APIServer{
		eventService: eventService,
		bus:          bus,
		log:          l,
	}
}

// Routes builds the router.
func (s *APIServer) Routes(metricsEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/events", s.EmitEvent)
	r.Get("/events/feed", s.Feed)
	r.Get("/health", s.HealthCheck)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// EmitEvent handles POST /events. The event is stored in the outbox and
// dispatched on the bus in one unit of work.
func (s *APIServer) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var params model.PublishEventParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if params.CorrelationID == "" {
		params.CorrelationID = middleware.GetReqID(r.Context())
	}

	event, err := s.eventService.Emit(r.Context(), &params)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(event); err != nil {
		http.Error(w, failedToEncodeResponse, http.StatusInternalServerError)
		return
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrEmptyKind),
		errors.Is(err, model.ErrInvalidPayload),
		errors.Is(err, model.ErrAbstractKind),
		errors.Is(err, model.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateEvent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Feed handles GET /events/feed, streaming every published event as
// server-sent events until the client disconnects.
func (s *APIServer) Feed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := s.bus.Feed(r.Context())

	w.Header().Set(contentTypeJSON, textEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			s.log.Error("failed to encode feed event", slog.String("error", err.Error()))
			continue
		}

		if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event.Kind, event.ID, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		http.Error(w, failedToEncodeResponse, http.StatusInternalServerError)
		return
	}
}
