// Package web exposes the engine's observable state over a small JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"easmirror/internal/eas"
	"easmirror/internal/model"
	enginepkg "easmirror/internal/sync"
)

// Engine is the slice of the sync engine the API needs. Implemented by
// [enginepkg.Engine].
type Engine interface {
	State() enginepkg.State
	IsSyncing() bool
	LastError() error
	LastSyncDate() time.Time
	CachedEvents() []*model.CalendarEvent
	EventsOn(day time.Time) []*model.CalendarEvent
	UpcomingEvents() []*model.CalendarEvent
	SyncEvents(ctx context.Context) error
	CreateEvent(ctx context.Context, ev *model.CalendarEvent) (string, error)
}

// Server serves the status API.
type Server struct {
	engine Engine
	log    *slog.Logger
	router chi.Router
}

// NewServer builds the API router around the given engine.
func NewServer(engine Engine, log *slog.Logger) *Server {
	s := &Server{engine: engine, log: log}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/today", s.handleEventsToday)
	r.Get("/api/events/upcoming", s.handleEventsUpcoming)
	r.Post("/api/sync", s.handleSync)
	r.Post("/api/events", s.handleCreateEvent)

	s.router = r
	return s
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// statusResponse is the JSON shape of GET /api/status.
type statusResponse struct {
	State        string     `json:"state"`
	Syncing      bool       `json:"syncing"`
	LastSyncDate *time.Time `json:"last_sync_date,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CachedEvents int        `json:"cached_events"`
}

// eventDTO is the JSON view of a cached event.
type eventDTO struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Location  string    `json:"location,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	AllDay    bool      `json:"all_day"`
	Organizer string    `json:"organizer,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
}

// createEventRequest is the JSON body of POST /api/events.
type createEventRequest struct {
	Subject  string    `json:"subject"`
	Location string    `json:"location"`
	Body     string    `json:"body"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"all_day"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:        s.engine.State().String(),
		Syncing:      s.engine.IsSyncing(),
		CachedEvents: len(s.engine.CachedEvents()),
	}
	if t := s.engine.LastSyncDate(); !t.IsZero() {
		resp.LastSyncDate = &t
	}
	if err := s.engine.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, toDTOs(s.engine.CachedEvents()))
}

func (s *Server) handleEventsToday(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, toDTOs(s.engine.EventsOn(time.Now())))
}

func (s *Server) handleEventsUpcoming(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, toDTOs(s.engine.UpcomingEvents()))
}

// handleSync triggers one sync pass. A pass already in flight is not an
// error; the engine treats the request as a no-op.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SyncEvents(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" || req.Start.IsZero() || req.End.IsZero() {
		s.writeError(w, http.StatusBadRequest, "subject, start, and end are required")
		return
	}
	if req.End.Before(req.Start) {
		s.writeError(w, http.StatusBadRequest, "end precedes start")
		return
	}

	clientID, err := s.engine.CreateEvent(r.Context(), &model.CalendarEvent{
		Subject:  req.Subject,
		Location: req.Location,
		Body:     req.Body,
		Start:    req.Start,
		End:      req.End,
		AllDay:   req.AllDay,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"client_id": clientID})
}

// writeEngineError maps engine failures onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enginepkg.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case eas.IsKind(err, eas.KindNoCredentials):
		s.writeError(w, http.StatusPreconditionFailed, "not connected")
	case eas.IsKind(err, eas.KindAuthentication):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func toDTOs(events []*model.CalendarEvent) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventDTO{
			ID:        ev.ServerID,
			Subject:   ev.Subject,
			Location:  ev.Location,
			Start:     ev.Start,
			End:       ev.End,
			AllDay:    ev.AllDay,
			Organizer: ev.Organizer,
			Attendees: ev.AttendeeEmails(),
		})
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("writing JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	s.writeJSON(w, status, errResp{Error: msg})
}
