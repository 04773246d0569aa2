// Package server exposes the inter-node HTTP API: file transfers, update
// notifications and node status.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/eventlog"
	"gitlab.com/gitlab-org/geo/internal/geo/health"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// UpdateReceiver handles a pushed batch of update notifications on a
// secondary.
type UpdateReceiver func(ctx context.Context, jobs []datastore.UpdateJob) error

// Server is the inter-node HTTP API of one Geo node.
type Server struct {
	log      logrus.FieldLogger
	auth     *Auth
	files    *transfer.Server
	reporter *health.Reporter
	receive  UpdateReceiver
	events   *eventlog.Store
	queue    datastore.UpdateQueue
}

// New wires the API server. receive may be nil on the primary, which rejects
// pushed notifications; events and queue may be nil on secondaries, which
// reject event ingestion.
func New(log logrus.FieldLogger, auth *Auth, files *transfer.Server, reporter *health.Reporter, receive UpdateReceiver, events *eventlog.Store, queue datastore.UpdateQueue) *Server {
	return &Server{
		log:      log.WithField("component", "server"),
		auth:     auth,
		files:    files,
		reporter: reporter,
		receive:  receive,
		events:   events,
		queue:    queue,
	}
}

// Handler returns the routed HTTP handler. All routes require a signed
// Authorization header; correlation IDs are accepted from upstream or
// generated.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/geo").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/transfers/{type}/{id:[0-9]+}", s.handleTransfer).Methods(http.MethodGet)
	api.HandleFunc("/refresh_projects", s.handleRefreshProjects).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleCreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	return correlation.InjectCorrelationID(router, correlation.WithPropagation())
}

// handleTransfer serves a stored file. The signed payload, not the URL, is
// the authority on what may be served: a URL that does not match the payload
// is treated as forbidden.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := json.Unmarshal(Payload(r.Context()), &req); err != nil {
		s.renderError(w, http.StatusBadRequest, "malformed transfer payload")
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || id != req.ID || vars["type"] != req.Type {
		s.renderError(w, http.StatusForbidden, "requested file does not match the signed payload")
		return
	}

	result, err := s.files.Serve(r.Context(), req)
	if err != nil {
		s.log.WithError(err).Error("failed serving transfer request")
		s.renderError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch result.Error {
	case transfer.ErrorNone:
		http.ServeFile(w, r, result.Path)
	case transfer.ErrorNotFound:
		s.renderError(w, http.StatusNotFound, "file not found")
	case transfer.ErrorForbidden:
		s.renderError(w, http.StatusForbidden, "file transfer not allowed")
	}
}

func (s *Server) handleRefreshProjects(w http.ResponseWriter, r *http.Request) {
	if s.receive == nil {
		s.renderError(w, http.StatusNotFound, "node does not accept update notifications")
		return
	}

	var jobs []datastore.UpdateJob
	if err := json.NewDecoder(r.Body).Decode(&jobs); err != nil {
		s.renderError(w, http.StatusBadRequest, "malformed notification batch")
		return
	}

	if err := s.receive(r.Context(), jobs); err != nil {
		s.log.WithError(err).Error("failed handling notification batch")
		s.renderError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.renderJSON(w, http.StatusOK, map[string]int{"accepted": len(jobs)})
}

type eventRequest struct {
	Type      eventlog.EventType `json:"event_type"`
	ProjectID int64              `json:"project_id"`
	Payload   json.RawMessage    `json:"payload"`
	// CloneURL, when set on a repository_updated event, additionally enqueues
	// a legacy update notification for the project.
	CloneURL string `json:"clone_url,omitempty"`
}

// handleCreateEvent ingests one replication fact from the application. The
// primary appends it to the event log; repository updates also feed the
// legacy update queue so older secondaries keep receiving pushes.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.renderError(w, http.StatusNotFound, "node does not accept events")
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, http.StatusBadRequest, "malformed event")
		return
	}

	payload, err := eventlog.ParsePayload(req.Type, req.Payload)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	s.events.Create(r.Context(), req.ProjectID, payload)

	if req.Type == eventlog.TypeRepositoryUpdated && req.CloneURL != "" && s.queue != nil {
		if err := s.queue.Enqueue(r.Context(), req.ProjectID, req.CloneURL); err != nil {
			s.log.WithError(err).Error("failed enqueueing update notification")
		}
	}

	s.renderJSON(w, http.StatusCreated, map[string]string{"status": "accepted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.renderJSON(w, http.StatusOK, s.reporter.Status(r.Context()))
}

func (s *Server) renderJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed writing response")
	}
}

func (s *Server) renderError(w http.ResponseWriter, code int, message string) {
	s.renderJSON(w, code, map[string]string{"error": message})
}
