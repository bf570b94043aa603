// Package api serves the circuits backend over HTTP and provides the
// matching client.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/session"
	"github.com/mpataki/circuits/internal/spec"
)

// maxRequestBodySize limits incoming request bodies (1MB).
const maxRequestBodySize = 1 << 20

const defaultRunLimit = 50

// Store is the backend contract. storage.Storage implements it locally and
// Client implements it over HTTP.
type Store interface {
	session.Backend
	ListCircuits(ctx context.Context) ([]*models.Circuit, error)
	GetCircuit(ctx context.Context, id int64) (*models.Circuit, error)
	CreateCircuit(ctx context.Context, c *models.Circuit) (int64, error)
	UpdateCircuit(ctx context.Context, c *models.Circuit) error
	DeleteCircuit(ctx context.Context, id int64) error
	CreateRun(ctx context.Context, rec *models.RunRecord) (int64, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error)
}

type Server struct {
	store      Store
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(addr string, store Store) *Server {
	s := &Server{store: store, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /api/circuits", s.handleListCircuits)
	s.mux.HandleFunc("POST /api/circuits", s.handleCreateCircuit)
	s.mux.HandleFunc("GET /api/circuits/{id}", s.handleGetCircuit)
	s.mux.HandleFunc("PUT /api/circuits/{id}", s.handleUpdateCircuit)
	s.mux.HandleFunc("DELETE /api/circuits/{id}", s.handleDeleteCircuit)
	s.mux.HandleFunc("GET /api/circuits/{id}/session", s.handleGetSession)
	s.mux.HandleFunc("PUT /api/circuits/{id}/session", s.handlePutSession)
	s.mux.HandleFunc("DELETE /api/circuits/{id}/session", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/circuits/{id}/session/finish", s.handleFinishSession)
	s.mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.store.ListCircuits(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if circuits == nil {
		circuits = []*models.Circuit{}
	}
	writeJSON(w, http.StatusOK, circuits)
}

func (s *Server) handleCreateCircuit(w http.ResponseWriter, r *http.Request) {
	var c models.Circuit
	if err := decodeBody(r, &c); err != nil {
		WriteError(w, err)
		return
	}
	if err := spec.Validate(&c); err != nil {
		WriteError(w, err)
		return
	}

	id, err := s.store.CreateCircuit(r.Context(), &c)
	if err != nil {
		WriteError(w, err)
		return
	}
	created, err := s.store.GetCircuit(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	c, err := s.store.GetCircuit(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateCircuit replaces the definition of an existing circuit.
func (s *Server) handleUpdateCircuit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var c models.Circuit
	if err := decodeBody(r, &c); err != nil {
		WriteError(w, err)
		return
	}
	c.ID = id
	if err := spec.Validate(&c); err != nil {
		WriteError(w, err)
		return
	}

	if err := s.store.UpdateCircuit(r.Context(), &c); err != nil {
		WriteError(w, err)
		return
	}
	updated, err := s.store.GetCircuit(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCircuit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := s.store.DeleteCircuit(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	rs, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var rs models.RunSession
	if err := decodeBody(r, &rs); err != nil {
		WriteError(w, err)
		return
	}
	rs.CircuitID = id

	stored, err := s.store.PutSession(r.Context(), id, rs)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var done models.Completion
	if err := decodeBody(r, &done); err != nil {
		WriteError(w, err)
		return
	}

	rec, err := s.store.FinishSession(r.Context(), id, done)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var rec models.RunRecord
	if err := decodeBody(r, &rec); err != nil {
		WriteError(w, err)
		return
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		WriteError(w, fmt.Errorf("finished_at cannot be before started_at: %w", spec.ErrInvalid))
		return
	}

	id, err := s.store.CreateRun(r.Context(), &rec)
	if err != nil {
		WriteError(w, err)
		return
	}
	rec.ID = id
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, fmt.Errorf("limit %q: %w", v, ErrInvalidInput))
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("circuit id %q: %w", raw, ErrInvalidInput)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", ErrInvalidInput)
	}
	if len(body) > maxRequestBodySize {
		return fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, ErrInvalidInput)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
