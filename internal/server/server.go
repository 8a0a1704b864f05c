// Package server exposes ingestion status and triggers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/pipeline"
)

type Ingester interface {
	Ingest(ctx context.Context, req internal.DatasetRequest, opts pipeline.IngestOptions) (*pipeline.State, error)
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCatalog enables the read-only query endpoint.
func WithCatalog(c catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

type Server struct {
	logger   *zap.Logger
	ingester Ingester
	store    pipeline.StateStore
	catalog  catalog.Catalog

	// ctx bounds background ingestions started through the API.
	ctx     context.Context
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

type IngestRequest struct {
	DatasetID    string `json:"dataset_id"`
	Domain       string `json:"domain"`
	TotalRecords *int   `json:"total_records,omitempty"`
	Override     bool   `json:"override,omitempty"`
	Revalidate   bool   `json:"revalidate,omitempty"`
	Reset        bool   `json:"reset,omitempty"`
}

type IngestionInfo struct {
	DatasetID string                `json:"dataset_id"`
	Domain    string                `json:"domain"`
	Stage     string                `json:"stage"`
	Running   bool                  `json:"running"`
	LastError *pipeline.ErrorRecord `json:"last_error,omitempty"`
}

type QueryRequest struct {
	SQL string `json:"sql"`
}

func NewServer(ingester Ingester, store pipeline.StateStore, opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		ingester: ingester,
		store:    store,
		ctx:      context.Background(),
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/ingestions", func(r chi.Router) {
		r.Get("/", s.listIngestions)
		r.Post("/", s.startIngestion)
		r.Get("/{dataset_id}", s.getIngestion)
	})

	if s.catalog != nil {
		r.Post("/api/v1/query", s.query)
	}
	return r
}

func (s *Server) isRunning(datasetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[datasetID]
	return ok
}

func (s *Server) listIngestions(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing states", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ingestions := make([]IngestionInfo, 0, len(states))
	for _, st := range states {
		ingestions = append(ingestions, IngestionInfo{
			DatasetID: st.DatasetID,
			Domain:    st.Domain,
			Stage:     st.Describe(),
			Running:   s.isRunning(st.DatasetID),
			LastError: st.LastError,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingestions": ingestions,
		"count":      len(ingestions),
	})
}

func (s *Server) getIngestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dataset_id")

	st, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.logger.Error("loading state", zap.String("dataset_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "ingestion not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": s.isRunning(id),
		"state":   st,
	})
}

func (s *Server) startIngestion(w http.ResponseWriter, r *http.Request) {
	var body IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req := internal.DatasetRequest{
		DatasetID:    body.DatasetID,
		Domain:       body.Domain,
		TotalRecords: body.TotalRecords,
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, ok := s.running[req.DatasetID]; ok {
		s.mu.Unlock()
		http.Error(w, "ingestion already running", http.StatusConflict)
		return
	}
	s.running[req.DatasetID] = struct{}{}
	s.mu.Unlock()

	opts := pipeline.IngestOptions{
		Override:   body.Override,
		Revalidate: body.Revalidate,
		Reset:      body.Reset,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, req.DatasetID)
			s.mu.Unlock()
		}()

		st, err := s.ingester.Ingest(s.ctx, req, opts)
		if err != nil {
			s.logger.Error("ingestion failed",
				zap.String("dataset_id", req.DatasetID),
				zap.Error(err))
			return
		}
		s.logger.Info("ingestion finished",
			zap.String("dataset_id", req.DatasetID),
			zap.String("stage", st.Describe()))
	}()

	s.logger.Info("ingestion accepted",
		zap.String("dataset_id", req.DatasetID),
		zap.String("domain", req.Domain))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"dataset_id": req.DatasetID,
		"status":     "accepted",
	})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.catalog.Query(r.Context(), body.SQL)
	switch {
	case errors.Is(err, catalog.ErrReadOnly):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("query failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Wait blocks until every background ingestion has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	s.logger.Info("starting tabulator server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down tabulator server")
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
