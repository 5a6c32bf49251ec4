package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"psfmatch/internal/pipeline"
	"psfmatch/internal/storage"
)

// Server exposes the match pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// MatchRequest is the body accepted by POST /match.
type MatchRequest struct {
	Template string         `json:"template"`
	Science  string         `json:"science"`
	Output   string         `json:"output,omitempty"`
	Batch    bool           `json:"batch,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// JobEvent is the JSON form of a pipeline result pushed to stream clients.
type JobEvent struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Template string         `json:"template"`
	Science  string         `json:"science"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// NewServer creates a server for pipe. store may be nil, in which case the
// job history routes report 503.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      newHub(log),
		log:      log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	results, unsubscribe := s.pipeline.Subscribe()
	go s.relay(ctx, results, unsubscribe)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.hub.closeAll()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/candidates", s.handleCandidates).Methods("GET")
	r.HandleFunc("/match", s.handleMatch).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// relay forwards pipeline results to websocket clients.
func (s *Server) relay(ctx context.Context, resCh <-chan pipeline.Result, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventFromResult(res))
			if err != nil {
				s.log.Warn("failed to encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.broadcast(payload)
		}
	}
}

func eventFromResult(res pipeline.Result) JobEvent {
	ev := JobEvent{
		ID:       res.Job.ID,
		Type:     string(res.Job.Type),
		Template: res.Job.Template,
		Science:  res.Job.Science,
		Status:   "completed",
		Meta:     res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	summary, err := s.store.MatchSummary(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no summary for job "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "meta": meta})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.Candidates(mux.Vars(r)["id"], r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.CandidateRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Template == "" || req.Science == "" {
		http.Error(w, "template and science are required", http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:       uuid.NewString(),
		Type:     pipeline.JobMatch,
		Template: req.Template,
		Science:  req.Science,
		Output:   req.Output,
		Options:  req.Options,
	}
	if req.Batch {
		job.Type = pipeline.JobBatch
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job accepted", "job", job.ID, "type", job.Type, "science", job.Science)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventFromResult(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
