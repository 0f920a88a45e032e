package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"go.sazak.io/mprof/cmd/mprof/storage"
)

// Metrics represents the real-time pipeline metrics
type Metrics struct {
	SPS float64 `json:"sps"` // Samples stamped per second
	PPS float64 `json:"pps"` // Processed events per second
	EWP int64   `json:"ewp"` // Events waiting processing
	BFL float64 `json:"bfl"` // Batch flush latency in nanoseconds
	QWL float64 `json:"qwl"` // Queue wait latency in nanoseconds
}

// Server is the HTTP API server
type Server struct {
	sessions   storage.SessionStore
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	metrics    *Metrics
	metricsMu  sync.RWMutex
}

// NewServer creates a new API server. promHandler, when non-nil, is
// mounted at /metrics.
func NewServer(sessions storage.SessionStore, port int, promHandler http.Handler) *Server {
	server := &Server{
		sessions: sessions,
		metrics:  &Metrics{},
		hub:      NewHub(),
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", server.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", server.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", server.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/events", server.getEvents).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/sources", server.getSources).Methods(http.MethodGet)
	api.HandleFunc("/metrics", server.handleMetrics).Methods(http.MethodGet)

	if promHandler != nil {
		r.Handle("/metrics", promHandler).Methods(http.MethodGet)
	}

	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(server.hub, w, r)
	})

	r.Use(corsMiddleware)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server.router = r
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	return server
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *Server) Start() error {
	go s.hub.Run()

	log.Printf("API server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// BroadcastBatch broadcasts a batch of events to all connected WebSocket clients
func (s *Server) BroadcastBatch(events []*storage.Event) {
	data, err := json.Marshal(map[string]interface{}{
		"type":   "batch",
		"events": events,
	})
	if err != nil {
		log.Printf("Failed to marshal event batch: %v", err)
		return
	}

	s.hub.Broadcast(data)
}

// UpdateMetrics updates the server's metrics
func (s *Server) UpdateMetrics(metrics *Metrics) {
	s.metricsMu.Lock()
	s.metrics = metrics
	s.metricsMu.Unlock()
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	store, err := s.sessions.OpenSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer store.Close()

	events, err := store.ReadEvents(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*storage.Event{}
	}

	writeJSON(w, events)
}

func (s *Server) getSources(w http.ResponseWriter, r *http.Request) {
	store, err := s.sessions.OpenSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer store.Close()

	sources, err := store.GetSources(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, sources)
}

// handleMetrics handles the /api/metrics endpoint
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metricsMu.RLock()
	metrics := s.metrics
	s.metricsMu.RUnlock()

	writeJSON(w, metrics)
}

func parseEventFilter(r *http.Request) (*storage.EventFilter, error) {
	q := r.URL.Query()
	filter := &storage.EventFilter{}

	if v := q.Get("source"); v != "" {
		src, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid source: %w", err)
		}
		src32 := uint32(src)
		filter.Source = &src32
	}

	if v := q.Get("kind"); v != "" {
		k, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid kind: %w", err)
		}
		kind := storage.EventKind(k)
		filter.Kind = &kind
	}

	if v := q.Get("start_time"); v != "" {
		st, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start_time: %w", err)
		}
		filter.StartTime = &st
	}

	if v := q.Get("end_time"); v != "" {
		et, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time: %w", err)
		}
		filter.EndTime = &et
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}

	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = offset
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
