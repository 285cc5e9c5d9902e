// ABOUTME: In-process fake Home Assistant for tests
// ABOUTME: Serves configurable states and records every service call it receives

package hatest

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Token is the bearer token the fake accepts.
const Token = "test-ha-token"

// Call is one recorded service call.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any
}

// Server is a fake HA instance backed by httptest.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	states   map[string]map[string]any
	order    []string
	calls    []Call
	gets     map[string]int
	failures map[string]int
}

// New starts a fake server, closed on test cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		states:   make(map[string]map[string]any),
		gets:     make(map[string]int),
		failures: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
	}))
	mux.HandleFunc("GET /api/states", s.authed(s.handleAll))
	mux.HandleFunc("GET /api/states/{entity}", s.authed(s.handleOne))
	mux.HandleFunc("POST /api/services/{domain}/{service}", s.authed(s.handleService))
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetState adds or replaces an entity.
func (s *Server) SetState(entityID, state string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attrs == nil {
		attrs = map[string]any{}
	}
	if _, ok := s.states[entityID]; !ok {
		s.order = append(s.order, entityID)
	}
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	s.states[entityID] = map[string]any{
		"entity_id":    entityID,
		"state":        state,
		"attributes":   attrs,
		"last_changed": ts,
		"last_updated": ts,
	}
}

// FailNext makes the next n requests for entityID answer 500.
func (s *Server) FailNext(entityID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[entityID] = n
}

// Calls returns a copy of the recorded service calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Gets returns how many times entityID was fetched individually.
func (s *Server) Gets(entityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[entityID]
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401: Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, maps.Clone(s.states[id]))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("entity")
	s.mu.Lock()
	s.gets[id]++
	if s.failures[id] > 0 {
		s.failures[id]--
		s.mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	st, ok := s.states[id]
	st = maps.Clone(st)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Entity not found."})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call := Call{Domain: r.PathValue("domain"), Service: r.PathValue("service"), Data: data}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	var changed []map[string]any
	if id, ok := data["entity_id"].(string); ok {
		if st, ok := s.states[id]; ok {
			switch {
			case strings.HasSuffix(call.Service, "_on"):
				st["state"] = "on"
			case strings.HasSuffix(call.Service, "_off"):
				st["state"] = "off"
			}
			changed = append(changed, maps.Clone(st))
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, changed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
