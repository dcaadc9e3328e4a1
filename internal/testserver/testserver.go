// Package testserver runs a local HTTP server with httpbin-style endpoints
// for exercising the dispatch loop in tests: echo, status and delay routes,
// plus a hit counter so tests can assert how many requests actually reached
// the transport.
package testserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// Server wraps an httptest.Server with request counting.
type Server struct {
	*httptest.Server
	hits atomic.Int64
}

// New starts a test server; callers must Close it.
func New() *Server {
	s := &Server{}

	r := mux.NewRouter()
	r.Use(s.countRequests)
	r.HandleFunc("/get", s.handleEcho).Methods(http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete)
	r.HandleFunc("/post", s.handleEcho).Methods(http.MethodPost, http.MethodPut, http.MethodPatch)
	r.HandleFunc("/status/{code:[0-9]+}", s.handleStatus)
	r.HandleFunc("/delay/{ms:[0-9]+}", s.handleDelay)

	s.Server = httptest.NewServer(r)
	return s
}

// Hits returns how many requests the server has handled.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

// ResetHits zeroes the hit counter.
func (s *Server) ResetHits() {
	s.hits.Store(0)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		next.ServeHTTP(w, r)
	})
}

// handleEcho replies with a JSON description of the request.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	payload := map[string]any{
		"method": r.Method,
		"url":    r.URL.String(),
		"args":   r.URL.Query(),
		"data":   string(body),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(mux.Vars(r)["code"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(code)
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(mux.Vars(r)["ms"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	s.handleEcho(w, r)
}
