package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"downbeat/internal/directory"
	"downbeat/internal/registry"
	"downbeat/internal/ws"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "downbeat_http_requests_total",
	Help: "HTTP requests by method and path",
}, []string{"method", "path"})

// Server is the HTTP surface around the bus: login/logout for the session
// mechanism, the WebSocket endpoint, and operational read-outs. Domain
// CRUD lives in external collaborators, not here.
type Server struct {
	router   *mux.Router
	store    *directory.Store
	registry *registry.Registry
	sessions *Sessions
}

// NewServer wires the routes.
func NewServer(store *directory.Store, reg *registry.Registry, sessions *Sessions, wsHandler *ws.Handler) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		store:    store,
		registry: reg,
		sessions: sessions,
	}

	s.router.Use(countRequests)

	s.router.HandleFunc("/api/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/api/logout", s.handleLogout).Methods("POST")
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", wsHandler.HandleWebSocket)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.WithLabelValues(r.Method, r.URL.Path).Inc()
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	SchoolID int64  `json:"schoolId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ident, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unknown username or wrong password")
			return
		}
		log.Printf("Login failed for %q: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := s.sessions.Issue(w, r, ident.UserID)
	if err != nil {
		log.Printf("Failed to issue session for user %d: %v", ident.UserID, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:    token,
		UserID:   ident.UserID,
		SchoolID: ident.SchoolID,
		Username: ident.Username,
		Role:     ident.Role,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
