package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/protocol"
	"github.com/chrisflatley/keycloak/internal/realm"
)

// Server is the HTTP front door for the identity provider
type Server struct {
	config   *Config
	log      *zap.Logger
	registry *protocol.Registry
	realms   *realm.Store
	events   *events.Store
	stream   *events.Stream
	router   chi.Router
}

// NewServer creates a new server instance
func NewServer(cfg *Config, log *zap.Logger, registry *protocol.Registry, realms *realm.Store, eventStore *events.Store, stream *events.Stream) *Server {
	s := &Server{
		config:   cfg,
		log:      log,
		registry: registry,
		realms:   realms,
		events:   eventStore,
		stream:   stream,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.log))
	r.Use(RequestLogger(s.log))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Rate limiting
	rateLimiter := NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Limit)

	// Health check
	r.Get("/health", s.handleHealth)

	// Admin API
	r.Route("/admin", func(r chi.Router) {
		r.Get("/realms/{realm}/events", s.handleListEvents)
	})

	// WebSocket event stream
	r.Get("/ws/events/{realm}", s.handleEventStream)

	// Realm-scoped protocol and login routes
	r.Route("/realms", func(r chi.Router) {
		for _, p := range s.registry.List() {
			p.RegisterRoutes(r)
		}
	})

	s.router = r
}

// Health check response
type HealthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Providers []string `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0)
	for _, p := range s.registry.List() {
		providers = append(providers, p.ID())
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0",
		Providers: providers,
	}

	writeJSON(w, http.StatusOK, resp)
}

type EventListResponse struct {
	Events []*events.Event `json:"events"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	realmName := chi.URLParam(r, "realm")
	if _, err := s.realms.Realm(r.Context(), realmName); err != nil {
		writeError(w, http.StatusNotFound, "Realm not found")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid max parameter")
			return
		}
		limit = parsed
	}

	list, err := s.events.ListByRealm(r.Context(), realmName, limit)
	if err != nil {
		s.log.Error("list events failed", zap.String("realm", realmName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, EventListResponse{Events: list})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	realmName := chi.URLParam(r, "realm")
	if _, err := s.realms.Realm(r.Context(), realmName); err != nil {
		writeError(w, http.StatusNotFound, "Realm not found")
		return
	}
	s.stream.HandleWebSocket(w, r, realmName)
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
