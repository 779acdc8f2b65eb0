package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/pulseops/pulse-engine/internal/engine"
	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/pkg/logging"
)

// Server exposes the engine over HTTP: the REST surface under /api/v1,
// the WebSocket status feed and the Prometheus scrape endpoint.
type Server struct {
	router     *mux.Router
	cors       *cors.Cors
	httpServer *http.Server
	hub        *Hub
	logger     logging.Logger
}

// Config holds the server configuration.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	StatusInterval time.Duration
}

// Dependencies holds the server dependencies.
type Dependencies struct {
	Logger logging.Logger
	Engine *engine.Engine
}

// NewServer builds the router and the status hub. Start must be called
// to listen.
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 5 * time.Second
	}

	router := mux.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Origin", "X-Requested-With"},
		AllowCredentials: true,
	})

	s := &Server{
		router: router,
		cors:   corsHandler,
		hub:    NewHub(deps.Engine.GetStatus, cfg.StatusInterval, deps.Logger),
		logger: deps.Logger,
	}
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%s", cfg.Port),
		Handler:        corsHandler.Handler(router),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	s.routes(deps)
	return s
}

func (s *Server) routes(deps Dependencies) {
	handler := NewHandler(deps.Engine, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api)) // For preflight requests

	// Event routes
	api.HandleFunc("/events", handler.CreateEvent).Methods("POST")
	api.HandleFunc("/events/{id}", handler.GetEvent).Methods("GET")

	// Stream routes
	api.HandleFunc("/streams", handler.CreateStream).Methods("POST")
	api.HandleFunc("/streams", handler.ListStreams).Methods("GET")
	api.HandleFunc("/streams/{id}", handler.GetStream).Methods("GET")
	api.HandleFunc("/streams/{id}/subscribers", handler.AddSubscriber).Methods("POST")
	api.HandleFunc("/streams/{id}/subscribers/{subscriberId}", handler.RemoveSubscriber).Methods("DELETE")
	api.HandleFunc("/streams/{id}/activate", handler.ActivateStream).Methods("POST")
	api.HandleFunc("/streams/{id}/deactivate", handler.DeactivateStream).Methods("POST")
	api.HandleFunc("/streams/{id}/rate", handler.UpdateStreamRate).Methods("PUT")

	// Task routes
	api.HandleFunc("/tasks", handler.CreateTask).Methods("POST")
	api.HandleFunc("/tasks", handler.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", handler.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", handler.RemoveTask).Methods("DELETE")

	// Introspection routes
	api.HandleFunc("/status", handler.GetStatus).Methods("GET")
	api.HandleFunc("/metrics/engine", handler.GetEngineMetrics).Methods("GET")
	api.HandleFunc("/faults", handler.GetFaults).Methods("GET")
	api.HandleFunc("/health", handler.GetHealth).Methods("GET")

	// Live status feed and the Prometheus scrape endpoint sit outside the
	// versioned prefix.
	s.router.HandleFunc("/ws/status", s.serveStatusSocket).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Start runs the status hub and listens for HTTP. It blocks until the
// server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop disconnects status clients and gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	s.hub.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler with CORS applied, for tests and for
// embedding the API into another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveStatusSocket upgrades the connection and hands it to the hub.
func (s *Server) serveStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("[StatusSocket] Error upgrading connection: %v", err)
		return
	}

	client := NewClient(uuid.New().String(), conn, s.hub, s.logger)
	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
