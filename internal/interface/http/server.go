// Package http is the REST and WebSocket front door of the progression
// engine. A browser logs in once, receives a session cookie and then drives
// its Session through the /api/v1 routes; notifications are pushed over /ws.
package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pulsepoint/pulsepoint-progress/internal/application/query"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/interface/http/health"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// MaxBodyBytes caps request bodies, checkpoints included.
	MaxBodyBytes int64

	// AllowedOrigins feeds both CORS and the WebSocket origin check.
	AllowedOrigins []string

	// CookieSecret is expanded into the cookie signing and encryption keys.
	CookieSecret string
	CookieName   string
	CookieSecure bool
	CookieMaxAge time.Duration

	// APIKeys grant service callers read access to any user's progress.
	APIKeyHeader string
	APIKeys      []string

	EnableMetrics bool
}

// DefaultConfig returns default server configuration. CookieSecret has no
// default.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodyBytes:   64 << 10,
		AllowedOrigins: []string{"http://localhost:3000"},
		CookieName:     "pulsepoint_session",
		CookieMaxAge:   7 * 24 * time.Hour,
		APIKeyHeader:   "X-API-Key",
		EnableMetrics:  true,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains everything the handlers call.
type Dependencies struct {
	// Sessions owns login and the live session registry.
	Sessions *session.Manager

	// Read side
	Progress   *query.GetProgressHandler
	DailyTasks *query.GetDailyTasksHandler

	// Hub serves /ws. Nil disables the route.
	Hub *Hub

	// Health backs /health and /ready. Nil reports healthy.
	Health *health.Checker

	// Stats are rendered by /metrics, one entry per component.
	Stats map[string]func() any

	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	cookies    *CookieBinder
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a server. It fails when the cookie secret is too weak
// or the session manager is missing.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Sessions == nil {
		return nil, errors.New("http: session manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = DefaultConfig().APIKeyHeader
	}
	if config.CookieName == "" {
		config.CookieName = DefaultConfig().CookieName
	}

	cookies, err := NewCookieBinder([]byte(config.CookieSecret), config.CookieName, config.CookieSecure, config.CookieMaxAge)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}

	s := &Server{
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		cookies: cookies,
		logger:  deps.Logger.With("component", "http"),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID", config.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
	s.handler = c.Handler(s.router)

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s, nil
}

// Handler returns the full handler chain, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(s.recoveryMiddleware, s.requestIDMiddleware, s.loggingMiddleware)

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status
	// ─────────────────────────────────────────────────────────────────────────
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/session", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleLogout).Methods(http.MethodDelete)

	api.HandleFunc("/progress", s.withSession(s.handleGetProgress)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/daily", s.handleDailyTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID}/complete", s.withSession(s.handleCompleteTask)).Methods(http.MethodPost)
	api.HandleFunc("/modules/{moduleID}/lessons/{lessonID}/complete", s.withSession(s.handleCompleteLesson)).Methods(http.MethodPost)
	api.HandleFunc("/hearts/lose", s.withSession(s.handleLoseHeart)).Methods(http.MethodPost)
	api.HandleFunc("/achievements/{achievementID}/claim", s.withSession(s.handleClaimAchievement)).Methods(http.MethodPost)
	api.HandleFunc("/checkpoints/{lessonID}", s.withSession(s.handlePutCheckpoint)).Methods(http.MethodPut)
	api.HandleFunc("/checkpoints/{lessonID}", s.withSession(s.handleGetCheckpoint)).Methods(http.MethodGet)

	api.HandleFunc("/users/{userID}/progress", s.handleUserProgress).Methods(http.MethodGet)

	// ─────────────────────────────────────────────────────────────────────────
	// Push
	// ─────────────────────────────────────────────────────────────────────────
	if s.deps.Hub != nil {
		r.HandleFunc("/ws", s.withSession(s.handleWebSocket)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// requestIDMiddleware adds a unique request ID to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs every request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", getRequestID(r.Context()),
		)
	})
}

// recoveryMiddleware turns a panic into a 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
				)
				writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// hasValidAPIKey reports whether the request carries one of the configured
// service keys.
func (s *Server) hasValidAPIKey(r *http.Request) bool {
	key := r.Header.Get(s.config.APIKeyHeader)
	if key == "" {
		return false
	}
	for _, k := range s.config.APIKeys {
		if k != "" && subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "address", s.config.Address())

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server and disconnects WebSocket
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope of every JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"},
		RequestID: getRequestID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSONErrorWithDetails(w, r, status, code, message, nil)
}

func writeJSONErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeEnvelope(w, status, JSONResponse{
		Error:     &APIError{Code: code, Message: message, Details: details},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: getRequestID(r.Context()),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER TYPES AND FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}
