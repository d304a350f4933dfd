// Package api serves the host bridge: the REST surface through which the
// helpdesk host drives the widget backend.
//
// Endpoints are grouped by resource:
//
//   - /api/v1/health, /api/v1/system/info - server health and build details
//   - /api/v1/search - story search
//   - /api/v1/tickets/{ticketID}/... - linked stories, form options, target
//     actions and selections of one ticket
//   - /api/v1/stories/{storyID}/... - comments and relations of one story
//   - /metrics - prometheus collectors
//
// Every JSON response uses the same envelope: success, data, error, meta.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/storylink/internal/widget"
	"github.com/chambrid/storylink/pkg/association"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/story"
)

// Headers carrying the ticket context of ticket scoped requests
const (
	HeaderPermalink  = "X-Ticket-Permalink"
	HeaderAgentEmail = "X-Agent-Email"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Config holds API server configuration
type Config struct {
	Port           int           `json:"port"`
	Host           string        `json:"host"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	EnableCORS     bool          `json:"enable_cors"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// DefaultConfig returns default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		Host:           "0.0.0.0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
	}
}

// HealthCheck reports whether a component can serve requests
type HealthCheck func(ctx context.Context) error

// ActionLister exposes the target actions registered with the host
type ActionLister interface {
	TargetActions() []host.TargetAction
}

// Deps are the components the server drives
type Deps struct {
	Registry   *widget.Registry
	Manager    *association.Manager
	Selections *selection.Synchronizer
	Client     client.Client
	Resolver   *deps.Resolver
	Actions    ActionLister
	Recorder   *metrics.Recorder
	Checks     map[string]HealthCheck
	PageSize   int
}

// Server represents the API server
type Server struct {
	config     *Config
	buildInfo  BuildInfo
	deps       Deps
	log        logr.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server instance
func NewServer(config *Config, buildInfo BuildInfo, d Deps, log logr.Logger) *Server {
	if d.PageSize <= 0 {
		d.PageSize = widget.DefaultPageSize
	}
	s := &Server{
		config:    config,
		buildInfo: buildInfo,
		deps:      d,
		log:       log.WithName("api"),
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withMiddleware(mux)
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.log.Info("Starting host bridge", "addr", s.httpServer.Addr, "version", s.buildInfo.Version)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the API server and unmounts every widget
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping host bridge")
	defer s.deps.Registry.Close()
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/system/info", s.handleSystemInfo)
	mux.Handle("GET /metrics", s.deps.Recorder.Handler())

	mux.HandleFunc("GET /api/v1/search", s.handleSearch)

	// Ticket endpoints
	mux.HandleFunc("GET /api/v1/tickets/{ticketID}/stories", s.handleResync)
	mux.HandleFunc("POST /api/v1/tickets/{ticketID}/stories", s.handleLink)
	mux.HandleFunc("POST /api/v1/tickets/{ticketID}/stories/new", s.handleCreate)
	mux.HandleFunc("PUT /api/v1/tickets/{ticketID}/stories/{storyID}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/tickets/{ticketID}/stories/{storyID}", s.handleUnlink)
	mux.HandleFunc("GET /api/v1/tickets/{ticketID}/state", s.handleState)
	mux.HandleFunc("GET /api/v1/tickets/{ticketID}/form-options", s.handleFormOptions)
	mux.HandleFunc("POST /api/v1/tickets/{ticketID}/target-actions", s.handleTargetAction)
	mux.HandleFunc("GET /api/v1/tickets/{ticketID}/target-actions", s.handleListTargetActions)
	mux.HandleFunc("GET /api/v1/tickets/{ticketID}/selections/{channel}", s.handleSelections)

	// Story endpoints
	mux.HandleFunc("POST /api/v1/stories/{storyID}/comments", s.handleAddComment)
	mux.HandleFunc("POST /api/v1/stories/{storyID}/relations", s.handleAddRelations)
	mux.HandleFunc("GET /api/v1/stories/{storyID}/relations", s.handleListRelations)
}

// withMiddleware applies middleware to the handler
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.withCORS(s.withLogging(next))
}

// withLogging adds request logging middleware
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.log.V(1).Info("Handled request", "method", r.Method, "path", r.URL.Path,
			"status", rw.statusCode, "duration", time.Since(start).String())
	})
}

// withCORS adds CORS middleware
func (s *Server) withCORS(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderPermalink+", "+HeaderAgentEmail)

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.config.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *MetaInfo   `json:"meta,omitempty"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MetaInfo represents response metadata
type MetaInfo struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{
		Success: statusCode < 400,
		Data:    data,
		Meta: &MetaInfo{
			Timestamp: time.Now(),
			Version:   s.buildInfo.Version,
		},
	}

	if statusCode >= 400 {
		if errInfo, ok := data.(*ErrorInfo); ok {
			response.Error = errInfo
		} else {
			response.Error = &ErrorInfo{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			}
		}
		response.Data = nil
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error(err, "Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message, details string) {
	errorInfo := &ErrorInfo{
		Code:    code,
		Message: message,
		Details: details,
	}
	s.writeJSON(w, statusCode, errorInfo)
}

// writeFailure maps an error raised by the widget backend to a response
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "Request failed", "code", code)
	}
	s.writeError(w, status, code, client.UserMessage(err), err.Error())
}

func classify(err error) (int, string) {
	var formErr *story.FormError
	var assocErr *association.AssociationError
	switch {
	case errors.As(err, &formErr), association.IsValidationError(err), client.IsValidationError(err):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.As(err, &assocErr) && assocErr.Type == "auth_error":
		return http.StatusUnauthorized, "AUTH_ERROR"
	case client.IsNotFoundError(err):
		return http.StatusNotFound, "NOT_FOUND"
	case selection.IsReplyError(err):
		return http.StatusBadGateway, "REPLY_ERROR"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	if apiErr, ok := client.AsAPIError(err); ok {
		if apiErr.StatusCode == http.StatusUnprocessableEntity || apiErr.StatusCode == http.StatusBadRequest {
			return http.StatusUnprocessableEntity, "TRACKER_VALIDATION_ERROR"
		}
		return http.StatusBadGateway, "TRACKER_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// decodeJSON reads a bounded JSON request body into dest
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", err.Error())
		return false
	}
	return true
}

// storyIDParam parses the storyID path value
func (s *Server) storyIDParam(w http.ResponseWriter, r *http.Request) (client.StoryID, bool) {
	id, err := client.ParseStoryID(r.PathValue("storyID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid story id", err.Error())
		return 0, false
	}
	return id, true
}
