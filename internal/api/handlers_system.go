package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Widgets    int                        `json:"widgets"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a system component
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfoResponse represents system information response
type SystemInfoResponse struct {
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildDate    string            `json:"build_date"`
	GoVersion    string            `json:"go_version"`
	Platform     string            `json:"platform"`
	APIVersion   string            `json:"api_version"`
	Capabilities []string          `json:"capabilities"`
	Config       *SystemConfigInfo `json:"config,omitempty"`
}

// SystemConfigInfo represents sanitized system configuration
type SystemConfigInfo struct {
	Port       int    `json:"port"`
	Host       string `json:"host"`
	EnableCORS bool   `json:"enable_cors"`
	PageSize   int    `json:"page_size"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]ComponentHealth, len(s.deps.Checks))
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overallStatus := "healthy"
	for _, name := range names {
		if err := s.deps.Checks[name](r.Context()); err != nil {
			components[name] = ComponentHealth{Status: "unhealthy", Message: err.Error()}
			overallStatus = "unhealthy"
			continue
		}
		components[name] = ComponentHealth{Status: "healthy"}
	}

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    s.buildInfo.Version,
		Uptime:     time.Since(s.startTime).String(),
		Widgets:    len(s.deps.Registry.Tickets()),
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
		// the envelope drops data on errors, so the components travel in details
		s.writeError(w, statusCode, "UNHEALTHY", "One or more components are unhealthy", unhealthyDetails(components))
		return
	}
	s.writeJSON(w, statusCode, response)
}

func unhealthyDetails(components map[string]ComponentHealth) string {
	names := make([]string, 0, len(components))
	for name, c := range components {
		if c.Status == "unhealthy" {
			names = append(names, fmt.Sprintf("%s: %s", name, c.Message))
		}
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

// handleSystemInfo handles system information requests
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	response := SystemInfoResponse{
		Version:      s.buildInfo.Version,
		Commit:       s.buildInfo.Commit,
		BuildDate:    s.buildInfo.Date,
		GoVersion:    runtime.Version(),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		APIVersion:   "v1",
		Capabilities: []string{"search", "link", "create", "update", "comment", "relate", "selection", "form-options", "metrics"},
		Config: &SystemConfigInfo{
			Port:       s.config.Port,
			Host:       s.config.Host,
			EnableCORS: s.config.EnableCORS,
			PageSize:   s.deps.PageSize,
		},
	}

	s.writeJSON(w, http.StatusOK, response)
}
