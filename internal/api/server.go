package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"roomrelay/internal/membership"
	"roomrelay/internal/session"
	"roomrelay/pkg/types"
)

// Registry is the read-only view of live sessions the API reports on
type Registry interface {
	Stats() session.Stats
	Count(channelID int) int
}

// Directory answers health and channel lookups from the membership store
type Directory interface {
	HealthCheck(ctx context.Context) error
	GetChannel(ctx context.Context, channelID int) (*types.Channel, error)
	ChannelMembers(ctx context.Context, channelID int) ([]*types.User, error)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	registry  Registry
	directory Directory
	router    *http.ServeMux
	startedAt time.Time
	log       *slog.Logger
}

// NewServer wires the read-only operational endpoints
func NewServer(registry Registry, directory Directory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		registry:  registry,
		directory: directory,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
		log:       log.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: CORS and JSON middleware applied to all routes for web client compatibility
func (s *Server) setupRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	s.router.Handle("GET /health", wrap(s.healthCheck))
	s.router.Handle("GET /api/stats", wrap(s.stats))
	s.router.Handle("GET /api/channels/{id}", wrap(s.getChannel))
	s.router.Handle("OPTIONS /", wrap(func(w http.ResponseWriter, r *http.Request) {}))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Database  string         `json:"database"`
	Sessions  session.Stats  `json:"sessions"`
	System    map[string]any `json:"system"`
}

type StatsResponse struct {
	ActiveChannels int `json:"active_channels"`
	TotalSessions  int `json:"total_sessions"`
}

type ChannelResponse struct {
	Channel        *types.Channel `json:"channel"`
	MemberCount    int            `json:"member_count"`
	ActiveSessions int            `json:"active_sessions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - database health plus live session counts;
// 503 when the membership store cannot be reached, since every broadcast depends on it
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.directory.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
		s.log.Warn("Health check failed", "error", err)
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
		Sessions:  s.registry.Stats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, response)
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	s.encode(w, StatsResponse{
		ActiveChannels: stats.ActiveChannels,
		TotalSessions:  stats.TotalSessions,
	})
}

// FUNCTIONAL DISCOVERY: GET /api/channels/{id} - stored channel details with the number
// of sessions currently connected to it
func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || channelID <= 0 {
		s.sendError(w, "Invalid channel ID", http.StatusBadRequest)
		return
	}

	channel, err := s.directory.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, membership.ErrChannelNotFound) {
			s.sendError(w, "Channel not found", http.StatusNotFound)
		} else {
			s.log.Error("Failed to load channel", "channel_id", channelID, "error", err)
			s.sendError(w, "Failed to load channel", http.StatusInternalServerError)
		}
		return
	}

	members, err := s.directory.ChannelMembers(r.Context(), channelID)
	if err != nil {
		s.log.Error("Failed to load channel members", "channel_id", channelID, "error", err)
		s.sendError(w, "Failed to load channel members", http.StatusInternalServerError)
		return
	}

	s.encode(w, ChannelResponse{
		Channel:        channel,
		MemberCount:    len(members),
		ActiveSessions: s.registry.Count(channelID),
	})
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
