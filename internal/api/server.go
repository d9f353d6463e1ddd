package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coldstack/tapebackarr/internal/auth"
	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/coldstack/tapebackarr/internal/pipeline"
	"github.com/coldstack/tapebackarr/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server exposes the operator-facing surface for triggering, observing,
// cancelling, pausing, and resuming backup task runs. It deliberately
// does not manage tape pools, drives, autochangers, or restore — those
// stay out of scope for the manual-trigger API.
type Server struct {
	router      *chi.Mux
	db          *database.DB
	authService *auth.Service
	pipeline    *pipeline.Controller
	scheduler   *scheduler.Service
	logger      *logging.Logger
	staticDir   string
	config      *config.Config
	eventBus    *EventBus
}

// NewServer creates a new API server.
func NewServer(
	db *database.DB,
	authService *auth.Service,
	pipelineCtrl *pipeline.Controller,
	sched *scheduler.Service,
	logger *logging.Logger,
	staticDir string,
	cfg *config.Config,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		db:          db,
		authService: authService,
		pipeline:    pipelineCtrl,
		scheduler:   sched,
		logger:      logger,
		staticDir:   staticDir,
		config:      cfg,
		eventBus:    NewEventBus(),
	}

	s.setupRoutes()
	return s
}

// EventBus exposes the server's event bus so it can be wired as a
// notify.Notifier by the caller (see internal/api's eventBusNotifier).
func (s *Server) EventBus() *EventBus {
	return s.eventBus
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/v1/auth/change-password", s.handleChangePassword)

		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Put("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/run", s.handleRunTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Post("/{id}/pause", s.handlePauseTask)
			r.Post("/{id}/resume", s.handleResumeTask)
			r.Get("/{id}/status", s.handleTaskStatus)
		})

		r.Route("/api/v1/backup-sets", func(r chi.Router) {
			r.Get("/", s.handleListBackupSets)
			r.Get("/{id}", s.handleGetBackupSet)
		})

		r.Route("/api/v1/logs", func(r chi.Router) {
			r.Get("/audit", s.handleListAuditLogs)
		})

		r.Route("/api/v1/users", func(r chi.Router) {
			r.Use(s.adminOnlyMiddleware)
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Delete("/{id}", s.handleDeleteUser)
		})

		r.Get("/api/v1/events/stream", s.handleEventStream)
		r.Get("/api/v1/events", s.handleGetNotifications)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if s.staticDir != "" {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				http.Error(w, "404 page not found", http.StatusNotFound)
				return
			}

			cleanPath := filepath.Clean(r.URL.Path)
			filePath := filepath.Join(s.staticDir, cleanPath)
			absStaticDir, err := filepath.Abs(s.staticDir)
			if err == nil {
				absFilePath, err := filepath.Abs(filePath)
				if err == nil && (strings.HasPrefix(absFilePath, absStaticDir+string(filepath.Separator)) || absFilePath == absStaticDir) {
					if info, err := os.Stat(absFilePath); err == nil && !info.IsDir() {
						http.ServeFile(w, r, absFilePath)
						return
					}
				}
			}

			indexPath := filepath.Join(s.staticDir, "index.html")
			if _, err := os.Stat(indexPath); err == nil {
				http.ServeFile(w, r, indexPath)
				return
			}

			http.Error(w, "404 page not found", http.StatusNotFound)
		})
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// auditLog records an audit log entry for the given action.
func (s *Server) auditLog(r *http.Request, action, resourceType string, resourceID int64, details string) {
	var userID int64
	if claims, ok := r.Context().Value(claimsContextKey{}).(*auth.Claims); ok {
		userID = claims.UserID
	}
	ipAddress := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ipAddress = fwd
	}
	s.db.Exec(`
		INSERT INTO audit_logs (user_id, action, resource_type, resource_id, details, ip_address)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, action, resourceType, resourceID, details, ipAddress)
}

// Middleware

type claimsContextKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenStr = parts[1]
			}
		}

		// Fallback to query parameter for SSE connections (EventSource
		// can't set headers).
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("token")
		}

		if tokenStr == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.authService.ValidateToken(tokenStr)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := r.Context().Value(claimsContextKey{}).(*auth.Claims)
		if claims.Role != models.RoleAdmin {
			s.respondError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) getIDParam(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	return strconv.ParseInt(idStr, 10, 64)
}

// Auth handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.authService.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsContextKey{}).(*auth.Claims)

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.authService.UpdatePassword(claims.UserID, req.OldPassword, req.NewPassword); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// User handlers (admin only)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authService.ListUsers()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string          `json:"username"`
		Password string          `json:"password"`
		Role     models.UserRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.auditLog(r, "user.create", "user", user.ID, req.Username)
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.authService.DeleteUser(id); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.auditLog(r, "user.delete", "user", id, "")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
