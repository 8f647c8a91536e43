// Package web — локальный HTTP API клиента clofri: JSON-эндпоинты поверх
// commands.Executor, поток событий состояния по websocket, /metrics и
// /health. Доступ к /api защищён одноразовым токеном, который обменивается
// на сессионную cookie.
package web

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"clofri/internal/domain/commands"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server представляет веб-сервер
type Server struct {
	srv      *http.Server
	sessions *sessions
	executor commands.Executor
	logFile  string
	tmpl     *template.Template
	ctx      context.Context
	cancel   context.CancelFunc
}

// Options — параметры сервера.
type Options struct {
	Address string
	// LogFile — JSON-лог для /api/logs; пусто — эндпоинт отвечает 404.
	LogFile    string
	SessionTTL time.Duration
	// Clock — часы сессий; nil — реальное время.
	Clock clock.Clock
}

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	cleanExpiredSessionsInterval = 3 * time.Minute
)

// NewServer создает новый веб-сервер
func NewServer(executor commands.Executor, opts Options) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Server{
		sessions: newSessions(opts.Clock, opts.SessionTTL),
		executor: executor,
		logFile:  opts.LogFile,
		tmpl:     template.Must(template.New("dashboard").Parse(dashboardTemplate)),
	}
	s.srv = &http.Server{
		Addr:         opts.Address,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.RealIP)
	r.Use(loggingMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://127.0.0.1:*", "http://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Публичные эндпоинты (без авторизации)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Защищенные эндпоинты (требуют авторизации)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/", s.handleDashboard)
		r.Get("/api/events", s.handleEvents)

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/users", s.handleUsers)
		r.Get("/api/lists", s.handleLists)
		r.Post("/api/refresh", s.handleRefresh)
		r.Get("/api/whoami", s.handleWhoami)
		r.Post("/api/profile", s.handleProfile)
		r.Get("/api/dump", s.handleDump)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/logs", s.handleLogs)
		r.Post("/api/logout", s.handleLogout)

		r.Post("/api/activity", s.handleActivity)
		r.Post("/api/settings", s.handleSettings)

		r.Route("/api/chat", func(r chi.Router) {
			r.Get("/", s.handleChat)
			r.Post("/open", s.handleOpen)
			r.Post("/close", s.handleClose)
			r.Post("/send", s.handleSend)
			r.Post("/typing", s.handleTyping)
			r.Post("/nudge", s.handleNudge)
		})

		r.Post("/api/dm", s.handleStartDM)
		r.Delete("/api/dm/{id}", s.handleEndDM)

		r.Post("/api/groups", s.handleCreateGroup)
		r.Post("/api/groups/join", s.handleJoinGroup)
		r.Post("/api/groups/{id}/leave", s.handleLeaveGroup)
		r.Delete("/api/groups/{id}", s.handleEndGroup)
		r.Post("/api/groups/{id}/kick", s.handleKickMember)

		r.Post("/api/friends", s.handleAddFriend)
		r.Post("/api/friends/{id}/accept", s.handleAcceptFriend)
		r.Delete("/api/friends/{id}", s.handleRemoveFriend)
		r.Post("/api/friends/{id}/category", s.handleAssignFriend)

		r.Get("/api/categories", s.handleCategories)
		r.Post("/api/categories", s.handleAddCategory)
		r.Put("/api/categories/{id}", s.handleRenameCategory)
		r.Delete("/api/categories/{id}", s.handleRemoveCategory)
	})
	return r
}

// Handler отдаёт корневой обработчик (для тестов).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start запускает веб-сервер
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))

	// Запускаем фоновую очистку истекших сессий
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.cleanupLoop(s.ctx)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

// cleanupLoop периодически завершает истекшие сессии
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanExpiredSessionsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.sweep()
		}
	}
}

// GenerateAuthToken выдаёт новую ссылку входа; открытые браузерные сессии
// и их потоки событий закрываются.
func (s *Server) GenerateAuthToken() string {
	token := s.sessions.issue()
	logger.Info("Generated new auth token for web interface")
	return token
}

// URL возвращает адрес входа с токеном.
func (s *Server) URL(token string) string {
	return "http://" + s.srv.Addr + "/?token=" + token
}
