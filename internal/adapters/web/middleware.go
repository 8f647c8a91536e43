package web

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	sessionCookieName = "clofri_session"
	sessionMaxAge     = 3600 // 1 час в секундах
)

// authMiddleware пропускает запросы с живой сессией и кладёт её в контекст.
// Одноразовый ?token= обменивается на cookie с редиректом на тот же путь без токена.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("token"); token != "" {
			sess, ok := s.sessions.login(token, r.RemoteAddr)
			if !ok {
				logger.Warn("Invalid auth token attempt", zap.String("remote", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			setSessionCookie(w, sess.id)
			http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			unauthorized(w, r)
			return
		}
		sess, ok := s.sessions.lookup(cookie.Value)
		if !ok {
			unauthorized(w, r)
			return
		}

		setSessionCookie(w, sess.id)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Unauthorized access: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	writeError(w, http.StatusUnauthorized, "authentication required: open the link printed by the client")
}

func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack нужен апгрейду websocket.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// metricsMiddleware считает запросы по шаблону маршрута chi.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	})
}

// loggingMiddleware логирует все запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("took", time.Since(start)))
	})
}
