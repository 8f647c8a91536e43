package web

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessions — вход в локальный API. Ссылка с одноразовым токеном меняется на
// cookie-сессию браузера. Сессия продлевается каждым запросом; при выходе,
// истечении или выдаче новой ссылки закрывается Done и вместе с ним все
// потоки /api/events этой сессии.
type sessions struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.Mutex
	token  string
	active map[string]*session
}

type session struct {
	id       string
	remote   string
	created  time.Time
	lastSeen time.Time
	done     chan struct{}
}

// Done закрывается, когда сессия перестаёт действовать.
func (s *session) Done() <-chan struct{} { return s.done }

func newSessions(clk clock.Clock, ttl time.Duration) *sessions {
	return &sessions{
		clock:  clk,
		ttl:    ttl,
		active: make(map[string]*session),
	}
}

// issue выдаёт новый токен входа; открытые сессии завершаются.
func (m *sessions) issue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = uuid.NewString()
	for id := range m.active {
		m.endLocked(id, "new login link")
	}
	return m.token
}

// login меняет токен на сессию. Токен срабатывает один раз.
func (m *sessions) login(token, remote string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" || m.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
		return nil, false
	}
	m.token = ""

	now := m.clock.Now()
	sess := &session{
		id:       uuid.NewString(),
		remote:   remote,
		created:  now,
		lastSeen: now,
		done:     make(chan struct{}),
	}
	m.active[sess.id] = sess
	metrics.WebSessions.Set(float64(len(m.active)))
	logger.Info("web session opened", zap.String("remote", remote))
	return sess, true
}

// lookup возвращает живую сессию и продлевает её.
func (m *sessions) lookup(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.active[id]
	if !ok {
		return nil, false
	}
	now := m.clock.Now()
	if now.Sub(sess.lastSeen) > m.ttl {
		m.endLocked(id, "expired")
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

func (m *sessions) logout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(id, "logout")
}

// sweep завершает сессии, простоявшие дольше ttl.
func (m *sessions) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for id, sess := range m.active {
		if now.Sub(sess.lastSeen) > m.ttl {
			m.endLocked(id, "expired")
		}
	}
}

func (m *sessions) endLocked(id, reason string) {
	sess, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	close(sess.done)
	metrics.WebSessions.Set(float64(len(m.active)))
	logger.Info("web session closed",
		zap.String("reason", reason),
		zap.String("remote", sess.remote),
		zap.Duration("age", m.clock.Now().Sub(sess.created)))
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// sessionFrom достаёт сессию, положенную authMiddleware.
func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	return sess
}
