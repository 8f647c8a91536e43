package web

import (
	"net/http"
	"sync"
	"time"

	"clofri/internal/domain/commands"
	"clofri/internal/infra/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventsBuffer   = 64
	pingInterval   = 30 * time.Second
	eventWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents транслирует события Watch в websocket как JSON
// {"type": ..., "data": ...}. Медленный клиент теряет события, а не тормозит
// движок: очередь ограничена и переполнение закрывает соединение. Поток живёт
// не дольше сессии браузера.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var sessionDone <-chan struct{}
	if sess := sessionFrom(r.Context()); sess != nil {
		sessionDone = sess.Done()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("events: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	// Снимаем дедлайны http.Server: поток живёт дольше Read/WriteTimeout.
	_ = conn.NetConn().SetDeadline(time.Time{})

	queue := make(chan commands.Event, eventsBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	cancel := s.executor.Watch(func(ev commands.Event) {
		select {
		case queue <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer cancel()

	// Чтение нужно для обработки close/pong; входящие данные игнорируются.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-sessionDone:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(eventWriteWait))
			return
		case <-overflow:
			logger.Warn("events: client too slow; closing stream")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"), time.Now().Add(eventWriteWait))
			return
		case ev := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
