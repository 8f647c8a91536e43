// Package phoenix — realtime-транспорт поверх Supabase Realtime (протокол
// Phoenix Channels, JSON-сериализатор v1) на gorilla/websocket.
//
// Socket держит одно websocket-соединение и переподключается с
// экспоненциальным backoff. После переподключения все каналы, для которых
// был вызван Subscribe, заново отправляют phx_join и получают Subscribed.
// Обрыв соединения сообщается каналам статусом Closed, реестры присутствия
// очищаются. Исходящие broadcast ограничены по частоте общим троттлером.
package phoenix

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"
	"clofri/internal/infra/throttle"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	backendLabel       = "supabase"
)

var errNotConnected = errors.New("phoenix: socket is not connected")

// Options — параметры подключения.
type Options struct {
	// URL — адрес websocket (см. Endpoint).
	URL string
	// Token — JWT пользователя для RLS realtime.
	Token string
	// RPS — лимит исходящих broadcast в секунду.
	RPS               int
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Dialer            *websocket.Dialer
	// BackOff — стратегия переподключения; по умолчанию throttle.DefaultBackOff.
	BackOff func() backoff.BackOff
}

// Socket — соединение с сервером Realtime. Реализует realtime.Transport.
type Socket struct {
	opts    Options
	limiter *throttle.Throttler
	ref     atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*Channel // topic -> handle
	pendingHB string

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

var _ realtime.Transport = (*Socket)(nil)

// New создаёт сокет; соединение устанавливает Start.
func New(opts Options) *Socket {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BackOff == nil {
		opts.BackOff = throttle.DefaultBackOff
	}
	return &Socket{
		opts: opts,
		limiter: throttle.New(opts.RPS, throttle.WithObserver(func(d time.Duration) {
			metrics.BroadcastWait.Observe(d.Seconds())
		})),
		channels: make(map[string]*Channel),
	}
}

// Start запускает цикл подключения. Не блокирует: каналы, подписанные до
// установления соединения, присоединятся после него.
func (s *Socket) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx)
}

// Close останавливает цикл и закрывает соединение.
func (s *Socket) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	conn := s.conn
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	return nil
}

// Channel создаёт handle канала name. Повторный вызов с тем же именем
// заменяет прежний handle: в Phoenix на сокете один join на топик.
func (s *Socket) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	ch := newChannel(s, name, opts.PresenceKey)
	s.mu.Lock()
	if old, ok := s.channels[ch.topic]; ok && old != ch {
		logger.Debug("phoenix: channel handle replaced", zap.String("channel", name))
	}
	s.channels[ch.topic] = ch
	s.mu.Unlock()
	return ch
}

func (s *Socket) forget(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	s.mu.Unlock()
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// write отправляет кадр. Запись сериализована: gorilla/websocket допускает
// одного писателя.
func (s *Socket) write(topic, event string, payload any, ref, joinRef string) error {
	frame, err := encode(topic, event, payload, ref, joinRef)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrapf(err, "write %s", event)
	}
	return nil
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)
	first := true
	for ctx.Err() == nil {
		if !first {
			metrics.TransportReconnects.WithLabelValues(backendLabel).Inc()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			return
		}
		first = false
		s.serve(ctx, conn)
		s.dropAll()
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(s.opts.BackOff(), ctx), func(err error, next time.Duration) {
		metrics.TransportReconnects.WithLabelValues(backendLabel).Inc()
		logger.Warn("phoenix: dial failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve обслуживает одно соединение до ошибки чтения или отмены ctx.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.pendingHB = ""
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	logger.Info("phoenix: connected", zap.Int("channels", len(channels)))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()
	go s.heartbeat(connCtx, conn)

	for _, ch := range channels {
		if ch.wantsJoin() {
			ch.join()
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("phoenix: connection lost", zap.Error(err))
			}
			return
		}
		msg, err := decode(data)
		if err != nil {
			logger.Warn("phoenix: malformed frame", zap.Error(err))
			continue
		}
		s.dispatch(msg)
	}
}

// heartbeat шлёт heartbeat; неотвеченный предыдущий heartbeat рвёт соединение.
func (s *Socket) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		missed := s.pendingHB != ""
		ref := s.nextRef()
		s.pendingHB = ref
		s.mu.Unlock()
		if missed {
			logger.Warn("phoenix: heartbeat timeout; reconnecting")
			_ = conn.Close()
			return
		}
		if err := s.write(topicPhoenix, eventHeartbeat, struct{}{}, ref, ""); err != nil {
			logger.Warn("phoenix: heartbeat failed", zap.Error(err))
		}
	}
}

func (s *Socket) dispatch(msg message) {
	if msg.Topic == topicPhoenix {
		if msg.Event == eventReply {
			s.mu.Lock()
			if msg.Ref == s.pendingHB {
				s.pendingHB = ""
			}
			s.mu.Unlock()
		}
		return
	}
	s.mu.Lock()
	ch := s.channels[msg.Topic]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ch.handle(msg)
}

// dropAll переводит все каналы в неподписанное состояние после обрыва.
func (s *Socket) dropAll() {
	s.mu.Lock()
	s.conn = nil
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	for _, ch := range channels {
		ch.dropped()
	}
}
