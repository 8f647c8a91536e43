package presence

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"go.uber.org/zap"
)

// ErrNotJoined возвращается операциями, требующими подписки на lobby.
var ErrNotJoined = errors.New("presence: not joined")

// Identity — локальный пользователь.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Settings — персистентные собственные настройки (статус-сообщение, автоответ).
type Settings interface {
	StatusMessage() *string
	SetStatusMessage(msg *string) error
	AutoReply() bool
	SetAutoReply(v bool) error
}

// Options — тайминги и зависимости движка. Нулевые значения заменяются дефолтами.
type Options struct {
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	StaleThreshold    time.Duration
	Settings          Settings
}

// UserView — производное представление пользователя для UI.
type UserView struct {
	UserID        string          `json:"user_id"`
	DisplayName   string          `json:"display_name"`
	AvatarURL     string          `json:"avatar_url,omitempty"`
	Status        EffectiveStatus `json:"status"`
	StatusMessage *string         `json:"status_message"`
	AutoReply     bool            `json:"auto_reply"`
	LastActive    time.Time       `json:"last_active"`
}

// Snapshot — реактивное состояние движка для подписчиков.
type Snapshot struct {
	Joined     bool
	Subscribed bool
	Users      []UserView
}

// Engine — движок присутствия. Один на процесс.
type Engine struct {
	transport realtime.Transport
	clock     clock.Clock
	heartbeat time.Duration
	idle      time.Duration
	stale     time.Duration
	settings  Settings

	mu            sync.Mutex
	gen           uint64 // поколение join; колбэки старых каналов отбрасываются
	joined        bool
	subscribed    bool
	identity      Identity
	channel       realtime.Channel
	activity      *Activity
	beat          clock.Timer
	status        Status
	statusMessage *string
	autoReply     bool
	users         map[string]Record
	bindings      map[string][]func(json.RawMessage)
	ctx           context.Context
	cancel        context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewEngine создаёт движок. Собственные настройки читаются из Settings один раз.
func NewEngine(transport realtime.Transport, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.StaleThreshold <= opts.HeartbeatInterval {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	e := &Engine{
		transport: transport,
		clock:     opts.Clock,
		heartbeat: opts.HeartbeatInterval,
		idle:      opts.IdleTimeout,
		stale:     opts.StaleThreshold,
		settings:  opts.Settings,
		status:    StatusActive,
		users:     map[string]Record{},
		bindings:  map[string][]func(json.RawMessage){},
		subs:      map[int]func(Snapshot){},
	}
	if e.settings != nil {
		e.statusMessage = e.settings.StatusMessage()
		e.autoReply = e.settings.AutoReply()
	}
	return e
}

// Bind регистрирует обработчик broadcast-события lobby-канала. Привязки
// применяются при каждом Join; вызванный после Join Bind заработает со следующего.
func (e *Engine) Bind(event string, fn func(json.RawMessage)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings[event] = append(e.bindings[event], fn)
}

// Join подписывает lobby, запускает монитор активности и начинает публиковать
// свою запись. Повторный вызов при открытом канале ничего не делает.
func (e *Engine) Join(ctx context.Context, id Identity) error {
	e.mu.Lock()
	if e.joined {
		e.mu.Unlock()
		return nil
	}
	e.joined = true
	e.gen++
	gen := e.gen
	e.identity = id
	e.status = StatusActive
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	ch := e.transport.Channel(realtime.LobbyChannel, realtime.ChannelOptions{PresenceKey: id.UserID})
	ch.OnPresenceSync(func() { e.onSync(gen) })
	for event, fns := range e.bindings {
		for _, fn := range fns {
			ch.OnBroadcast(event, fn)
		}
	}
	e.channel = ch
	activity := NewActivity(e.clock, e.idle, func(st Status) { e.onActivity(gen, st) })
	e.activity = activity
	e.mu.Unlock()

	logger.Info("presence: joining lobby", zap.String("user_id", id.UserID))
	if err := ch.Subscribe(ctx, func(st realtime.SubscribeStatus) { e.onStatus(gen, st) }); err != nil {
		e.Leave()
		return err
	}
	activity.Start()
	return nil
}

// Leave отписывает lobby, снимает все таймеры и очищает реестр. Безопасен без Join.
func (e *Engine) Leave() {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return
	}
	e.joined = false
	e.subscribed = false
	e.gen++
	ch := e.channel
	e.channel = nil
	activity := e.activity
	e.activity = nil
	e.stopBeatLocked()
	e.users = map[string]Record{}
	cancel := e.cancel
	e.mu.Unlock()

	if activity != nil {
		activity.Stop()
	}
	if ch != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ch.Unsubscribe(ctx); err != nil {
			logger.Warn("presence: lobby unsubscribe failed", zap.Error(err))
		}
		done()
	}
	if cancel != nil {
		cancel()
	}
	metrics.PresenceUsers.Set(0)
	logger.Info("presence: left lobby")
	e.notify()
}

// Status возвращает EffectiveStatus пользователя; неизвестный id — Offline.
func (e *Engine) Status(userID string) EffectiveStatus {
	e.mu.Lock()
	rec, ok := e.users[userID]
	e.mu.Unlock()
	return Derive(rec, ok, e.clock.Now(), e.stale)
}

// StatusMessage возвращает статус-сообщение пользователя из реестра.
func (e *Engine) StatusMessage(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.users[userID]
	if !ok || rec.StatusMessage == nil {
		return "", false
	}
	return *rec.StatusMessage, true
}

// AutoReplyFor возвращает текст автоответа пользователя, если он включил
// автоответ и задал статус-сообщение.
func (e *Engine) AutoReplyFor(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.users[userID]
	if !ok || !rec.AutoReply || rec.StatusMessage == nil || *rec.StatusMessage == "" {
		return "", false
	}
	return *rec.StatusMessage, true
}

// OwnSettings возвращает собственные статус-сообщение и флаг автоответа.
func (e *Engine) OwnSettings() (*string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneString(e.statusMessage), e.autoReply
}

// SetStatusMessage меняет своё статус-сообщение (nil или пустая строка снимают его),
// сохраняет локально и сразу переопубликовывает запись.
func (e *Engine) SetStatusMessage(ctx context.Context, msg *string) error {
	if msg != nil {
		v := strings.TrimSpace(*msg)
		msg = &v
		if v == "" {
			msg = nil
		}
	}
	e.mu.Lock()
	e.statusMessage = cloneString(msg)
	e.mu.Unlock()

	if e.settings != nil {
		if err := e.settings.SetStatusMessage(msg); err != nil {
			logger.Warn("presence: status message persist failed", zap.Error(err))
		}
	}
	return e.republish(ctx, "settings")
}

// SetAutoReply меняет флаг автоответа, сохраняет и переопубликовывает запись.
func (e *Engine) SetAutoReply(ctx context.Context, v bool) error {
	e.mu.Lock()
	e.autoReply = v
	e.mu.Unlock()

	if e.settings != nil {
		if err := e.settings.SetAutoReply(v); err != nil {
			logger.Warn("presence: auto reply persist failed", zap.Error(err))
		}
	}
	return e.republish(ctx, "settings")
}

// SetProfile меняет имя и аватар в собственной записи и сразу
// переопубликовывает её. UserID не меняется.
func (e *Engine) SetProfile(ctx context.Context, displayName, avatarURL string) error {
	e.mu.Lock()
	e.identity.DisplayName = displayName
	e.identity.AvatarURL = avatarURL
	e.mu.Unlock()
	return e.republish(ctx, "profile")
}

// Touch передаёт событие ввода монитору активности.
func (e *Engine) Touch() {
	e.mu.Lock()
	a := e.activity
	e.mu.Unlock()
	if a != nil {
		a.Touch()
	}
}

// SetVisible передаёт видимость вкладки монитору активности.
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	a := e.activity
	e.mu.Unlock()
	if a != nil {
		a.SetVisible(visible)
	}
}

// OwnStatus возвращает собственную самооценку (Active/Idle).
func (e *Engine) OwnStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Publish рассылает событие в lobby (best-effort).
func (e *Engine) Publish(ctx context.Context, event string, payload any) error {
	e.mu.Lock()
	ch := e.channel
	ok := e.joined && e.subscribed
	e.mu.Unlock()
	if !ok || ch == nil {
		return ErrNotJoined
	}
	return ch.Send(ctx, event, payload)
}

// Users возвращает всех видимых пользователей, отсортированных по имени.
func (e *Engine) Users() []UserView {
	now := e.clock.Now()
	e.mu.Lock()
	out := make([]UserView, 0, len(e.users))
	for id, rec := range e.users {
		out = append(out, UserView{
			UserID:        id,
			DisplayName:   rec.DisplayName,
			AvatarURL:     rec.AvatarURL,
			Status:        Derive(rec, true, now, e.stale),
			StatusMessage: cloneString(rec.StatusMessage),
			AutoReply:     rec.AutoReply,
			LastActive:    rec.LastActive,
		})
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b UserView) int {
		if c := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Subscribe подписывает fn на изменения состояния; возвращает функцию отписки.
func (e *Engine) Subscribe(fn func(Snapshot)) (cancel func()) {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()
	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// Snapshot возвращает текущее состояние.
func (e *Engine) Snapshot() Snapshot {
	users := e.Users()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Joined: e.joined, Subscribed: e.subscribed, Users: users}
}

func (e *Engine) onStatus(gen uint64, st realtime.SubscribeStatus) {
	metrics.ChannelStatus.WithLabelValues("lobby", string(st)).Inc()

	e.mu.Lock()
	if gen != e.gen || !e.joined {
		e.mu.Unlock()
		return
	}
	if st == realtime.Subscribed {
		e.subscribed = true
		e.mu.Unlock()
		logger.Debug("presence: lobby subscribed")
		// Повторный вход в Subscribed (переподключение) тоже требует track,
		// иначе собственная запись невидима остальным.
		e.publish(gen, "subscribed")
		return
	}
	e.subscribed = false
	e.users = map[string]Record{}
	e.stopBeatLocked()
	e.mu.Unlock()

	logger.Warn("presence: lobby channel lost", zap.String("status", string(st)))
	metrics.PresenceUsers.Set(0)
	e.notify()
}

func (e *Engine) onSync(gen uint64) {
	e.mu.Lock()
	ch := e.channel
	if gen != e.gen || ch == nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	state := ch.PresenceState()
	users := make(map[string]Record, len(state))
	for key, list := range state {
		if len(list) == 0 {
			continue
		}
		// Несколько записей на ключ (вкладки, гонки переподключения): берём первую.
		rec, err := decodeRecord(key, list[0])
		if err != nil {
			logger.Debug("presence: malformed record ignored", zap.String("key", key), zap.Error(err))
			continue
		}
		users[rec.UserID] = rec
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.users = users
	e.mu.Unlock()

	metrics.PresenceUsers.Set(float64(len(users)))
	e.notify()
}

func (e *Engine) onActivity(gen uint64, st Status) {
	e.mu.Lock()
	if gen != e.gen || !e.joined {
		e.mu.Unlock()
		return
	}
	e.status = st
	if st == StatusIdle {
		e.stopBeatLocked()
	}
	e.mu.Unlock()

	logger.Debug("presence: own status changed", zap.String("status", string(st)))
	e.publish(gen, "activity")
}

// republish публикует запись по запросу пользователя. Без подписки изменения
// только запоминаются и уйдут при следующем Subscribed.
func (e *Engine) republish(ctx context.Context, reason string) error {
	e.mu.Lock()
	gen := e.gen
	ok := e.joined && e.subscribed
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.publishCtx(ctx, gen, reason)
}

func (e *Engine) publish(gen uint64, reason string) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	_ = e.publishCtx(ctx, gen, reason)
}

// publishCtx отправляет track с last_active = now и перевзводит heartbeat,
// если собственный статус Active.
func (e *Engine) publishCtx(ctx context.Context, gen uint64, reason string) error {
	e.mu.Lock()
	if gen != e.gen || !e.joined || !e.subscribed || e.channel == nil {
		e.mu.Unlock()
		return nil
	}
	ch := e.channel
	rec := Record{
		UserID:        e.identity.UserID,
		DisplayName:   e.identity.DisplayName,
		AvatarURL:     e.identity.AvatarURL,
		Status:        e.status,
		LastActive:    e.clock.Now().UTC(),
		StatusMessage: cloneString(e.statusMessage),
		AutoReply:     e.autoReply,
	}
	if e.status == StatusActive {
		e.armBeatLocked(gen)
	}
	e.mu.Unlock()

	metrics.PresencePublishes.WithLabelValues(reason).Inc()
	if err := ch.Track(ctx, rec); err != nil {
		metrics.PresencePublishErrors.Inc()
		logger.Warn("presence: track failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) armBeatLocked(gen uint64) {
	e.stopBeatLocked()
	e.beat = e.clock.AfterFunc(e.heartbeat, func() { e.onBeat(gen) })
}

func (e *Engine) stopBeatLocked() {
	if e.beat != nil {
		e.beat.Stop()
		e.beat = nil
	}
}

func (e *Engine) onBeat(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.joined || !e.subscribed || e.status != StatusActive {
		e.mu.Unlock()
		return
	}
	e.beat = nil
	e.mu.Unlock()
	e.publish(gen, "heartbeat")
}

func (e *Engine) notify() {
	snap := e.Snapshot()
	e.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
