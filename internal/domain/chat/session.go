// Package chat — сессия открытой беседы (личной или групповой) поверх
// собственного realtime-канала: история, оптимистичная отправка, индикатор
// набора текста, «толчки» в группах и участники группы.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"clofri/internal/domain/model"
	"clofri/internal/domain/notify"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/realtime"
	"clofri/internal/domain/store"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/concurrency"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// TypingResetAfter — пауза ввода, после которой снова можно отправить typing.
	TypingResetAfter = 2 * time.Second
	// TypingExpiry — сколько держится чужое имя в списке печатающих.
	TypingExpiry = 3 * time.Second
	// NudgeCooldown — пауза между своими толчками.
	NudgeCooldown = 10 * time.Second

	dedupWindow    = 10 * time.Minute
	persistTimeout = 15 * time.Second
	ownTypingKey   = "self"
)

var (
	ErrClosed        = errors.New("chat: session closed")
	ErrEmptyMessage  = errors.New("chat: empty message")
	ErrNotGroup      = errors.New("chat: nudge is only available in groups")
	ErrNudgeCooldown = errors.New("chat: nudge cooldown")
)

// Lobby — публикация кросс-чатовых уведомлений.
type Lobby interface {
	Publish(ctx context.Context, event string, payload any) error
}

// PresenceView — глобальные статусы из lobby.
type PresenceView interface {
	Status(userID string) presence.EffectiveStatus
	AutoReplyFor(userID string) (string, bool)
}

// ReadMarker двигает маркер прочтения открытой беседы.
type ReadMarker interface {
	MarkRead(conversationID string)
}

// Sound — звук входящего сообщения или толчка.
type Sound interface {
	Play()
}

// Deps — зависимости сессии. Всё, кроме Transport, может быть nil.
type Deps struct {
	Transport realtime.Transport
	Messages  store.Messages
	Lobby     Lobby
	Presence  PresenceView
	Reads     ReadMarker
	Sound     Sound
	Clock     clock.Clock
}

// Member — участник группы, открывший её канал.
type Member struct {
	UserID      string                   `json:"user_id"`
	DisplayName string                   `json:"display_name"`
	AvatarURL   string                   `json:"avatar_url,omitempty"`
	Status      presence.EffectiveStatus `json:"status"`
}

// State — реактивное состояние сессии.
type State struct {
	Subscribed bool
	Messages   []model.Message
	Typing     []string
	Members    []Member
}

type typingPayload struct {
	SenderID    string `json:"sender_id"`
	DisplayName string `json:"display_name"`
}

type nudgePayload struct {
	SenderID    string `json:"sender_id"`
	DisplayName string `json:"display_name"`
}

type memberRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Session — одна открытая беседа. Создаётся Open, живёт до Close.
type Session struct {
	conv  model.Conversation
	me    presence.Identity
	deps  Deps
	clock clock.Clock

	channel   realtime.Channel
	typingIn  *concurrency.Debouncer
	typingOut *concurrency.Debouncer
	dedup     *concurrency.Deduplicator

	mu          sync.Mutex
	closed      bool
	subscribed  bool
	messages    []model.Message
	typing      []string
	members     []memberRecord
	typingFlag  bool
	lastNudge   time.Time
	autoReplied bool
	nudgeFns    []func(from string)

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int

	wg sync.WaitGroup
}

// Open подписывает канал беседы, загружает историю и начинает слушать
// сообщения, набор текста и (в группах) толчки. Ошибка чтения истории не
// фатальна: беседа открывается пустой.
func Open(ctx context.Context, deps Deps, conv model.Conversation, me presence.Identity) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if conv.ID == "" {
		return nil, errors.New("chat: conversation id is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	s := &Session{
		conv:      conv,
		me:        me,
		deps:      deps,
		clock:     deps.Clock,
		typingIn:  concurrency.NewDebouncer(deps.Clock, TypingExpiry),
		typingOut: concurrency.NewDebouncer(deps.Clock, TypingResetAfter),
		dedup:     concurrency.NewDeduplicator(deps.Clock, dedupWindow),
		subs:      make(map[int]func(State)),
	}

	var opts realtime.ChannelOptions
	if conv.Kind == model.Group {
		opts.PresenceKey = me.UserID
	}
	ch := deps.Transport.Channel(conv.ChannelName(), opts)
	ch.OnBroadcast(realtime.EventMessage, s.onMessage)
	ch.OnBroadcast(realtime.EventTyping, s.onTyping)
	if conv.Kind == model.Group {
		ch.OnBroadcast(realtime.EventNudge, s.onNudge)
		ch.OnPresenceSync(s.onSync)
	}
	s.channel = ch

	if err := ch.Subscribe(ctx, s.onStatus); err != nil {
		s.typingIn.Stop()
		s.typingOut.Stop()
		return nil, fmt.Errorf("chat: subscribe %s: %w", ch.Name(), err)
	}
	s.markRead()
	s.loadHistory(ctx)
	logger.Debug("chat: conversation opened",
		zap.String("kind", string(conv.Kind)),
		zap.String("conversation_id", conv.ID),
	)
	return s, nil
}

// Conversation возвращает открытую беседу.
func (s *Session) Conversation() model.Conversation { return s.conv }

func (s *Session) loadHistory(ctx context.Context) {
	if s.deps.Messages == nil {
		return
	}
	history, err := s.deps.Messages.History(ctx, s.conv, HistoryLimit)
	if err != nil {
		logger.Warn("chat: history fetch failed",
			zap.String("conversation_id", s.conv.ID),
			zap.Error(err),
		)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = Merge(history, s.messages, HistoryLimit)
	s.mu.Unlock()
	for _, m := range history {
		s.dedup.Seen(m.ID)
	}
	s.notify()
}

// SendMessage отправляет сообщение: оптимистично добавляет его локально,
// рассылает в канал, публикует уведомление в lobby и сохраняет в фоне.
// Ошибка рассылки возвращается, но сообщение остаётся в ленте и всё равно
// сохраняется.
func (s *Session) SendMessage(ctx context.Context, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: s.conv.ID,
		SenderID:       s.me.UserID,
		DisplayName:    s.me.DisplayName,
		AvatarURL:      s.me.AvatarURL,
		Text:           text,
		CreatedAt:      s.clock.Now(),
	}
	if s.conv.Kind == model.Direct {
		msg.ReceiverID = s.conv.PeerID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	s.messages = appendWindow(s.messages, msg)
	s.typingFlag = false
	s.mu.Unlock()
	s.typingOut.Cancel(ownTypingKey)
	s.dedup.Seen(msg.ID)
	s.notify()
	metrics.MessagesSent.WithLabelValues(string(s.conv.Kind)).Inc()

	sendErr := s.channel.Send(ctx, realtime.EventMessage, msg)
	if sendErr != nil {
		logger.Warn("chat: message broadcast failed",
			zap.String("conversation_id", s.conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(sendErr),
		)
	}
	s.publishLobby(ctx)
	s.persist(ctx, msg)
	s.maybeAutoReply()

	if sendErr != nil {
		return msg, fmt.Errorf("chat: broadcast: %w", sendErr)
	}
	return msg, nil
}

func (s *Session) publishLobby(ctx context.Context) {
	if s.deps.Lobby == nil {
		return
	}
	var (
		event   string
		payload any
	)
	switch s.conv.Kind {
	case model.Direct:
		event = realtime.EventNewDM
		payload = notify.NewDM{
			ReceiverID: s.conv.PeerID,
			SessionID:  s.conv.ID,
			SenderID:   s.me.UserID,
			SenderName: s.me.DisplayName,
		}
	case model.Group:
		members := make([]string, 0, len(s.conv.MemberIDs))
		for _, id := range s.conv.MemberIDs {
			if id != s.me.UserID {
				members = append(members, id)
			}
		}
		event = realtime.EventNewGroupMessage
		payload = notify.NewGroupMessage{
			GroupID:    s.conv.ID,
			MemberIDs:  members,
			SenderID:   s.me.UserID,
			SenderName: s.me.DisplayName,
		}
	default:
		return
	}
	if err := s.deps.Lobby.Publish(ctx, event, payload); err != nil {
		logger.Debug("chat: lobby notification not sent", zap.String("event", event), zap.Error(err))
	}
}

// persist сохраняет сообщение в фоне. Закрытие сессии запись не отменяет.
func (s *Session) persist(ctx context.Context, msg model.Message) {
	if s.deps.Messages == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.deps.Messages.InsertMessage(pctx, s.conv, msg); err != nil {
			metrics.PersistFailures.Inc()
			logger.Error("chat: message persist failed",
				zap.String("conversation_id", s.conv.ID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}()
}

// maybeAutoReply добавляет локальный автоответ собеседника, если тот включил
// автоответ. Один раз за сессию.
func (s *Session) maybeAutoReply() {
	if s.conv.Kind != model.Direct || s.deps.Presence == nil {
		return
	}
	text, ok := s.deps.Presence.AutoReplyFor(s.conv.PeerID)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.autoReplied || s.closed {
		s.mu.Unlock()
		return
	}
	s.autoReplied = true
	s.messages = appendWindow(s.messages, model.Message{
		ID:             uuid.NewString(),
		ConversationID: s.conv.ID,
		SenderID:       s.conv.PeerID,
		ReceiverID:     s.me.UserID,
		DisplayName:    s.conv.PeerName,
		Text:           text,
		CreatedAt:      s.clock.Now(),
		AutoReply:      true,
	})
	s.mu.Unlock()
	s.notify()
}

// SendTyping сообщает собеседникам о наборе текста. Событие уходит один раз
// за «серию»: флаг сбрасывается после TypingResetAfter без вызовов.
func (s *Session) SendTyping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	send := !s.typingFlag
	s.typingFlag = true
	s.mu.Unlock()

	s.typingOut.Do(ownTypingKey, func() {
		s.mu.Lock()
		s.typingFlag = false
		s.mu.Unlock()
	})
	if !send {
		return nil
	}
	err := s.channel.Send(ctx, realtime.EventTyping, typingPayload{SenderID: s.me.UserID, DisplayName: s.me.DisplayName})
	if err != nil {
		logger.Debug("chat: typing not sent", zap.String("conversation_id", s.conv.ID), zap.Error(err))
		return fmt.Errorf("chat: typing: %w", err)
	}
	return nil
}

// SendNudge «толкает» участников группы. Повтор раньше NudgeCooldown
// возвращает ErrNudgeCooldown.
func (s *Session) SendNudge(ctx context.Context) error {
	if s.conv.Kind != model.Group {
		return ErrNotGroup
	}
	now := s.clock.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.lastNudge.IsZero() && now.Sub(s.lastNudge) < NudgeCooldown {
		s.mu.Unlock()
		return ErrNudgeCooldown
	}
	s.lastNudge = now
	s.mu.Unlock()

	if err := s.channel.Send(ctx, realtime.EventNudge, nudgePayload{SenderID: s.me.UserID, DisplayName: s.me.DisplayName}); err != nil {
		return fmt.Errorf("chat: nudge: %w", err)
	}
	return nil
}

// OnNudge регистрирует обработчик входящих толчков (имя отправителя).
func (s *Session) OnNudge(fn func(from string)) {
	s.mu.Lock()
	s.nudgeFns = append(s.nudgeFns, fn)
	s.mu.Unlock()
}

// Messages возвращает копию ленты.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Typing возвращает имена печатающих собеседников в порядке появления.
func (s *Session) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.typing)
}

// Members возвращает участников группы, открывших её канал, с их
// глобальным статусом из lobby.
func (s *Session) Members() []Member {
	s.mu.Lock()
	records := slices.Clone(s.members)
	s.mu.Unlock()

	out := make([]Member, 0, len(records))
	for _, r := range records {
		m := Member{UserID: r.UserID, DisplayName: r.DisplayName, AvatarURL: r.AvatarURL, Status: presence.Offline}
		if s.deps.Presence != nil {
			m.Status = s.deps.Presence.Status(r.UserID)
		}
		out = append(out, m)
	}
	return out
}

// State возвращает текущее состояние целиком.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		Subscribed: s.subscribed,
		Messages:   slices.Clone(s.messages),
		Typing:     slices.Clone(s.typing),
	}
	s.mu.Unlock()
	st.Members = s.Members()
	return st
}

// Subscribe подписывает fn на изменения состояния; возвращает отписку.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Close отписывает канал, снимает таймеры и дожидается фоновых записей.
// Повторный вызов безопасен.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subscribed = false
	s.typing = nil
	s.members = nil
	s.mu.Unlock()

	s.typingIn.Stop()
	s.typingOut.Stop()
	s.markRead()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.channel.Unsubscribe(ctx); err != nil {
		logger.Warn("chat: unsubscribe failed", zap.String("channel", s.channel.Name()), zap.Error(err))
	}
	cancel()
	s.wg.Wait()
	logger.Debug("chat: conversation closed", zap.String("conversation_id", s.conv.ID))
}

func (s *Session) onStatus(st realtime.SubscribeStatus) {
	metrics.ChannelStatus.WithLabelValues(string(s.conv.Kind), string(st)).Inc()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.subscribed = st == realtime.Subscribed
	if !s.subscribed {
		s.members = nil
	}
	s.mu.Unlock()

	if st == realtime.Subscribed && s.conv.Kind == model.Group {
		rec := memberRecord{UserID: s.me.UserID, DisplayName: s.me.DisplayName, AvatarURL: s.me.AvatarURL}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.channel.Track(ctx, rec); err != nil {
			logger.Warn("chat: member track failed", zap.String("group_id", s.conv.ID), zap.Error(err))
		}
		cancel()
	}
	if st != realtime.Subscribed {
		logger.Warn("chat: channel not subscribed",
			zap.String("channel", s.channel.Name()),
			zap.String("status", string(st)),
		)
	}
	s.notify()
}

func (s *Session) onMessage(raw json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" || msg.SenderID == "" {
		logger.Debug("chat: malformed message ignored", zap.ByteString("payload", raw))
		return
	}
	if msg.SenderID == s.me.UserID || msg.AutoReply {
		return
	}
	if s.dedup.Seen(msg.ID) {
		return
	}
	msg.ConversationID = s.conv.ID

	s.mu.Lock()
	if s.closed || slices.ContainsFunc(s.messages, func(m model.Message) bool { return m.ID == msg.ID }) {
		s.mu.Unlock()
		return
	}
	s.messages = appendWindow(s.messages, msg)
	s.mu.Unlock()

	metrics.MessagesReceived.WithLabelValues(string(s.conv.Kind)).Inc()
	s.markRead()
	if s.conv.Kind == model.Direct && s.deps.Sound != nil {
		s.deps.Sound.Play()
	}
	s.notify()
}

func (s *Session) onTyping(raw json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.DisplayName == "" {
		return
	}
	if p.SenderID == s.me.UserID {
		return
	}
	name := p.DisplayName

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	added := !slices.Contains(s.typing, name)
	if added {
		s.typing = append(s.typing, name)
	}
	s.mu.Unlock()

	s.typingIn.Do(name, func() { s.expireTyping(name) })
	if added {
		s.notify()
	}
}

func (s *Session) expireTyping(name string) {
	s.mu.Lock()
	i := slices.Index(s.typing, name)
	if i >= 0 {
		s.typing = slices.Delete(s.typing, i, i+1)
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify()
	}
}

func (s *Session) onNudge(raw json.RawMessage) {
	var p nudgePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SenderID == "" || p.SenderID == s.me.UserID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fns := slices.Clone(s.nudgeFns)
	s.mu.Unlock()

	logger.Debug("chat: nudge received", zap.String("group_id", s.conv.ID), zap.String("from", p.SenderID))
	if s.deps.Sound != nil {
		s.deps.Sound.Play()
	}
	for _, fn := range fns {
		fn(p.DisplayName)
	}
}

// onSync перестраивает список участников по снимку реестра канала:
// первая запись на ключ, битые записи пропускаются.
func (s *Session) onSync() {
	state := s.channel.PresenceState()
	members := make([]memberRecord, 0, len(state))
	for key, metas := range state {
		if len(metas) == 0 {
			continue
		}
		var rec memberRecord
		if err := json.Unmarshal(metas[0], &rec); err != nil {
			continue
		}
		if rec.UserID == "" {
			rec.UserID = key
		}
		members = append(members, rec)
	}
	slices.SortFunc(members, func(a, b memberRecord) int {
		if c := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.members = members
	s.mu.Unlock()
	s.notify()
}

func (s *Session) markRead() {
	if s.deps.Reads != nil {
		s.deps.Reads.MarkRead(s.conv.ID)
	}
}

func (s *Session) notify() {
	st := s.State()
	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func appendWindow(list []model.Message, msg model.Message) []model.Message {
	list = append(list, msg)
	if len(list) > HistoryLimit {
		list = slices.Clone(list[len(list)-HistoryLimit:])
	}
	return list
}
