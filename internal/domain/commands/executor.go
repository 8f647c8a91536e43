package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clofri/internal/domain/chat"
	"clofri/internal/domain/model"
	"clofri/internal/domain/notify"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/roster"
	"clofri/internal/domain/store"
	"clofri/internal/domain/unread"
	"clofri/internal/infra/config"
	"clofri/internal/infra/lifecycle"
	"clofri/internal/infra/logger"
	versioninfo "clofri/internal/support/version"

	"go.uber.org/zap"
)

var (
	// ErrNoChat возвращается командами открытой беседы, когда беседа не открыта.
	ErrNoChat           = errors.New("no conversation is open")
	ErrEmptyProfileName = errors.New("display name is empty")
)

// Типы событий Watch.
const (
	EventPresence = "presence"
	EventUnread   = "unread"
	EventLists    = "lists"
	EventChat     = "chat"
	EventNudge    = "nudge"
)

// Event - изменение состояния клиента для подписчиков (CLI, веб-поток).
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NudgeEvent - данные события EventNudge
type NudgeEvent struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
}

// Services отдаёт состояния сервисов приложения.
type Services interface {
	States() []lifecycle.NodeState
}

// Deps - зависимости исполнителя
type Deps struct {
	Identity presence.Identity
	Presence *presence.Engine
	Unread   *unread.Store
	Roster   *roster.Roster
	View     *notify.CurrentView
	Prefs    *prefs.Store
	Profiles store.Profiles
	// Categories - локальные категории друзей
	Categories *prefs.Categories
	// Chat - зависимости сессий бесед (транспорт, история, звук)
	Chat     chat.Deps
	Services Services
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	deps Deps

	chatMu  sync.Mutex // сериализует Open/CloseChat
	mu      sync.Mutex
	me      presence.Identity
	session *chat.Session
	stopSub func() // отписка от состояния открытой беседы
	unsubs  []func()
	closed  bool

	watchMu   sync.Mutex
	watchers  map[int]func(Event)
	nextWatch int
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor создает новый экземпляр CommandExecutor и подписывается на
// изменения присутствия, непрочитанного и списков.
func NewExecutor(deps Deps) *CommandExecutor {
	if deps.View == nil {
		deps.View = &notify.CurrentView{}
	}
	e := &CommandExecutor{
		deps:     deps,
		me:       deps.Identity,
		watchers: make(map[int]func(Event)),
	}
	if deps.Presence != nil {
		e.unsubs = append(e.unsubs, deps.Presence.Subscribe(func(s presence.Snapshot) {
			e.emit(Event{Type: EventPresence, Data: UsersResult{Users: s.Users}})
		}))
	}
	if deps.Unread != nil {
		e.unsubs = append(e.unsubs, deps.Unread.Subscribe(func(ids []string) {
			e.emit(Event{Type: EventUnread, Data: ids})
		}))
	}
	if deps.Roster != nil {
		e.unsubs = append(e.unsubs, deps.Roster.Subscribe(func(roster.Snapshot) {
			e.emit(Event{Type: EventLists, Data: e.lists()})
		}))
	}
	return e
}

// Watch подписывает fn на события клиента; возвращает функцию отписки.
// fn вызывается синхронно из горутины источника и не должна блокироваться.
func (e *CommandExecutor) Watch(fn func(Event)) (cancel func()) {
	e.watchMu.Lock()
	id := e.nextWatch
	e.nextWatch++
	e.watchers[id] = fn
	e.watchMu.Unlock()
	return func() {
		e.watchMu.Lock()
		delete(e.watchers, id)
		e.watchMu.Unlock()
	}
}

func (e *CommandExecutor) emit(ev Event) {
	e.watchMu.Lock()
	fns := make([]func(Event), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.watchMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Close закрывает открытую беседу и отписывается от источников событий.
func (e *CommandExecutor) Close() {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, cancel := range unsubs {
		cancel()
	}
	e.closeSessionLocked()
}

// Status возвращает состояние присутствия, непрочитанного и сервисов
func (e *CommandExecutor) Status(_ context.Context) (*StatusResult, error) {
	if e.deps.Presence == nil {
		return nil, errors.New("presence engine is not available")
	}
	snap := e.deps.Presence.Snapshot()
	msg, autoReply := e.deps.Presence.OwnSettings()
	res := &StatusResult{
		Joined:        snap.Joined,
		Subscribed:    snap.Subscribed,
		OwnStatus:     e.deps.Presence.OwnStatus(),
		StatusMessage: msg,
		AutoReply:     autoReply,
		SoundEnabled:  true,
		OnlineUsers:   len(snap.Users),
		Unread:        []string{},
		Location:      config.AppLocation,
	}
	if e.deps.Prefs != nil {
		res.SoundEnabled = e.deps.Prefs.SoundEnabled()
	}
	if e.deps.Unread != nil {
		res.Unread = e.deps.Unread.Unread()
	}
	if s := e.current(); s != nil {
		ref := refOf(s.Conversation())
		res.Viewing = &ref
	}
	if e.deps.Services != nil {
		res.Services = e.deps.Services.States()
	}
	return res, nil
}

// Users возвращает пользователей lobby с эффективными статусами
func (e *CommandExecutor) Users(_ context.Context) (*UsersResult, error) {
	if e.deps.Presence == nil {
		return nil, errors.New("presence engine is not available")
	}
	return &UsersResult{Users: e.deps.Presence.Users()}, nil
}

// Lists возвращает списки с флагами непрочитанного
func (e *CommandExecutor) Lists(_ context.Context) (*ListsResult, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	return e.lists(), nil
}

func (e *CommandExecutor) lists() *ListsResult {
	snap := e.deps.Roster.Snapshot()
	res := &ListsResult{
		DMSessions: make([]DMItem, 0, len(snap.DMSessions)),
		Groups:     make([]GroupItem, 0, len(snap.Groups)),
		Friends:    snap.Friends,
		Categories: []prefs.Category{},
	}
	if e.deps.Categories != nil {
		res.Categories = e.deps.Categories.List()
		res.FriendCategories = e.deps.Categories.Assignments()
	}
	me := e.identity().UserID
	for _, s := range snap.DMSessions {
		item := DMItem{DMSession: s, FriendStatus: presence.Offline}
		if e.deps.Presence != nil {
			item.FriendStatus = e.deps.Presence.Status(s.FriendID)
		}
		item.Unread = e.isUnread(s.ID)
		item.LastReadAt = e.lastRead(s.ID)
		res.DMSessions = append(res.DMSessions, item)
	}
	for _, g := range snap.Groups {
		res.Groups = append(res.Groups, GroupItem{
			GroupInfo:  g,
			IsCreator:  g.CreatorID == me,
			Unread:     e.isUnread(g.ID),
			LastReadAt: e.lastRead(g.ID),
		})
	}
	return res
}

func (e *CommandExecutor) isUnread(id string) bool {
	return e.deps.Unread != nil && e.deps.Unread.IsUnread(id)
}

func (e *CommandExecutor) lastRead(id string) *time.Time {
	if e.deps.Unread == nil {
		return nil
	}
	at, ok := e.deps.Unread.LastRead(id)
	if !ok {
		return nil
	}
	return &at
}

func (e *CommandExecutor) identity() presence.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.me
}

// Refresh перечитывает все списки из хранилища
func (e *CommandExecutor) Refresh(ctx context.Context) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	if err := e.deps.Roster.RefreshAll(ctx); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	return nil
}

// Open открывает беседу; ранее открытая закрывается
func (e *CommandExecutor) Open(ctx context.Context, kind model.ConversationKind, id string) (*ChatResult, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	conv, err := e.deps.Roster.Conversation(kind, id)
	if err != nil {
		return nil, err
	}

	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, chat.ErrClosed
	}
	e.closeSessionLocked()

	deps := e.deps.Chat
	if deps.Lobby == nil && e.deps.Presence != nil {
		deps.Lobby = e.deps.Presence
	}
	if deps.Presence == nil && e.deps.Presence != nil {
		deps.Presence = e.deps.Presence
	}
	if deps.Reads == nil && e.deps.Unread != nil {
		deps.Reads = e.deps.Unread
	}
	// Маршрут выставляется до подписки: сообщение, пришедшее во время Open,
	// не должно пометить беседу непрочитанной.
	e.deps.View.Set(conv.Kind, conv.ID)
	s, err := chat.Open(ctx, deps, conv, e.identity())
	if err != nil {
		e.deps.View.Clear()
		return nil, err
	}

	cancel := s.Subscribe(func(st chat.State) {
		e.emit(Event{Type: EventChat, Data: chatResult(conv, st)})
	})
	s.OnNudge(func(from string) {
		e.emit(Event{Type: EventNudge, Data: NudgeEvent{ConversationID: conv.ID, From: from}})
	})
	e.mu.Lock()
	e.session = s
	e.stopSub = cancel
	e.mu.Unlock()

	logger.Info("conversation opened", zap.String("kind", string(conv.Kind)), zap.String("id", conv.ID))
	res := chatResult(conv, s.State())
	return &res, nil
}

// CloseChat закрывает открытую беседу
func (e *CommandExecutor) CloseChat(_ context.Context) error {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	if e.current() == nil {
		return ErrNoChat
	}
	e.closeSessionLocked()
	return nil
}

// closeSessionLocked вызывается под chatMu.
func (e *CommandExecutor) closeSessionLocked() {
	e.mu.Lock()
	s, stopSub := e.session, e.stopSub
	e.session, e.stopSub = nil, nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	stopSub()
	e.deps.View.Clear()
	s.Close()
	logger.Info("conversation closed", zap.String("id", s.Conversation().ID))
}

func (e *CommandExecutor) current() *chat.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Chat возвращает состояние открытой беседы
func (e *CommandExecutor) Chat(_ context.Context) (*ChatResult, error) {
	s := e.current()
	if s == nil {
		return nil, ErrNoChat
	}
	res := chatResult(s.Conversation(), s.State())
	return &res, nil
}

// Send отправляет сообщение в открытую беседу
func (e *CommandExecutor) Send(ctx context.Context, text string) (*model.Message, error) {
	s := e.current()
	if s == nil {
		return nil, ErrNoChat
	}
	msg, err := s.SendMessage(ctx, text)
	if err != nil {
		if msg.ID != "" {
			// Сообщение осталось локально и ушло в хранилище; сообщаем об ошибке доставки.
			return &msg, err
		}
		return nil, err
	}
	return &msg, nil
}

// Typing сообщает собеседникам о наборе текста
func (e *CommandExecutor) Typing(ctx context.Context) error {
	s := e.current()
	if s == nil {
		return ErrNoChat
	}
	return s.SendTyping(ctx)
}

// Nudge толкает участников открытой группы
func (e *CommandExecutor) Nudge(ctx context.Context) error {
	s := e.current()
	if s == nil {
		return ErrNoChat
	}
	return s.SendNudge(ctx)
}

// SetStatusMessage задаёт статус-сообщение; nil очищает его
func (e *CommandExecutor) SetStatusMessage(ctx context.Context, msg *string) error {
	if e.deps.Presence == nil {
		return errors.New("presence engine is not available")
	}
	return e.deps.Presence.SetStatusMessage(ctx, msg)
}

// SetAutoReply включает или выключает автоответ
func (e *CommandExecutor) SetAutoReply(ctx context.Context, enabled bool) error {
	if e.deps.Presence == nil {
		return errors.New("presence engine is not available")
	}
	return e.deps.Presence.SetAutoReply(ctx, enabled)
}

// SetSound включает или выключает звук уведомлений
func (e *CommandExecutor) SetSound(_ context.Context, enabled bool) error {
	if e.deps.Prefs == nil {
		return errors.New("preferences are not available")
	}
	return e.deps.Prefs.SetSoundEnabled(enabled)
}

// Touch отмечает активность пользователя
func (e *CommandExecutor) Touch(_ context.Context) error {
	if e.deps.Presence == nil {
		return errors.New("presence engine is not available")
	}
	e.deps.Presence.Touch()
	return nil
}

// SetVisible сообщает видимость окна клиента
func (e *CommandExecutor) SetVisible(_ context.Context, visible bool) error {
	if e.deps.Presence == nil {
		return errors.New("presence engine is not available")
	}
	e.deps.Presence.SetVisible(visible)
	return nil
}

// StartDM находит или создаёт личную сессию с другом
func (e *CommandExecutor) StartDM(ctx context.Context, friendID string) (*model.DMSession, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	s, err := e.deps.Roster.StartDMSession(ctx, friendID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EndDM завершает личную сессию; открытая беседа с ней закрывается
func (e *CommandExecutor) EndDM(ctx context.Context, sessionID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	if err := e.deps.Roster.EndDMSession(ctx, sessionID); err != nil {
		return err
	}
	e.closeIfViewing(sessionID)
	return nil
}

// CreateGroup создаёт группу
func (e *CommandExecutor) CreateGroup(ctx context.Context, name string) (*model.GroupInfo, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	g, err := e.deps.Roster.CreateGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// JoinGroup вступает в группу по коду приглашения
func (e *CommandExecutor) JoinGroup(ctx context.Context, code string) (*model.GroupInfo, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	g, err := e.deps.Roster.JoinGroupByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// LeaveGroup выходит из группы
func (e *CommandExecutor) LeaveGroup(ctx context.Context, groupID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	if err := e.deps.Roster.LeaveGroup(ctx, groupID); err != nil {
		return err
	}
	e.closeIfViewing(groupID)
	return nil
}

// EndGroup завершает группу (только создатель)
func (e *CommandExecutor) EndGroup(ctx context.Context, groupID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	if err := e.deps.Roster.EndGroupSession(ctx, groupID); err != nil {
		return err
	}
	e.closeIfViewing(groupID)
	return nil
}

// AddFriend отправляет заявку по friend-коду
func (e *CommandExecutor) AddFriend(ctx context.Context, code string) (*model.Friend, error) {
	if e.deps.Roster == nil {
		return nil, errors.New("roster is not available")
	}
	f, err := e.deps.Roster.SendFriendRequest(ctx, code)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// AcceptFriend принимает входящую заявку
func (e *CommandExecutor) AcceptFriend(ctx context.Context, friendshipID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	return e.deps.Roster.AcceptFriend(ctx, friendshipID)
}

// RemoveFriend удаляет друга или отклоняет заявку
func (e *CommandExecutor) RemoveFriend(ctx context.Context, friendshipID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	if err := e.deps.Roster.RemoveFriend(ctx, friendshipID); err != nil {
		return err
	}
	if e.deps.Categories != nil {
		if err := e.deps.Categories.Assign(friendshipID, ""); err != nil {
			logger.Warn("category assignment not removed", zap.String("friendship_id", friendshipID), zap.Error(err))
		}
	}
	return nil
}

// KickMember исключает участника из своей группы
func (e *CommandExecutor) KickMember(ctx context.Context, groupID, userID string) error {
	if e.deps.Roster == nil {
		return errors.New("roster is not available")
	}
	return e.deps.Roster.KickMember(ctx, groupID, userID)
}

// UpdateProfile меняет имя или аватар. Новая запись присутствия публикуется
// сразу; уже открытая беседа подписывает сообщения прежним именем до
// следующего открытия.
func (e *CommandExecutor) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.Profile, error) {
	if e.deps.Profiles == nil {
		return nil, errors.New("profiles are not available")
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return nil, ErrEmptyProfileName
		}
		upd.DisplayName = &name
	}
	if upd.AvatarURL != nil {
		avatar := strings.TrimSpace(*upd.AvatarURL)
		upd.AvatarURL = &avatar
	}

	me := e.identity()
	p, err := e.deps.Profiles.UpdateProfile(ctx, me.UserID, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	me.DisplayName, me.AvatarURL = p.DisplayName, p.AvatarURL
	e.mu.Lock()
	e.me = me
	e.mu.Unlock()

	if e.deps.Roster != nil {
		e.deps.Roster.SetIdentity(me)
	}
	if e.deps.Presence != nil {
		if err := e.deps.Presence.SetProfile(ctx, me.DisplayName, me.AvatarURL); err != nil {
			logger.Warn("presence record not republished after profile change", zap.Error(err))
		}
	}
	logger.Info("profile updated", zap.String("display_name", p.DisplayName))
	return &p, nil
}

// Categories возвращает категории друзей и назначения
func (e *CommandExecutor) Categories(_ context.Context) (*CategoriesResult, error) {
	if e.deps.Categories == nil {
		return nil, errors.New("categories are not available")
	}
	return &CategoriesResult{
		Categories:  e.deps.Categories.List(),
		Assignments: e.deps.Categories.Assignments(),
	}, nil
}

// AddCategory создаёт категорию друзей
func (e *CommandExecutor) AddCategory(_ context.Context, name string) (*prefs.Category, error) {
	if e.deps.Categories == nil {
		return nil, errors.New("categories are not available")
	}
	cat, err := e.deps.Categories.Add(name)
	if err != nil {
		return nil, err
	}
	e.listsChanged()
	return &cat, nil
}

// RenameCategory переименовывает категорию
func (e *CommandExecutor) RenameCategory(_ context.Context, id, name string) error {
	if e.deps.Categories == nil {
		return errors.New("categories are not available")
	}
	if err := e.deps.Categories.Rename(id, name); err != nil {
		return err
	}
	e.listsChanged()
	return nil
}

// RemoveCategory удаляет категорию и её назначения
func (e *CommandExecutor) RemoveCategory(_ context.Context, id string) error {
	if e.deps.Categories == nil {
		return errors.New("categories are not available")
	}
	if err := e.deps.Categories.Remove(id); err != nil {
		return err
	}
	e.listsChanged()
	return nil
}

// AssignFriend относит друга к категории; пустой categoryID снимает назначение
func (e *CommandExecutor) AssignFriend(_ context.Context, friendshipID, categoryID string) error {
	if e.deps.Categories == nil {
		return errors.New("categories are not available")
	}
	if err := e.deps.Categories.Assign(friendshipID, categoryID); err != nil {
		return err
	}
	e.listsChanged()
	return nil
}

func (e *CommandExecutor) listsChanged() {
	if e.deps.Roster != nil {
		e.emit(Event{Type: EventLists, Data: e.lists()})
	}
}

// Dump возвращает внутреннее состояние клиента для отладки
func (e *CommandExecutor) Dump(_ context.Context) (*DumpResult, error) {
	res := &DumpResult{Identity: e.identity(), LastRead: map[string]time.Time{}}
	if e.deps.Presence != nil {
		res.Presence = e.deps.Presence.Snapshot()
	}
	if e.deps.Roster != nil {
		res.Lists = e.deps.Roster.Snapshot()
	}
	if e.deps.Unread != nil {
		res.Unread = e.deps.Unread.Unread()
		ids := make([]string, 0, len(res.Lists.DMSessions)+len(res.Lists.Groups))
		for _, s := range res.Lists.DMSessions {
			ids = append(ids, s.ID)
		}
		for _, g := range res.Lists.Groups {
			ids = append(ids, g.ID)
		}
		for _, id := range ids {
			if at, ok := e.deps.Unread.LastRead(id); ok {
				res.LastRead[id] = at
			}
		}
	}
	if e.deps.Categories != nil {
		res.Categories = e.deps.Categories.List()
	}
	if e.deps.Services != nil {
		res.Services = e.deps.Services.States()
	}
	return res, nil
}

func (e *CommandExecutor) closeIfViewing(id string) {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	if s := e.current(); s != nil && s.Conversation().ID == id {
		e.closeSessionLocked()
	}
}

// Whoami возвращает информацию о текущем пользователе
func (e *CommandExecutor) Whoami(ctx context.Context) (*WhoamiResult, error) {
	me := e.identity()
	res := &WhoamiResult{
		UserID:      me.UserID,
		DisplayName: me.DisplayName,
		AvatarURL:   me.AvatarURL,
	}
	if e.deps.Profiles == nil {
		return res, nil
	}
	p, err := e.deps.Profiles.Profile(ctx, me.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	res.FriendCode = p.FriendCode
	return res, nil
}

// Version возвращает информацию о версии приложения
func (e *CommandExecutor) Version(_ context.Context) (*VersionResult, error) {
	return &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
	}, nil
}

func refOf(c model.Conversation) ConversationRef {
	return ConversationRef{Kind: c.Kind, ID: c.ID, Name: c.Name}
}

func chatResult(c model.Conversation, st chat.State) ChatResult {
	return ChatResult{
		Conversation: refOf(c),
		Subscribed:   st.Subscribed,
		Messages:     st.Messages,
		Typing:       st.Typing,
		Members:      st.Members,
	}
}
