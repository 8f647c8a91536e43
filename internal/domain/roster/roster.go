// Package roster держит списки пользователя (личные сессии, группы, друзья),
// прочитанные из хранилища, и выполняет операции над ними с рассылкой
// уведомлений в lobby. Реализует notify.Refresher.
package roster

import (
	"context"
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
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPollInterval — период фоновой проверки непрочитанного.
const DefaultPollInterval = 15 * time.Second

var (
	ErrNotCreator     = errors.New("roster: only the group creator can do that")
	ErrNotMember      = errors.New("roster: user is not a member of the group")
	ErrSelfKick       = errors.New("roster: use leave to quit your own group")
	ErrInvalidCode    = errors.New("roster: code not found")
	ErrSelfRequest    = errors.New("roster: you can't add yourself")
	ErrAlreadyFriends = errors.New("roster: already friends")
	ErrRequestPending = errors.New("roster: request already pending")
	ErrEmptyName      = errors.New("roster: group name is empty")
)

// Unread — часть стора непрочитанного, нужная спискам.
type Unread interface {
	MarkRead(conversationID string)
	Forget(conversationID string)
	CheckUnread(ctx context.Context, conversationIDs []string) error
}

// Lobby публикует уведомления для других клиентов.
type Lobby interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Options — зависимости списков.
type Options struct {
	Store        store.Store
	Unread       Unread
	Lobby        Lobby
	Identity     presence.Identity
	Clock        clock.Clock
	PollInterval time.Duration
}

// Snapshot — текущие списки.
type Snapshot struct {
	DMSessions []model.DMSession `json:"dm_sessions"`
	Groups     []model.GroupInfo `json:"groups"`
	Friends    model.FriendList  `json:"friends"`
}

// Roster — списки пользователя. Потокобезопасен.
type Roster struct {
	store  store.Store
	unread Unread
	lobby  Lobby
	userID string
	me     presence.Identity // под mu: имя меняется при обновлении профиля
	clock  clock.Clock
	poll   time.Duration

	// Обновления одной коллекции идут по очереди: иначе устаревший ответ
	// хранилища может перезаписать свежий.
	dmsRefresh     sync.Mutex
	groupsRefresh  sync.Mutex
	friendsRefresh sync.Mutex

	mu        sync.Mutex
	dms       []model.DMSession
	groups    []model.GroupInfo
	friends   model.FriendList
	pollTimer clock.Timer
	pollGen   uint64
	polling   bool
	pollCtx   context.Context

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

var _ notify.Refresher = (*Roster)(nil)

// New создаёт пустые списки; данные появляются после первого Refresh*.
func New(opts Options) *Roster {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Roster{
		store:  opts.Store,
		unread: opts.Unread,
		lobby:  opts.Lobby,
		userID: opts.Identity.UserID,
		me:     opts.Identity,
		clock:  opts.Clock,
		poll:   opts.PollInterval,
		subs:   make(map[int]func(Snapshot)),
	}
}

// RefreshDMSessions перечитывает личные сессии. Пропавшие сессии забываются
// в сторе непрочитанного, для оставшихся пересчитываются флаги.
func (r *Roster) RefreshDMSessions(ctx context.Context) error {
	r.dmsRefresh.Lock()
	defer r.dmsRefresh.Unlock()
	list, err := r.store.DMSessions(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("roster: dm sessions: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}

	r.mu.Lock()
	old := make([]string, 0, len(r.dms))
	for _, s := range r.dms {
		old = append(old, s.ID)
	}
	r.dms = list
	r.mu.Unlock()

	r.reconcile(ctx, "dm_sessions", old, ids)
	return nil
}

// RefreshGroups перечитывает группы пользователя так же, как RefreshDMSessions.
func (r *Roster) RefreshGroups(ctx context.Context) error {
	r.groupsRefresh.Lock()
	defer r.groupsRefresh.Unlock()
	list, err := r.store.Groups(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("roster: groups: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, g := range list {
		ids = append(ids, g.ID)
	}

	r.mu.Lock()
	old := make([]string, 0, len(r.groups))
	for _, g := range r.groups {
		old = append(old, g.ID)
	}
	r.groups = list
	r.mu.Unlock()

	r.reconcile(ctx, "groups", old, ids)
	return nil
}

// RefreshFriends перечитывает друзей и заявки.
func (r *Roster) RefreshFriends(ctx context.Context) error {
	r.friendsRefresh.Lock()
	defer r.friendsRefresh.Unlock()
	list, err := r.store.Friends(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("roster: friends: %w", err)
	}
	r.mu.Lock()
	r.friends = list
	r.mu.Unlock()
	r.notify()
	return nil
}

// RefreshAll перечитывает все три списка; ошибки собираются вместе.
func (r *Roster) RefreshAll(ctx context.Context) error {
	return errors.Join(
		r.RefreshDMSessions(ctx),
		r.RefreshGroups(ctx),
		r.RefreshFriends(ctx),
	)
}

func (r *Roster) reconcile(ctx context.Context, collection string, old, current []string) {
	if r.unread != nil {
		for _, id := range old {
			if !slices.Contains(current, id) {
				r.unread.Forget(id)
			}
		}
		if err := r.unread.CheckUnread(ctx, current); err != nil {
			logger.Warn("roster: unread check failed", zap.String("collection", collection), zap.Error(err))
		}
	}
	r.notify()
}

// DMSessions возвращает копию списка личных сессий.
func (r *Roster) DMSessions() []model.DMSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.dms)
}

// Groups возвращает копию списка групп.
func (r *Roster) Groups() []model.GroupInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.groups)
}

// Friends возвращает друзей и заявки.
func (r *Roster) Friends() model.FriendList {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.FriendList{
		Accepted:        slices.Clone(r.friends.Accepted),
		PendingReceived: slices.Clone(r.friends.PendingReceived),
		PendingSent:     slices.Clone(r.friends.PendingSent),
	}
}

// Snapshot возвращает все списки.
func (r *Roster) Snapshot() Snapshot {
	return Snapshot{DMSessions: r.DMSessions(), Groups: r.Groups(), Friends: r.Friends()}
}

// DMSession ищет личную сессию в загруженном списке.
func (r *Roster) DMSession(id string) (model.DMSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.dms, func(s model.DMSession) bool { return s.ID == id })
	if i < 0 {
		return model.DMSession{}, false
	}
	return r.dms[i], true
}

// Group ищет группу в загруженном списке.
func (r *Roster) Group(id string) (model.GroupInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.groups, func(g model.GroupInfo) bool { return g.ID == id })
	if i < 0 {
		return model.GroupInfo{}, false
	}
	return r.groups[i], true
}

// Conversation строит описание беседы для открытия чата.
func (r *Roster) Conversation(kind model.ConversationKind, id string) (model.Conversation, error) {
	switch kind {
	case model.Direct:
		s, ok := r.DMSession(id)
		if !ok {
			return model.Conversation{}, fmt.Errorf("dm session %s: %w", id, store.ErrNotFound)
		}
		name := s.Friend.DisplayName
		return model.Conversation{Kind: model.Direct, ID: s.ID, Name: name, PeerID: s.FriendID, PeerName: name}, nil
	case model.Group:
		g, ok := r.Group(id)
		if !ok {
			return model.Conversation{}, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
		}
		return model.Conversation{Kind: model.Group, ID: g.ID, Name: g.Name, MemberIDs: slices.Clone(g.MemberIDs)}, nil
	default:
		return model.Conversation{}, fmt.Errorf("roster: unknown conversation kind %q", kind)
	}
}

// StartDMSession находит или создаёт личную сессию с другом. Новая сессия
// сразу помечается прочитанной: у создателя она не должна светиться.
func (r *Roster) StartDMSession(ctx context.Context, friendID string) (model.DMSession, error) {
	s, err := r.store.FindOrCreateDMSession(ctx, r.userID, friendID)
	if err != nil {
		return model.DMSession{}, fmt.Errorf("roster: start dm: %w", err)
	}
	if r.unread != nil {
		r.unread.MarkRead(s.ID)
	}
	r.refreshLogged(ctx, "dm_sessions", r.RefreshDMSessions)
	return s, nil
}

// EndDMSession удаляет личную сессию и сообщает собеседнику.
func (r *Roster) EndDMSession(ctx context.Context, id string) error {
	s, ok := r.DMSession(id)
	if !ok {
		return fmt.Errorf("roster: end dm %s: %w", id, store.ErrNotFound)
	}
	if err := r.store.DeleteDMSession(ctx, id); err != nil {
		return fmt.Errorf("roster: end dm: %w", err)
	}
	r.publish(ctx, realtime.EventDMSessionEnded, notify.DMSessionEnded{
		OtherPartyID: s.FriendID,
		SessionID:    id,
		SenderID:     r.userID,
	})
	r.refreshLogged(ctx, "dm_sessions", r.RefreshDMSessions)
	return nil
}

// CreateGroup создаёт группу с новым invite-кодом.
func (r *Roster) CreateGroup(ctx context.Context, name string) (model.GroupInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.GroupInfo{}, ErrEmptyName
	}
	g, err := r.store.CreateGroup(ctx, r.userID, name, newInviteCode())
	if err != nil {
		return model.GroupInfo{}, fmt.Errorf("roster: create group: %w", err)
	}
	if r.unread != nil {
		r.unread.MarkRead(g.ID)
	}
	r.refreshLogged(ctx, "groups", r.RefreshGroups)
	return g, nil
}

// JoinGroupByCode вступает в группу по invite-коду. Уже состоящий участник
// просто получает группу.
func (r *Roster) JoinGroupByCode(ctx context.Context, code string) (model.GroupInfo, error) {
	g, err := r.store.GroupByInviteCode(ctx, model.NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return model.GroupInfo{}, ErrInvalidCode
	}
	if err != nil {
		return model.GroupInfo{}, fmt.Errorf("roster: join group: %w", err)
	}
	if !g.HasMember(r.userID) {
		if err := r.store.AddMember(ctx, g.ID, r.userID); err != nil {
			return model.GroupInfo{}, fmt.Errorf("roster: join group: %w", err)
		}
		g.MemberIDs = append(g.MemberIDs, r.userID)
		if r.unread != nil {
			r.unread.MarkRead(g.ID)
		}
	}
	r.refreshLogged(ctx, "groups", r.RefreshGroups)
	return g, nil
}

// LeaveGroup выходит из группы.
func (r *Roster) LeaveGroup(ctx context.Context, groupID string) error {
	if err := r.store.RemoveMember(ctx, groupID, r.userID); err != nil {
		return fmt.Errorf("roster: leave group: %w", err)
	}
	r.refreshLogged(ctx, "groups", r.RefreshGroups)
	return nil
}

// EndGroupSession удаляет группу (только создатель) и оповещает участников.
func (r *Roster) EndGroupSession(ctx context.Context, groupID string) error {
	g, ok := r.Group(groupID)
	if !ok {
		var err error
		if g, err = r.store.Group(ctx, groupID); err != nil {
			return fmt.Errorf("roster: end group: %w", err)
		}
	}
	if g.CreatorID != r.userID {
		return ErrNotCreator
	}
	members := make([]string, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		if id != r.userID {
			members = append(members, id)
		}
	}
	if err := r.store.DeleteGroup(ctx, groupID); err != nil {
		return fmt.Errorf("roster: end group: %w", err)
	}
	r.publish(ctx, realtime.EventGroupSessionEnded, notify.GroupSessionEnded{
		GroupID:   groupID,
		MemberIDs: members,
		SenderID:  r.userID,
	})
	r.refreshLogged(ctx, "groups", r.RefreshGroups)
	return nil
}

// KickMember исключает участника из группы (только создатель). Исключённому
// уходит group_session_ended с ним одним в списке: его клиент перечитает
// группы и уберёт беседу.
func (r *Roster) KickMember(ctx context.Context, groupID, userID string) error {
	g, ok := r.Group(groupID)
	if !ok {
		var err error
		if g, err = r.store.Group(ctx, groupID); err != nil {
			return fmt.Errorf("roster: kick member: %w", err)
		}
	}
	switch {
	case g.CreatorID != r.userID:
		return ErrNotCreator
	case userID == r.userID:
		return ErrSelfKick
	case !g.HasMember(userID):
		return ErrNotMember
	}
	if err := r.store.RemoveMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("roster: kick member: %w", err)
	}
	logger.Info("roster: member removed", zap.String("group_id", groupID), zap.String("user_id", userID))
	r.publish(ctx, realtime.EventGroupSessionEnded, notify.GroupSessionEnded{
		GroupID:   groupID,
		MemberIDs: []string{userID},
		SenderID:  r.userID,
	})
	r.refreshLogged(ctx, "groups", r.RefreshGroups)
	return nil
}

// SetIdentity обновляет имя, которым подписываются уведомления. UserID
// остаётся прежним.
func (r *Roster) SetIdentity(id presence.Identity) {
	r.mu.Lock()
	r.me.DisplayName = id.DisplayName
	r.me.AvatarURL = id.AvatarURL
	r.mu.Unlock()
}

func (r *Roster) identity() presence.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.me
}

// SendFriendRequest отправляет заявку по friend-коду.
func (r *Roster) SendFriendRequest(ctx context.Context, code string) (model.Friend, error) {
	target, err := r.store.ProfileByFriendCode(ctx, model.NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return model.Friend{}, ErrInvalidCode
	}
	if err != nil {
		return model.Friend{}, fmt.Errorf("roster: friend request: %w", err)
	}
	if target.ID == r.userID {
		return model.Friend{}, ErrSelfRequest
	}
	if err := r.RefreshFriends(ctx); err != nil {
		return model.Friend{}, err
	}
	list := r.Friends()
	has := func(fs []model.Friend) bool {
		return slices.ContainsFunc(fs, func(f model.Friend) bool { return f.Profile.ID == target.ID })
	}
	switch {
	case has(list.Accepted):
		return model.Friend{}, ErrAlreadyFriends
	case has(list.PendingSent), has(list.PendingReceived):
		return model.Friend{}, ErrRequestPending
	}

	f, err := r.store.CreateFriendRequest(ctx, r.userID, target.ID)
	if err != nil {
		return model.Friend{}, fmt.Errorf("roster: friend request: %w", err)
	}
	r.publish(ctx, realtime.EventFriendRequest, notify.FriendRequest{
		RecipientID: target.ID,
		SenderID:    r.userID,
		SenderName:  r.identity().DisplayName,
	})
	r.refreshLogged(ctx, "friends", r.RefreshFriends)
	return f, nil
}

// AcceptFriend принимает входящую заявку.
func (r *Roster) AcceptFriend(ctx context.Context, friendshipID string) error {
	if err := r.store.AcceptFriend(ctx, friendshipID); err != nil {
		return fmt.Errorf("roster: accept friend: %w", err)
	}
	r.refreshLogged(ctx, "friends", r.RefreshFriends)
	return nil
}

// RemoveFriend удаляет дружбу или отклоняет заявку.
func (r *Roster) RemoveFriend(ctx context.Context, friendshipID string) error {
	if err := r.store.DeleteFriendship(ctx, friendshipID); err != nil {
		return fmt.Errorf("roster: remove friend: %w", err)
	}
	r.refreshLogged(ctx, "friends", r.RefreshFriends)
	return nil
}

// Start загружает списки и запускает периодическую проверку личных сессий и
// групп. Повторный вызов ничего не делает.
func (r *Roster) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.polling {
		r.mu.Unlock()
		return nil
	}
	r.polling = true
	r.pollGen++
	gen := r.pollGen
	r.pollCtx = context.WithoutCancel(ctx)
	r.mu.Unlock()

	if err := r.RefreshAll(ctx); err != nil {
		logger.Warn("roster: initial refresh incomplete", zap.Error(err))
	}

	r.mu.Lock()
	if r.polling && r.pollGen == gen {
		r.armPollLocked(gen)
	}
	r.mu.Unlock()
	logger.Info("roster: polling started", zap.Duration("interval", r.poll))
	return nil
}

// Stop останавливает периодическую проверку.
func (r *Roster) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.polling {
		return
	}
	r.polling = false
	r.pollGen++
	if r.pollTimer != nil {
		r.pollTimer.Stop()
		r.pollTimer = nil
	}
}

func (r *Roster) armPollLocked(gen uint64) {
	r.pollTimer = r.clock.AfterFunc(r.poll, func() { r.onPoll(gen) })
}

func (r *Roster) onPoll(gen uint64) {
	r.mu.Lock()
	if !r.polling || r.pollGen != gen {
		r.mu.Unlock()
		return
	}
	ctx := r.pollCtx
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.poll)
	r.refreshLogged(pctx, "dm_sessions", r.RefreshDMSessions)
	r.refreshLogged(pctx, "groups", r.RefreshGroups)
	cancel()

	r.mu.Lock()
	if r.polling && r.pollGen == gen {
		r.armPollLocked(gen)
	}
	r.mu.Unlock()
}

// Subscribe подписывает fn на изменения списков; возвращает отписку.
func (r *Roster) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subsMu.Unlock()
	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Roster) notify() {
	r.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()
	if len(fns) == 0 {
		return
	}
	snap := r.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// refreshLogged выполняет обновление после успешной записи; его ошибка не
// отменяет уже сделанную операцию.
func (r *Roster) refreshLogged(ctx context.Context, collection string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.RefreshFailures.WithLabelValues(collection).Inc()
		logger.Warn("roster: refresh failed", zap.String("collection", collection), zap.Error(err))
	}
}

func (r *Roster) publish(ctx context.Context, event string, payload any) {
	if r.lobby == nil {
		return
	}
	if err := r.lobby.Publish(ctx, event, payload); err != nil {
		logger.Warn("roster: lobby notification not sent", zap.String("event", event), zap.Error(err))
	}
}

func newInviteCode() string {
	return model.NormalizeCode(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}
