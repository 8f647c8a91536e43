// Package notify — роутер уведомлений lobby-канала. Пять видов broadcast-событий
// (новое личное сообщение, конец личной сессии, новое групповое сообщение,
// конец группы, заявка в друзья) превращаются в отметки непрочитанного, звук
// и обновление соответствующего списка, даже если беседа не открыта.
package notify

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"clofri/internal/domain/model"
	"clofri/internal/domain/realtime"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"

	"go.uber.org/zap"
)

const refreshTimeout = 15 * time.Second

// Viewing сообщает открытую беседу.
type Viewing interface {
	Current() (model.ConversationKind, string)
}

// UnreadMarker пересчитывает флаг непрочитанного по внешней активности.
type UnreadMarker interface {
	RecomputeUnread(conversationID string, latestActivityAt time.Time)
}

// Sound проигрывает звук уведомления.
type Sound interface {
	Play()
}

// Refresher перечитывает списки из хранилища.
type Refresher interface {
	RefreshDMSessions(ctx context.Context) error
	RefreshGroups(ctx context.Context) error
	RefreshFriends(ctx context.Context) error
}

// Lobby — источник broadcast-событий общего канала.
type Lobby interface {
	Bind(event string, fn func(json.RawMessage))
}

// Options — зависимости роутера.
type Options struct {
	UserID    string
	Viewing   Viewing
	Unread    UnreadMarker
	Sound     Sound
	Refresher Refresher
	Clock     clock.Clock
}

// Router — диспетчер событий lobby. Обновления списков идут в собственных
// горутинах, чтобы медленное хранилище не задерживало доставку событий.
type Router struct {
	userID    string
	viewing   Viewing
	unread    UnreadMarker
	sound     Sound
	refresher Refresher
	clock     clock.Clock

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт роутер. Отсутствующие Sound/Viewing заменяются пустыми.
func New(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Sound == nil {
		opts.Sound = silent{}
	}
	if opts.Viewing == nil {
		opts.Viewing = &CurrentView{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		userID:    opts.UserID,
		viewing:   opts.Viewing,
		unread:    opts.Unread,
		sound:     opts.Sound,
		refresher: opts.Refresher,
		clock:     opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events — события lobby, которые обрабатывает роутер.
var Events = []string{
	realtime.EventNewDM,
	realtime.EventDMSessionEnded,
	realtime.EventNewGroupMessage,
	realtime.EventGroupSessionEnded,
	realtime.EventFriendRequest,
}

// Attach привязывает обработчики к lobby. Вызывается до Join движка присутствия.
func (r *Router) Attach(lobby Lobby) {
	for _, event := range Events {
		lobby.Bind(event, func(raw json.RawMessage) { r.Handle(event, raw) })
	}
}

// Handle разбирает и обрабатывает одно событие. Неизвестные и битые события
// игнорируются.
func (r *Router) Handle(event string, raw json.RawMessage) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	var outcome string
	switch event {
	case realtime.EventNewDM:
		outcome = r.onNewDM(raw)
	case realtime.EventDMSessionEnded:
		outcome = r.onDMSessionEnded(raw)
	case realtime.EventNewGroupMessage:
		outcome = r.onNewGroupMessage(raw)
	case realtime.EventGroupSessionEnded:
		outcome = r.onGroupSessionEnded(raw)
	case realtime.EventFriendRequest:
		outcome = r.onFriendRequest(raw)
	default:
		outcome = "ignored"
	}
	metrics.LobbyEvents.WithLabelValues(event, outcome).Inc()
	if outcome == "malformed" {
		logger.Debug("notify: malformed payload ignored", zap.String("event", event), zap.ByteString("payload", raw))
	}
}

func (r *Router) onNewDM(raw json.RawMessage) string {
	var p NewDM
	if !decode(raw, &p) || p.ReceiverID == "" || p.SessionID == "" {
		return "malformed"
	}
	if p.ReceiverID != r.userID || p.SenderID == r.userID {
		return "ignored"
	}
	if !r.isViewing(model.Direct, p.SessionID) {
		r.markUnread(p.SessionID)
		r.sound.Play()
	}
	r.refresh("dm_sessions", func(rf Refresher, ctx context.Context) error { return rf.RefreshDMSessions(ctx) })
	return "handled"
}

func (r *Router) onDMSessionEnded(raw json.RawMessage) string {
	var p DMSessionEnded
	if !decode(raw, &p) || p.OtherPartyID == "" {
		return "malformed"
	}
	if p.OtherPartyID != r.userID || p.SenderID == r.userID {
		return "ignored"
	}
	r.sound.Play()
	r.refresh("dm_sessions", func(rf Refresher, ctx context.Context) error { return rf.RefreshDMSessions(ctx) })
	return "handled"
}

func (r *Router) onNewGroupMessage(raw json.RawMessage) string {
	var p NewGroupMessage
	if !decode(raw, &p) || p.GroupID == "" {
		return "malformed"
	}
	if !slices.Contains(p.MemberIDs, r.userID) || p.SenderID == r.userID {
		return "ignored"
	}
	if !r.isViewing(model.Group, p.GroupID) {
		r.markUnread(p.GroupID)
		r.sound.Play()
	}
	return "handled"
}

func (r *Router) onGroupSessionEnded(raw json.RawMessage) string {
	var p GroupSessionEnded
	if !decode(raw, &p) || p.GroupID == "" {
		return "malformed"
	}
	if !slices.Contains(p.MemberIDs, r.userID) || p.SenderID == r.userID {
		return "ignored"
	}
	r.sound.Play()
	r.refresh("groups", func(rf Refresher, ctx context.Context) error { return rf.RefreshGroups(ctx) })
	return "handled"
}

func (r *Router) onFriendRequest(raw json.RawMessage) string {
	var p FriendRequest
	if !decode(raw, &p) || p.RecipientID == "" {
		return "malformed"
	}
	if p.RecipientID != r.userID || p.SenderID == r.userID {
		return "ignored"
	}
	r.sound.Play()
	r.refresh("friends", func(rf Refresher, ctx context.Context) error { return rf.RefreshFriends(ctx) })
	return "handled"
}

func (r *Router) isViewing(kind model.ConversationKind, id string) bool {
	k, current := r.viewing.Current()
	return k == kind && current == id
}

func (r *Router) markUnread(conversationID string) {
	if r.unread != nil {
		r.unread.RecomputeUnread(conversationID, r.clock.Now())
	}
}

// refresh запускает обновление списка в отдельной горутине. Ошибка только
// логируется: другие события и присутствие от неё не зависят.
func (r *Router) refresh(collection string, fn func(Refresher, context.Context) error) {
	if r.refresher == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, refreshTimeout)
		defer cancel()
		if err := fn(r.refresher, ctx); err != nil {
			metrics.RefreshFailures.WithLabelValues(collection).Inc()
			logger.Warn("notify: refresh failed", zap.String("collection", collection), zap.Error(err))
		}
	}()
}

// Wait дожидается завершения запущенных обновлений.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close прекращает обработку событий, отменяет и дожидается обновлений.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func decode(raw json.RawMessage, dst any) bool {
	return len(raw) > 0 && json.Unmarshal(raw, dst) == nil
}

type silent struct{}

func (silent) Play() {}
