// Package store описывает внешнее хранилище (профили, дружба, DM-сессии,
// группы, история сообщений) в виде узких интерфейсов. Каждый компонент
// принимает ровно тот интерфейс, который ему нужен; реализации живут в
// adapters/postgres и adapters/memstore.
package store

import (
	"context"
	"errors"
	"time"

	"clofri/internal/domain/model"
)

// ErrNotFound — запрошенная строка отсутствует.
var ErrNotFound = errors.New("store: not found")

// Profiles — чтение профилей.
type Profiles interface {
	Profile(ctx context.Context, id string) (model.Profile, error)
	ProfileByFriendCode(ctx context.Context, code string) (model.Profile, error)
	// UpdateProfile меняет поля собственного профиля и возвращает результат.
	UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (model.Profile, error)
}

// Messages — история и запись сообщений беседы.
type Messages interface {
	// History возвращает последние limit сообщений беседы по возрастанию времени
	// с заполненными DisplayName/AvatarURL отправителей.
	History(ctx context.Context, conv model.Conversation, limit int) ([]model.Message, error)
	InsertMessage(ctx context.Context, conv model.Conversation, msg model.Message) error
}

// Activity отдаёт время последнего сообщения в каждой беседе, написанного
// НЕ пользователем userID. Беседы без таких сообщений в ответ не попадают.
type Activity interface {
	LatestActivity(ctx context.Context, userID string, conversationIDs []string) (map[string]time.Time, error)
}

// DMSessions — личные сессии.
type DMSessions interface {
	DMSessions(ctx context.Context, userID string) ([]model.DMSession, error)
	// FindOrCreateDMSession возвращает существующую сессию пары или создаёт новую.
	FindOrCreateDMSession(ctx context.Context, userID, friendID string) (model.DMSession, error)
	DeleteDMSession(ctx context.Context, id string) error
}

// Groups — групповые сессии и членство.
type Groups interface {
	Groups(ctx context.Context, userID string) ([]model.GroupInfo, error)
	Group(ctx context.Context, id string) (model.GroupInfo, error)
	CreateGroup(ctx context.Context, creatorID, name, inviteCode string) (model.GroupInfo, error)
	GroupByInviteCode(ctx context.Context, code string) (model.GroupInfo, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// Friends — дружба и заявки.
type Friends interface {
	Friends(ctx context.Context, userID string) (model.FriendList, error)
	CreateFriendRequest(ctx context.Context, fromID, toID string) (model.Friend, error)
	AcceptFriend(ctx context.Context, friendshipID string) error
	DeleteFriendship(ctx context.Context, friendshipID string) error
}

// Store — полный набор операций внешнего хранилища.
type Store interface {
	Profiles
	Messages
	Activity
	DMSessions
	Groups
	Friends
}
