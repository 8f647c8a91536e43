// Package commands предоставляет общий интерфейс для управления клиентом clofri.
// Команды используются как CLI-адаптером, так и локальным веб-API.
package commands

import (
	"context"
	"time"

	"clofri/internal/domain/chat"
	"clofri/internal/domain/model"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/roster"
	"clofri/internal/infra/lifecycle"
)

// Executor - интерфейс для выполнения команд клиента.
type Executor interface {
	// Status возвращает состояние присутствия, непрочитанного и сервисов
	Status(ctx context.Context) (*StatusResult, error)

	// Users возвращает пользователей lobby с эффективными статусами
	Users(ctx context.Context) (*UsersResult, error)

	// Lists возвращает личные сессии, группы и друзей с флагами непрочитанного
	Lists(ctx context.Context) (*ListsResult, error)

	// Refresh перечитывает все списки из хранилища
	Refresh(ctx context.Context) error

	// Open открывает беседу; ранее открытая закрывается
	Open(ctx context.Context, kind model.ConversationKind, id string) (*ChatResult, error)

	// CloseChat закрывает открытую беседу
	CloseChat(ctx context.Context) error

	// Chat возвращает состояние открытой беседы
	Chat(ctx context.Context) (*ChatResult, error)

	// Send отправляет сообщение в открытую беседу
	Send(ctx context.Context, text string) (*model.Message, error)

	// Typing сообщает собеседникам о наборе текста
	Typing(ctx context.Context) error

	// Nudge толкает участников открытой группы
	Nudge(ctx context.Context) error

	// SetStatusMessage задаёт статус-сообщение; nil очищает его
	SetStatusMessage(ctx context.Context, msg *string) error

	// SetAutoReply включает или выключает автоответ
	SetAutoReply(ctx context.Context, enabled bool) error

	// SetSound включает или выключает звук уведомлений
	SetSound(ctx context.Context, enabled bool) error

	// Touch отмечает активность пользователя
	Touch(ctx context.Context) error

	// SetVisible сообщает видимость окна клиента
	SetVisible(ctx context.Context, visible bool) error

	StartDM(ctx context.Context, friendID string) (*model.DMSession, error)
	EndDM(ctx context.Context, sessionID string) error
	CreateGroup(ctx context.Context, name string) (*model.GroupInfo, error)
	JoinGroup(ctx context.Context, code string) (*model.GroupInfo, error)
	LeaveGroup(ctx context.Context, groupID string) error
	EndGroup(ctx context.Context, groupID string) error
	AddFriend(ctx context.Context, code string) (*model.Friend, error)
	AcceptFriend(ctx context.Context, friendshipID string) error
	RemoveFriend(ctx context.Context, friendshipID string) error
	KickMember(ctx context.Context, groupID, userID string) error

	// UpdateProfile меняет имя или аватар и переопубликовывает присутствие
	UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.Profile, error)

	Categories(ctx context.Context) (*CategoriesResult, error)
	AddCategory(ctx context.Context, name string) (*prefs.Category, error)
	RenameCategory(ctx context.Context, id, name string) error
	RemoveCategory(ctx context.Context, id string) error
	AssignFriend(ctx context.Context, friendshipID, categoryID string) error

	// Dump возвращает внутреннее состояние клиента для отладки
	Dump(ctx context.Context) (*DumpResult, error)

	// Whoami возвращает информацию о текущем пользователе
	Whoami(ctx context.Context) (*WhoamiResult, error)

	// Version возвращает информацию о версии приложения
	Version(ctx context.Context) (*VersionResult, error)

	// Watch подписывает fn на изменения состояния клиента
	Watch(fn func(Event)) (cancel func())
}

// StatusResult - результат команды Status
type StatusResult struct {
	Joined        bool                  `json:"joined"`         // подписан ли lobby
	Subscribed    bool                  `json:"subscribed"`     // канал lobby в состоянии SUBSCRIBED
	OwnStatus     presence.Status       `json:"own_status"`     // собственный статус
	StatusMessage *string               `json:"status_message"` // собственное статус-сообщение
	AutoReply     bool                  `json:"auto_reply"`
	SoundEnabled  bool                  `json:"sound_enabled"`
	OnlineUsers   int                   `json:"online_users"` // записей в реестре присутствия
	Unread        []string              `json:"unread"`       // непрочитанные беседы
	Viewing       *ConversationRef      `json:"viewing"`      // открытая беседа
	Services      []lifecycle.NodeState `json:"services"`
	Location      *time.Location        `json:"-"` // таймзона для отображения
}

// ConversationRef - ссылка на беседу
type ConversationRef struct {
	Kind model.ConversationKind `json:"kind"`
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
}

// UsersResult - результат команды Users
type UsersResult struct {
	Users []presence.UserView `json:"users"`
}

// ListsResult - результат команды Lists
type ListsResult struct {
	DMSessions []DMItem         `json:"dm_sessions"`
	Groups     []GroupItem      `json:"groups"`
	Friends    model.FriendList `json:"friends"`
	Categories []prefs.Category `json:"categories"`
	// FriendCategories - friendship_id -> category_id
	FriendCategories map[string]string `json:"friend_categories,omitempty"`
}

// DMItem - личная сессия со статусом собеседника
type DMItem struct {
	model.DMSession
	FriendStatus presence.EffectiveStatus `json:"friend_status"`
	Unread       bool                     `json:"unread"`
	LastReadAt   *time.Time               `json:"last_read_at,omitempty"`
}

// GroupItem - группа с флагом непрочитанного
type GroupItem struct {
	model.GroupInfo
	IsCreator  bool       `json:"is_creator"`
	Unread     bool       `json:"unread"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// ChatResult - состояние открытой беседы
type ChatResult struct {
	Conversation ConversationRef `json:"conversation"`
	Subscribed   bool            `json:"subscribed"`
	Messages     []model.Message `json:"messages"`
	Typing       []string        `json:"typing"`
	Members      []chat.Member   `json:"members,omitempty"`
}

// WhoamiResult - результат команды Whoami
type WhoamiResult struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	FriendCode  string `json:"friend_code,omitempty"`
}

// CategoriesResult - категории друзей и назначения friendship_id -> category_id
type CategoriesResult struct {
	Categories  []prefs.Category  `json:"categories"`
	Assignments map[string]string `json:"assignments"`
}

// DumpResult - внутреннее состояние клиента
type DumpResult struct {
	Identity   presence.Identity     `json:"identity"`
	Presence   presence.Snapshot     `json:"presence"`
	Lists      roster.Snapshot       `json:"lists"`
	Unread     []string              `json:"unread"`
	LastRead   map[string]time.Time  `json:"last_read"`
	Categories []prefs.Category      `json:"categories"`
	Services   []lifecycle.NodeState `json:"services"`
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name    string `json:"name"`    // название приложения
	Version string `json:"version"` // версия
}
