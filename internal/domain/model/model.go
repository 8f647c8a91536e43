// Package model — общие типы клиента: профили, сообщения, беседы, группы и друзья.
// Это снимки строк внешнего хранилища; движок не считает их источником истины.
package model

import (
	"strings"
	"time"
)

// Profile — публичный профиль пользователя.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	FriendCode  string `json:"friend_code,omitempty"`
}

// ProfileUpdate — изменяемые поля профиля; nil оставляет поле как есть,
// пустой AvatarURL убирает аватар.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Message — сообщение беседы. ConversationID — id DM-сессии или группы.
// AutoReply помечает локальное синтетическое сообщение, которое никогда не
// рассылается и не сохраняется.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	DisplayName    string    `json:"display_name"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	AutoReply      bool      `json:"auto_reply,omitempty"`
}

// ConversationKind различает личные и групповые беседы.
type ConversationKind string

const (
	Direct ConversationKind = "dm"
	Group  ConversationKind = "group"
)

// Conversation идентифицирует открываемую беседу.
// Для Direct заданы PeerID и PeerName, для Group — Name и MemberIDs.
type Conversation struct {
	Kind      ConversationKind
	ID        string
	Name      string
	PeerID    string
	PeerName  string
	MemberIDs []string
}

// ChannelName возвращает имя realtime-канала беседы.
func (c Conversation) ChannelName() string {
	return ChannelName(c.Kind, c.ID)
}

// ChannelName строит имя канала: dm-session:<id> или group:<id>.
func ChannelName(kind ConversationKind, id string) string {
	if kind == Group {
		return "group:" + id
	}
	return "dm-session:" + id
}

// DMSession — активная личная сессия с другом.
type DMSession struct {
	ID            string    `json:"id"`
	FriendID      string    `json:"friend_id"`
	Friend        Profile   `json:"friend"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// GroupInfo — групповая сессия.
type GroupInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatorID  string    `json:"creator_id"`
	InviteCode string    `json:"invite_code"`
	MemberIDs  []string  `json:"member_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasMember сообщает, состоит ли userID в группе.
func (g GroupInfo) HasMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// FriendshipStatus — статус дружбы.
type FriendshipStatus string

const (
	FriendPending  FriendshipStatus = "pending"
	FriendAccepted FriendshipStatus = "accepted"
)

// Friend — запись дружбы глазами локального пользователя.
type Friend struct {
	FriendshipID string           `json:"friendship_id"`
	Profile      Profile          `json:"profile"`
	Status       FriendshipStatus `json:"status"`
	// Incoming — заявка пришла к нам (имеет смысл для pending).
	Incoming bool `json:"incoming"`
}

// FriendList — друзья, разложенные по состояниям.
type FriendList struct {
	Accepted        []Friend `json:"accepted"`
	PendingReceived []Friend `json:"pending_received"`
	PendingSent     []Friend `json:"pending_sent"`
}

// NormalizeCode приводит friend/invite-код к каноничному виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
