// Package realtime — контракт транспорта каналов (pub/sub с реестром присутствия).
// Движок присутствия, роутер уведомлений и сессии чатов работают только через
// эти интерфейсы; конкретные реализации (Supabase Realtime, Redis, in-process
// хаб) лежат в adapters/realtime.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Имя общего канала, через который идут присутствие и кросс-чатовые уведомления.
const LobbyChannel = "lobby"

// События lobby-канала.
const (
	EventNewDM             = "new_dm"
	EventDMSessionEnded    = "dm_session_ended"
	EventNewGroupMessage   = "new_group_message"
	EventGroupSessionEnded = "group_session_ended"
	EventFriendRequest     = "friend_request"
)

// События канала беседы.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventNudge   = "nudge"
)

// ErrUnsubscribed возвращается операциями над каналом, который не подписан.
var ErrUnsubscribed = errors.New("realtime: channel is not subscribed")

// SubscribeStatus — состояние подписки канала, сообщаемое транспортом.
type SubscribeStatus string

const (
	Subscribed   SubscribeStatus = "SUBSCRIBED"
	ChannelError SubscribeStatus = "CHANNEL_ERROR"
	TimedOut     SubscribeStatus = "TIMED_OUT"
	Closed       SubscribeStatus = "CLOSED"
)

// ChannelOptions — параметры канала. PresenceKey пуст, если присутствие
// на канале не отслеживается этим клиентом.
type ChannelOptions struct {
	PresenceKey string
}

// Transport выдаёт каналы по имени. Каждый вызов Channel создаёт новый
// независимый handle.
type Transport interface {
	Channel(name string, opts ChannelOptions) Channel
}

// Channel — подписка на именованный канал.
//
// Обработчики (OnBroadcast, OnPresenceSync) регистрируются до Subscribe.
// Broadcast не возвращается отправителю. onStatus может вызываться многократно:
// повторный Subscribed означает переподключение.
type Channel interface {
	Name() string
	Subscribe(ctx context.Context, onStatus func(SubscribeStatus)) error
	// Track публикует (upsert) состояние присутствия этого клиента.
	Track(ctx context.Context, state any) error
	Untrack(ctx context.Context) error
	// Send рассылает событие всем текущим подписчикам, кроме себя.
	Send(ctx context.Context, event string, payload any) error
	OnBroadcast(event string, fn func(payload json.RawMessage))
	OnPresenceSync(fn func())
	// PresenceState — текущий снимок реестра: ключ -> список записей.
	PresenceState() map[string][]json.RawMessage
	Unsubscribe(ctx context.Context) error
}
