// Package presence — движок присутствия: монитор собственной активности,
// публикация своей записи в общий lobby-канал и производный статус всех
// видимых пользователей.
package presence

import (
	"encoding/json"
	"time"
)

// Значения таймингов по умолчанию. StaleThreshold обязан превышать
// HeartbeatInterval с запасом.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultStaleThreshold    = 6 * time.Minute
)

// Status — самооценка владельца записи. Offline владелец никогда не публикует:
// отсутствие записи в реестре и есть offline.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
)

// EffectiveStatus — статус пользователя глазами остальных.
type EffectiveStatus string

const (
	Active  EffectiveStatus = "active"
	Idle    EffectiveStatus = "idle"
	Offline EffectiveStatus = "offline"
)

// Record — запись присутствия в lobby-канале. Писать её может только клиент
// с совпадающим UserID (ключ присутствия канала).
type Record struct {
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Status        Status    `json:"status"`
	LastActive    time.Time `json:"last_active"`
	StatusMessage *string   `json:"status_message"`
	AutoReply     bool      `json:"auto_reply"`
}

// Derive вычисляет EffectiveStatus: нет записи -> Offline; idle -> Idle;
// active, но last_active старше stale -> Idle; иначе Active.
func Derive(rec Record, present bool, now time.Time, stale time.Duration) EffectiveStatus {
	if !present {
		return Offline
	}
	if rec.Status == StatusIdle {
		return Idle
	}
	if now.Sub(rec.LastActive) > stale {
		return Idle
	}
	return Active
}

// decodeRecord разбирает запись реестра. Записи без user_id получают ключ
// присутствия; неизвестный статус трактуется как active.
func decodeRecord(key string, raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	if rec.UserID == "" {
		rec.UserID = key
	}
	if rec.Status != StatusIdle {
		rec.Status = StatusActive
	}
	return rec, nil
}
