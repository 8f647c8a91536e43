// Package prefs — локальные настройки пользователя: статус-сообщение, флаг
// автоответа, звук уведомлений и категории друзей. Хранятся в bbolt и переживают
// перезапуск; при отсутствии KV работают только в памяти.
package prefs

import (
	"strings"
	"sync"

	"clofri/internal/infra/logger"
	"clofri/internal/infra/storage"

	"go.uber.org/zap"
)

const (
	bucket = "prefs"

	keyStatusMessage = "status_message"
	keyAutoReply     = "auto_reply"
	keySoundEnabled  = "sound_enabled"
)

// Store — настройки с кэшем в памяти. Потокобезопасен.
type Store struct {
	kv *storage.KV

	mu            sync.RWMutex
	statusMessage *string
	autoReply     bool
	soundEnabled  bool
}

// Open загружает настройки из kv. Ошибки чтения отдельных ключей не фатальны:
// пишется предупреждение и берётся значение по умолчанию (звук включён).
func Open(kv *storage.KV) *Store {
	s := &Store{kv: kv, soundEnabled: true}
	if kv == nil {
		return s
	}

	var msg *string
	if _, err := kv.Get(bucket, keyStatusMessage, &msg); err != nil {
		logger.Warn("prefs: status message load failed", zap.Error(err))
	}
	s.statusMessage = normalize(msg)

	if _, err := kv.Get(bucket, keyAutoReply, &s.autoReply); err != nil {
		logger.Warn("prefs: auto reply load failed", zap.Error(err))
	}
	sound := true
	if _, err := kv.Get(bucket, keySoundEnabled, &sound); err != nil {
		logger.Warn("prefs: sound flag load failed", zap.Error(err))
	}
	s.soundEnabled = sound
	return s
}

// StatusMessage возвращает копию статус-сообщения или nil.
func (s *Store) StatusMessage() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.statusMessage == nil {
		return nil
	}
	v := *s.statusMessage
	return &v
}

// SetStatusMessage сохраняет сообщение; пустая строка равна nil.
func (s *Store) SetStatusMessage(msg *string) error {
	msg = normalize(msg)
	s.mu.Lock()
	s.statusMessage = msg
	s.mu.Unlock()
	return s.put(keyStatusMessage, msg)
}

// AutoReply возвращает флаг автоответа.
func (s *Store) AutoReply() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoReply
}

// SetAutoReply сохраняет флаг автоответа.
func (s *Store) SetAutoReply(v bool) error {
	s.mu.Lock()
	s.autoReply = v
	s.mu.Unlock()
	return s.put(keyAutoReply, v)
}

// SoundEnabled возвращает флаг звука.
func (s *Store) SoundEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.soundEnabled
}

// SetSoundEnabled сохраняет флаг звука.
func (s *Store) SetSoundEnabled(v bool) error {
	s.mu.Lock()
	s.soundEnabled = v
	s.mu.Unlock()
	return s.put(keySoundEnabled, v)
}

func (s *Store) put(key string, value any) error {
	if s.kv == nil {
		return nil
	}
	return s.kv.Put(bucket, key, value)
}

func normalize(msg *string) *string {
	if msg == nil {
		return nil
	}
	v := strings.TrimSpace(*msg)
	if v == "" {
		return nil
	}
	return &v
}
