// Package unread — маркеры прочтения бесед и производное множество непрочитанных.
//
// Маркер (conversation_id -> last_read_at) принадлежит только локальному
// пользователю и хранится в bbolt. Беседа непрочитана, если известная внешняя
// активность новее маркера (или маркера ещё нет, а активность есть).
// Собственные оптимистичные сообщения активностью не считаются: источник
// активности отдаёт время только чужих сообщений.
//
// Для каждой беседы помнится самая поздняя известная активность: из живых
// уведомлений и из хранилища. Флаг считается по ней, поэтому опрос хранилища,
// в которое сообщение ещё не записано, не снимает флаг живого уведомления.
package unread

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"clofri/internal/domain/store"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"
	"clofri/internal/infra/storage"

	"go.uber.org/zap"
)

const markersBucket = "read_markers"

// Store — маркеры и множество непрочитанных. Потокобезопасен.
type Store struct {
	kv       *storage.KV
	clock    clock.Clock
	activity store.Activity
	userID   string

	mu      sync.Mutex
	markers map[string]time.Time
	latest  map[string]time.Time // последняя известная чужая активность
	unread  map[string]struct{}

	subsMu  sync.Mutex
	subs    map[int]func([]string)
	nextSub int
}

// Options — зависимости стора. KV и Activity могут быть nil (тесты, офлайн).
type Options struct {
	KV       *storage.KV
	Clock    clock.Clock
	Activity store.Activity
	UserID   string
}

// New создаёт стор и загружает сохранённые маркеры.
func New(opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Store{
		kv:       opts.KV,
		clock:    opts.Clock,
		activity: opts.Activity,
		userID:   opts.UserID,
		markers:  make(map[string]time.Time),
		latest:   make(map[string]time.Time),
		unread:   make(map[string]struct{}),
		subs:     make(map[int]func([]string)),
	}
	if s.kv == nil {
		return s, nil
	}
	err := s.kv.ForEach(markersBucket, func(key string, raw []byte) error {
		var at time.Time
		if err := json.Unmarshal(raw, &at); err != nil {
			logger.Warn("unread: malformed marker skipped", zap.String("conversation_id", key), zap.Error(err))
			return nil
		}
		s.markers[key] = at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unread: load markers: %w", err)
	}
	logger.Debug("unread: markers loaded", zap.Int("count", len(s.markers)))
	return s, nil
}

// MarkRead ставит маркер = now, снимает флаг и сохраняет маркер.
func (s *Store) MarkRead(conversationID string) {
	now := s.clock.Now()
	s.mu.Lock()
	s.markers[conversationID] = now
	_, was := s.unread[conversationID]
	delete(s.unread, conversationID)
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.Put(markersBucket, conversationID, now); err != nil {
			logger.Warn("unread: marker persist failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if was {
		s.changed()
	}
}

// IsUnread — чтение флага.
func (s *Store) IsUnread(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unread[conversationID]
	return ok
}

// LastRead возвращает сохранённый маркер беседы.
func (s *Store) LastRead(conversationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.markers[conversationID]
	return at, ok
}

// RecomputeUnread учитывает внешнюю активность и пересчитывает флаг по
// самой поздней известной активности беседы. Нулевое время означает
// «новой активности нет».
func (s *Store) RecomputeUnread(conversationID string, latestActivityAt time.Time) {
	s.mu.Lock()
	known := s.latest[conversationID]
	if latestActivityAt.After(known) {
		known = latestActivityAt
		s.latest[conversationID] = known
	}
	marker, ok := s.markers[conversationID]
	var isUnread bool
	switch {
	case known.IsZero():
		isUnread = false
	case !ok:
		isUnread = true
	default:
		isUnread = known.After(marker)
	}
	_, was := s.unread[conversationID]
	if isUnread {
		s.unread[conversationID] = struct{}{}
	} else {
		delete(s.unread, conversationID)
	}
	s.mu.Unlock()

	if was != isUnread {
		s.changed()
	}
}

// CheckUnread запрашивает у хранилища время последней чужой активности для
// каждой беседы и пересчитывает флаги. Беседы без сохранённой активности не
// трогаются: живое уведомление может опередить запись сообщения. Ошибка
// чтения оставляет флаги как есть.
func (s *Store) CheckUnread(ctx context.Context, conversationIDs []string) error {
	if s.activity == nil || len(conversationIDs) == 0 {
		return nil
	}
	latest, err := s.activity.LatestActivity(ctx, s.userID, conversationIDs)
	if err != nil {
		return fmt.Errorf("unread: latest activity: %w", err)
	}
	for _, id := range conversationIDs {
		if at, ok := latest[id]; ok && !at.IsZero() {
			s.RecomputeUnread(id, at)
		}
	}
	return nil
}

// Forget удаляет маркер и флаг беседы, которой больше нет.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	_, hadMarker := s.markers[conversationID]
	delete(s.markers, conversationID)
	delete(s.latest, conversationID)
	_, was := s.unread[conversationID]
	delete(s.unread, conversationID)
	s.mu.Unlock()

	if hadMarker && s.kv != nil {
		if err := s.kv.Delete(markersBucket, conversationID); err != nil {
			logger.Warn("unread: marker delete failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if was {
		s.changed()
	}
}

// Unread возвращает отсортированный список непрочитанных бесед.
func (s *Store) Unread() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.unread))
	for id := range s.unread {
		out = append(out, id)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

// Subscribe подписывает fn на изменения множества; возвращает отписку.
func (s *Store) Subscribe(fn func(unread []string)) (cancel func()) {
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

func (s *Store) changed() {
	list := s.Unread()
	metrics.UnreadConversations.Set(float64(len(list)))

	s.subsMu.Lock()
	fns := make([]func([]string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(slices.Clone(list))
	}
}
