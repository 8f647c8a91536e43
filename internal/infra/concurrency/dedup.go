package concurrency

import (
	"sync"
	"time"

	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"

	"go.uber.org/zap"
)

// Deduplicator хранит ключи недавно обработанных событий и подавляет повторы
// в пределах окна. Транспорт доставляет broadcast «хотя бы один раз», поэтому
// одно и то же сообщение может прийти дважды. Потокобезопасен.
type Deduplicator struct {
	clock  clock.Clock
	window time.Duration

	mu          sync.Mutex
	seen        map[string]time.Time // key -> expireAt
	lastCleanup time.Time
}

// NewDeduplicator создаёт кэш подавления повторов с окном window.
func NewDeduplicator(clk clock.Clock, window time.Duration) *Deduplicator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Deduplicator{
		clock:       clk,
		window:      window,
		seen:        make(map[string]time.Time),
		lastCleanup: clk.Now(),
	}
}

// Seen возвращает true, если key уже встречался в пределах окна; иначе
// регистрирует его и возвращает false. Устаревшие ключи вычищаются попутно,
// не чаще одного раза за окно.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if now.Sub(d.lastCleanup) >= d.window {
		d.cleanupLocked(now)
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debug("dedup: event already seen", zap.String("key", key))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Len возвращает число отслеживаемых ключей.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) cleanupLocked(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	d.lastCleanup = now
}
