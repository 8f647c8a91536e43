// Package sound — звуковой сигнал уведомлений в терминале (BEL). Сигнал
// проигрывается только при включённой настройке звука и не чаще minGap,
// чтобы пачка событий не превращалась в трель.
package sound

import (
	"io"
	"sync"
	"time"

	"clofri/internal/infra/clock"
	"clofri/internal/infra/logger"

	"go.uber.org/zap"
)

const minGap = 500 * time.Millisecond

// Prefs сообщает, включён ли звук.
type Prefs interface {
	SoundEnabled() bool
}

// Bell пишет BEL в out.
type Bell struct {
	out   io.Writer
	prefs Prefs
	clock clock.Clock

	mu   sync.Mutex
	last time.Time
}

// NewBell создаёт сигнал. prefs == nil означает «звук всегда включён».
func NewBell(out io.Writer, prefs Prefs, clk clock.Clock) *Bell {
	if clk == nil {
		clk = clock.Real()
	}
	return &Bell{out: out, prefs: prefs, clock: clk}
}

// Play проигрывает сигнал.
func (b *Bell) Play() {
	if b.prefs != nil && !b.prefs.SoundEnabled() {
		return
	}
	now := b.clock.Now()
	b.mu.Lock()
	if !b.last.IsZero() && now.Sub(b.last) < minGap {
		b.mu.Unlock()
		return
	}
	b.last = now
	b.mu.Unlock()

	if _, err := b.out.Write([]byte{'\a'}); err != nil {
		logger.Debug("sound: bell write failed", zap.Error(err))
	}
}
