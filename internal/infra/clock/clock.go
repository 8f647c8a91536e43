// Package clock — единая точка доступа ко времени для всех таймеров клиента.
// Компоненты движка (монитор активности, heartbeat присутствия, таймеры набора
// текста) не вызывают time.Now/time.AfterFunc напрямую, а получают Clock.
// В рантайме используется Real(), в тестах — Fake с ручной прокруткой времени.
package clock

import (
	"sync"
	"time"
)

// Timer — отменяемый отложенный вызов. Stop возвращает true, если вызов был
// снят до срабатывания.
type Timer interface {
	Stop() bool
}

// Clock отдаёт текущее время и планирует отложенные колбэки.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

var (
	locMu sync.RWMutex
	// location — таймзона приложения; задаётся один раз из конфигурации (APP_TIMEZONE).
	location = time.Local
)

// SetLocation задаёт глобальную таймзону приложения. nil игнорируется.
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locMu.Lock()
	location = loc
	locMu.Unlock()
}

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	locMu.RLock()
	loc := location
	locMu.RUnlock()
	return time.Now().In(loc)
}

type realClock struct{}

// Real возвращает Clock поверх системного времени и time.AfterFunc.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
