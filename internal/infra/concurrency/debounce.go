// Package concurrency — утилиты для таймеров и конкурентного исполнения.
// В этом файле реализован Debouncer — «сглаживание» повторяющихся событий по
// строковому ключу. Каждое событие перезапускает окно ожидания; функция
// выполняется один раз, когда по ключу наступила тишина длиной timeout.
//
// Применение: истечение индикатора набора текста собеседника (ключ = имя) и
// сброс собственного флага «печатаю» после паузы ввода.
// Гарантии: потокобезопасность, колбэки выполняются вне критической секции,
// сработавший с опозданием старый таймер ничего не делает.
package concurrency

import (
	"sync"
	"time"

	"clofri/internal/infra/clock"
)

// Debouncer группирует повторяющиеся действия по ключу.
type Debouncer struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingEntry
	seq     uint64
	stopped bool
}

// pendingEntry хранит таймер, колбэк и поколение; поколение отсекает
// срабатывание таймера, который уже был заменён.
type pendingEntry struct {
	timer clock.Timer
	fn    func()
	gen   uint64
}

// NewDebouncer создаёт дебаунсер с заданным окном тишины.
func NewDebouncer(clk clock.Clock, timeout time.Duration) *Debouncer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Debouncer{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]pendingEntry),
	}
}

// Do регистрирует fn для key и откладывает запуск на timeout. Повторный вызов
// для того же key перезапускает окно и заменяет колбэк. После Stop вызовы игнорируются.
func (d *Debouncer) Do(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if entry, ok := d.pending[key]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
	d.seq++
	gen := d.seq
	timer := d.clock.AfterFunc(d.timeout, func() { d.execute(key, gen) })
	d.pending[key] = pendingEntry{timer: timer, fn: fn, gen: gen}
}

// Cancel снимает отложенный вызов для key без исполнения.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, key)
	}
}

// Stop останавливает дебаунсер: все таймеры снимаются без исполнения колбэков,
// дальнейшие Do игнорируются. Повторный вызов безопасен.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, key)
	}
}

func (d *Debouncer) execute(key string, gen uint64) {
	var fn func()

	d.mu.Lock()
	if entry, ok := d.pending[key]; ok && entry.gen == gen {
		delete(d.pending, key)
		fn = entry.fn
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
