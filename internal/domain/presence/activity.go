package presence

import (
	"sync"
	"time"

	"clofri/internal/infra/clock"
)

// Activity — монитор локальной активности: Active/Idle по событиям ввода и
// видимости вкладки.
//
// Таймер бездействия один на монитор и не перезапускается на каждое событие:
// Touch только двигает lastEvent, а сработавший таймер сам досыпает остаток,
// если событие было позже. Итоговый дедлайн ровно idleTimeout после
// последнего события.
type Activity struct {
	clock    clock.Clock
	timeout  time.Duration
	onChange func(Status)

	mu        sync.Mutex
	status    Status
	visible   bool
	lastEvent time.Time
	timer     clock.Timer
	timerGen  uint64
	started   bool
	stopped   bool
}

// NewActivity создаёт монитор в состоянии Active (вкладка видима).
// onChange вызывается на каждом переходе вне внутренних блокировок.
func NewActivity(clk clock.Clock, idleTimeout time.Duration, onChange func(Status)) *Activity {
	if clk == nil {
		clk = clock.Real()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Activity{
		clock:    clk,
		timeout:  idleTimeout,
		onChange: onChange,
		status:   StatusActive,
		visible:  true,
	}
}

// Start взводит таймер бездействия. Повторный вызов ничего не делает.
func (a *Activity) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.lastEvent = a.clock.Now()
	a.armLocked(a.timeout)
}

// Stop снимает таймер; события после Stop игнорируются.
func (a *Activity) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.disarmLocked()
}

// Status возвращает текущее локальное состояние.
func (a *Activity) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Touch — событие ввода (движение указателя, клавиша, нажатие, прокрутка).
// Пока вкладка скрыта, событие только запоминается.
func (a *Activity) Touch() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.lastEvent = a.clock.Now()
	if !a.visible {
		a.mu.Unlock()
		return
	}
	if a.timer == nil {
		a.armLocked(a.timeout)
	}
	changed := a.status != StatusActive
	a.status = StatusActive
	a.mu.Unlock()

	if changed {
		a.emit(StatusActive)
	}
}

// SetVisible сообщает видимость вкладки. Скрытие сразу переводит в Idle,
// показ сразу в Active.
func (a *Activity) SetVisible(visible bool) {
	a.mu.Lock()
	if !a.started || a.stopped || a.visible == visible {
		a.mu.Unlock()
		return
	}
	a.visible = visible
	var next Status
	if visible {
		a.lastEvent = a.clock.Now()
		a.armLocked(a.timeout)
		next = StatusActive
	} else {
		a.disarmLocked()
		next = StatusIdle
	}
	changed := a.status != next
	a.status = next
	a.mu.Unlock()

	if changed {
		a.emit(next)
	}
}

func (a *Activity) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.timerGen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	if a.status == StatusIdle || !a.visible {
		a.mu.Unlock()
		return
	}
	if rest := a.timeout - a.clock.Now().Sub(a.lastEvent); rest > 0 {
		a.armLocked(rest)
		a.mu.Unlock()
		return
	}
	a.status = StatusIdle
	a.mu.Unlock()

	a.emit(StatusIdle)
}

func (a *Activity) armLocked(d time.Duration) {
	a.disarmLocked()
	a.timerGen++
	gen := a.timerGen
	a.timer = a.clock.AfterFunc(d, func() { a.fire(gen) })
}

func (a *Activity) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Activity) emit(st Status) {
	if a.onChange != nil {
		a.onChange(st)
	}
}
