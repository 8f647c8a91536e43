// Package throttle — ограничение скорости исходящих операций realtime-транспорта
// и повторные попытки с экспоненциальным backoff.
// В основе — токен-бакет golang.org/x/time/rate и cenkalti/backoff.
// Ошибки, реализующие StopRetryer, прекращают ретраи немедленно.
// Throttler потокобезопасен: Wait и Do можно вызывать параллельно.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate.
const burstMultiplier = 2

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток Do. Значение <=0 — без ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithObserver регистрирует функцию, получающую время ожидания токена
// (гистограмма метрик).
func WithObserver(fn func(time.Duration)) Option {
	return func(t *Throttler) {
		t.observe = fn
	}
}

// WithBackOff подменяет фабрику стратегии ретраев (в тестах — короткие интервалы).
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.newBackOff = fn
		}
	}
}

// Throttler — токен-бакет плюс стратегия повторных попыток.
type Throttler struct {
	limiter    *rate.Limiter
	burst      int
	maxRetries int
	observe    func(time.Duration)
	newBackOff func() backoff.BackOff
}

// New создаёт троттлер с частотой rps операций в секунду. По умолчанию
// burst = 2*rps, ретраи без ограничения.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{
		burst:      rps * burstMultiplier,
		newBackOff: DefaultBackOff,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst < 1 {
		t.burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// DefaultBackOff — экспоненциальная задержка 500мс..30с с джиттером, без
// ограничения общего времени.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Wait блокирует до получения токена или отмены ctx.
func (t *Throttler) Wait(ctx context.Context) error {
	start := time.Now()
	err := t.limiter.Wait(ctx)
	if t.observe != nil {
		t.observe(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("throttle: wait: %w", err)
	}
	return nil
}

// Do выполняет fn под лимитом бакета, повторяя при ошибках:
//  1. ждём токен;
//  2. вызываем fn;
//  3. StopRetryer или сорванный контекст — вернуть сразу;
//     иначе пауза по стратегии backoff и повтор, пока не исчерпан лимит.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	var b backoff.BackOff = backoff.WithContext(t.newBackOff(), ctx)
	if t.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(t.maxRetries))
	}
	attempt := 0
	err := backoff.Retry(func() error {
		if err := t.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		callErr := fn()
		if callErr == nil {
			return nil
		}
		var stopper StopRetryer
		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return backoff.Permanent(callErr)
		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return backoff.Permanent(callErr)
		}
		return callErr
	}, b)
	if err != nil && t.maxRetries > 0 && attempt > t.maxRetries {
		return fmt.Errorf("throttle: max retries reached (%d): last error: %w", t.maxRetries, err)
	}
	return err
}
