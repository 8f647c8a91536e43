package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"clofri/internal/domain/realtime"
)

// Channel — handle канала клиента хаба.
type Channel struct {
	client      *Client
	name        string
	presenceKey string

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	onSync   []func()
	onStatus func(realtime.SubscribeStatus)
	want     bool // Subscribe был вызван и Unsubscribe ещё нет
	joined   bool
	closed   bool
}

var _ realtime.Channel = (*Channel)(nil)

// Name возвращает имя канала.
func (c *Channel) Name() string { return c.name }

// Subscribe подписывает канал. Повторный вызов на подписанном канале ничего не делает.
func (c *Channel) Subscribe(_ context.Context, onStatus func(realtime.SubscribeStatus)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s closed", realtime.ErrUnsubscribed, c.name)
	}
	if c.want {
		c.mu.Unlock()
		return nil
	}
	c.want = true
	c.onStatus = onStatus
	c.mu.Unlock()

	c.client.hub.join(c)
	return nil
}

// Track публикует состояние присутствия под ключом канала.
func (c *Channel) Track(_ context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: marshal presence: %w", err)
	}
	return c.client.hub.track(c, raw)
}

// Untrack снимает запись присутствия.
func (c *Channel) Untrack(_ context.Context) error {
	return c.client.hub.untrack(c)
}

// Send рассылает событие остальным подписчикам.
func (c *Channel) Send(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory: marshal payload: %w", err)
	}
	return c.client.hub.send(c, event, raw)
}

// OnBroadcast регистрирует обработчик события.
func (c *Channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// OnPresenceSync регистрирует обработчик синхронизации реестра.
func (c *Channel) OnPresenceSync(fn func()) {
	c.mu.Lock()
	c.onSync = append(c.onSync, fn)
	c.mu.Unlock()
}

// PresenceState возвращает снимок реестра. Без подписки реестр пуст.
func (c *Channel) PresenceState() map[string][]json.RawMessage {
	if !c.isJoined() {
		return map[string][]json.RawMessage{}
	}
	return c.client.hub.snapshot(c.name)
}

// Unsubscribe отписывает канал; handle после этого не переиспользуется.
func (c *Channel) Unsubscribe(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.want = false
	c.joined = false
	onStatus := c.onStatus
	c.onStatus = nil
	c.mu.Unlock()

	c.client.hub.leave(c)
	if onStatus != nil {
		onStatus(realtime.Closed)
	}
	return nil
}

func (c *Channel) deliver(event string, payload json.RawMessage) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	fns := slices.Clone(c.handlers[event])
	c.mu.Unlock()
	for _, fn := range fns {
		fn(append(json.RawMessage(nil), payload...))
	}
}

func (c *Channel) firePresenceSync() {
	c.mu.Lock()
	fns := slices.Clone(c.onSync)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Channel) reportStatus(st realtime.SubscribeStatus) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *Channel) setJoined(v bool) {
	c.mu.Lock()
	c.joined = v
	c.mu.Unlock()
}

func (c *Channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Channel) wantsJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.want
}
