package redisbus

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/metrics"
	"clofri/internal/infra/throttle"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel — handle канала шины.
type Channel struct {
	bus  *Bus
	name string
	key  string
	id   string // поле hash реестра и отправитель broadcast

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	onSync   []func()
	onStatus func(realtime.SubscribeStatus)
	want     bool
	joined   bool
	closed   bool
	tracked  json.RawMessage
	registry map[string][]json.RawMessage

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

var _ realtime.Channel = (*Channel)(nil)

func newChannel(b *Bus, name, key string) *Channel {
	id := uuid.NewString()
	if key == "" {
		key = id
	}
	return &Channel{
		bus:      b,
		name:     name,
		key:      key,
		id:       id,
		handlers: make(map[string][]func(json.RawMessage)),
		registry: map[string][]json.RawMessage{},
	}
}

func (c *Channel) Name() string { return c.name }

// Subscribe подписывается на broadcast и служебный канал синхронизации.
// Подтверждение и переподключения приходят в onStatus из фоновой горутины.
func (c *Channel) Subscribe(ctx context.Context, onStatus func(realtime.SubscribeStatus)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(realtime.ErrUnsubscribed, c.name+" closed")
	}
	if c.want {
		c.mu.Unlock()
		return nil
	}
	c.want = true
	c.onStatus = onStatus
	c.pubsub = c.bus.opts.Client.Subscribe(ctx, broadcastKey(c.name), syncKey(c.name))
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.receive(loopCtx)
	go c.renew(loopCtx)
	return nil
}

// receive читает Pub/Sub. Ошибка чтения — обрыв: статус ChannelError и
// пауза по backoff; go-redis переподключается сам и повторно подтверждает
// подписку, после чего канал снова сообщает Subscribed.
func (c *Channel) receive(ctx context.Context) {
	b := backoff.WithContext(throttle.DefaultBackOff(), ctx)
	for {
		msg, err := c.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if c.lost() {
				logger.Warn("redisbus: subscription lost", zap.String("channel", c.name), zap.Error(err))
			}
			metrics.TransportReconnects.WithLabelValues(backendLabel).Inc()
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && m.Count == 2 {
				b.Reset()
				c.confirmed(ctx)
			}
		case *redis.Message:
			if m.Channel == syncKey(c.name) {
				c.sync(ctx)
			} else {
				c.deliver(m.Payload)
			}
		}
	}
}

func (c *Channel) confirmed(ctx context.Context) {
	c.mu.Lock()
	if !c.want || c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.mu.Unlock()
	logger.Debug("redisbus: subscribed", zap.String("channel", c.name))
	c.report(realtime.Subscribed)
	c.sync(ctx)
}

// lost сбрасывает подписку и реестр. Возвращает true, если канал был подписан.
func (c *Channel) lost() bool {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return false
	}
	c.joined = false
	c.registry = map[string][]json.RawMessage{}
	c.mu.Unlock()
	c.report(realtime.ChannelError)
	c.fireSync()
	return true
}

// renew продлевает аренду своей записи и перечитывает реестр, чтобы
// выбросить записи упавших клиентов.
func (c *Channel) renew(ctx context.Context) {
	ticker := time.NewTicker(c.bus.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		state, joined := c.tracked, c.joined
		c.mu.Unlock()
		if !joined {
			continue
		}
		if state != nil {
			if err := c.writeLease(ctx, state); err != nil {
				logger.Warn("redisbus: lease renewal failed", zap.String("channel", c.name), zap.Error(err))
			}
		}
		c.sync(ctx)
	}
}

// sync перечитывает hash реестра и уведомляет подписчиков при изменении.
func (c *Channel) sync(ctx context.Context) {
	fields, err := c.bus.opts.Client.HGetAll(ctx, presenceKey(c.name)).Result()
	if err != nil {
		logger.Warn("redisbus: presence read failed", zap.String("channel", c.name), zap.Error(err))
		return
	}
	registry, stale := groupLeases(fields, c.bus.opts.Now())
	if len(stale) > 0 {
		if err := c.bus.opts.Client.HDel(ctx, presenceKey(c.name), stale...).Err(); err != nil {
			logger.Debug("redisbus: stale lease cleanup failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	changed := !maps.EqualFunc(c.registry, registry, func(a, b []json.RawMessage) bool { return reflect.DeepEqual(a, b) })
	c.registry = registry
	c.mu.Unlock()
	if changed {
		c.fireSync()
	}
}

func (c *Channel) deliver(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warn("redisbus: malformed broadcast", zap.String("channel", c.name), zap.Error(err))
		return
	}
	if env.Sender == c.id {
		return
	}
	c.mu.Lock()
	fns := slices.Clone(c.handlers[env.Event])
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return
	}
	for _, fn := range fns {
		fn(env.Payload)
	}
}

func (c *Channel) requireJoined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return errors.Wrap(realtime.ErrUnsubscribed, c.name)
	}
	return nil
}

func (c *Channel) writeLease(ctx context.Context, state json.RawMessage) error {
	raw, err := json.Marshal(lease{Key: c.key, State: state, ExpiresAt: c.bus.opts.Now().Add(c.bus.opts.LeaseTTL)})
	if err != nil {
		return errors.Wrap(err, "marshal lease")
	}
	pipe := c.bus.opts.Client.TxPipeline()
	pipe.HSet(ctx, presenceKey(c.name), c.id, raw)
	pipe.Expire(ctx, presenceKey(c.name), 2*c.bus.opts.LeaseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "write lease")
	}
	return nil
}

// Track публикует состояние и оповещает подписчиков канала.
func (c *Channel) Track(ctx context.Context, state any) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal presence")
	}
	if err := c.writeLease(ctx, raw); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = raw
	c.mu.Unlock()
	return c.notifySync(ctx)
}

func (c *Channel) Untrack(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.removeLease(ctx)
}

func (c *Channel) removeLease(ctx context.Context) error {
	c.mu.Lock()
	c.tracked = nil
	c.mu.Unlock()
	if err := c.bus.opts.Client.HDel(ctx, presenceKey(c.name), c.id).Err(); err != nil {
		return errors.Wrap(err, "remove lease")
	}
	return c.notifySync(ctx)
}

func (c *Channel) notifySync(ctx context.Context) error {
	if err := c.bus.opts.Client.Publish(ctx, syncKey(c.name), c.id).Err(); err != nil {
		return errors.Wrap(err, "publish presence sync")
	}
	return nil
}

// Send рассылает событие; ждёт токен общего лимитера.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	frame, err := json.Marshal(envelope{Sender: c.id, Event: event, Payload: raw})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := c.bus.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.bus.opts.Client.Publish(ctx, broadcastKey(c.name), frame).Err(); err != nil {
		return errors.Wrapf(err, "publish %s", event)
	}
	return nil
}

func (c *Channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

func (c *Channel) OnPresenceSync(fn func()) {
	c.mu.Lock()
	c.onSync = append(c.onSync, fn)
	c.mu.Unlock()
}

func (c *Channel) PresenceState() map[string][]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]json.RawMessage, len(c.registry))
	if !c.joined {
		return out
	}
	for k, list := range c.registry {
		cp := make([]json.RawMessage, 0, len(list))
		for _, m := range list {
			cp = append(cp, append(json.RawMessage(nil), m...))
		}
		out[k] = cp
	}
	return out
}

// Unsubscribe снимает запись присутствия, закрывает подписку и сообщает Closed.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed, c.want, c.joined = true, false, false
	tracked := c.tracked != nil
	c.registry = map[string][]json.RawMessage{}
	pubsub, cancel := c.pubsub, c.cancel
	onStatus := c.onStatus
	c.onStatus = nil
	c.mu.Unlock()

	var err error
	if tracked {
		err = c.removeLease(ctx)
	}
	if pubsub != nil {
		cancel()
		if cerr := pubsub.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close pubsub")
		}
	}
	if onStatus != nil {
		onStatus(realtime.Closed)
	}
	return err
}

func (c *Channel) report(st realtime.SubscribeStatus) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *Channel) fireSync() {
	c.mu.Lock()
	fns := slices.Clone(c.onSync)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
