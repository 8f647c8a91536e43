package phoenix

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Channel — handle топика realtime:<name>.
type Channel struct {
	sock  *Socket
	name  string
	topic string
	key   string

	mu        sync.Mutex
	handlers  map[string][]func(json.RawMessage)
	onSync    []func()
	onStatus  func(realtime.SubscribeStatus)
	want      bool
	joined    bool
	closed    bool
	joinRef   string
	joinTimer *time.Timer
	presence  *presenceSet
}

var _ realtime.Channel = (*Channel)(nil)

func newChannel(s *Socket, name, key string) *Channel {
	return &Channel{
		sock:     s,
		name:     name,
		topic:    topicPrefix + name,
		key:      key,
		handlers: make(map[string][]func(json.RawMessage)),
		presence: newPresenceSet(),
	}
}

func (c *Channel) Name() string { return c.name }

// Subscribe отправляет phx_join (или откладывает его до подключения).
// Результат приходит в onStatus.
func (c *Channel) Subscribe(_ context.Context, onStatus func(realtime.SubscribeStatus)) error {
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
	c.mu.Unlock()

	if c.sock.connected() {
		c.join()
	}
	return nil
}

func (c *Channel) join() {
	ref := c.sock.nextRef()
	c.mu.Lock()
	c.joinRef = ref
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.joinTimer = time.AfterFunc(c.sock.opts.JoinTimeout, func() { c.joinTimedOut(ref) })
	c.mu.Unlock()

	payload := newJoinPayload(c.key, c.sock.opts.Token)
	if err := c.sock.write(c.topic, eventJoin, payload, ref, ref); err != nil {
		logger.Warn("phoenix: join failed", zap.String("channel", c.name), zap.Error(err))
	}
}

func (c *Channel) joinTimedOut(ref string) {
	c.mu.Lock()
	if c.joinRef != ref || c.joined || !c.want {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	logger.Warn("phoenix: join timed out", zap.String("channel", c.name))
	c.report(realtime.TimedOut)
}

func (c *Channel) Track(ctx context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal presence")
	}
	return c.push(ctx, eventPresence, presencePayload{Type: eventPresence, Event: "track", Payload: raw}, false)
}

func (c *Channel) Untrack(ctx context.Context) error {
	return c.push(ctx, eventPresence, presencePayload{Type: eventPresence, Event: "untrack"}, false)
}

// Send рассылает событие; ждёт токен общего лимитера.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	return c.push(ctx, eventBroadcast, broadcastPayload{Type: eventBroadcast, Event: event, Payload: raw}, true)
}

func (c *Channel) push(ctx context.Context, event string, payload any, limited bool) error {
	c.mu.Lock()
	joined, joinRef := c.joined, c.joinRef
	c.mu.Unlock()
	if !joined {
		return errors.Wrap(realtime.ErrUnsubscribed, c.name)
	}
	if limited {
		if err := c.sock.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.sock.write(c.topic, event, payload, c.sock.nextRef(), joinRef)
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
	if !c.joined {
		return map[string][]json.RawMessage{}
	}
	return c.presence.snapshot()
}

// Unsubscribe отправляет phx_leave и освобождает топик; handle не переиспользуется.
func (c *Channel) Unsubscribe(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasJoined := c.joined
	c.closed, c.want, c.joined = true, false, false
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.presence.reset()
	joinRef := c.joinRef
	onStatus := c.onStatus
	c.onStatus = nil
	c.mu.Unlock()

	c.sock.forget(c)
	var err error
	if wasJoined {
		err = c.sock.write(c.topic, eventLeave, struct{}{}, c.sock.nextRef(), joinRef)
		if errors.Is(err, errNotConnected) {
			err = nil
		}
	}
	if onStatus != nil {
		onStatus(realtime.Closed)
	}
	return err
}

// handle разбирает входящий кадр топика.
func (c *Channel) handle(msg message) {
	switch msg.Event {
	case eventReply:
		c.onReply(msg)
	case eventBroadcast:
		var b broadcastPayload
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			logger.Warn("phoenix: malformed broadcast", zap.String("channel", c.name), zap.Error(err))
			return
		}
		c.mu.Lock()
		fns := slices.Clone(c.handlers[b.Event])
		joined := c.joined
		c.mu.Unlock()
		if !joined {
			return
		}
		for _, fn := range fns {
			fn(b.Payload)
		}
	case eventPresenceState, eventPresenceDiff:
		c.mu.Lock()
		var err error
		if msg.Event == eventPresenceState {
			err = c.presence.syncState(msg.Payload)
		} else {
			err = c.presence.syncDiff(msg.Payload)
		}
		c.mu.Unlock()
		if err != nil {
			logger.Warn("phoenix: malformed presence", zap.String("channel", c.name), zap.Error(err))
			return
		}
		c.fireSync()
	case eventError:
		logger.Warn("phoenix: channel error", zap.String("channel", c.name), zap.ByteString("payload", msg.Payload))
		c.lost(realtime.ChannelError)
		c.rejoinLater()
	case eventClose:
		c.lost(realtime.Closed)
	}
}

func (c *Channel) onReply(msg message) {
	var reply replyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return
	}
	c.mu.Lock()
	if msg.Ref != c.joinRef || !c.want {
		c.mu.Unlock()
		return
	}
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	ok := reply.Status == "ok"
	c.joined = ok
	c.mu.Unlock()

	if !ok {
		logger.Warn("phoenix: join rejected", zap.String("channel", c.name), zap.ByteString("response", reply.Response))
		c.report(realtime.ChannelError)
		return
	}
	logger.Debug("phoenix: joined", zap.String("channel", c.name))
	c.report(realtime.Subscribed)
	c.fireSync()
}

// lost снимает подписку и очищает реестр; handle остаётся желающим join.
func (c *Channel) lost(st realtime.SubscribeStatus) {
	c.mu.Lock()
	if !c.joined && st != realtime.TimedOut {
		c.mu.Unlock()
		return
	}
	c.joined = false
	c.presence.reset()
	c.mu.Unlock()
	c.report(st)
	c.fireSync()
}

// rejoinLater повторяет phx_join после паузы, если соединение живо.
func (c *Channel) rejoinLater() {
	time.AfterFunc(c.sock.opts.JoinTimeout/2, func() {
		if c.wantsJoin() && !c.isJoined() && c.sock.connected() {
			c.join()
		}
	})
}

func (c *Channel) dropped() {
	c.mu.Lock()
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.mu.Unlock()
	c.lost(realtime.Closed)
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

func (c *Channel) wantsJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.want
}

func (c *Channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}
