// Package redisbus — realtime-транспорт для self-hosted развёртывания на Redis.
//
// Broadcast идёт через Redis Pub/Sub. Реестр присутствия канала — hash
// clofri:presence:<канал>, где каждое поле принадлежит одному handle и
// хранит состояние с арендой (expires_at). Аренду продлевает сам транспорт;
// просроченные записи удаляются при синхронизации. Об изменениях реестра
// подписчики узнают из служебного канала clofri:presence-sync:<канал>.
package redisbus

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/metrics"
	"clofri/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL = 30 * time.Second
	backendLabel    = "redis"
	keyPrefix       = "clofri:"
)

// Options — параметры шины.
type Options struct {
	Client *redis.Client
	// LeaseTTL — срок аренды записи присутствия; продлевается каждые LeaseTTL/3.
	LeaseTTL time.Duration
	RPS      int
	// Now — источник времени для аренды (по умолчанию time.Now).
	Now func() time.Time
}

// Bus — транспорт поверх одного клиента Redis. Реализует realtime.Transport.
type Bus struct {
	opts    Options
	limiter *throttle.Throttler
}

var _ realtime.Transport = (*Bus)(nil)

// Dial разбирает REDIS_URL, создаёт клиента и проверяет соединение.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// New создаёт шину.
func New(opts Options) *Bus {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		opts: opts,
		limiter: throttle.New(opts.RPS, throttle.WithObserver(func(d time.Duration) {
			metrics.BroadcastWait.Observe(d.Seconds())
		})),
	}
}

// Channel создаёт новый независимый handle.
func (b *Bus) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	return newChannel(b, name, opts.PresenceKey)
}

func broadcastKey(name string) string { return keyPrefix + "broadcast:" + name }
func presenceKey(name string) string  { return keyPrefix + "presence:" + name }
func syncKey(name string) string      { return keyPrefix + "presence-sync:" + name }

// envelope — сообщение в канале broadcast.
type envelope struct {
	Sender  string          `json:"sender"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// lease — значение поля реестра.
type lease struct {
	Key       string          `json:"key"`
	State     json.RawMessage `json:"state"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// groupLeases раскладывает поля hash по ключам присутствия. Просроченные и
// нечитаемые поля возвращаются отдельно для удаления.
func groupLeases(fields map[string]string, now time.Time) (map[string][]json.RawMessage, []string) {
	out := make(map[string][]json.RawMessage)
	var stale []string
	for _, field := range slices.Sorted(maps.Keys(fields)) {
		raw := fields[field]
		var l lease
		if err := json.Unmarshal([]byte(raw), &l); err != nil || !now.Before(l.ExpiresAt) {
			stale = append(stale, field)
			continue
		}
		out[l.Key] = append(out[l.Key], l.State)
	}
	return out, stale
}
