package redisbus

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"sort"
	"testing"
	"time"

	"clofri/internal/domain/realtime"
)

func TestGroupLeases(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	mk := func(key, state string, expires time.Time) string {
		raw, _ := json.Marshal(lease{Key: key, State: json.RawMessage(state), ExpiresAt: expires})
		return string(raw)
	}
	fields := map[string]string{
		"h1": mk("alice", `{"s":1}`, now.Add(time.Second)),
		"h2": mk("alice", `{"s":2}`, now.Add(time.Minute)),
		"h3": mk("bob", `{"s":3}`, now),
		"h4": "garbage",
	}
	registry, stale := groupLeases(fields, now)
	sort.Strings(stale)
	if want := []string{"h3", "h4"}; !reflect.DeepEqual(stale, want) {
		t.Fatalf("stale = %v, want %v", stale, want)
	}
	if len(registry) != 1 || len(registry["alice"]) != 2 {
		t.Fatalf("registry = %v", registry)
	}
	if string(registry["alice"][0]) != `{"s":1}` {
		t.Fatalf("entries must follow field order: %s", registry["alice"][0])
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	if got := broadcastKey("lobby"); got != "clofri:broadcast:lobby" {
		t.Fatalf("broadcastKey = %q", got)
	}
	if got := presenceKey("group:g1"); got != "clofri:presence:group:g1" {
		t.Fatalf("presenceKey = %q", got)
	}
}

// TestBusAgainstRedis работает с живым Redis из REDIS_TEST_URL.
func TestBusAgainstRedis(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL is not set")
	}
	ctx := context.Background()
	client, err := Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	bus := New(Options{Client: client, RPS: 100})

	name := "test-" + time.Now().Format("150405.000000")
	subscribe := func(key string) (realtime.Channel, chan realtime.SubscribeStatus) {
		ch := bus.Channel(name, realtime.ChannelOptions{PresenceKey: key})
		st := make(chan realtime.SubscribeStatus, 4)
		if err := ch.Subscribe(ctx, func(s realtime.SubscribeStatus) { st <- s }); err != nil {
			t.Fatal(err)
		}
		return ch, st
	}
	a, aSt := subscribe("a")
	b, bSt := subscribe("b")
	for _, st := range []chan realtime.SubscribeStatus{aSt, bSt} {
		select {
		case s := <-st:
			if s != realtime.Subscribed {
				t.Fatalf("status = %s", s)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no subscribe confirmation")
		}
	}

	got := make(chan json.RawMessage, 1)
	b.OnBroadcast("ping", func(p json.RawMessage) { got <- p })
	a.OnBroadcast("ping", func(json.RawMessage) { t.Error("sender must not receive its own broadcast") })
	if err := a.Send(ctx, "ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if string(p) != `{"n":1}` {
			t.Fatalf("payload = %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	if err := a.Track(ctx, map[string]string{"status": "active"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := b.PresenceState()["a"]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("presence of a not visible to b")
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = a.Unsubscribe(ctx)
	_ = b.Unsubscribe(ctx)
}
