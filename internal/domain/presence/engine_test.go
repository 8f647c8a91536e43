package presence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clofri/internal/adapters/realtime/memory"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/realtime"
	"clofri/internal/infra/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	hub   *memory.Hub
	clock *clock.Fake
}

func newEnv() *env {
	return &env{hub: memory.NewHub(), clock: clock.NewFake(t0)}
}

func (e *env) engine(t *testing.T, userID string) *presence.Engine {
	t.Helper()
	eng := presence.NewEngine(e.hub.Client(userID), presence.Options{
		Clock:    e.clock,
		Settings: prefs.Open(nil),
	})
	t.Cleanup(eng.Leave)
	return eng
}

func (e *env) join(t *testing.T, userID string) *presence.Engine {
	t.Helper()
	eng := e.engine(t, userID)
	if err := eng.Join(context.Background(), presence.Identity{UserID: userID, DisplayName: userID}); err != nil {
		t.Fatalf("Join(%s) error = %v", userID, err)
	}
	return eng
}

func TestUnknownUserIsOffline(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.engine(t, "x")
	if got := x.Status("x"); got != presence.Offline {
		t.Fatalf("own status before join = %s, want offline", got)
	}
	if err := x.Join(context.Background(), presence.Identity{UserID: "x"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"ghost", "", "y"} {
		if got := x.Status(id); got != presence.Offline {
			t.Fatalf("Status(%q) = %s, want offline", id, got)
		}
	}
	if got := x.Status("x"); got != presence.Active {
		t.Fatalf("own status after join = %s, want active", got)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	pending := e.clock.Pending()
	if err := x.Join(context.Background(), presence.Identity{UserID: "x"}); err != nil {
		t.Fatal(err)
	}

	if got := e.hub.CountOps("x", memory.OpSubscribe); got != 1 {
		t.Fatalf("subscribe ops = %d, want 1", got)
	}
	if got := e.hub.CountOps("x", memory.OpTrack); got != 1 {
		t.Fatalf("track ops = %d, want 1", got)
	}
	if got := e.hub.Subscribers(realtime.LobbyChannel); got != 1 {
		t.Fatalf("lobby subscribers = %d, want 1", got)
	}
	if got := e.clock.Pending(); got != pending {
		t.Fatalf("pending timers = %d, want %d", got, pending)
	}
}

func TestLeaveIsTotal(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")
	if x.Status("y") != presence.Active || y.Status("x") != presence.Active {
		t.Fatal("peers do not see each other as active")
	}

	x.Leave()
	x.Leave()

	for _, id := range []string{"x", "y"} {
		if got := x.Status(id); got != presence.Offline {
			t.Fatalf("after leave Status(%s) = %s, want offline", id, got)
		}
	}
	if got := y.Status("x"); got != presence.Offline {
		t.Fatalf("peer view after leave = %s, want offline", got)
	}

	before := e.hub.CountOps("x", "")
	e.clock.Advance(30 * time.Minute)
	x.Touch()
	x.SetVisible(false)
	if got := e.hub.CountOps("x", ""); got != before {
		t.Fatalf("ops after leave = %d, want 0", got-before)
	}
	if err := x.Publish(context.Background(), realtime.EventNewDM, map[string]string{}); !errors.Is(err, presence.ErrNotJoined) {
		t.Fatalf("Publish() after leave error = %v, want ErrNotJoined", err)
	}
}

func TestIdleAfterTimeoutSeenByPeer(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")

	e.clock.Advance(presence.DefaultIdleTimeout - time.Second)
	if got := y.Status("x"); got != presence.Active {
		t.Fatalf("just before timeout peer sees %s, want active", got)
	}
	e.clock.Advance(time.Second)
	if got := y.Status("x"); got != presence.Idle {
		t.Fatalf("at timeout peer sees %s, want idle", got)
	}
	if got := x.OwnStatus(); got != presence.StatusIdle {
		t.Fatalf("own status = %s, want idle", got)
	}

	x.Touch()
	if got := y.Status("x"); got != presence.Active {
		t.Fatalf("after input peer sees %s, want active", got)
	}
}

func TestInputPostponesIdleDeadline(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")

	e.clock.Advance(4 * time.Minute)
	x.Touch()
	e.clock.Advance(4*time.Minute + 59*time.Second)
	if got := y.Status("x"); got != presence.Active {
		t.Fatalf("before postponed deadline peer sees %s, want active", got)
	}
	e.clock.Advance(time.Second)
	if got := y.Status("x"); got != presence.Idle {
		t.Fatalf("at postponed deadline peer sees %s, want idle", got)
	}
}

func TestHiddenTabIsIdleImmediately(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")

	e.clock.Advance(30 * time.Second)
	x.SetVisible(false)
	if got := y.Status("x"); got != presence.Idle {
		t.Fatalf("hidden: peer sees %s, want idle", got)
	}
	x.SetVisible(true)
	if got := y.Status("x"); got != presence.Active {
		t.Fatalf("visible again: peer sees %s, want active", got)
	}
}

func TestHeartbeatOnlyWhileActive(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	if got := e.hub.CountOps("x", memory.OpTrack); got != 1 {
		t.Fatalf("tracks after join = %d, want 1", got)
	}
	e.clock.Advance(presence.DefaultHeartbeatInterval)
	e.clock.Advance(presence.DefaultHeartbeatInterval)
	if got := e.hub.CountOps("x", memory.OpTrack); got != 3 {
		t.Fatalf("tracks after two heartbeats = %d, want 3", got)
	}

	x.SetVisible(false)
	before := e.hub.CountOps("x", memory.OpTrack)
	e.clock.Advance(10 * time.Minute)
	if got := e.hub.CountOps("x", memory.OpTrack); got != before {
		t.Fatalf("tracks while idle = %d, want %d", got, before)
	}
}

func TestStaleActivePeerIsIdle(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")

	ghost := e.hub.Client("z").Channel(realtime.LobbyChannel, realtime.ChannelOptions{PresenceKey: "z"})
	if err := ghost.Subscribe(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	rec := presence.Record{UserID: "z", DisplayName: "Z", Status: presence.StatusActive, LastActive: t0}
	if err := ghost.Track(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if got := x.Status("z"); got != presence.Active {
		t.Fatalf("fresh record = %s, want active", got)
	}
	// Z больше не шлёт heartbeat: через порог запись считается idle.
	e.clock.Advance(presence.DefaultStaleThreshold + time.Second)
	if got := x.Status("z"); got != presence.Idle {
		t.Fatalf("stale record = %s, want idle", got)
	}
}

func TestFirstRecordPerKeyWinsAndMalformedIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	ctx := context.Background()

	first := e.hub.Client("w1").Channel(realtime.LobbyChannel, realtime.ChannelOptions{PresenceKey: "w"})
	second := e.hub.Client("w2").Channel(realtime.LobbyChannel, realtime.ChannelOptions{PresenceKey: "w"})
	broken := e.hub.Client("b").Channel(realtime.LobbyChannel, realtime.ChannelOptions{PresenceKey: "b"})
	for _, ch := range []realtime.Channel{first, second, broken} {
		if err := ch.Subscribe(ctx, nil); err != nil {
			t.Fatal(err)
		}
	}
	_ = first.Track(ctx, presence.Record{UserID: "w", DisplayName: "first tab", Status: presence.StatusActive, LastActive: t0})
	_ = second.Track(ctx, presence.Record{UserID: "w", DisplayName: "second tab", Status: presence.StatusIdle, LastActive: t0})
	_ = broken.Track(ctx, "not a record")

	var found bool
	for _, u := range x.Users() {
		if u.UserID == "b" {
			t.Fatal("malformed record surfaced in users")
		}
		if u.UserID == "w" {
			found = true
			if u.DisplayName != "first tab" || u.Status != presence.Active {
				t.Fatalf("user w = %+v, want first tab active", u)
			}
		}
	}
	if !found {
		t.Fatal("user w not visible")
	}
}

func TestDisconnectClearsAndReconnectRetracks(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")

	e.hub.Drop("x")
	if got := x.Status("y"); got != presence.Offline {
		t.Fatalf("dropped client sees peer %s, want offline", got)
	}
	if got := y.Status("x"); got != presence.Offline {
		t.Fatalf("peer sees dropped client %s, want offline", got)
	}
	if x.Snapshot().Subscribed {
		t.Fatal("snapshot subscribed after drop")
	}

	// Без подписки heartbeat не идёт.
	before := e.hub.CountOps("x", memory.OpTrack)
	e.clock.Advance(2 * presence.DefaultHeartbeatInterval)
	if got := e.hub.CountOps("x", memory.OpTrack); got != before {
		t.Fatalf("tracks while dropped = %d, want %d", got, before)
	}

	e.hub.Restore("x")
	if got := y.Status("x"); got != presence.Active {
		t.Fatalf("after restore peer sees %s, want active", got)
	}
	if got := x.Status("y"); got != presence.Active {
		t.Fatalf("after restore client sees peer %s, want active", got)
	}
}

func TestSettingsRepublished(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")
	ctx := context.Background()

	msg := "in a meeting"
	if err := x.SetStatusMessage(ctx, &msg); err != nil {
		t.Fatal(err)
	}
	if got, ok := y.StatusMessage("x"); !ok || got != msg {
		t.Fatalf("peer StatusMessage = %q, %v; want %q", got, ok, msg)
	}
	if _, ok := y.AutoReplyFor("x"); ok {
		t.Fatal("AutoReplyFor before enabling = ok")
	}
	if err := x.SetAutoReply(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got, ok := y.AutoReplyFor("x"); !ok || got != msg {
		t.Fatalf("AutoReplyFor = %q, %v; want %q", got, ok, msg)
	}

	if err := x.SetStatusMessage(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := y.StatusMessage("x"); ok {
		t.Fatal("status message still visible after clearing")
	}
}

func TestProfileChangeRepublished(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.join(t, "x")
	y := e.join(t, "y")

	if err := x.SetProfile(context.Background(), "Xavier", "https://img/x.png"); err != nil {
		t.Fatal(err)
	}
	var got presence.UserView
	for _, u := range y.Users() {
		if u.UserID == "x" {
			got = u
		}
	}
	if got.DisplayName != "Xavier" || got.AvatarURL != "https://img/x.png" {
		t.Fatalf("peer view of x = %+v", got)
	}
	if got.Status != presence.Active {
		t.Fatalf("status after profile change = %s, want active", got.Status)
	}
}

func TestLobbyBindingsAndSubscribers(t *testing.T) {
	t.Parallel()

	e := newEnv()
	x := e.engine(t, "x")
	var got []string
	x.Bind(realtime.EventFriendRequest, func(raw json.RawMessage) { got = append(got, string(raw)) })

	snaps := 0
	cancel := x.Subscribe(func(presence.Snapshot) { snaps++ })
	defer cancel()

	if err := x.Join(context.Background(), presence.Identity{UserID: "x"}); err != nil {
		t.Fatal(err)
	}
	y := e.join(t, "y")
	if err := y.Publish(context.Background(), realtime.EventFriendRequest, map[string]string{"recipient_id": "x"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != `{"recipient_id":"x"}` {
		t.Fatalf("bound handler got %v", got)
	}
	if snaps == 0 {
		t.Fatal("subscriber never notified")
	}
}
