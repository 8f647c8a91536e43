package unread_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"clofri/internal/domain/unread"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeActivity struct {
	latest map[string]time.Time
	err    error
	userID string
}

func (f *fakeActivity) LatestActivity(_ context.Context, userID string, ids []string) (map[string]time.Time, error) {
	f.userID = userID
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]time.Time{}
	for _, id := range ids {
		if at, ok := f.latest[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

func TestReadMarkerRoundTrip(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	s, err := unread.New(unread.Options{Clock: clk})
	if err != nil {
		t.Fatal(err)
	}

	s.MarkRead("c")
	if s.IsUnread("c") {
		t.Fatal("IsUnread right after MarkRead = true")
	}
	s.RecomputeUnread("c", t0)
	if s.IsUnread("c") {
		t.Fatal("activity equal to marker flagged unread")
	}
	s.RecomputeUnread("c", t0.Add(-time.Minute))
	if s.IsUnread("c") {
		t.Fatal("older activity flagged unread")
	}
	s.RecomputeUnread("c", t0.Add(time.Millisecond))
	if !s.IsUnread("c") {
		t.Fatal("newer activity not flagged unread")
	}

	clk.Advance(time.Minute)
	s.MarkRead("c")
	if s.IsUnread("c") {
		t.Fatal("MarkRead did not clear flag")
	}
}

func TestRecomputeWithoutMarker(t *testing.T) {
	t.Parallel()

	s, err := unread.New(unread.Options{Clock: clock.NewFake(t0)})
	if err != nil {
		t.Fatal(err)
	}
	s.RecomputeUnread("fresh", time.Time{})
	if s.IsUnread("fresh") {
		t.Fatal("no activity and no marker flagged unread")
	}
	s.RecomputeUnread("fresh", t0.Add(-time.Hour))
	if !s.IsUnread("fresh") {
		t.Fatal("activity without marker not flagged unread")
	}
}

func TestCheckUnreadUsesExternalActivity(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	src := &fakeActivity{latest: map[string]time.Time{
		"a": t0.Add(time.Minute),
		"b": t0.Add(-time.Minute),
	}}
	s, err := unread.New(unread.Options{Clock: clk, Activity: src, UserID: "me"})
	if err != nil {
		t.Fatal(err)
	}
	s.MarkRead("a")
	s.MarkRead("b")
	// "c" создана локально: чужой активности нет, флага быть не должно.
	if err := s.CheckUnread(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	if got, want := s.Unread(), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Unread() = %v, want %v", got, want)
	}
	if src.userID != "me" {
		t.Fatalf("activity queried for %q, want me", src.userID)
	}

	src.err = errors.New("db down")
	if err := s.CheckUnread(context.Background(), []string{"a"}); err == nil {
		t.Fatal("CheckUnread() error = nil, want error")
	}
	if !s.IsUnread("a") {
		t.Fatal("failed check cleared existing flag")
	}
}

func TestCheckUnreadKeepsLiveFlagWithoutActivity(t *testing.T) {
	t.Parallel()

	s, err := unread.New(unread.Options{
		Clock:    clock.NewFake(t0),
		Activity: &fakeActivity{latest: map[string]time.Time{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.RecomputeUnread("dm1", t0)
	if err := s.CheckUnread(context.Background(), []string{"dm1"}); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread("dm1") {
		t.Fatal("flag from live notification cleared before the message was stored")
	}
}

func TestLiveActivityOutlivesStaleStoredActivity(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	src := &fakeActivity{latest: map[string]time.Time{"dm1": t0.Add(-time.Minute)}}
	s, err := unread.New(unread.Options{Clock: clk, Activity: src})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Первое сообщение прочитано.
	s.MarkRead("dm1")
	clk.Advance(time.Minute)

	// Живое уведомление о втором сообщении; в хранилище его ещё нет.
	s.RecomputeUnread("dm1", clk.Now())
	if err := s.CheckUnread(ctx, []string{"dm1"}); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread("dm1") {
		t.Fatal("stored activity older than the live one cleared the flag")
	}

	// Запись дошла до хранилища.
	src.latest["dm1"] = clk.Now().Add(-time.Second)
	if err := s.CheckUnread(ctx, []string{"dm1"}); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread("dm1") {
		t.Fatal("flag lost after the message was stored")
	}

	clk.Advance(time.Minute)
	s.MarkRead("dm1")
	if err := s.CheckUnread(ctx, []string{"dm1"}); err != nil {
		t.Fatal(err)
	}
	if s.IsUnread("dm1") {
		t.Fatal("read conversation flagged again by old activity")
	}
}

func TestForgetAndSubscribe(t *testing.T) {
	t.Parallel()

	s, err := unread.New(unread.Options{Clock: clock.NewFake(t0)})
	if err != nil {
		t.Fatal(err)
	}
	var seen [][]string
	cancel := s.Subscribe(func(ids []string) { seen = append(seen, ids) })

	s.RecomputeUnread("g1", t0)
	s.RecomputeUnread("g1", t0)
	s.Forget("g1")
	cancel()
	s.RecomputeUnread("g2", t0)

	want := [][]string{{"g1"}, {}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	if _, ok := s.LastRead("g1"); ok {
		t.Fatal("marker survived Forget")
	}
}

func TestMarkersPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bbolt")
	kv, err := storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := unread.New(unread.Options{KV: kv, Clock: clock.NewFake(t0)})
	if err != nil {
		t.Fatal(err)
	}
	s.MarkRead("dm1")
	s.MarkRead("dm2")
	s.Forget("dm2")
	_ = kv.Close()

	kv, err = storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	s, err = unread.New(unread.Options{KV: kv, Clock: clock.NewFake(t0.Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	at, ok := s.LastRead("dm1")
	if !ok || !at.Equal(t0) {
		t.Fatalf("LastRead(dm1) = %v, %v; want %v", at, ok, t0)
	}
	if _, ok := s.LastRead("dm2"); ok {
		t.Fatal("forgotten marker reloaded")
	}
	s.RecomputeUnread("dm1", t0.Add(time.Second))
	if !s.IsUnread("dm1") {
		t.Fatal("reloaded marker not used for recompute")
	}
}
