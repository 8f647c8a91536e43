package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"clofri/internal/adapters/realtime/memory"
	"clofri/internal/domain/model"
	"clofri/internal/domain/notify"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/realtime"
	"clofri/internal/domain/unread"
	"clofri/internal/infra/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingSound struct {
	mu sync.Mutex
	n  int
}

func (s *countingSound) Play() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *countingSound) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type fakeRefresher struct {
	mu     sync.Mutex
	calls  map[string]int
	failDM error
}

func newRefresher() *fakeRefresher { return &fakeRefresher{calls: map[string]int{}} }

func (f *fakeRefresher) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeRefresher) RefreshDMSessions(context.Context) error {
	f.hit("dm")
	return f.failDM
}

func (f *fakeRefresher) RefreshGroups(context.Context) error {
	f.hit("groups")
	return nil
}

func (f *fakeRefresher) RefreshFriends(context.Context) error {
	f.hit("friends")
	return nil
}

func (f *fakeRefresher) snapshot() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

type fixture struct {
	router    *notify.Router
	view      *notify.CurrentView
	unread    *unread.Store
	sound     *countingSound
	refresher *fakeRefresher
}

func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()
	u, err := unread.New(unread.Options{Clock: clock.NewFake(t0)})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		view:      &notify.CurrentView{},
		unread:    u,
		sound:     &countingSound{},
		refresher: newRefresher(),
	}
	f.router = notify.New(notify.Options{
		UserID:    userID,
		Viewing:   f.view,
		Unread:    f.unread,
		Sound:     f.sound,
		Refresher: f.refresher,
		Clock:     clock.NewFake(t0.Add(time.Minute)),
	})
	t.Cleanup(f.router.Close)
	return f
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDirectMessageWhileElsewhere(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub()
	clk := clock.NewFake(t0)
	a := presence.NewEngine(hub.Client("a"), presence.Options{Clock: clk})
	b := presence.NewEngine(hub.Client("b"), presence.Options{Clock: clk})
	t.Cleanup(a.Leave)
	t.Cleanup(b.Leave)

	f := newFixture(t, "b")
	f.router.Attach(b)
	f.view.Set(model.Group, "some-group")

	ctx := context.Background()
	if err := b.Join(ctx, presence.Identity{UserID: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Join(ctx, presence.Identity{UserID: "a"}); err != nil {
		t.Fatal(err)
	}
	payload := notify.NewDM{ReceiverID: "b", SessionID: "s1", SenderID: "a", SenderName: "A"}
	if err := a.Publish(ctx, realtime.EventNewDM, payload); err != nil {
		t.Fatal(err)
	}
	f.router.Wait()

	if got := f.unread.Unread(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("Unread() = %v, want [s1]", got)
	}
	if got := f.sound.count(); got != 1 {
		t.Fatalf("sounds = %d, want 1", got)
	}
	if got := f.refresher.snapshot()["dm"]; got != 1 {
		t.Fatalf("dm refreshes = %d, want 1", got)
	}
}

func TestDirectMessageWhileViewing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	f.view.Set(model.Direct, "s1")
	f.router.Handle(realtime.EventNewDM, mustJSON(t, notify.NewDM{ReceiverID: "b", SessionID: "s1", SenderID: "a"}))
	f.router.Wait()

	if got := f.unread.Unread(); len(got) != 0 {
		t.Fatalf("Unread() = %v, want empty", got)
	}
	if got := f.sound.count(); got != 0 {
		t.Fatalf("sounds = %d, want 0", got)
	}
	if got := f.refresher.snapshot()["dm"]; got != 1 {
		t.Fatalf("dm refreshes = %d, want 1 (unconditional)", got)
	}
}

func TestDispatchTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		event       string
		payload     any
		wantUnread  []string
		wantSounds  int
		wantRefresh map[string]int
	}{
		{
			name:        "dm for someone else",
			event:       realtime.EventNewDM,
			payload:     notify.NewDM{ReceiverID: "other", SessionID: "s1", SenderID: "a"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
		{
			name:        "own dm echo",
			event:       realtime.EventNewDM,
			payload:     notify.NewDM{ReceiverID: "me", SessionID: "s1", SenderID: "me"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
		{
			name:        "dm session ended",
			event:       realtime.EventDMSessionEnded,
			payload:     notify.DMSessionEnded{OtherPartyID: "me", SessionID: "s1"},
			wantUnread:  []string{},
			wantSounds:  1,
			wantRefresh: map[string]int{"dm": 1},
		},
		{
			name:        "dm session ended for someone else",
			event:       realtime.EventDMSessionEnded,
			payload:     notify.DMSessionEnded{OtherPartyID: "x", SessionID: "s1"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
		{
			name:        "group message for member",
			event:       realtime.EventNewGroupMessage,
			payload:     notify.NewGroupMessage{GroupID: "g1", MemberIDs: []string{"x", "me"}, SenderID: "a"},
			wantUnread:  []string{"g1"},
			wantSounds:  1,
			wantRefresh: map[string]int{},
		},
		{
			name:        "group message for non member",
			event:       realtime.EventNewGroupMessage,
			payload:     notify.NewGroupMessage{GroupID: "g1", MemberIDs: []string{"x"}, SenderID: "a"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
		{
			name:        "group message while viewing",
			event:       realtime.EventNewGroupMessage,
			payload:     notify.NewGroupMessage{GroupID: "viewed", MemberIDs: []string{"me"}, SenderID: "a"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
		{
			name:        "group ended",
			event:       realtime.EventGroupSessionEnded,
			payload:     notify.GroupSessionEnded{GroupID: "g1", MemberIDs: []string{"me"}},
			wantUnread:  []string{},
			wantSounds:  1,
			wantRefresh: map[string]int{"groups": 1},
		},
		{
			name:        "friend request",
			event:       realtime.EventFriendRequest,
			payload:     notify.FriendRequest{RecipientID: "me", SenderID: "a"},
			wantUnread:  []string{},
			wantSounds:  1,
			wantRefresh: map[string]int{"friends": 1},
		},
		{
			name:        "friend request for someone else",
			event:       realtime.EventFriendRequest,
			payload:     notify.FriendRequest{RecipientID: "x"},
			wantUnread:  []string{},
			wantRefresh: map[string]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "me")
			f.view.Set(model.Group, "viewed")
			f.router.Handle(tt.event, mustJSON(t, tt.payload))
			f.router.Wait()

			if got := f.unread.Unread(); !reflect.DeepEqual(got, tt.wantUnread) {
				t.Fatalf("Unread() = %v, want %v", got, tt.wantUnread)
			}
			if got := f.sound.count(); got != tt.wantSounds {
				t.Fatalf("sounds = %d, want %d", got, tt.wantSounds)
			}
			if got := f.refresher.snapshot(); !reflect.DeepEqual(got, tt.wantRefresh) {
				t.Fatalf("refreshes = %v, want %v", got, tt.wantRefresh)
			}
		})
	}
}

func TestMalformedPayloadsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "me")
	cases := []struct {
		event string
		raw   string
	}{
		{realtime.EventNewDM, `{`},
		{realtime.EventNewDM, `[]`},
		{realtime.EventNewDM, `{"receiver_id":"me"}`},
		{realtime.EventNewGroupMessage, `{"member_ids":"me"}`},
		{realtime.EventGroupSessionEnded, `null`},
		{realtime.EventFriendRequest, ``},
		{"mystery", `{"recipient_id":"me"}`},
	}
	for _, c := range cases {
		f.router.Handle(c.event, json.RawMessage(c.raw))
	}
	f.router.Wait()

	if got := f.sound.count(); got != 0 {
		t.Fatalf("sounds = %d, want 0", got)
	}
	if got := f.refresher.snapshot(); len(got) != 0 {
		t.Fatalf("refreshes = %v, want none", got)
	}
}

func TestFailedRefreshDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "me")
	f.refresher.failDM = errors.New("db down")

	f.router.Handle(realtime.EventDMSessionEnded, mustJSON(t, notify.DMSessionEnded{OtherPartyID: "me", SessionID: "s"}))
	f.router.Handle(realtime.EventFriendRequest, mustJSON(t, notify.FriendRequest{RecipientID: "me"}))
	f.router.Handle(realtime.EventNewGroupMessage, mustJSON(t, notify.NewGroupMessage{GroupID: "g", MemberIDs: []string{"me"}}))
	f.router.Wait()

	want := map[string]int{"dm": 1, "friends": 1}
	if got := f.refresher.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("refreshes = %v, want %v", got, want)
	}
	if !f.unread.IsUnread("g") {
		t.Fatal("group message after failed refresh not flagged")
	}
	if got := f.sound.count(); got != 3 {
		t.Fatalf("sounds = %d, want 3", got)
	}
}

func TestClosedRouterIgnoresEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "me")
	f.router.Close()
	f.router.Handle(realtime.EventFriendRequest, mustJSON(t, notify.FriendRequest{RecipientID: "me"}))
	if got := f.sound.count(); got != 0 {
		t.Fatalf("sounds after Close = %d, want 0", got)
	}
}
