package commands_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clofri/internal/adapters/memstore"
	"clofri/internal/adapters/realtime/memory"
	"clofri/internal/domain/chat"
	"clofri/internal/domain/commands"
	"clofri/internal/domain/model"
	"clofri/internal/domain/notify"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/roster"
	"clofri/internal/domain/unread"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/storage"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type client struct {
	exec   *commands.CommandExecutor
	view   *notify.CurrentView
	unread *unread.Store
	router *notify.Router
	roster *roster.Roster
}

type env struct {
	hub   *memory.Hub
	clock *clock.Fake
	store *memstore.Store
}

func newEnv() *env {
	e := &env{hub: memory.NewHub(), clock: clock.NewFake(t0)}
	e.store = memstore.New(e.clock)
	e.store.PutProfile(model.Profile{ID: "a", DisplayName: "Alice", FriendCode: "ALICE1"})
	e.store.PutProfile(model.Profile{ID: "b", DisplayName: "Bob", FriendCode: "BOB222"})
	return e
}

func (e *env) connect(t *testing.T, id, name string) *client {
	t.Helper()
	ctx := context.Background()
	kv, err := storage.OpenKV(t.TempDir() + "/state.bbolt")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	ident := presence.Identity{UserID: id, DisplayName: name}
	p := prefs.Open(kv)
	engine := presence.NewEngine(e.hub.Client(id), presence.Options{Clock: e.clock, Settings: p})
	u, err := unread.New(unread.Options{KV: kv, Clock: e.clock, Activity: e.store, UserID: id})
	if err != nil {
		t.Fatal(err)
	}
	r := roster.New(roster.Options{Store: e.store, Unread: u, Lobby: engine, Identity: ident, Clock: e.clock})
	view := &notify.CurrentView{}
	router := notify.New(notify.Options{UserID: id, Viewing: view, Unread: u, Refresher: r, Clock: e.clock})
	router.Attach(engine)
	if err := engine.Join(ctx, ident); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	exec := commands.NewExecutor(commands.Deps{
		Identity:   ident,
		Presence:   engine,
		Unread:     u,
		Roster:     r,
		View:       view,
		Prefs:      p,
		Categories: prefs.OpenCategories(kv),
		Profiles:   e.store,
		Chat:       chat.Deps{Transport: e.hub.Client(id), Messages: e.store, Clock: e.clock},
	})
	t.Cleanup(func() {
		exec.Close()
		r.Stop()
		router.Close()
		engine.Leave()
	})
	return &client{exec: exec, view: view, unread: u, router: router, roster: r}
}

// dmBetween создаёт личную сессию a->b и обновляет списки обоих.
func dmBetween(t *testing.T, a, b *client) model.DMSession {
	t.Helper()
	ctx := context.Background()
	s, err := a.exec.StartDM(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.exec.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	return *s
}

func TestChatCommandsRequireOpenConversation(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	ctx := context.Background()

	if _, err := a.exec.Send(ctx, "hi"); !errors.Is(err, commands.ErrNoChat) {
		t.Fatalf("Send err = %v", err)
	}
	if err := a.exec.Typing(ctx); !errors.Is(err, commands.ErrNoChat) {
		t.Fatalf("Typing err = %v", err)
	}
	if err := a.exec.CloseChat(ctx); !errors.Is(err, commands.ErrNoChat) {
		t.Fatalf("CloseChat err = %v", err)
	}
	if _, err := a.exec.Chat(ctx); !errors.Is(err, commands.ErrNoChat) {
		t.Fatalf("Chat err = %v", err)
	}
}

func TestOpenTracksViewAndSuppressesUnread(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()
	dm := dmBetween(t, a, b)

	res, err := b.exec.Open(ctx, model.Direct, dm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conversation.ID != dm.ID || !res.Subscribed {
		t.Fatalf("open result = %+v", res)
	}
	if kind, id := b.view.Current(); kind != model.Direct || id != dm.ID {
		t.Fatalf("view = %s/%s", kind, id)
	}
	if _, err := a.exec.Open(ctx, model.Direct, dm.ID); err != nil {
		t.Fatal(err)
	}

	e.clock.Advance(time.Second)
	if _, err := a.exec.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	b.router.Wait()
	if b.unread.IsUnread(dm.ID) {
		t.Fatal("conversation being viewed must not become unread")
	}
	got, err := b.exec.Chat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text != "hello" {
		t.Fatalf("messages = %+v", got.Messages)
	}

	if err := b.exec.CloseChat(ctx); err != nil {
		t.Fatal(err)
	}
	if kind, id := b.view.Current(); kind != "" || id != "" {
		t.Fatalf("view after close = %s/%s", kind, id)
	}

	e.clock.Advance(time.Second)
	if _, err := a.exec.Send(ctx, "still there?"); err != nil {
		t.Fatal(err)
	}
	b.router.Wait()
	if !b.unread.IsUnread(dm.ID) {
		t.Fatal("closed conversation should become unread")
	}
	lists, err := b.exec.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.DMSessions) != 1 || !lists.DMSessions[0].Unread {
		t.Fatalf("dm list = %+v", lists.DMSessions)
	}
	if lists.DMSessions[0].FriendStatus != presence.Active {
		t.Fatalf("friend status = %s", lists.DMSessions[0].FriendStatus)
	}
}

func TestWatchStreamsChatState(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()
	dm := dmBetween(t, a, b)

	var (
		mu    sync.Mutex
		texts []string
	)
	cancel := b.exec.Watch(func(ev commands.Event) {
		if ev.Type != commands.EventChat {
			return
		}
		res, ok := ev.Data.(commands.ChatResult)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if n := len(res.Messages); n > 0 {
			texts = append(texts, res.Messages[n-1].Text)
		}
	})
	defer cancel()

	if _, err := b.exec.Open(ctx, model.Direct, dm.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := a.exec.Open(ctx, model.Direct, dm.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := a.exec.Send(ctx, "ping"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) == 0 || texts[len(texts)-1] != "ping" {
		t.Fatalf("chat events = %v", texts)
	}
}

func TestEndDMClosesOpenConversation(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()
	dm := dmBetween(t, a, b)

	if _, err := a.exec.Open(ctx, model.Direct, dm.ID); err != nil {
		t.Fatal(err)
	}
	if err := a.exec.EndDM(ctx, dm.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := a.exec.Chat(ctx); !errors.Is(err, commands.ErrNoChat) {
		t.Fatalf("chat after end = %v", err)
	}
	b.router.Wait()
	lists, err := b.exec.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.DMSessions) != 0 {
		t.Fatalf("peer still lists %+v", lists.DMSessions)
	}
}

func TestStatusReflectsSettings(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	ctx := context.Background()

	msg := "brb"
	if err := a.exec.SetStatusMessage(ctx, &msg); err != nil {
		t.Fatal(err)
	}
	if err := a.exec.SetAutoReply(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := a.exec.SetSound(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := a.exec.SetVisible(ctx, false); err != nil {
		t.Fatal(err)
	}

	st, err := a.exec.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Joined || !st.Subscribed {
		t.Fatalf("status = %+v", st)
	}
	if st.StatusMessage == nil || *st.StatusMessage != "brb" || !st.AutoReply || st.SoundEnabled {
		t.Fatalf("settings = %+v", st)
	}
	if st.OwnStatus != presence.StatusIdle {
		t.Fatalf("own status = %s", st.OwnStatus)
	}

	who, err := a.exec.Whoami(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if who.UserID != "a" || who.FriendCode != "ALICE1" {
		t.Fatalf("whoami = %+v", who)
	}
}

func TestUpdateProfileRepublishesPresence(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()

	empty := "  "
	if _, err := a.exec.UpdateProfile(ctx, model.ProfileUpdate{DisplayName: &empty}); !errors.Is(err, commands.ErrEmptyProfileName) {
		t.Fatalf("empty name err = %v", err)
	}

	name, avatar := " Alicia ", "https://img/a.png"
	p, err := a.exec.UpdateProfile(ctx, model.ProfileUpdate{DisplayName: &name, AvatarURL: &avatar})
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Alicia" || p.AvatarURL != avatar {
		t.Fatalf("profile = %+v", p)
	}

	users, err := b.exec.Users(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var seen presence.UserView
	for _, u := range users.Users {
		if u.UserID == "a" {
			seen = u
		}
	}
	if seen.DisplayName != "Alicia" || seen.AvatarURL != avatar {
		t.Fatalf("b sees a as %+v", seen)
	}

	who, err := a.exec.Whoami(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if who.DisplayName != "Alicia" || who.AvatarURL != avatar {
		t.Fatalf("whoami = %+v", who)
	}
	stored, err := e.store.Profile(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if stored.DisplayName != "Alicia" {
		t.Fatalf("stored profile = %+v", stored)
	}
}

func TestKickMemberDropsGroupForKicked(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()

	g, err := a.exec.CreateGroup(ctx, "book club")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.exec.JoinGroup(ctx, g.InviteCode); err != nil {
		t.Fatal(err)
	}
	if err := b.exec.KickMember(ctx, g.ID, "a"); !errors.Is(err, roster.ErrNotCreator) {
		t.Fatalf("kick by member err = %v", err)
	}
	if err := a.exec.KickMember(ctx, g.ID, "b"); err != nil {
		t.Fatal(err)
	}
	b.router.Wait()

	lists, err := b.exec.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.Groups) != 0 {
		t.Fatalf("kicked member still lists %+v", lists.Groups)
	}
	lists, err = a.exec.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.Groups) != 1 || len(lists.Groups[0].MemberIDs) != 1 {
		t.Fatalf("creator groups = %+v", lists.Groups)
	}
}

func TestCategoriesInLists(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events int
	)
	cancel := a.exec.Watch(func(ev commands.Event) {
		if ev.Type == commands.EventLists {
			mu.Lock()
			events++
			mu.Unlock()
		}
	})
	defer cancel()

	cat, err := a.exec.AddCategory(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.exec.AssignFriend(ctx, "f1", cat.ID); err != nil {
		t.Fatal(err)
	}
	if err := a.exec.AssignFriend(ctx, "f1", "nope"); !errors.Is(err, prefs.ErrCategoryNotFound) {
		t.Fatalf("assign unknown err = %v", err)
	}

	lists, err := a.exec.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.Categories) != 1 || lists.FriendCategories["f1"] != cat.ID {
		t.Fatalf("lists categories = %+v / %v", lists.Categories, lists.FriendCategories)
	}

	if err := a.exec.RemoveCategory(ctx, cat.ID); err != nil {
		t.Fatal(err)
	}
	res, err := a.exec.Categories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Categories) != 0 || len(res.Assignments) != 0 {
		t.Fatalf("after remove = %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if events < 3 {
		t.Fatalf("lists events = %d, want one per change", events)
	}
}

func TestDumpCollectsState(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.connect(t, "a", "Alice")
	b := e.connect(t, "b", "Bob")
	ctx := context.Background()
	dm := dmBetween(t, a, b)

	if _, err := b.exec.Open(ctx, model.Direct, dm.ID); err != nil {
		t.Fatal(err)
	}
	d, err := b.exec.Dump(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Identity.UserID != "b" || len(d.Lists.DMSessions) != 1 {
		t.Fatalf("dump = %+v", d)
	}
	if _, ok := d.LastRead[dm.ID]; !ok {
		t.Fatalf("last read missing for open dm: %v", d.LastRead)
	}
}
