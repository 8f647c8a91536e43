package cli

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"clofri/internal/domain/commands"
	"clofri/internal/domain/model"
)

// fakeExec записывает вызовы; остальные методы интерфейса не используются.
type fakeExec struct {
	commands.Executor
	sent   []string
	opened []string
	calls  []string
	upd    model.ProfileUpdate
	dumped bool
}

func (f *fakeExec) KickMember(_ context.Context, groupID, userID string) error {
	f.calls = append(f.calls, "kick:"+groupID+":"+userID)
	return nil
}

func (f *fakeExec) RenameCategory(_ context.Context, id, name string) error {
	f.calls = append(f.calls, "rename:"+id+":"+name)
	return nil
}

func (f *fakeExec) AssignFriend(_ context.Context, friendshipID, categoryID string) error {
	f.calls = append(f.calls, "assign:"+friendshipID+":"+categoryID)
	return nil
}

func (f *fakeExec) UpdateProfile(_ context.Context, upd model.ProfileUpdate) (*model.Profile, error) {
	f.upd = upd
	p := &model.Profile{DisplayName: "me"}
	if upd.DisplayName != nil {
		p.DisplayName = *upd.DisplayName
	}
	return p, nil
}

func (f *fakeExec) Dump(context.Context) (*commands.DumpResult, error) {
	f.dumped = true
	return &commands.DumpResult{Unread: []string{"s1"}}, nil
}

func (f *fakeExec) Send(_ context.Context, text string) (*model.Message, error) {
	f.sent = append(f.sent, text)
	return &model.Message{ID: "m" + text, Text: text}, nil
}

func (f *fakeExec) Open(_ context.Context, kind model.ConversationKind, id string) (*commands.ChatResult, error) {
	f.opened = append(f.opened, string(kind)+":"+id)
	return &commands.ChatResult{Conversation: commands.ConversationRef{Kind: kind, ID: id, Name: id}}, nil
}

func (f *fakeExec) CloseChat(context.Context) error { return nil }

func TestHandleLineRoutesTextToOpenChat(t *testing.T) {
	exec := &fakeExec{}
	s := NewService(exec, "me", nil)
	ctx := context.Background()

	s.handleLine(ctx, "hello")
	if len(exec.sent) != 0 {
		t.Fatalf("text outside a chat must not be sent: %v", exec.sent)
	}

	s.handleLine(ctx, "/open dm s1")
	if !reflect.DeepEqual(exec.opened, []string{"dm:s1"}) {
		t.Fatalf("opened = %v", exec.opened)
	}
	s.handleLine(ctx, "hello")
	s.handleLine(ctx, "/say  with command ")
	if !reflect.DeepEqual(exec.sent, []string{"hello", "with command"}) {
		t.Fatalf("sent = %v", exec.sent)
	}
	if s.markPrinted("mhello") {
		t.Fatal("own sent message should already be marked printed")
	}

	s.handleLine(ctx, "/close")
	s.handleLine(ctx, "after close")
	if len(exec.sent) != 2 {
		t.Fatalf("text after close must not be sent: %v", exec.sent)
	}
}

func TestExitRequestsStop(t *testing.T) {
	stopped := false
	s := NewService(&fakeExec{}, "me", func() { stopped = true })
	if !s.handleLine(context.Background(), "exit") || !stopped {
		t.Fatal("exit should stop the app and the loop")
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	t.Parallel()

	lines := buildCommandHelpLines(commandDescriptors)
	if len(lines) != len(commandDescriptors)+1 {
		t.Fatalf("help lines = %d", len(lines))
	}
	if !strings.Contains(lines[6], "open dm|group <id>") {
		t.Fatalf("open usage missing: %q", lines[6])
	}
}

func TestCommandArguments(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	s := NewService(exec, "me", nil)
	ctx := context.Background()

	s.handleLine(ctx, "kick g1  u2")
	s.handleLine(ctx, "cat-rename c1 close friends")
	s.handleLine(ctx, "cat-assign f1 c1")
	s.handleLine(ctx, "cat-assign f2")
	want := []string{"kick:g1:u2", "rename:c1:close friends", "assign:f1:c1", "assign:f2:"}
	if !reflect.DeepEqual(exec.calls, want) {
		t.Fatalf("calls = %v, want %v", exec.calls, want)
	}

	s.handleLine(ctx, "profile name  New Name ")
	if exec.upd.DisplayName == nil || *exec.upd.DisplayName != "New Name" || exec.upd.AvatarURL != nil {
		t.Fatalf("name update = %+v", exec.upd)
	}
	s.handleLine(ctx, "profile avatar")
	if exec.upd.AvatarURL == nil || *exec.upd.AvatarURL != "" || exec.upd.DisplayName != nil {
		t.Fatalf("avatar reset = %+v", exec.upd)
	}

	s.handleLine(ctx, "dump")
	if !exec.dumped {
		t.Fatal("dump should read client state")
	}
}
