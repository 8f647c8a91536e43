// Package cli — интерактивная консоль клиента clofri.
// Сервис стартует фоном, читает команды из readline и выполняет их через
// commands.Executor: списки, открытие бесед, отправка сообщений, настройки
// присутствия. Нажатия клавиш считаются активностью пользователя, набор текста
// в открытой беседе рассылается как typing. Входящие сообщения, толчки и новые
// непрочитанные печатаются поверх строки ввода. Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clofri/internal/domain/commands"
	"clofri/internal/domain/model"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/pr"
	"clofri/internal/support/debug"

	"go.uber.org/zap"
)

// commandDescriptor описывает одну CLI-команду: её имя, аргументы и описание для help.
type commandDescriptor struct {
	name        string
	args        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var (
	commandDescriptors = []commandDescriptor{
		{name: "help", description: "Show available commands with short descriptions"},
		{name: "status", description: "Show presence, unread and service status"},
		{name: "users", description: "List users in the lobby with their status"},
		{name: "lists", description: "Show DM sessions, groups and friends"},
		{name: "refresh", description: "Reload all lists from storage"},
		{name: "open", args: "dm|group <id>", description: "Open a conversation"},
		{name: "close", description: "Close the open conversation"},
		{name: "say", args: "<text>", description: "Send a message (plain text works too while a chat is open)"},
		{name: "history", description: "Print messages of the open conversation"},
		{name: "members", description: "Show group members viewing the open group"},
		{name: "nudge", description: "Nudge everyone in the open group"},
		{name: "away", args: "[text]", description: "Set status message; empty clears it"},
		{name: "autoreply", args: "on|off", description: "Answer DMs with the status message"},
		{name: "sound", args: "on|off", description: "Toggle the notification bell"},
		{name: "hide", description: "Mark the client hidden (become idle)"},
		{name: "show", description: "Mark the client visible (become active)"},
		{name: "dm", args: "<friend_id>", description: "Start or resume a DM session"},
		{name: "end-dm", args: "<session_id>", description: "End a DM session"},
		{name: "group-new", args: "<name>", description: "Create a group"},
		{name: "group-join", args: "<code>", description: "Join a group by invite code"},
		{name: "group-leave", args: "<group_id>", description: "Leave a group"},
		{name: "group-end", args: "<group_id>", description: "End a group you created"},
		{name: "kick", args: "<group_id> <user_id>", description: "Remove a member from a group you created"},
		{name: "friend-add", args: "<code>", description: "Send a friend request"},
		{name: "friend-accept", args: "<friendship_id>", description: "Accept a friend request"},
		{name: "friend-remove", args: "<friendship_id>", description: "Remove a friend or decline a request"},
		{name: "cat-new", args: "<name>", description: "Create a friend category"},
		{name: "cat-rename", args: "<category_id> <name>", description: "Rename a friend category"},
		{name: "cat-remove", args: "<category_id>", description: "Delete a friend category"},
		{name: "cat-assign", args: "<friendship_id> [category_id]", description: "Put a friend into a category; no id clears it"},
		{name: "profile", args: "name|avatar <value>", description: "Change display name or avatar URL"},
		{name: "whoami", description: "Display information about the current account"},
		{name: "dump", description: "Print internal client state"},
		{name: "version", description: "Print client version"},
		{name: "exit", description: "Stop CLI and terminate the client"},
	}
)

const (
	commandTimeout = 15 * time.Second
	typingTimeout  = 5 * time.Second
	historyOnOpen  = 20
)

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	exec      commands.Executor
	me        string             // id локального пользователя; свои сообщения не печатаются повторно
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	unwatch   func()
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once

	chatOpen atomic.Bool

	mu        sync.Mutex
	printed   map[string]struct{} // id уже напечатанных сообщений открытой беседы
	lastNames map[string]string   // id беседы -> имя для уведомлений о непрочитанном
	unread    []string
}

// NewService создаёт CLI-сервис. stopApp используется как «глобальная» остановка
// приложения (команда exit, Ctrl-C на пустой строке).
func NewService(exec commands.Executor, me string, stopApp context.CancelFunc) *Service {
	return &Service{
		exec:      exec,
		me:        me,
		stopApp:   stopApp,
		printed:   make(map[string]struct{}),
		lastNames: make(map[string]string),
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.unwatch = s.exec.Watch(s.onEvent)
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения, прерывает readline,
// отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.unwatch != nil {
			s.unwatch()
		}
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	if pr.Rl() == nil {
		logger.Info("CLI: stdin is not a terminal; console disabled")
		<-ctx.Done()
		return
	}
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	s.installKeyHandlers(ctx)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		if s.handleLine(ctx, strings.TrimSpace(line)) {
			logger.Debugf("CLI: command %q requested exit", line)
			return
		}
	}
}

// installKeyHandlers подключает обработчики клавиш readline:
//   - любая клавиша — активность пользователя (Touch);
//   - печать текста в открытой беседе — typing;
//   - '?' на пустой строке — help;
//   - Ctrl-C на пустой строке — остановка приложения, на непустой — очистка строки.
func (s *Service) installKeyHandlers(ctx context.Context) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	stop := s.stopApp
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		_ = s.exec.Touch(ctx)

		if key == '?' && len(line) == 1 {
			printCommandHelp()
			return []rune{}, 0, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if s.chatOpen.Load() && len(line) > 0 && line[0] != '/' && key >= ' ' {
			go s.sendTyping(ctx)
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func (s *Service) sendTyping(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, typingTimeout)
	defer cancel()
	if err := s.exec.Typing(tctx); err != nil {
		logger.Debug("CLI: typing not sent", zap.Error(err))
	}
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleLine разбирает строку ввода. В открытой беседе строка без '/' уходит
// сообщением; иначе первое слово — команда. Возвращает true для "exit".
func (s *Service) handleLine(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if s.chatOpen.Load() && !strings.HasPrefix(line, "/") {
		s.say(ctx, line)
		return false
	}
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return s.handleCommand(ctx, name, strings.TrimSpace(rest))
}

// handleCommand выполняет команду name с аргументами args.
func (s *Service) handleCommand(ctx context.Context, name, args string) bool {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	debug.Debug("CLI command", zap.String("name", name))

	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus(cctx)
	case "users":
		s.handleUsers(cctx)
	case "lists", "ls":
		s.handleLists(cctx)
	case "refresh":
		report(s.exec.Refresh(cctx), "lists refreshed")
	case "open":
		s.handleOpen(cctx, args)
	case "close":
		if err := s.exec.CloseChat(cctx); err != nil {
			pr.ErrPrintln("close error:", err)
		}
		s.setChat(false)
	case "say":
		s.say(cctx, args)
	case "history":
		s.handleHistory(cctx)
	case "members":
		s.handleMembers(cctx)
	case "nudge":
		report(s.exec.Nudge(cctx), "nudge sent")
	case "away":
		var msg *string
		if args != "" {
			msg = &args
		}
		report(s.exec.SetStatusMessage(cctx, msg), "status message updated")
	case "autoreply":
		if on, ok := parseSwitch(args); ok {
			report(s.exec.SetAutoReply(cctx, on), "auto-reply "+args)
		}
	case "sound":
		if on, ok := parseSwitch(args); ok {
			report(s.exec.SetSound(cctx, on), "sound "+args)
		}
	case "hide":
		report(s.exec.SetVisible(cctx, false), "client hidden")
	case "show":
		report(s.exec.SetVisible(cctx, true), "client visible")
	case "dm":
		if ds, err := s.exec.StartDM(cctx, args); err != nil {
			pr.ErrPrintln("dm error:", err)
		} else {
			s.handleOpen(cctx, "dm "+ds.ID)
		}
	case "end-dm":
		report(s.exec.EndDM(cctx, args), "dm session ended")
		s.syncChatFlag(cctx)
	case "group-new":
		if g, err := s.exec.CreateGroup(cctx, args); err != nil {
			pr.ErrPrintln("group error:", err)
		} else {
			pr.Printf("Group %q created, invite code %s (id %s)\n", g.Name, g.InviteCode, g.ID)
		}
	case "group-join":
		if g, err := s.exec.JoinGroup(cctx, args); err != nil {
			pr.ErrPrintln("join error:", err)
		} else {
			pr.Printf("Joined %q (id %s)\n", g.Name, g.ID)
		}
	case "group-leave":
		report(s.exec.LeaveGroup(cctx, args), "left the group")
		s.syncChatFlag(cctx)
	case "group-end":
		report(s.exec.EndGroup(cctx, args), "group ended")
		s.syncChatFlag(cctx)
	case "kick":
		groupID, userID, _ := strings.Cut(args, " ")
		report(s.exec.KickMember(cctx, groupID, strings.TrimSpace(userID)), "member removed")
	case "friend-add":
		if f, err := s.exec.AddFriend(cctx, args); err != nil {
			pr.ErrPrintln("friend error:", err)
		} else {
			pr.Printf("Friend request sent to %s\n", f.Profile.DisplayName)
		}
	case "friend-accept":
		report(s.exec.AcceptFriend(cctx, args), "friend request accepted")
	case "friend-remove":
		report(s.exec.RemoveFriend(cctx, args), "friend removed")
	case "cat-new":
		if c, err := s.exec.AddCategory(cctx, args); err != nil {
			pr.ErrPrintln("category error:", err)
		} else {
			pr.Printf("Category %q created (id %s)\n", c.Name, c.ID)
		}
	case "cat-rename":
		id, name, _ := strings.Cut(args, " ")
		report(s.exec.RenameCategory(cctx, id, name), "category renamed")
	case "cat-remove":
		report(s.exec.RemoveCategory(cctx, args), "category removed")
	case "cat-assign":
		friendshipID, categoryID, _ := strings.Cut(args, " ")
		report(s.exec.AssignFriend(cctx, friendshipID, strings.TrimSpace(categoryID)), "category updated")
	case "profile":
		s.handleProfile(cctx, args)
	case "whoami":
		if res, err := s.exec.Whoami(cctx); err != nil {
			pr.ErrPrintln("whoami error:", err)
		} else {
			pr.Printf("You are: %s, id=%s, friend code %s\n", res.DisplayName, res.UserID, orDash(res.FriendCode))
		}
	case "dump":
		if res, err := s.exec.Dump(cctx); err != nil {
			pr.ErrPrintln("dump error:", err)
		} else {
			pr.PP(res)
		}
	case "version":
		if res, err := s.exec.Version(cctx); err == nil {
			pr.Printf("%s %s\n", res.Name, res.Version)
		}
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

func (s *Service) say(ctx context.Context, text string) {
	msg, err := s.exec.Send(ctx, text)
	if err != nil {
		pr.ErrPrintln("send error:", err)
	}
	if msg != nil {
		s.markPrinted(msg.ID)
	}
}

// handleStatus печатает агрегированное состояние клиента.
func (s *Service) handleStatus(ctx context.Context) {
	st, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	pr.Printf("Presence: joined=%t subscribed=%t own=%s users=%d\n", st.Joined, st.Subscribed, st.OwnStatus, st.OnlineUsers)
	msg := "<none>"
	if st.StatusMessage != nil {
		msg = *st.StatusMessage
	}
	pr.Printf("Status message: %s (auto-reply %t, sound %t)\n", msg, st.AutoReply, st.SoundEnabled)
	if st.Viewing != nil {
		pr.Printf("Viewing: %s %q (%s)\n", st.Viewing.Kind, st.Viewing.Name, st.Viewing.ID)
	}
	pr.Printf("Unread conversations: %d\n", len(st.Unread))
	for _, svc := range st.Services {
		if svc.Error != "" {
			pr.Printf("  %-10s %s (%s)\n", svc.Name, svc.Status, svc.Error)
			continue
		}
		pr.Printf("  %-10s %s\n", svc.Name, svc.Status)
	}
}

func (s *Service) handleUsers(ctx context.Context) {
	res, err := s.exec.Users(ctx)
	if err != nil {
		pr.ErrPrintln("users error:", err)
		return
	}
	if len(res.Users) == 0 {
		pr.Println("Nobody is online.")
		return
	}
	for _, u := range res.Users {
		line := fmt.Sprintf("%-8s %s (%s)", u.Status, u.DisplayName, u.UserID)
		if u.StatusMessage != nil {
			line += ": " + *u.StatusMessage
		}
		pr.Println(line)
	}
}

// handleLists печатает списки; непрочитанные беседы помечены звёздочкой.
func (s *Service) handleLists(ctx context.Context) {
	res, err := s.exec.Lists(ctx)
	if err != nil {
		pr.ErrPrintln("lists error:", err)
		return
	}
	s.rememberNames(res)

	pr.Printf("DM sessions (%d):\n", len(res.DMSessions))
	for _, d := range res.DMSessions {
		pr.Printf(" %s %-20s %-8s %s\n", unreadMark(d.Unread), d.Friend.DisplayName, d.FriendStatus, d.ID)
	}
	pr.Printf("Groups (%d):\n", len(res.Groups))
	for _, g := range res.Groups {
		owner := ""
		if g.IsCreator {
			owner = " [owner]"
		}
		pr.Printf(" %s %-20s code %s members %d%s %s\n",
			unreadMark(g.Unread), g.Name, g.InviteCode, len(g.MemberIDs), owner, g.ID)
	}
	pr.Printf("Friends (%d):\n", len(res.Friends.Accepted))
	categories := make(map[string]string, len(res.Categories))
	for _, c := range res.Categories {
		categories[c.ID] = c.Name
	}
	for _, f := range res.Friends.Accepted {
		label := ""
		if name, ok := categories[res.FriendCategories[f.FriendshipID]]; ok {
			label = " [" + name + "]"
		}
		pr.Printf("   %-20s %s (%s)%s\n", f.Profile.DisplayName, f.Profile.ID, f.FriendshipID, label)
	}
	for _, f := range res.Friends.PendingReceived {
		pr.Printf(" ? %-20s wants to be friends (%s)\n", f.Profile.DisplayName, f.FriendshipID)
	}
	for _, f := range res.Friends.PendingSent {
		pr.Printf(" … %-20s request sent (%s)\n", f.Profile.DisplayName, f.FriendshipID)
	}
}

// handleProfile разбирает "name <text>" и "avatar <url>"; пустой url убирает аватар.
func (s *Service) handleProfile(ctx context.Context, args string) {
	field, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	var upd model.ProfileUpdate
	switch field {
	case "name":
		upd.DisplayName = &value
	case "avatar":
		upd.AvatarURL = &value
	default:
		pr.ErrPrintln("usage: profile name|avatar <value>")
		return
	}
	p, err := s.exec.UpdateProfile(ctx, upd)
	if err != nil {
		pr.ErrPrintln("profile error:", err)
		return
	}
	pr.Printf("Profile updated: %s %s\n", p.DisplayName, orDash(p.AvatarURL))
}

func (s *Service) handleOpen(ctx context.Context, args string) {
	kind, id, _ := strings.Cut(args, " ")
	id = strings.TrimSpace(id)
	if id == "" {
		pr.ErrPrintln("usage: open dm|group <id>")
		return
	}
	var k model.ConversationKind
	switch kind {
	case "dm":
		k = model.Direct
	case "group":
		k = model.Group
	default:
		pr.ErrPrintln("usage: open dm|group <id>")
		return
	}

	s.mu.Lock()
	s.printed = make(map[string]struct{})
	s.mu.Unlock()
	res, err := s.exec.Open(ctx, k, id)
	if err != nil {
		pr.ErrPrintln("open error:", err)
		return
	}
	s.setChat(true)
	pr.Printf("[%s %q] type to chat, /close to leave\n", res.Conversation.Kind, res.Conversation.Name)
	msgs := res.Messages
	if len(msgs) > historyOnOpen {
		msgs = msgs[len(msgs)-historyOnOpen:]
	}
	for _, m := range res.Messages {
		s.markPrinted(m.ID)
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func (s *Service) handleHistory(ctx context.Context) {
	res, err := s.exec.Chat(ctx)
	if err != nil {
		pr.ErrPrintln("history error:", err)
		return
	}
	for _, m := range res.Messages {
		printMessage(m)
	}
}

func (s *Service) handleMembers(ctx context.Context) {
	res, err := s.exec.Chat(ctx)
	if err != nil {
		pr.ErrPrintln("members error:", err)
		return
	}
	if res.Conversation.Kind != model.Group {
		pr.Println("members are shown for groups only")
		return
	}
	for _, m := range res.Members {
		pr.Printf("%-8s %s\n", m.Status, m.DisplayName)
	}
}

// onEvent печатает асинхронные события поверх строки ввода.
func (s *Service) onEvent(ev commands.Event) {
	debug.PrintEvent(ev)
	switch data := ev.Data.(type) {
	case commands.ChatResult:
		for _, m := range data.Messages {
			if m.SenderID == s.me && !m.AutoReply {
				continue
			}
			if s.markPrinted(m.ID) {
				printMessage(m)
			}
		}
		if len(data.Typing) > 0 {
			debug.Debug("typing", zap.Strings("names", data.Typing))
		}
	case commands.NudgeEvent:
		pr.Printf("*** %s nudged the group! ***\n", data.From)
	case *commands.ListsResult:
		s.rememberNames(data)
	case []string:
		s.onUnread(data)
	default:
		return
	}
	pr.Refresh()
}

// onUnread сообщает о беседах, ставших непрочитанными.
func (s *Service) onUnread(ids []string) {
	s.mu.Lock()
	var fresh []string
	for _, id := range ids {
		if !slices.Contains(s.unread, id) {
			name := s.lastNames[id]
			if name == "" {
				name = id
			}
			fresh = append(fresh, name)
		}
	}
	s.unread = slices.Clone(ids)
	s.mu.Unlock()
	if len(fresh) > 0 {
		pr.Printf("● new messages: %s\n", strings.Join(fresh, ", "))
	}
}

func (s *Service) rememberNames(res *commands.ListsResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range res.DMSessions {
		s.lastNames[d.ID] = d.Friend.DisplayName
	}
	for _, g := range res.Groups {
		s.lastNames[g.ID] = g.Name
	}
}

// markPrinted отмечает сообщение напечатанным; false — уже было.
func (s *Service) markPrinted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.printed[id]; ok {
		return false
	}
	s.printed[id] = struct{}{}
	return true
}

func (s *Service) setChat(open bool) {
	s.chatOpen.Store(open)
	if open {
		pr.SetPrompt("» ")
	} else {
		pr.SetPrompt("> ")
	}
}

// syncChatFlag сбрасывает режим беседы, если исполнитель закрыл её сам.
func (s *Service) syncChatFlag(ctx context.Context) {
	if _, err := s.exec.Chat(ctx); err != nil {
		s.setChat(false)
	}
}

func printMessage(m model.Message) {
	at := m.CreatedAt.Format("15:04")
	if m.AutoReply {
		pr.Printf("[%s] %s (auto-reply): %s\n", at, m.DisplayName, m.Text)
		return
	}
	pr.Printf("[%s] %s: %s\n", at, m.DisplayName, m.Text)
}

func report(err error, ok string) {
	if err != nil {
		pr.ErrPrintln("error:", err)
		return
	}
	pr.Println(ok)
}

func parseSwitch(arg string) (bool, bool) {
	switch strings.ToLower(arg) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	pr.ErrPrintln("expected on or off")
	return false, false
}

func unreadMark(unread bool) string {
	if unread {
		return "*"
	}
	return " "
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> <args> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		usage := d.name
		if d.args != "" {
			usage += " " + d.args
		}
		lines = append(lines, fmt.Sprintf("  %-28s - %s", usage, d.description))
	}
	return lines
}
