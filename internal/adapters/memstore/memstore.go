// Package memstore — хранилище в памяти процесса. Реализует store.Store для
// loopback-режима (REALTIME_BACKEND=memory) и тестов; умеет подставлять
// ошибку в отдельную операцию (FailNext).
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"clofri/internal/domain/model"
	"clofri/internal/domain/store"
	"clofri/internal/infra/clock"

	"github.com/google/uuid"
)

type friendship struct {
	id          string
	requesterID string
	addresseeID string
	status      model.FriendshipStatus
}

type dmRow struct {
	id        string
	userA     string
	userB     string
	createdAt time.Time
}

type groupRow struct {
	id         string
	name       string
	creatorID  string
	inviteCode string
	createdAt  time.Time
	members    []string
}

// Store — потокобезопасное хранилище в памяти.
type Store struct {
	clock clock.Clock

	mu          sync.Mutex
	profiles    map[string]model.Profile
	friendships map[string]*friendship
	dms         map[string]*dmRow
	groups      map[string]*groupRow
	messages    map[string][]model.Message
	failures    map[string]error
}

var _ store.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:       clk,
		profiles:    make(map[string]model.Profile),
		friendships: make(map[string]*friendship),
		dms:         make(map[string]*dmRow),
		groups:      make(map[string]*groupRow),
		messages:    make(map[string][]model.Message),
		failures:    make(map[string]error),
	}
}

// PutProfile добавляет или заменяет профиль.
func (s *Store) PutProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.FriendCode = model.NormalizeCode(p.FriendCode)
	s.profiles[p.ID] = p
}

// FailNext заставляет следующий вызов операции op (имя метода) вернуть err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) failLocked(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *Store) Profile(_ context.Context, id string) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("Profile"); err != nil {
		return model.Profile{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("profile %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ProfileByFriendCode(_ context.Context, code string) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("ProfileByFriendCode"); err != nil {
		return model.Profile{}, err
	}
	code = model.NormalizeCode(code)
	for _, p := range s.profiles {
		if code != "" && p.FriendCode == code {
			return p, nil
		}
	}
	return model.Profile{}, fmt.Errorf("friend code %q: %w", code, store.ErrNotFound)
}

func (s *Store) UpdateProfile(_ context.Context, id string, upd model.ProfileUpdate) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("UpdateProfile"); err != nil {
		return model.Profile{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("profile %s: %w", id, store.ErrNotFound)
	}
	if upd.DisplayName != nil {
		p.DisplayName = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		p.AvatarURL = *upd.AvatarURL
	}
	s.profiles[id] = p
	return p, nil
}

func (s *Store) History(_ context.Context, conv model.Conversation, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("History"); err != nil {
		return nil, err
	}
	list := s.messages[conv.ID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		if p, ok := s.profiles[m.SenderID]; ok {
			m.DisplayName = p.DisplayName
			m.AvatarURL = p.AvatarURL
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) InsertMessage(_ context.Context, conv model.Conversation, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("InsertMessage"); err != nil {
		return err
	}
	msg.ConversationID = conv.ID
	list := append(s.messages[conv.ID], msg)
	slices.SortStableFunc(list, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	s.messages[conv.ID] = list
	return nil
}

func (s *Store) LatestActivity(_ context.Context, userID string, conversationIDs []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("LatestActivity"); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for _, id := range conversationIDs {
		for _, m := range s.messages[id] {
			if m.SenderID == userID {
				continue
			}
			if m.CreatedAt.After(out[id]) {
				out[id] = m.CreatedAt
			}
		}
	}
	return out, nil
}

func (s *Store) DMSessions(_ context.Context, userID string) ([]model.DMSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("DMSessions"); err != nil {
		return nil, err
	}
	var out []model.DMSession
	for _, row := range s.dms {
		if row.userA != userID && row.userB != userID {
			continue
		}
		out = append(out, s.dmViewLocked(row, userID))
	}
	slices.SortFunc(out, func(a, b model.DMSession) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) dmViewLocked(row *dmRow, userID string) model.DMSession {
	friendID := row.userB
	if row.userB == userID {
		friendID = row.userA
	}
	v := model.DMSession{
		ID:        row.id,
		FriendID:  friendID,
		Friend:    s.profiles[friendID],
		CreatedAt: row.createdAt,
	}
	if list := s.messages[row.id]; len(list) > 0 {
		v.LastMessageAt = list[len(list)-1].CreatedAt
	}
	return v
}

func (s *Store) FindOrCreateDMSession(_ context.Context, userID, friendID string) (model.DMSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("FindOrCreateDMSession"); err != nil {
		return model.DMSession{}, err
	}
	for _, row := range s.dms {
		if (row.userA == userID && row.userB == friendID) || (row.userA == friendID && row.userB == userID) {
			return s.dmViewLocked(row, userID), nil
		}
	}
	row := &dmRow{id: uuid.NewString(), userA: userID, userB: friendID, createdAt: s.clock.Now()}
	s.dms[row.id] = row
	return s.dmViewLocked(row, userID), nil
}

func (s *Store) DeleteDMSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("DeleteDMSession"); err != nil {
		return err
	}
	if _, ok := s.dms[id]; !ok {
		return fmt.Errorf("dm session %s: %w", id, store.ErrNotFound)
	}
	delete(s.dms, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) Groups(_ context.Context, userID string) ([]model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("Groups"); err != nil {
		return nil, err
	}
	var out []model.GroupInfo
	for _, g := range s.groups {
		if slices.Contains(g.members, userID) {
			out = append(out, g.info())
		}
	}
	slices.SortFunc(out, func(a, b model.GroupInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) Group(_ context.Context, id string) (model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("Group"); err != nil {
		return model.GroupInfo{}, err
	}
	g, ok := s.groups[id]
	if !ok {
		return model.GroupInfo{}, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
	}
	return g.info(), nil
}

// CreateGroup создаёт группу; создатель сразу становится участником.
func (s *Store) CreateGroup(_ context.Context, creatorID, name, inviteCode string) (model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CreateGroup"); err != nil {
		return model.GroupInfo{}, err
	}
	g := &groupRow{
		id:         uuid.NewString(),
		name:       name,
		creatorID:  creatorID,
		inviteCode: model.NormalizeCode(inviteCode),
		createdAt:  s.clock.Now(),
		members:    []string{creatorID},
	}
	s.groups[g.id] = g
	return g.info(), nil
}

func (s *Store) GroupByInviteCode(_ context.Context, code string) (model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("GroupByInviteCode"); err != nil {
		return model.GroupInfo{}, err
	}
	code = model.NormalizeCode(code)
	for _, g := range s.groups {
		if code != "" && g.inviteCode == code {
			return g.info(), nil
		}
	}
	return model.GroupInfo{}, fmt.Errorf("invite code %q: %w", code, store.ErrNotFound)
}

func (s *Store) AddMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("AddMember"); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
	}
	if !slices.Contains(g.members, userID) {
		g.members = append(g.members, userID)
	}
	return nil
}

func (s *Store) RemoveMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("RemoveMember"); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
	}
	if i := slices.Index(g.members, userID); i >= 0 {
		g.members = slices.Delete(g.members, i, i+1)
	}
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("DeleteGroup"); err != nil {
		return err
	}
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
	}
	delete(s.groups, groupID)
	delete(s.messages, groupID)
	return nil
}

func (s *Store) Friends(_ context.Context, userID string) (model.FriendList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.FriendList
	if err := s.failLocked("Friends"); err != nil {
		return out, err
	}
	ids := make([]string, 0, len(s.friendships))
	for id := range s.friendships {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		f := s.friendships[id]
		var otherID string
		switch userID {
		case f.requesterID:
			otherID = f.addresseeID
		case f.addresseeID:
			otherID = f.requesterID
		default:
			continue
		}
		p, ok := s.profiles[otherID]
		if !ok {
			continue
		}
		entry := model.Friend{FriendshipID: f.id, Profile: p, Status: f.status, Incoming: f.addresseeID == userID}
		switch {
		case f.status == model.FriendAccepted:
			out.Accepted = append(out.Accepted, entry)
		case entry.Incoming:
			out.PendingReceived = append(out.PendingReceived, entry)
		default:
			out.PendingSent = append(out.PendingSent, entry)
		}
	}
	return out, nil
}

func (s *Store) CreateFriendRequest(_ context.Context, fromID, toID string) (model.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CreateFriendRequest"); err != nil {
		return model.Friend{}, err
	}
	f := &friendship{id: uuid.NewString(), requesterID: fromID, addresseeID: toID, status: model.FriendPending}
	s.friendships[f.id] = f
	return model.Friend{FriendshipID: f.id, Profile: s.profiles[toID], Status: f.status}, nil
}

func (s *Store) AcceptFriend(_ context.Context, friendshipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("AcceptFriend"); err != nil {
		return err
	}
	f, ok := s.friendships[friendshipID]
	if !ok {
		return fmt.Errorf("friendship %s: %w", friendshipID, store.ErrNotFound)
	}
	f.status = model.FriendAccepted
	return nil
}

func (s *Store) DeleteFriendship(_ context.Context, friendshipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("DeleteFriendship"); err != nil {
		return err
	}
	if _, ok := s.friendships[friendshipID]; !ok {
		return fmt.Errorf("friendship %s: %w", friendshipID, store.ErrNotFound)
	}
	delete(s.friendships, friendshipID)
	return nil
}

func (g *groupRow) info() model.GroupInfo {
	return model.GroupInfo{
		ID:         g.id,
		Name:       g.name,
		CreatorID:  g.creatorID,
		InviteCode: g.inviteCode,
		MemberIDs:  slices.Clone(g.members),
		CreatedAt:  g.createdAt,
	}
}
