// Package postgres — хранилище профилей, дружбы, сессий, групп и истории
// сообщений в Postgres (pgxpool). Реализует store.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"clofri/internal/domain/model"
	"clofri/internal/domain/store"
	"clofri/internal/infra/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Store — реализация store.Store поверх пула соединений.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open подключается к базе и проверяет соединение.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger.Info("postgres: connected", zap.String("database", pool.Config().ConnConfig.Database))
	return &Store{pool: pool}, nil
}

// Close закрывает пул.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate применяет идемпотентную схему.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const profileColumns = `p.id, p.display_name, COALESCE(p.avatar_url, ''), p.friend_code`

func scanProfile(row pgx.Row) (model.Profile, error) {
	var p model.Profile
	err := row.Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.FriendCode)
	return p, err
}

func (s *Store) Profile(ctx context.Context, id string) (model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id = $1`, id))
	if err != nil {
		return model.Profile{}, wrap(err, "profile %s", id)
	}
	return p, nil
}

func (s *Store) ProfileByFriendCode(ctx context.Context, code string) (model.Profile, error) {
	code = model.NormalizeCode(code)
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles p WHERE upper(p.friend_code) = $1`, code))
	if err != nil {
		return model.Profile{}, wrap(err, "friend code %q", code)
	}
	return p, nil
}

// UpdateProfile меняет только переданные поля; пустой avatar_url хранится как NULL.
func (s *Store) UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `
		UPDATE profiles p SET
			display_name = COALESCE($2, p.display_name),
			avatar_url = CASE WHEN $3::text IS NULL THEN p.avatar_url ELSE NULLIF($3, '') END
		WHERE p.id = $1
		RETURNING `+profileColumns, id, upd.DisplayName, upd.AvatarURL))
	if err != nil {
		return model.Profile{}, wrap(err, "update profile %s", id)
	}
	return p, nil
}

// History возвращает последние limit сообщений по возрастанию времени.
func (s *Store) History(ctx context.Context, conv model.Conversation, limit int) ([]model.Message, error) {
	var query string
	if conv.Kind == model.Group {
		query = `
			SELECT m.id, m.user_id, '', m.text, m.created_at, p.display_name, COALESCE(p.avatar_url, '')
			FROM messages m JOIN profiles p ON p.id = m.user_id
			WHERE m.group_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`
	} else {
		query = `
			SELECT m.id, m.sender_id, m.receiver_id, m.text, m.created_at, p.display_name, COALESCE(p.avatar_url, '')
			FROM direct_messages m JOIN profiles p ON p.id = m.sender_id
			WHERE m.session_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`
	}
	rows, err := s.pool.Query(ctx, query, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", conv.ID, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		m := model.Message{ConversationID: conv.ID}
		err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.CreatedAt, &m.DisplayName, &m.AvatarURL)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", conv.ID, err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// InsertMessage сохраняет сообщение. Повторная вставка того же id — no-op.
func (s *Store) InsertMessage(ctx context.Context, conv model.Conversation, msg model.Message) error {
	var err error
	if conv.Kind == model.Group {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO messages (id, group_id, user_id, text, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			msg.ID, conv.ID, msg.SenderID, msg.Text, msg.CreatedAt)
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO direct_messages (id, session_id, sender_id, receiver_id, text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			msg.ID, conv.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert message %s: %w", msg.ID, err)
	}
	return nil
}

// LatestActivity отдаёт время последнего чужого сообщения по каждой беседе.
func (s *Store) LatestActivity(ctx context.Context, userID string, conversationIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, max(created_at) FROM direct_messages
		WHERE session_id = ANY($1) AND sender_id <> $2
		GROUP BY session_id
		UNION ALL
		SELECT group_id, max(created_at) FROM messages
		WHERE group_id = ANY($1) AND user_id <> $2
		GROUP BY group_id`,
		conversationIDs, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest activity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("postgres: latest activity: %w", err)
		}
		out[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: latest activity: %w", err)
	}
	return out, nil
}

const dmSelect = `
	SELECT s.id, s.created_at,
		(SELECT max(m.created_at) FROM direct_messages m WHERE m.session_id = s.id),
		` + profileColumns + `
	FROM dm_sessions s
	JOIN profiles p ON p.id = CASE WHEN s.user_a = $1 THEN s.user_b ELSE s.user_a END`

func scanDM(row pgx.Row) (model.DMSession, error) {
	var (
		d    model.DMSession
		last *time.Time
	)
	err := row.Scan(&d.ID, &d.CreatedAt, &last, &d.Friend.ID, &d.Friend.DisplayName, &d.Friend.AvatarURL, &d.Friend.FriendCode)
	if last != nil {
		d.LastMessageAt = *last
	}
	d.FriendID = d.Friend.ID
	return d, err
}

// DMSessions — сессии пользователя, свежие первыми.
func (s *Store) DMSessions(ctx context.Context, userID string) ([]model.DMSession, error) {
	rows, err := s.pool.Query(ctx, dmSelect+`
		WHERE $1 IN (s.user_a, s.user_b)
		ORDER BY 3 DESC NULLS LAST, s.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: dm sessions: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DMSession, error) { return scanDM(row) })
	if err != nil {
		return nil, fmt.Errorf("postgres: dm sessions: %w", err)
	}
	return list, nil
}

// FindOrCreateDMSession возвращает сессию пары; пара неупорядочена.
func (s *Store) FindOrCreateDMSession(ctx context.Context, userID, friendID string) (model.DMSession, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dm_sessions (id, user_a, user_b) VALUES ($1, $2, $3)
		ON CONFLICT (LEAST(user_a, user_b), GREATEST(user_a, user_b)) DO NOTHING`,
		uuid.NewString(), userID, friendID)
	if err != nil {
		return model.DMSession{}, fmt.Errorf("postgres: create dm session: %w", err)
	}
	d, err := scanDM(s.pool.QueryRow(ctx, dmSelect+`
		WHERE LEAST(s.user_a, s.user_b) = LEAST($1, $2::text)
		  AND GREATEST(s.user_a, s.user_b) = GREATEST($1, $2::text)`, userID, friendID))
	if err != nil {
		return model.DMSession{}, wrap(err, "dm session %s/%s", userID, friendID)
	}
	return d, nil
}

func (s *Store) DeleteDMSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dm_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete dm session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dm session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const groupSelect = `
	SELECT g.id, g.name, g.creator_id, g.invite_code, g.created_at,
		ARRAY(SELECT gm.user_id FROM group_members gm WHERE gm.group_id = g.id ORDER BY gm.joined_at, gm.user_id)
	FROM groups g`

func scanGroup(row pgx.Row) (model.GroupInfo, error) {
	var g model.GroupInfo
	err := row.Scan(&g.ID, &g.Name, &g.CreatorID, &g.InviteCode, &g.CreatedAt, &g.MemberIDs)
	return g, err
}

func (s *Store) Groups(ctx context.Context, userID string) ([]model.GroupInfo, error) {
	rows, err := s.pool.Query(ctx, groupSelect+`
		WHERE EXISTS (SELECT 1 FROM group_members gm WHERE gm.group_id = g.id AND gm.user_id = $1)
		ORDER BY g.created_at, g.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: groups: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.GroupInfo, error) { return scanGroup(row) })
	if err != nil {
		return nil, fmt.Errorf("postgres: groups: %w", err)
	}
	return list, nil
}

func (s *Store) Group(ctx context.Context, id string) (model.GroupInfo, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, groupSelect+` WHERE g.id = $1`, id))
	if err != nil {
		return model.GroupInfo{}, wrap(err, "group %s", id)
	}
	return g, nil
}

// CreateGroup создаёт группу и добавляет создателя участником.
func (s *Store) CreateGroup(ctx context.Context, creatorID, name, inviteCode string) (model.GroupInfo, error) {
	id := uuid.NewString()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO groups (id, name, creator_id, invite_code) VALUES ($1, $2, $3, $4)`,
			id, name, creatorID, model.NormalizeCode(inviteCode)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'creator')`, id, creatorID)
		return err
	})
	if err != nil {
		return model.GroupInfo{}, fmt.Errorf("postgres: create group: %w", err)
	}
	return s.Group(ctx, id)
}

func (s *Store) GroupByInviteCode(ctx context.Context, code string) (model.GroupInfo, error) {
	code = model.NormalizeCode(code)
	g, err := scanGroup(s.pool.QueryRow(ctx, groupSelect+` WHERE g.invite_code = $1`, code))
	if err != nil {
		return model.GroupInfo{}, wrap(err, "invite code %q", code)
	}
	return g, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID)
	if err != nil {
		return fmt.Errorf("postgres: add member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID); err != nil {
		return fmt.Errorf("postgres: remove member: %w", err)
	}
	return nil
}

// DeleteGroup удаляет группу вместе с участниками и сообщениями.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	var deleted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE group_id = $1`, groupID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, groupID)
		deleted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: delete group: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
	}
	return nil
}

// Friends раскладывает дружбы пользователя по состояниям.
func (s *Store) Friends(ctx context.Context, userID string) (model.FriendList, error) {
	var out model.FriendList
	rows, err := s.pool.Query(ctx, `
		SELECT f.id, f.addressee_id = $1, f.status, `+profileColumns+`
		FROM friendships f
		JOIN profiles p ON p.id = CASE WHEN f.requester_id = $1 THEN f.addressee_id ELSE f.requester_id END
		WHERE $1 IN (f.requester_id, f.addressee_id) AND f.status IN ('pending', 'accepted')
		ORDER BY f.created_at, f.id`, userID)
	if err != nil {
		return out, fmt.Errorf("postgres: friends: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Friend, error) {
		var f model.Friend
		err := row.Scan(&f.FriendshipID, &f.Incoming, &f.Status,
			&f.Profile.ID, &f.Profile.DisplayName, &f.Profile.AvatarURL, &f.Profile.FriendCode)
		return f, err
	})
	if err != nil {
		return out, fmt.Errorf("postgres: friends: %w", err)
	}
	return classify(list), nil
}

func classify(list []model.Friend) model.FriendList {
	var out model.FriendList
	for _, f := range list {
		switch {
		case f.Status == model.FriendAccepted:
			out.Accepted = append(out.Accepted, f)
		case f.Incoming:
			out.PendingReceived = append(out.PendingReceived, f)
		default:
			out.PendingSent = append(out.PendingSent, f)
		}
	}
	return out
}

func (s *Store) CreateFriendRequest(ctx context.Context, fromID, toID string) (model.Friend, error) {
	to, err := s.Profile(ctx, toID)
	if err != nil {
		return model.Friend{}, err
	}
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO friendships (id, requester_id, addressee_id, status) VALUES ($1, $2, $3, 'pending')`,
		id, fromID, toID); err != nil {
		return model.Friend{}, fmt.Errorf("postgres: friend request: %w", err)
	}
	return model.Friend{FriendshipID: id, Profile: to, Status: model.FriendPending}, nil
}

func (s *Store) AcceptFriend(ctx context.Context, friendshipID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE friendships SET status = 'accepted' WHERE id = $1`, friendshipID)
	if err != nil {
		return fmt.Errorf("postgres: accept friend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("friendship %s: %w", friendshipID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteFriendship(ctx context.Context, friendshipID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM friendships WHERE id = $1`, friendshipID)
	if err != nil {
		return fmt.Errorf("postgres: delete friendship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("friendship %s: %w", friendshipID, store.ErrNotFound)
	}
	return nil
}

// wrap переводит pgx.ErrNoRows в store.ErrNotFound.
func wrap(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}
