// Package auth извлекает личность пользователя из токена доступа хостингового
// бэкенда. Подпись не проверяется: токен выдан сервером и сервер же проверит его
// при каждом запросе; клиенту нужны только subject и метаданные профиля.
// Если токена нет в окружении, он запрашивается в терминале без эха.
package auth

import (
	"strings"
	"time"

	"clofri/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSubject = errors.New("auth: token has no subject")
	ErrExpired   = errors.New("auth: token expired")
	ErrNoToken   = errors.New("auth: access token is empty")
)

// Session — личность из токена.
type Session struct {
	Token       string
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
	ExpiresAt   time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// Parse разбирает токен без проверки подписи. Истёкший (на момент now) токен
// отклоняется: realtime-сервер всё равно не примет join с ним.
func Parse(token string, now time.Time) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrNoToken
	}
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Session{}, errors.Wrap(err, "parse access token")
	}
	if c.Subject == "" {
		return Session{}, ErrNoSubject
	}
	s := Session{
		Token:       token,
		UserID:      c.Subject,
		Email:       c.Email,
		DisplayName: metaString(c.UserMetadata, "display_name", "full_name", "name"),
		AvatarURL:   metaString(c.UserMetadata, "avatar_url", "picture"),
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
		if !now.Before(s.ExpiresAt) {
			return s, ErrExpired
		}
	}
	if s.DisplayName == "" && s.Email != "" {
		s.DisplayName, _, _ = strings.Cut(s.Email, "@")
	}
	return s, nil
}

// Resolve возвращает сессию из token; пустой token в интерактивном режиме
// запрашивается у пользователя.
func Resolve(token string, now time.Time) (Session, error) {
	if strings.TrimSpace(token) == "" && pr.IsTerminal() {
		entered, err := pr.ReadSecret("Enter access token: ")
		if err != nil {
			return Session{}, errors.Wrap(err, "read access token")
		}
		token = entered
	}
	return Parse(token, now)
}

func metaString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
