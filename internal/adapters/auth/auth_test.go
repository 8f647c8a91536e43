package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var now = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func sign(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParse(t *testing.T) {
	t.Parallel()

	future := now.Add(time.Hour).Unix()
	cases := []struct {
		name     string
		claims   jwt.MapClaims
		wantErr  error
		wantID   string
		wantName string
	}{
		{
			name:     "metadata display name",
			claims:   jwt.MapClaims{"sub": "u1", "exp": future, "user_metadata": map[string]any{"display_name": "Alice"}},
			wantID:   "u1",
			wantName: "Alice",
		},
		{
			name:     "falls back to email",
			claims:   jwt.MapClaims{"sub": "u2", "exp": future, "email": "bob@example.com"},
			wantID:   "u2",
			wantName: "bob",
		},
		{
			name:    "no subject",
			claims:  jwt.MapClaims{"exp": future},
			wantErr: ErrNoSubject,
		},
		{
			name:    "expired",
			claims:  jwt.MapClaims{"sub": "u3", "exp": now.Add(-time.Minute).Unix()},
			wantErr: ErrExpired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := Parse(sign(t, tc.claims), now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.UserID != tc.wantID || s.DisplayName != tc.wantName {
				t.Fatalf("session = %+v", s)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Parse("", now); !errors.Is(err, ErrNoToken) {
		t.Fatalf("empty token err = %v", err)
	}
	if _, err := Parse("not-a-jwt", now); err == nil {
		t.Fatal("expected parse error")
	}
}
