package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clofri/internal/domain/chat"
	"clofri/internal/domain/commands"
	"clofri/internal/domain/model"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/roster"
	"clofri/internal/domain/store"
	"clofri/internal/infra/lifecycle"
)

type fakeExec struct {
	commands.Executor
	status  commands.StatusResult
	sendErr error
	touched int
	visible []bool
	ended   []string
	kicked  []string
	profile model.ProfileUpdate
	assign  []string
}

func (f *fakeExec) KickMember(_ context.Context, groupID, userID string) error {
	if userID == "me" {
		return roster.ErrSelfKick
	}
	f.kicked = append(f.kicked, groupID+"/"+userID)
	return nil
}

func (f *fakeExec) UpdateProfile(_ context.Context, upd model.ProfileUpdate) (*model.Profile, error) {
	f.profile = upd
	return &model.Profile{ID: "me", DisplayName: *upd.DisplayName}, nil
}

func (f *fakeExec) AddCategory(_ context.Context, name string) (*prefs.Category, error) {
	if name == "" {
		return nil, prefs.ErrCategoryName
	}
	return &prefs.Category{ID: "c1", Name: name, Color: "blue"}, nil
}

func (f *fakeExec) AssignFriend(_ context.Context, friendshipID, categoryID string) error {
	if categoryID == "missing" {
		return prefs.ErrCategoryNotFound
	}
	f.assign = append(f.assign, friendshipID+"/"+categoryID)
	return nil
}

func (f *fakeExec) Status(context.Context) (*commands.StatusResult, error) {
	st := f.status
	return &st, nil
}

func (f *fakeExec) Send(_ context.Context, text string) (*model.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &model.Message{ID: "m1", Text: text}, nil
}

func (f *fakeExec) Touch(context.Context) error { f.touched++; return nil }

func (f *fakeExec) SetVisible(_ context.Context, v bool) error {
	f.visible = append(f.visible, v)
	return nil
}

func (f *fakeExec) EndDM(_ context.Context, id string) error {
	f.ended = append(f.ended, id)
	return nil
}

func newTestServer(t *testing.T, exec *fakeExec) (*Server, *http.Cookie) {
	t.Helper()
	s := NewServer(exec, Options{Address: "127.0.0.1:0"})
	token := s.GenerateAuthToken()

	req := httptest.NewRequest(http.MethodGet, "/api/status?token="+token, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("token exchange code = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/status" {
		t.Fatalf("redirect = %q", loc)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return s, c
		}
	}
	t.Fatal("no session cookie")
	return nil, nil
}

func do(s *Server, cookie *http.Cookie, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{status: commands.StatusResult{Joined: true, Subscribed: true}}
	s, cookie := newTestServer(t, exec)

	if rec := do(s, nil, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no cookie code = %d", rec.Code)
	}
	rec := do(s, cookie, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d body %s", rec.Code, rec.Body)
	}
	var st commands.StatusResult
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Subscribed {
		t.Fatalf("status = %+v", st)
	}

	if rec := do(s, nil, http.MethodGet, "/api/status?token=whatever", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token code = %d", rec.Code)
	}

	if rec := do(s, cookie, http.MethodPost, "/api/logout", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout code = %d", rec.Code)
	}
	if rec := do(s, cookie, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after logout code = %d", rec.Code)
	}
}

func TestLoginTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeExec{}, Options{Address: "127.0.0.1:0"})
	token := s.GenerateAuthToken()
	if rec := do(s, nil, http.MethodGet, "/?token="+token, ""); rec.Code != http.StatusSeeOther {
		t.Fatalf("first use = %d", rec.Code)
	}
	if rec := do(s, nil, http.MethodGet, "/?token="+token, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("second use = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status commands.StatusResult
		want   int
	}{
		{
			name: "all running",
			status: commands.StatusResult{Subscribed: true, Services: []lifecycle.NodeState{
				{Name: "presence", Status: lifecycle.StatusRunning},
			}},
			want: http.StatusOK,
		},
		{
			name:   "lobby down",
			status: commands.StatusResult{Subscribed: false},
			want:   http.StatusServiceUnavailable,
		},
		{
			name: "service failed",
			status: commands.StatusResult{Subscribed: true, Services: []lifecycle.NodeState{
				{Name: "web", Status: lifecycle.StatusFailed, Error: "bind"},
			}},
			want: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewServer(&fakeExec{status: tt.status}, Options{Address: "127.0.0.1:0"})
			if rec := do(s, nil, http.MethodGet, "/health", ""); rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestChatAndActivityEndpoints(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	s, cookie := newTestServer(t, exec)

	rec := do(s, cookie, http.MethodPost, "/api/chat/send", `{"text":"hi"}`)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"text":"hi"`) {
		t.Fatalf("send = %d %s", rec.Code, rec.Body)
	}
	exec.sendErr = commands.ErrNoChat
	if rec := do(s, cookie, http.MethodPost, "/api/chat/send", `{"text":"hi"}`); rec.Code != http.StatusConflict {
		t.Fatalf("send without chat = %d", rec.Code)
	}
	if rec := do(s, cookie, http.MethodPost, "/api/chat/send", `{"txt":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", rec.Code)
	}

	if rec := do(s, cookie, http.MethodPost, "/api/activity", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("touch = %d", rec.Code)
	}
	if rec := do(s, cookie, http.MethodPost, "/api/activity", `{"visible":false}`); rec.Code != http.StatusNoContent {
		t.Fatalf("visibility = %d", rec.Code)
	}
	if exec.touched != 1 || len(exec.visible) != 1 || exec.visible[0] {
		t.Fatalf("touched=%d visible=%v", exec.touched, exec.visible)
	}

	if rec := do(s, cookie, http.MethodDelete, "/api/dm/s1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("end dm = %d", rec.Code)
	}
	if len(exec.ended) != 1 || exec.ended[0] != "s1" {
		t.Fatalf("ended = %v", exec.ended)
	}
}

func TestGroupProfileAndCategoryEndpoints(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	s, cookie := newTestServer(t, exec)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"kick", http.MethodPost, "/api/groups/g1/kick", `{"user_id":"u2"}`, http.StatusNoContent},
		{"kick without user", http.MethodPost, "/api/groups/g1/kick", `{}`, http.StatusBadRequest},
		{"kick self", http.MethodPost, "/api/groups/g1/kick", `{"user_id":"me"}`, http.StatusBadRequest},
		{"profile", http.MethodPost, "/api/profile", `{"display_name":"Neo"}`, http.StatusOK},
		{"empty profile update", http.MethodPost, "/api/profile", `{}`, http.StatusBadRequest},
		{"add category", http.MethodPost, "/api/categories", `{"name":"work"}`, http.StatusCreated},
		{"unnamed category", http.MethodPost, "/api/categories", `{"name":""}`, http.StatusBadRequest},
		{"assign", http.MethodPost, "/api/friends/f1/category", `{"category_id":"c1"}`, http.StatusNoContent},
		{"assign unknown", http.MethodPost, "/api/friends/f1/category", `{"category_id":"missing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(s, cookie, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Fatalf("%s: code = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body)
		}
	}
	if len(exec.kicked) != 1 || exec.kicked[0] != "g1/u2" {
		t.Fatalf("kicked = %v", exec.kicked)
	}
	if exec.profile.DisplayName == nil || *exec.profile.DisplayName != "Neo" || exec.profile.AvatarURL != nil {
		t.Fatalf("profile update = %+v", exec.profile)
	}
	if len(exec.assign) != 1 || exec.assign[0] != "f1/c1" {
		t.Fatalf("assign = %v", exec.assign)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound},
		{roster.ErrNotCreator, http.StatusForbidden},
		{chat.ErrNudgeCooldown, http.StatusTooManyRequests},
		{chat.ErrEmptyMessage, http.StatusBadRequest},
		{commands.ErrNoChat, http.StatusConflict},
		{roster.ErrNotMember, http.StatusNotFound},
		{roster.ErrSelfKick, http.StatusBadRequest},
		{prefs.ErrCategoryNotFound, http.StatusNotFound},
		{commands.ErrEmptyProfileName, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Fatalf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestReadLogs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clofri.log")
	lines := []string{
		`{"level":"INFO","time":"2026-05-04T09:00:00Z","caller":"app/app.go:10","msg":"first"}`,
		`not json`,
		`{"level":"warn","time":"2026-05-04T09:00:01Z","msg":"third"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, pages, err := readLogs(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if pages != 2 || len(entries) != 2 {
		t.Fatalf("pages=%d entries=%+v", pages, entries)
	}
	if entries[0].Message != "third" || entries[0].Level != "WARN" {
		t.Fatalf("newest entry = %+v", entries[0])
	}
	if entries[1].Level != "UNKNOWN" || entries[1].Message != "not json" {
		t.Fatalf("raw entry = %+v", entries[1])
	}

	if _, _, err := readLogs("", 1, 10); !errors.Is(err, errNoLogFile) {
		t.Fatalf("missing log file err = %v", err)
	}
}
