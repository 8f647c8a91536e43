package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clofri/internal/domain/commands"
	"clofri/internal/infra/clock"

	"github.com/gorilla/websocket"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSessionLifetime(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	m := newSessions(clk, time.Minute)

	token := m.issue()
	sess, ok := m.login(token, "127.0.0.1:5000")
	if !ok {
		t.Fatal("login with issued token failed")
	}
	if _, ok := m.login(token, "127.0.0.1:5000"); ok {
		t.Fatal("token must work once")
	}

	clk.Advance(50 * time.Second)
	if _, ok := m.lookup(sess.id); !ok {
		t.Fatal("active session should be extended")
	}
	clk.Advance(50 * time.Second)
	if _, ok := m.lookup(sess.id); !ok {
		t.Fatal("session used within ttl must stay alive")
	}
	if isClosed(sess.Done()) {
		t.Fatal("live session reported done")
	}

	clk.Advance(2 * time.Minute)
	m.sweep()
	if !isClosed(sess.Done()) {
		t.Fatal("expired session should be done")
	}
	if _, ok := m.lookup(sess.id); ok {
		t.Fatal("expired session still valid")
	}
}

func TestNewLinkEndsOpenSessions(t *testing.T) {
	t.Parallel()

	m := newSessions(clock.NewFake(time.Now()), time.Hour)
	first, _ := m.login(m.issue(), "a")
	second, _ := m.login(m.issue(), "b")
	if !isClosed(first.Done()) {
		t.Fatal("a new login link should end earlier sessions")
	}
	if isClosed(second.Done()) {
		t.Fatal("fresh session ended")
	}
	m.logout(second.id)
	m.logout(second.id)
	if !isClosed(second.Done()) {
		t.Fatal("logout should end the session")
	}
}

// watchExec отдаёт поток событий без реального клиента.
type watchExec struct {
	fakeExec
}

func (*watchExec) Watch(func(commands.Event)) func() { return func() {} }

func TestLogoutClosesEventStream(t *testing.T) {
	t.Parallel()

	exec := &watchExec{}
	s := NewServer(exec, Options{Address: "127.0.0.1:0"})
	sess, ok := s.sessions.login(s.GenerateAuthToken(), "test")
	if !ok {
		t.Fatal("login failed")
	}
	cookie := &http.Cookie{Name: sessionCookieName, Value: sess.id}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Add("Cookie", cookie.String())
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if rec := do(s, cookie, http.MethodPost, "/api/logout", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", rec.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("stream after logout: %v", err)
	}
}
