package app

import (
	"context"
	"path/filepath"
	"testing"

	"clofri/internal/adapters/realtime/phoenix"
	"clofri/internal/domain/notify"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/config"
	"clofri/internal/infra/lifecycle"
)

func newMemoryApp(t *testing.T) (*App, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		env: config.EnvConfig{
			RealtimeBackend: config.BackendMemory,
			UserID:          "0f8e1c2a-aaaa-bbbb-cccc-000000000001",
			DisplayName:     "alice",
			StateFile:       filepath.Join(t.TempDir(), "state.bbolt"),
			BroadcastRPS:    10,
			UnreadPollSec:   15,
		},
		mainCtx:    ctx,
		mainCancel: cancel,
		clock:      clock.Real(),
		view:       &notify.CurrentView{},
	}
	if err := a.resolveIdentity(); err != nil {
		t.Fatal(err)
	}
	a.services = lifecycle.New(ctx)
	if err := a.registerServices(); err != nil {
		t.Fatal(err)
	}
	return a, cancel
}

func TestMemoryBackendStartsAndStops(t *testing.T) {
	t.Parallel()

	a, cancel := newMemoryApp(t)
	defer cancel()

	if err := a.services.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	for _, st := range a.services.States() {
		if st.Status != lifecycle.StatusRunning {
			t.Fatalf("node %s = %s (%s)", st.Name, st.Status, st.Error)
		}
	}

	ctx := context.Background()
	st, err := a.executor.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Joined || !st.Subscribed {
		t.Fatalf("status = %+v", st)
	}

	group, err := a.executor.CreateGroup(ctx, "book club")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	lists, err := a.executor.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.Groups) != 1 || lists.Groups[0].ID != group.ID {
		t.Fatalf("groups = %+v", lists.Groups)
	}

	if err := a.services.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, st := range a.services.States() {
		if st.Status != lifecycle.StatusStopped {
			t.Fatalf("node %s after shutdown = %s", st.Name, st.Status)
		}
	}
}

func TestResolveIdentityFromEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  config.EnvConfig
		want string
	}{
		{
			name: "memory",
			env:  config.EnvConfig{RealtimeBackend: config.BackendMemory, UserID: "u1", DisplayName: "me"},
			want: "u1",
		},
		{
			name: "redis without token",
			env:  config.EnvConfig{RealtimeBackend: config.BackendRedis, UserID: "u2", DisplayName: "me"},
			want: "u2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := &App{env: tt.env, clock: clock.Real()}
			if err := a.resolveIdentity(); err != nil {
				t.Fatal(err)
			}
			if a.identity.UserID != tt.want || a.token != "" {
				t.Fatalf("identity = %+v token %q", a.identity, a.token)
			}
		})
	}
}

func TestFriendCode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"0f8e1c2a-aaaa-bbbb": "0F8E1C2A",
		"abc":                "ABC",
	}
	for in, want := range tests {
		if got := friendCode(in); got != want {
			t.Fatalf("friendCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenTransportSupabaseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "unsupported scheme", url: "ftp://example.supabase.co", wantErr: true},
		{name: "no host", url: "https://", wantErr: true},
		{name: "valid", url: "http://127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := &App{env: config.EnvConfig{
				RealtimeBackend: config.BackendSupabase,
				SupabaseURL:     tt.url,
				SupabaseAnonKey: "anon",
				BroadcastRPS:    10,
			}}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := a.openTransport(ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("openTransport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if _, ok := a.transport.(*phoenix.Socket); !ok {
				t.Fatalf("transport = %T, want *phoenix.Socket", a.transport)
			}
			if err := a.closeRT(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}
