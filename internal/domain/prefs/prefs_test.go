package prefs_test

import (
	"path/filepath"
	"testing"

	"clofri/internal/domain/prefs"
	"clofri/internal/infra/storage"
)

func TestPrefsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bbolt")
	kv, err := storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}

	p := prefs.Open(kv)
	if !p.SoundEnabled() {
		t.Fatal("SoundEnabled() default = false, want true")
	}
	msg := "  brb  "
	if err := p.SetStatusMessage(&msg); err != nil {
		t.Fatal(err)
	}
	if err := p.SetAutoReply(true); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSoundEnabled(false); err != nil {
		t.Fatal(err)
	}
	_ = kv.Close()

	kv, err = storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	p = prefs.Open(kv)
	if got := p.StatusMessage(); got == nil || *got != "brb" {
		t.Fatalf("StatusMessage() = %v, want brb", got)
	}
	if !p.AutoReply() {
		t.Fatal("AutoReply() = false, want true")
	}
	if p.SoundEnabled() {
		t.Fatal("SoundEnabled() = true, want false")
	}

	empty := "   "
	if err := p.SetStatusMessage(&empty); err != nil {
		t.Fatal(err)
	}
	if got := p.StatusMessage(); got != nil {
		t.Fatalf("StatusMessage() after blank = %q, want nil", *got)
	}
}

func TestPrefsWithoutKV(t *testing.T) {
	t.Parallel()

	p := prefs.Open(nil)
	if err := p.SetAutoReply(true); err != nil {
		t.Fatal(err)
	}
	if !p.AutoReply() {
		t.Fatal("AutoReply() = false")
	}
}
