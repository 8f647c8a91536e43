package prefs_test

import (
	"errors"
	"path/filepath"
	"testing"

	"clofri/internal/domain/prefs"
	"clofri/internal/infra/storage"
)

func TestCategoriesSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bbolt")
	kv, err := storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}
	c := prefs.OpenCategories(kv)
	work, err := c.Add(" work ")
	if err != nil {
		t.Fatal(err)
	}
	school, err := c.Add("school")
	if err != nil {
		t.Fatal(err)
	}
	if work.Name != "work" || work.Color == school.Color {
		t.Fatalf("categories = %+v, %+v", work, school)
	}
	if err := c.Assign("f1", work.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Assign("f2", school.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Rename(school.ID, "uni"); err != nil {
		t.Fatal(err)
	}
	_ = kv.Close()

	kv, err = storage.OpenKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	c = prefs.OpenCategories(kv)
	if got := c.List(); len(got) != 2 || got[1].Name != "uni" {
		t.Fatalf("List() = %+v", got)
	}
	if got, ok := c.For("f1"); !ok || got.ID != work.ID {
		t.Fatalf("For(f1) = %+v, %v", got, ok)
	}

	if err := c.Remove(school.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.For("f2"); ok {
		t.Fatal("assignment survived category removal")
	}
	if got := c.Assignments(); len(got) != 1 || got["f1"] != work.ID {
		t.Fatalf("Assignments() = %v", got)
	}
}

func TestCategoryErrors(t *testing.T) {
	t.Parallel()

	c := prefs.OpenCategories(nil)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "empty name", err: func() error { _, err := c.Add("  "); return err }(), want: prefs.ErrCategoryName},
		{name: "rename unknown", err: c.Rename("nope", "x"), want: prefs.ErrCategoryNotFound},
		{name: "remove unknown", err: c.Remove("nope"), want: prefs.ErrCategoryNotFound},
		{name: "assign unknown", err: c.Assign("f1", "nope"), want: prefs.ErrCategoryNotFound},
		{name: "unassign missing", err: c.Assign("f1", ""), want: nil},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Fatalf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
}
