package chat_test

import (
	"fmt"
	"testing"
	"time"

	"clofri/internal/domain/chat"
	"clofri/internal/domain/model"
)

func msgAt(id string, sec int) model.Message {
	return model.Message{ID: id, Text: id, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}
}

func ids(list []model.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		history []model.Message
		local   []model.Message
		limit   int
		want    string
	}{
		{
			name:    "overlap is deduplicated",
			history: []model.Message{msgAt("m1", 1), msgAt("m2", 2)},
			local:   []model.Message{msgAt("m2", 2), msgAt("m3", 3)},
			limit:   50,
			want:    "[m1 m2 m3]",
		},
		{
			name:    "resorted by time",
			history: []model.Message{msgAt("m2", 5)},
			local:   []model.Message{msgAt("m1", 1), msgAt("m3", 9)},
			limit:   50,
			want:    "[m1 m2 m3]",
		},
		{
			name:    "window keeps newest",
			history: []model.Message{msgAt("m1", 1), msgAt("m2", 2)},
			local:   []model.Message{msgAt("m3", 3), msgAt("m4", 4)},
			limit:   3,
			want:    "[m2 m3 m4]",
		},
		{
			name:  "empty history",
			local: []model.Message{msgAt("m1", 1)},
			limit: 50,
			want:  "[m1]",
		},
		{
			name:    "messages without id dropped",
			history: []model.Message{msgAt("", 1), msgAt("m1", 2)},
			limit:   50,
			want:    "[m1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fmt.Sprint(ids(chat.Merge(tt.history, tt.local, tt.limit)))
			if got != tt.want {
				t.Fatalf("Merge() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMergeHistoryVersionWins(t *testing.T) {
	t.Parallel()

	persisted := msgAt("m1", 1)
	persisted.DisplayName = "Alice"
	optimistic := msgAt("m1", 1)

	got := chat.Merge([]model.Message{persisted}, []model.Message{optimistic}, chat.HistoryLimit)
	if len(got) != 1 || got[0].DisplayName != "Alice" {
		t.Fatalf("Merge() = %+v, want the persisted copy only", got)
	}
}
