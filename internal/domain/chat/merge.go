package chat

import (
	"slices"

	"clofri/internal/domain/model"
)

// HistoryLimit — окно истории беседы.
const HistoryLimit = 50

// Merge сливает историю из хранилища с локальными сообщениями: повторы по id
// отбрасываются (побеждает версия из истории), результат сортируется по
// времени создания и обрезается до последних limit сообщений.
func Merge(history, local []model.Message, limit int) []model.Message {
	seen := make(map[string]struct{}, len(history)+len(local))
	out := make([]model.Message, 0, len(history)+len(local))
	for _, list := range [][]model.Message{history, local} {
		for _, m := range list {
			if m.ID == "" {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = slices.Clone(out[len(out)-limit:])
	}
	return out
}
