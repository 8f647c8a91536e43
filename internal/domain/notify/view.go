package notify

import (
	"sync"

	"clofri/internal/domain/model"
)

// CurrentView — какая беседа сейчас открыта у пользователя. Точка во времени:
// роутер читает её в момент доставки события.
type CurrentView struct {
	mu   sync.RWMutex
	kind model.ConversationKind
	id   string
}

// Set запоминает открытую беседу.
func (v *CurrentView) Set(kind model.ConversationKind, id string) {
	v.mu.Lock()
	v.kind, v.id = kind, id
	v.mu.Unlock()
}

// Clear — пользователь ушёл из бесед (списки, друзья).
func (v *CurrentView) Clear() {
	v.Set("", "")
}

// Current возвращает открытую беседу; пустой id — ничего не открыто.
func (v *CurrentView) Current() (model.ConversationKind, string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.kind, v.id
}
