// Package debug — вспомогательные утилиты для отладки клиента.
// Печатает в консоль компактную трассу событий состояния (присутствие,
// непрочитанное, списки, беседа) и режет длинные тексты по границе рун.
// Пакет не влияет на бизнес‑логику: при DEBUG=false все функции молчат.
package debug

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"clofri/internal/domain/commands"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/pr"

	"go.uber.org/zap"
)

// DEBUG — глобальный переключатель режима отладки. Включается в main при
// LOG_LEVEL=debug.
var DEBUG = false

const textMaxLen = 50

// Truncate режет текст до max рун, добавляя "...".
func Truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// PrintEvent печатает одну строку о событии состояния клиента.
// Формат: [debug] <тип> > <сводка>.
func PrintEvent(ev commands.Event) {
	if !DEBUG {
		return
	}
	var summary string
	switch data := ev.Data.(type) {
	case commands.UsersResult:
		names := make([]string, 0, len(data.Users))
		for _, u := range data.Users {
			names = append(names, fmt.Sprintf("%s(%s)", u.DisplayName, u.Status))
		}
		summary = strings.Join(names, ", ")
	case []string:
		summary = fmt.Sprintf("unread=%v", data)
	case *commands.ListsResult:
		summary = fmt.Sprintf("dms=%d groups=%d friends=%d", len(data.DMSessions), len(data.Groups), len(data.Friends.Accepted))
	case commands.ChatResult:
		summary = fmt.Sprintf("%s messages=%d typing=%v", data.Conversation.ID, len(data.Messages), data.Typing)
		if n := len(data.Messages); n > 0 {
			summary += " last=" + Truncate(data.Messages[n-1].Text, textMaxLen)
		}
	case commands.NudgeEvent:
		summary = fmt.Sprintf("%s from %s", data.ConversationID, data.From)
	default:
		// На случай новых типов событий печатаем отладочную форму.
		summary = strings.TrimSpace(pr.Pf(data))
	}
	pr.Printf("[debug] %s > %s\n", ev.Type, summary)
}

// Debug пишет запись уровня Debug в общий лог только при активном DEBUG.
func Debug(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Debug(msg, fields...)
	}
}
