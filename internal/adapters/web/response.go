package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"clofri/internal/domain/chat"
	"clofri/internal/domain/commands"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/roster"
	"clofri/internal/domain/store"
	"clofri/internal/infra/logger"

	"go.uber.org/zap"
)

const maxBodySize = 16 * 1024

// writeResponse записывает ответ в ResponseWriter с автоматическим логированием ошибок.
// Автоматически определяет место вызова для отладки.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	// Получаем информацию о вызывающей функции
	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		status = http.StatusInternalServerError
		data = []byte(`{"error":"encode failure"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeResponse(w, data)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure отвечает ошибкой команды с кодом по её виду.
func writeFailure(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("command failed", zap.String("op", op), zap.Error(err))
	} else {
		logger.Debug("command rejected", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, roster.ErrInvalidCode),
		errors.Is(err, roster.ErrNotMember), errors.Is(err, prefs.ErrCategoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, commands.ErrNoChat), errors.Is(err, presence.ErrNotJoined),
		errors.Is(err, roster.ErrAlreadyFriends), errors.Is(err, roster.ErrRequestPending):
		return http.StatusConflict
	case errors.Is(err, roster.ErrNotCreator), errors.Is(err, chat.ErrNotGroup):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNudgeCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, roster.ErrEmptyName),
		errors.Is(err, roster.ErrSelfRequest), errors.Is(err, roster.ErrSelfKick),
		errors.Is(err, prefs.ErrCategoryName), errors.Is(err, commands.ErrEmptyProfileName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody читает JSON-тело запроса; пустое тело допустимо.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
