package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
)

// LogEntry представляет одну запись лога
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Caller  string `json:"caller,omitempty"`
	Message string `json:"message"`
}

// LogsPage — страница лога, новые записи первыми.
type LogsPage struct {
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
	Entries    []LogEntry `json:"entries"`
}

const (
	logsPageSize       = 200
	paginationMaxPages = 100
	maxLogFileSize     = 100 * 1024 * 1024
)

var errNoLogFile = errors.New("log file not configured")

// handleLogs отдаёт файловый JSON-лог постранично
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	entries, totalPages, err := readLogs(s.logFile, page, logsPageSize)
	if errors.Is(err, errNoLogFile) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeFailure(w, "logs", err)
		return
	}
	writeJSON(w, http.StatusOK, LogsPage{Page: page, TotalPages: totalPages, Entries: entries})
}

// parsePage извлекает номер страницы из запроса
func parsePage(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return min(page, paginationMaxPages)
}

// readLogs читает лог целиком и возвращает страницу с конца файла.
func readLogs(path string, page, pageSize int) ([]LogEntry, int, error) {
	if path == "" {
		return nil, 0, errNoLogFile
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	if stat.Size() > maxLogFileSize {
		return nil, 0, fmt.Errorf("log file too large: %d bytes (max %d), consider log rotation",
			stat.Size(), maxLogFileSize)
	}

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read log file: %w", err)
	}
	slices.Reverse(lines)

	totalPages := (len(lines) + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start >= len(lines) {
		return []LogEntry{}, totalPages, nil
	}
	end := min(start+pageSize, len(lines))

	entries := make([]LogEntry, 0, end-start)
	for _, line := range lines[start:end] {
		entries = append(entries, parseLogLine(line))
	}
	return entries, totalPages, nil
}

// parseLogLine разбирает строку NDJSON zap; нечитаемая строка отдаётся как есть.
func parseLogLine(line string) LogEntry {
	var raw struct {
		Level  string `json:"level"`
		Time   string `json:"time"`
		TS     string `json:"ts"`
		Caller string `json:"caller"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{Level: "UNKNOWN", Message: line}
	}
	ts := raw.Time
	if ts == "" {
		ts = raw.TS
	}
	return LogEntry{Time: ts, Level: normalizeLevel(raw.Level), Caller: raw.Caller, Message: raw.Msg}
}

// normalizeLevel приводит уровень к верхнему регистру
func normalizeLevel(level string) string {
	switch level {
	case "debug", "DEBUG":
		return "DEBUG"
	case "info", "INFO":
		return "INFO"
	case "warn", "warning", "WARN":
		return "WARN"
	case "error", "ERROR":
		return "ERROR"
	default:
		return level
	}
}
