// Пакет config отвечает за сбор и предоставление конфигурации клиента clofri.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. подставляет значения по умолчанию с накоплением предупреждений,
//  4. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Бизнес-контекст: конфиг среды выбирает realtime-бэкенд (Supabase Realtime,
// Redis или локальный in-process хаб), задаёт адреса хранилищ, тайминги движка
// присутствия (heartbeat, idle, порог «протухания»), логирование, веб-сервер и CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"clofri/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// Поддерживаемые realtime-бэкенды.
const (
	BackendSupabase = "supabase"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	RealtimeBackend string
	SupabaseURL     string
	SupabaseAnonKey string
	AccessToken     string
	DatabaseURL     string
	RedisURL        string
	// UserID/DisplayName нужны только для бэкенда memory, где нет токена.
	UserID      string
	DisplayName string
	StateFile   string
	LogLevel    string
	AppTimezone string
	// Тайминги движка присутствия и уведомлений
	HeartbeatIntervalMS int
	IdleTimeoutMS       int
	StaleThresholdMS    int
	UnreadPollSec       int
	BroadcastRPS        int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Web Server
	WebServerEnable  bool
	WebServerAddress string
	CLIEnable        bool
}

// HeartbeatInterval возвращает период heartbeat присутствия.
func (e EnvConfig) HeartbeatInterval() time.Duration { return timeutil.Millis(e.HeartbeatIntervalMS) }

// IdleTimeout возвращает таймаут бездействия монитора активности.
func (e EnvConfig) IdleTimeout() time.Duration { return timeutil.Millis(e.IdleTimeoutMS) }

// StaleThreshold возвращает порог, после которого Active-запись считается Idle.
func (e EnvConfig) StaleThreshold() time.Duration { return timeutil.Millis(e.StaleThresholdMS) }

// UnreadPollInterval возвращает период опроса списка DM-сессий.
func (e EnvConfig) UnreadPollInterval() time.Duration {
	return time.Duration(e.UnreadPollSec) * time.Second
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultBackend          = BackendSupabase
	defaultLogLevel         = "info"
	defaultStateFile        = "data/state.bbolt"
	defaultAppTimezone      = "UTC"
	defaultHeartbeatMS      = 60_000
	defaultIdleTimeoutMS    = 300_000
	defaultStaleThresholdMS = 360_000
	defaultUnreadPollSec    = 15
	defaultBroadcastRPS     = 10
	defaultDisplayName      = "me"
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	// Web Server
	defaultWebServerEnable  = false
	defaultWebServerAddress = "127.0.0.1:8080"
	defaultCLIEnable        = true
)

var (
	cfgInstance = &Config{}
	cfgDone     bool
)

// AppLocation — глобальная таймзона приложения (APP_TIMEZONE).
var AppLocation = time.UTC

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance.Env = newCfg.Env
	cfgInstance.warnings = newCfg.warnings
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Отсутствующий .env не ошибка: значения могут прийти из окружения процесса.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
	}

	backend := sanitizeBackend(os.Getenv("REALTIME_BACKEND"), &warnings)
	supabaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/")
	anonKey := strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY"))
	accessToken := strings.TrimSpace(os.Getenv("ACCESS_TOKEN"))
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	userID := strings.TrimSpace(os.Getenv("USER_ID"))
	displayName := strings.TrimSpace(os.Getenv("DISPLAY_NAME"))

	switch backend {
	case BackendSupabase:
		if supabaseURL == "" || anonKey == "" {
			return nil, errors.New("env SUPABASE_URL and SUPABASE_ANON_KEY must be set for supabase backend")
		}
		if accessToken == "" {
			appendWarningf(&warnings, "env ACCESS_TOKEN is not set; it will be requested interactively")
		}
	case BackendRedis:
		if redisURL == "" {
			return nil, errors.New("env REDIS_URL must be set for redis backend")
		}
		if accessToken == "" && userID == "" {
			return nil, errors.New("env ACCESS_TOKEN or USER_ID must be set for redis backend")
		}
	case BackendMemory:
		if userID == "" {
			return nil, errors.New("env USER_ID must be set for memory backend")
		}
	}
	if backend != BackendMemory && databaseURL == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}
	if displayName == "" {
		displayName = defaultDisplayName
	}

	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)

	heartbeat := parseIntDefault("HEARTBEAT_INTERVAL_MS", defaultHeartbeatMS, greaterThanZero, &warnings)
	idle := parseIntDefault("IDLE_TIMEOUT_MS", defaultIdleTimeoutMS, greaterThanZero, &warnings)
	stale := parseIntDefault("STALE_THRESHOLD_MS", defaultStaleThresholdMS, greaterThanZero, &warnings)
	if stale <= heartbeat {
		appendWarningf(&warnings,
			"env STALE_THRESHOLD_MS (%d) must exceed HEARTBEAT_INTERVAL_MS (%d); using defaults %d/%d",
			stale, heartbeat, defaultStaleThresholdMS, defaultHeartbeatMS)
		heartbeat, stale = defaultHeartbeatMS, defaultStaleThresholdMS
	}
	pollSec := parseIntDefault("UNREAD_POLL_INTERVAL_SEC", defaultUnreadPollSec, greaterThanZero, &warnings)
	rps := parseIntDefault("BROADCAST_RPS", defaultBroadcastRPS, greaterThanZero, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)
	// Web Server
	webServerEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webServerAddress := sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)
	cliEnable := parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings)

	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}
	AppLocation = loc

	env := EnvConfig{
		RealtimeBackend:     backend,
		SupabaseURL:         supabaseURL,
		SupabaseAnonKey:     anonKey,
		AccessToken:         accessToken,
		DatabaseURL:         databaseURL,
		RedisURL:            redisURL,
		UserID:              userID,
		DisplayName:         displayName,
		StateFile:           stateFile,
		LogLevel:            logLevel,
		AppTimezone:         appTimezone,
		HeartbeatIntervalMS: heartbeat,
		IdleTimeoutMS:       idle,
		StaleThresholdMS:    stale,
		UnreadPollSec:       pollSec,
		BroadcastRPS:        rps,
		LogFile:             logFile,
		LogFileLevel:        logFileLevel,
		LogFileMaxSize:      logFileMaxSize,
		LogFileMaxBackups:   logFileMaxBackups,
		LogFileMaxAge:       logFileMaxAge,
		LogFileCompress:     logFileCompress,
		WebServerEnable:     webServerEnable,
		WebServerAddress:    webServerAddress,
		CLIEnable:           cliEnable,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeBackend ограничивает REALTIME_BACKEND набором {supabase, redis, memory}.
func sanitizeBackend(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		appendWarningf(warnings, "env REALTIME_BACKEND is not set; using default %q", defaultBackend)
		return defaultBackend
	case BackendSupabase, BackendRedis, BackendMemory:
		return v
	default:
		appendWarningf(warnings, "env REALTIME_BACKEND value %q is invalid; using default %q", value, defaultBackend)
		return defaultBackend
	}
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает значение переменной или fallback с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezone проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
func sanitizeTimezone(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
