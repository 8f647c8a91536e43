// Package app — верхний уровень сборки клиента clofri.
// Здесь связываются конфигурация, хранилища (bbolt, Postgres), realtime-транспорт
// (Supabase Realtime, Redis или локальный хаб), движок присутствия, роутер
// уведомлений, списки бесед и интерфейсы (CLI, веб). Запуск и остановка идут
// через lifecycle.Manager, см. runner.go.
package app

import (
	"context"
	"strings"

	"clofri/internal/adapters/auth"
	"clofri/internal/adapters/cli"
	"clofri/internal/adapters/memstore"
	"clofri/internal/adapters/postgres"
	"clofri/internal/adapters/realtime/memory"
	"clofri/internal/adapters/realtime/phoenix"
	"clofri/internal/adapters/realtime/redisbus"
	"clofri/internal/adapters/sound"
	"clofri/internal/adapters/web"
	"clofri/internal/domain/chat"
	"clofri/internal/domain/commands"
	"clofri/internal/domain/model"
	"clofri/internal/domain/notify"
	"clofri/internal/domain/prefs"
	"clofri/internal/domain/presence"
	"clofri/internal/domain/realtime"
	"clofri/internal/domain/roster"
	"clofri/internal/domain/store"
	"clofri/internal/domain/unread"
	"clofri/internal/infra/clock"
	"clofri/internal/infra/config"
	"clofri/internal/infra/lifecycle"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/pr"
	"clofri/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// App агрегирует зависимости клиента и управляет их связью.
// Отвечает за:
//   - идентификацию текущего пользователя (JWT или USER_ID),
//   - выбор и подключение хранилища и realtime-бэкенда,
//   - сборку доменных сервисов поверх них,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	env        config.EnvConfig
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.
	clock      clock.Clock

	identity presence.Identity
	token    string // JWT для RLS realtime; пуст для memory и redis без токена

	kv         *storage.KV
	prefs      *prefs.Store
	categories *prefs.Categories
	store      store.Store
	closeDB    func()
	transport  realtime.Transport
	closeRT    func() error

	unread   *unread.Store
	presence *presence.Engine
	router   *notify.Router
	roster   *roster.Roster
	view     *notify.CurrentView
	bell     *sound.Bell
	executor *commands.CommandExecutor

	webServer *web.Server
	cli       *cli.Service

	services *lifecycle.Manager
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		env:        config.Env(),
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		clock:      clock.Real(),
		view:       &notify.CurrentView{},
	}
}

// Run определяет пользователя, регистрирует узлы и запускает их. Блокируется
// до отмены mainCtx и возвращает ошибку старта или остановки.
func (a *App) Run() error {
	logger.Info("clofri initializing...", zap.String("backend", a.env.RealtimeBackend))

	if err := a.resolveIdentity(); err != nil {
		return err
	}
	logger.Info("Signed in as:",
		zap.String("UserID", a.identity.UserID),
		zap.String("DisplayName", a.identity.DisplayName),
	)

	a.services = lifecycle.New(a.mainCtx)
	if err := a.registerServices(); err != nil {
		return errors.Wrap(err, "register services")
	}
	return a.runServices()
}

// resolveIdentity выбирает источник личности: memory и redis без токена берут
// USER_ID, иначе личность читается из JWT (токен запрашивается на терминале,
// если его нет в окружении).
func (a *App) resolveIdentity() error {
	env := a.env
	if env.RealtimeBackend == config.BackendMemory ||
		(env.RealtimeBackend == config.BackendRedis && env.AccessToken == "") {
		a.identity = presence.Identity{UserID: env.UserID, DisplayName: env.DisplayName}
		return nil
	}
	sess, err := auth.Resolve(env.AccessToken, a.clock.Now())
	if err != nil {
		return errors.Wrap(err, "auth")
	}
	a.token = sess.Token
	a.identity = presence.Identity{
		UserID:      sess.UserID,
		DisplayName: sess.DisplayName,
		AvatarURL:   sess.AvatarURL,
	}
	if a.identity.DisplayName == "" {
		a.identity.DisplayName = env.DisplayName
	}
	return nil
}

// openStorage открывает локальный bbolt (маркеры прочтения, настройки, категории друзей).
func (a *App) openStorage() error {
	kv, err := storage.OpenKV(a.env.StateFile)
	if err != nil {
		return errors.Wrap(err, "open state file")
	}
	a.kv = kv
	a.prefs = prefs.Open(kv)
	a.categories = prefs.OpenCategories(kv)
	return nil
}

// openStore подключает хранилище бесед и уточняет профиль текущего пользователя.
func (a *App) openStore(ctx context.Context) error {
	if a.env.RealtimeBackend == config.BackendMemory {
		mem := memstore.New(a.clock)
		mem.PutProfile(model.Profile{
			ID:          a.identity.UserID,
			DisplayName: a.identity.DisplayName,
			FriendCode:  friendCode(a.identity.UserID),
		})
		a.store = mem
		a.closeDB = func() {}
		return nil
	}

	pg, err := postgres.Open(ctx, a.env.DatabaseURL)
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return err
	}
	a.store = pg
	a.closeDB = pg.Close

	profile, err := pg.Profile(ctx, a.identity.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("profile not found; using name from token", zap.String("user_id", a.identity.UserID))
	case err != nil:
		return errors.Wrap(err, "load own profile")
	default:
		if profile.DisplayName != "" {
			a.identity.DisplayName = profile.DisplayName
		}
		if profile.AvatarURL != "" {
			a.identity.AvatarURL = profile.AvatarURL
		}
	}
	return nil
}

// openTransport подключает выбранный realtime-бэкенд. Supabase переподключается
// сам в фоне, поэтому старт не ждёт установки соединения.
func (a *App) openTransport(ctx context.Context) error {
	switch a.env.RealtimeBackend {
	case config.BackendSupabase:
		endpoint, err := phoenix.Endpoint(a.env.SupabaseURL, a.env.SupabaseAnonKey)
		if err != nil {
			return errors.Wrap(err, "realtime endpoint")
		}
		socket := phoenix.New(phoenix.Options{
			URL:   endpoint,
			Token: a.token,
			RPS:   a.env.BroadcastRPS,
		})
		socket.Start(ctx)
		a.transport, a.closeRT = socket, socket.Close
	case config.BackendRedis:
		client, err := redisbus.Dial(ctx, a.env.RedisURL)
		if err != nil {
			return err
		}
		a.transport = redisbus.New(redisbus.Options{Client: client, RPS: a.env.BroadcastRPS})
		a.closeRT = client.Close
	case config.BackendMemory:
		a.transport = memory.NewHub().Client(a.identity.UserID)
		a.closeRT = func() error { return nil }
	default:
		return errors.Errorf("unknown realtime backend %q", a.env.RealtimeBackend)
	}
	return nil
}

// wireDomain собирает доменные сервисы поверх открытых хранилищ и транспорта.
func (a *App) wireDomain() error {
	a.bell = sound.NewBell(pr.Stdout(), a.prefs, a.clock)

	unreadStore, err := unread.New(unread.Options{
		KV:       a.kv,
		Clock:    a.clock,
		Activity: a.store,
		UserID:   a.identity.UserID,
	})
	if err != nil {
		return err
	}
	a.unread = unreadStore

	a.presence = presence.NewEngine(a.transport, presence.Options{
		Clock:             a.clock,
		HeartbeatInterval: a.env.HeartbeatInterval(),
		IdleTimeout:       a.env.IdleTimeout(),
		StaleThreshold:    a.env.StaleThreshold(),
		Settings:          a.prefs,
	})

	a.roster = roster.New(roster.Options{
		Store:        a.store,
		Unread:       a.unread,
		Lobby:        a.presence,
		Identity:     a.identity,
		Clock:        a.clock,
		PollInterval: a.env.UnreadPollInterval(),
	})

	a.router = notify.New(notify.Options{
		UserID:    a.identity.UserID,
		Viewing:   a.view,
		Unread:    a.unread,
		Sound:     a.bell,
		Refresher: a.roster,
		Clock:     a.clock,
	})
	// Привязка до Join: обработчики регистрируются на канале при подписке.
	a.router.Attach(a.presence)

	a.executor = commands.NewExecutor(commands.Deps{
		Identity:   a.identity,
		Presence:   a.presence,
		Unread:     a.unread,
		Roster:     a.roster,
		View:       a.view,
		Prefs:      a.prefs,
		Categories: a.categories,
		Profiles:   a.store,
		Chat: chat.Deps{
			Transport: a.transport,
			Messages:  a.store,
			Lobby:     a.presence,
			Presence:  a.presence,
			Reads:     a.unread,
			Sound:     a.bell,
			Clock:     a.clock,
		},
		Services: a.services,
	})
	return nil
}

// friendCode — код для добавления в друзья в локальном режиме.
func friendCode(userID string) string {
	code := strings.ToUpper(strings.ReplaceAll(userID, "-", ""))
	if len(code) > 8 {
		code = code[:8]
	}
	return code
}
