// Файл runner.go — точка оркестрации: узлы регистрируются в lifecycle.Manager
// с явными зависимостями, запускаются в топологическом порядке и гасятся в
// обратном. Движок присутствия уходит из lobby раньше, чем закрывается
// транспорт, чтобы остальные клиенты сразу увидели выход.
package app

import (
	"context"
	"time"

	"clofri/internal/adapters/cli"
	"clofri/internal/adapters/web"
	"clofri/internal/infra/logger"
	"clofri/internal/infra/pr"
	"clofri/internal/support/debug"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	webServerShutdownTimeout = 10 * time.Second
	transportCloseTimeout    = 5 * time.Second
)

// Имена узлов lifecycle.
const (
	nodeStorage   = "storage"
	nodeStore     = "store"
	nodeTransport = "transport"
	nodeDomain    = "domain"
	nodePresence  = "presence"
	nodeRoster    = "roster"
	nodeWeb       = "web_server"
	nodeCLI       = "cli"
)

// registerServices описывает граф узлов. Сами объекты создаются в start-функциях,
// поэтому зависимые узлы видят уже открытые хранилища и транспорт.
func (a *App) registerServices() error {
	m := a.services

	if err := m.Register(nodeStorage, "", nil,
		func(context.Context) error { return a.openStorage() },
		func(context.Context) error { return a.kv.Close() },
	); err != nil {
		return err
	}

	if err := m.Register(nodeStore, "", nil,
		a.openStore,
		func(context.Context) error {
			a.closeDB()
			return nil
		},
	); err != nil {
		return err
	}

	if err := m.Register(nodeTransport, "", nil,
		a.openTransport,
		func(context.Context) error { return a.closeRT() },
	); err != nil {
		return err
	}

	if err := m.Register(nodeDomain, "", []string{nodeStorage, nodeStore, nodeTransport},
		func(context.Context) error { return a.wireDomain() },
		func(context.Context) error {
			a.executor.Close()
			a.router.Close()
			return nil
		},
	); err != nil {
		return err
	}

	if err := m.Register(nodePresence, nodeTransport, []string{nodeDomain},
		func(ctx context.Context) error { return a.presence.Join(ctx, a.identity) },
		func(context.Context) error {
			a.presence.Leave()
			return nil
		},
	); err != nil {
		return err
	}

	if err := m.Register(nodeRoster, "", []string{nodePresence},
		func(ctx context.Context) error { return a.roster.Start(ctx) },
		func(context.Context) error {
			a.roster.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if a.env.WebServerEnable {
		if err := m.Register(nodeWeb, "", []string{nodeDomain}, a.startWeb, a.stopWeb); err != nil {
			return err
		}
	}

	if a.env.CLIEnable {
		if err := m.Register(nodeCLI, "", []string{nodeRoster}, a.startCLI,
			func(context.Context) error {
				a.cli.Stop()
				return nil
			},
		); err != nil {
			return err
		}
	} else if debug.DEBUG {
		// Без CLI трасса событий печатается напрямую.
		if err := m.Register("debug_trace", "", []string{nodeDomain},
			func(context.Context) error {
				unwatch := a.executor.Watch(debug.PrintEvent)
				context.AfterFunc(a.mainCtx, unwatch)
				return nil
			}, nil,
		); err != nil {
			return err
		}
	}
	return nil
}

// runServices поднимает узлы, ждёт отмены mainCtx и гасит всё в обратном порядке.
// Ошибка старта останавливает уже запущенные узлы.
func (a *App) runServices() error {
	if err := a.services.StartAll(); err != nil {
		if stopErr := a.services.Shutdown(); stopErr != nil {
			logger.Error("shutdown after failed start", zap.Error(stopErr))
		}
		return errors.Wrap(err, "start services")
	}
	logger.Info("clofri running...")

	<-a.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping services...")

	done := make(chan error, 1)
	go func() { done <- a.services.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(webServerShutdownTimeout + transportCloseTimeout):
		return errors.New("shutdown timed out")
	}
}

func (a *App) startWeb(context.Context) error {
	a.webServer = web.NewServer(a.executor, web.Options{
		Address: a.env.WebServerAddress,
		LogFile: a.env.LogFile,
	})
	go func() {
		if err := a.webServer.Start(); err != nil {
			logger.Errorf("web server error: %v", err)
			a.mainCancel()
		}
	}()
	pr.Printf("Web UI: %s\n", a.webServer.URL(a.webServer.GenerateAuthToken()))
	return nil
}

func (a *App) stopWeb(context.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
	defer cancel()
	return a.webServer.Shutdown(ctx)
}

func (a *App) startCLI(ctx context.Context) error {
	a.cli = cli.NewService(a.executor, a.identity.UserID, a.mainCancel)
	a.cli.Start(ctx)
	return nil
}
