// Package server initializes and runs the Accord chat server: persistence,
// authorization bootstrap, the server keypair, the hub, and the TCP accept
// loop that spawns one session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/accordchat/accord/internal/keys"
	"github.com/accordchat/accord/internal/logging"
	"github.com/accordchat/accord/internal/server/command"
	"github.com/accordchat/accord/internal/server/config"
	"github.com/accordchat/accord/internal/server/hub"
	"github.com/accordchat/accord/internal/server/session"
	"github.com/accordchat/accord/internal/server/store"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	manager  store.Manager
	access   *store.AuthCache
	hub      *hub.Hub
	keypair  *keys.Pair
	commands *command.Dispatcher
}

// NewApp wires the shared components. Any error here is a fatal
// initialization failure (exit code 2): database unreachable after the retry
// budget, or an unreadable key file.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	manager, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	access := store.NewAuthCache(manager.Access())
	if err := access.Warm(ctx); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("authorization cache error: %w", err)
	}
	if err := bootstrapAccess(ctx, cfg, access); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("authorization bootstrap error: %w", err)
	}

	keypair, created, err := keys.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("key load error: %w", err)
	}
	if created {
		logger.Info(ctx, "generated server keypair", "path", cfg.KeyFile)
	}

	h := hub.New(logger)

	return &App{
		config:   cfg,
		logger:   logger,
		manager:  manager,
		access:   access,
		hub:      h,
		keypair:  keypair,
		commands: command.NewDispatcher(h, access, logger),
	}, nil
}

// bootstrapAccess merges the config's authorization lists into the store.
// Additive only: it never removes entries an operator created at runtime.
func bootstrapAccess(ctx context.Context, cfg *config.Config, access *store.AuthCache) error {
	for _, op := range cfg.Operators {
		if err := access.AddOperator(ctx, op); err != nil {
			return err
		}
	}
	for _, u := range cfg.Whitelist {
		if err := access.AddWhitelist(ctx, u); err != nil {
			return err
		}
	}
	for _, u := range cfg.BannedUsers {
		if err := access.AddBan(ctx, store.Ban{Username: u, Reason: "banned by config"}); err != nil {
			return err
		}
	}
	if cfg.WhitelistEnabled {
		if err := access.SetWhitelistEnabled(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run listens on the configured address and serves until the context is
// canceled or a signal arrives. A listen failure is a config/IO error
// (exit code 1).
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)

	listener, err := net.Listen("tcp", app.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	app.logger.Info(ctx, "server ready", "addr", app.config.ListenAddr)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	app.acceptLoop(ctx, listener, &wg)

	// Stopped accepting; evict everyone and give their writers a moment to
	// flush.
	app.hub.Shutdown()
	waitTimeout(&wg, app.config.FlushTimeout+time.Second)

	if err := app.manager.Close(); err != nil {
		app.logger.Warn(ctx, "store close error", "error", err)
	}
	app.logger.Info(ctx, "server stopped")
	return nil
}

func (app *App) acceptLoop(ctx context.Context, listener net.Listener, wg *sync.WaitGroup) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			app.logger.Warn(ctx, "accept error", "error", err)
			continue
		}

		if app.rejectBannedIP(ctx, conn) {
			continue
		}

		s := session.New(conn, session.Config{
			HandshakeTimeout: app.config.HandshakeTimeout,
			IdleTimeout:      app.config.IdleTimeout,
			FlushTimeout:     app.config.FlushTimeout,
			QueueSize:        app.config.OutboundQueueSize,
			HistoryReplay:    app.config.HistoryReplay,
			AutoRegister:     app.config.AutoRegister,
		}, session.Deps{
			Logger:   app.logger,
			Hub:      app.hub,
			Accounts: app.manager.Accounts(),
			Messages: app.manager.Messages(),
			Access:   app.access,
			Keys:     app.keypair,
			Commands: app.commands,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
}

// rejectBannedIP closes connections from banned addresses before any
// protocol exchange. Returns true when the connection was dropped.
func (app *App) rejectBannedIP(ctx context.Context, conn net.Conn) bool {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	banned, err := app.access.IsBanned(ctx, ip)
	if err != nil || !banned {
		return false
	}

	app.logger.Info(ctx, "refused banned address", "peer", ip)
	_ = conn.Close()
	return true
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
