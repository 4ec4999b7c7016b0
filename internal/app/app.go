package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/roomchat-server/internal/auth"
	"github.com/vovakirdan/roomchat-server/internal/config"
	"github.com/vovakirdan/roomchat-server/internal/core"
	"github.com/vovakirdan/roomchat-server/internal/store"
	"github.com/vovakirdan/roomchat-server/internal/store/memory"
	"github.com/vovakirdan/roomchat-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/roomchat-server/internal/transport/http"
	"github.com/vovakirdan/roomchat-server/internal/transport/tcp"
)

// ErrRestart is returned by Run after an accepted RESTART_SERVER.
var ErrRestart = errors.New("restart requested")

// MemoryDatabase selects the in-process store instead of sqlite.
const MemoryDatabase = "memory"

// App wires together store, core and transport layers.
type App struct {
	cfg   config.Config
	log   *zerolog.Logger
	store store.Store
	hub   *core.Hub
	tcp   *tcp.Server
	http  *stdhttp.Server

	// ownsStore is set when New opened the store, so Run closes it.
	ownsStore bool

	stopOnce sync.Once
	stop     chan struct{}
	restart  atomic.Bool
}

// New constructs the application with provided configuration and a store of
// its own, closed when Run returns.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	a := NewWithStore(cfg, st, logger)
	a.ownsStore = true
	return a, nil
}

// NewWithStore constructs the application on a store the caller keeps open
// across runs, which is how a restart keeps the in-process store's data.
func NewWithStore(cfg config.Config, st store.Store, logger *zerolog.Logger) *App {
	a := &App{cfg: cfg, log: logger, store: st, stop: make(chan struct{})}

	clk := clock.New()
	a.hub = core.NewHub(st, core.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		OutboundQueue:   cfg.OutboundQueue,
		MaxAuthAttempts: cfg.MaxAuthAttempts,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ReapInterval:    cfg.ReapInterval,
		AdminLogin:      cfg.AdminLogin,
		AdminPassword:   cfg.AdminPassword,
		Clock:           clk,
		Hasher:          auth.NewHasher(auth.DefaultCost),
		Tokens: auth.NewTokens(auth.TokenConfig{
			Secret: []byte(cfg.TokenSecret),
			Issuer: "roomchat-server",
			TTL:    cfg.TokenTTL,
		}, clk.Now),
		Control: a,
	}, logger)

	a.tcp = tcp.NewServer(a.hub, cfg.ReadTimeout, logger)
	if cfg.HTTPAddr != "" {
		a.http = transporthttp.NewServer(a.hub, cfg, logger)
	}
	return a
}

// OpenStore opens the store named by a database_path value.
func OpenStore(path string) (store.Store, error) {
	if path == MemoryDatabase {
		return memory.New(), nil
	}
	st, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return st, nil
}

// Hub exposes the chat hub.
func (a *App) Hub() *core.Hub { return a.hub }

// Stop makes Run return; sessions are kicked and state is flushed.
// Safe to call before Run and more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Restart stops the app and makes Run return ErrRestart.
func (a *App) Restart() {
	a.restart.Store(true)
	a.Stop()
}

// Run binds the listeners, serves until ctx is done or Stop is called, then
// shuts down in order: listeners, sessions, resident state, then the store
// if the app opened it.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	ln, err := tcp.Listen(a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr, err)
	}
	if err := a.hub.Bootstrap(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("bootstrap: %w", err)
	}

	var httpLn net.Listener
	if a.http != nil {
		httpLn, err = net.Listen("tcp", a.http.Addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", a.http.Addr, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.tcp.Serve(gctx, ln)
	})
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	if a.http != nil {
		g.Go(func() error {
			a.log.Info().Str("addr", httpLn.Addr().String()).Msg("http server listening")
			if err := a.http.Serve(httpLn); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer stop()
			return a.http.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	a.log.Info().Msg("shutting down")

	// Sessions hold hijacked WebSocket connections, which http.Shutdown does
	// not wait for; the hub drains them.
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer stop()
	hubErr := a.hub.Shutdown(shutdownCtx)

	err = g.Wait()
	if err := errors.Join(err, hubErr); err != nil {
		return err
	}
	if a.restart.Load() {
		return ErrRestart
	}
	return nil
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.ownsStore && a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
