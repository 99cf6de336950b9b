package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/creaturearena/battle-backend/internal/config"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/httpapi"
	"github.com/creaturearena/battle-backend/internal/hub"
	"github.com/creaturearena/battle-backend/internal/invite"
	"github.com/creaturearena/battle-backend/internal/matchmaking"
	"github.com/creaturearena/battle-backend/internal/notify"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/store"
	"github.com/creaturearena/battle-backend/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open store", zap.Error(err))
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL unset, running with the in-memory store")
		st = store.NewMemory()
	}

	clock := clockwork.NewRealClock()
	dir := directory.NewRegistry()
	notifier := notify.New(dir, logger)

	h := hub.NewHub(ctx, session.Config{
		TeamSelectWindow: cfg.TeamSelectWindow,
		MoveWindow:       cfg.MoveWindow,
		TimeLimit:        cfg.TimeLimit,
	}, hub.Deps{
		Store:    st,
		Notifier: notifier,
		Clock:    clock,
		Log:      logger,
	})

	pool := matchmaking.NewPool(ctx, h, logger)
	invites := invite.NewService(st, dir, h, pool, clock, cfg.InviteTTL, logger)

	sweeper, err := invites.StartSweeper(cfg.InviteSweepInterval)
	if err != nil {
		logger.Fatal("start invite sweeper", zap.Error(err))
	}
	defer func() { _ = sweeper.Shutdown() }()

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Store: st,
		Log:   logger,
		WS: ws.Handler(ws.Deps{
			Hub:     h,
			Pool:    pool,
			Invites: invites,
			Dir:     dir,
			Log:     logger,
		}),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
