package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vtry813-sketch/bout-kk/config"
	"github.com/vtry813-sketch/bout-kk/internal/adminapi"
	"github.com/vtry813-sketch/bout-kk/internal/app"
	"github.com/vtry813-sketch/bout-kk/internal/blob"
	"github.com/vtry813-sketch/bout-kk/internal/store"
	"github.com/vtry813-sketch/bout-kk/internal/wabot"
	"github.com/vtry813-sketch/bout-kk/internal/wabot/command"
	"github.com/vtry813-sketch/bout-kk/internal/webserver"
	"github.com/vtry813-sketch/bout-kk/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfile   = flag.String("c", "boutkk.yml", "config file")
	initdb  = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	showVer = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version)
		return
	}

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	startedAt := time.Now()

	var users store.UserStore
	degraded := func() bool { return true }
	if gormStore, err := store.NewGormUserStore(application.DB()); err != nil {
		zap.L().Error("gorm store init failed, starting degraded", zap.Error(err))
		users = store.NewMemoryUserStore()
	} else {
		fb := store.NewFallbackUserStore(gormStore)
		users = fb
		degraded = fb.Degraded
	}

	blobs := blob.NewS3BackupService(cfg)
	dialer := whatsapp.NewDialer(cfg.System.Workdir)

	registry := command.NewRegistry()
	bot, err := wabot.NewOrchestrator(cfg, users, blobs, dialer, registry, application.Bus())
	if err != nil {
		zap.L().Fatal("orchestrator init failed", zap.Error(err))
	}
	defer bot.Close()

	command.RegisterBuiltins(registry, command.BotInfo{
		StartedAt:      startedAt,
		Prefix:         cfg.Bot.Prefix,
		ConnectedCount: bot.ConnectedCount,
		TotalUsers: func() int {
			list, err := users.ListUsersWithCompletedBackups(context.Background())
			if err != nil {
				return 0
			}
			return len(list)
		},
	})

	application.AddSweepJob(func() { bot.Attempts().Sweep() })

	ws := webserver.NewWebServer(cfg)
	adminapi.Register(ws, &adminapi.Handler{
		Cfg:       cfg,
		Bot:       bot,
		Users:     users,
		Blobs:     blobs,
		Degraded:  degraded,
		StartedAt: startedAt,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ws.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if application.GetSettingsStringValue("bot", "AutoRestore") == "false" {
			return nil
		}
		if err := bot.RestoreAll(gctx); err != nil {
			zap.L().Error("session restore failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("shutdown with error", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("shutdown complete")
}
