package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/config"
	"github.com/CloudcraftTeche/cog-sub003/internal/db"
	clog "github.com/CloudcraftTeche/cog-sub003/internal/log"
	"github.com/CloudcraftTeche/cog-sub003/internal/server"
	"github.com/CloudcraftTeche/cog-sub003/internal/service"
	"github.com/CloudcraftTeche/cog-sub003/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库与未读存储，然后启动 Gin 服务并在收到信号后优雅退出。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	unread := service.NewMemoryUnreadStore()
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		unread, err = service.NewRedisUnreadStore(pingCtx, service.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("unread store: redis")
	}

	hub := ws.NewHub()
	svc := server.NewServices(cfg, gdb, hub, unread)
	if cfg.AdminUsername != "" {
		if err := svc.Users.EnsureAdmin(cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatal().Err(err).Str("username", cfg.AdminUsername).Msg("bootstrap admin")
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, hub, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// 升级后的连接不受 Shutdown 管理，需要单独关闭。
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
	log.Info().Msg("server stopped")
}
