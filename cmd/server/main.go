package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/roomchat/internal/config"
	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/presence"
	"github.com/christopherjohns/roomchat/internal/ratelimit"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/server"
	"github.com/christopherjohns/roomchat/internal/user"
	"github.com/christopherjohns/roomchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Init(cfg.Log)
	logger.Info().Str("addr", cfg.Server.Address).Strs("default_rooms", cfg.Chat.DefaultRooms).Msg("starting roomchat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dirOpts := []room.Option{room.WithHistorySize(cfg.Chat.HistorySize)}

	var mirror *message.RedisMirror
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
		}

		mirror = message.NewRedisMirror(rdb, cfg.Redis.KeyPrefix, cfg.Chat.HistorySize, cfg.Redis.QueueSize, logger)
		if err := mirror.Reset(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to reset history mirror")
		}
		dirOpts = append(dirOpts, room.WithSink(mirror))
		logger.Info().Str("addr", cfg.Redis.Address).Msg("history mirror enabled")
	}

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.WebSocket.MaxConns),
		ws.WithIdleTimeout(cfg.WebSocket.IdleTimeout),
		ws.WithSendBuffer(cfg.WebSocket.SendBuffer),
		ws.WithWriteTimeout(cfg.WebSocket.WriteTimeout),
		ws.WithConnLogger(logger),
	)
	coord := presence.New(
		user.NewRegistry(cfg.Chat.MaxUsernameLength),
		room.NewDirectory(cfg.Chat.DefaultRooms, dirOpts...),
		ws.NewHub(conns, logger),
		presence.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
		presence.WithMaxRoomNameLength(cfg.Chat.MaxRoomNameLength),
		presence.WithLogger(logger),
	)

	proxies, err := ratelimit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid trusted proxies")
	}
	limiter := ratelimit.NewIPLimiter(cfg.RateLimit.ConnectsPerWindow, cfg.RateLimit.Window,
		ratelimit.WithTrustedProxies(proxies...))
	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithRateLimiter(limiter),
		server.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		server.WithWebSocketOptions(
			ws.WithOriginPatterns(cfg.WebSocket.AllowedOrigins...),
			ws.WithReadLimit(int64(cfg.Chat.MaxMessageLength)*4+1024),
		),
	}
	if mirror != nil {
		srvOpts = append(srvOpts, server.WithMirror(mirror))
	}
	srv := server.New(cfg.Server.Address, coord, conns, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Run)

	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped")
}
