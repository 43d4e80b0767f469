package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/config"
	"workflow-collab-api/internal/database"
	"workflow-collab-api/internal/handlers"
	"workflow-collab-api/internal/ingest"
	"workflow-collab-api/internal/logger"
	"workflow-collab-api/internal/realtime"
	"workflow-collab-api/internal/routes"
	"workflow-collab-api/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zl := logger.New(cfg.LogLevel)
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormLevel := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	db, err := database.Open(cfg.DatabasePath, gormLevel)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	users := database.NewIdentityStore(db)
	verifier := auth.NewVerifier(auth.TokenConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}, users)
	tenants := database.NewCachedTenantResolver(database.NewTenantResolver(db), cfg.TenantCacheTTL)

	opts := realtime.Options{
		Tenants:           tenants,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		PresenceFreshness: cfg.PresenceFreshness,
		SweepInterval:     cfg.SweepInterval,
		Logger:            zl.Named("realtime"),
	}

	var online handlers.OnlineLookup
	if cfg.RedisAddr != "" {
		rdb, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		mirror := storage.NewRedisPresence(rdb, cfg.NodeID, 2*cfg.HeartbeatTimeout, zl.Named("presence-mirror"))
		opts.Observer = mirror
		online = mirror
		zl.Info("presence mirror enabled", zap.String("redis", cfg.RedisAddr))
	}

	hub := realtime.NewHub(opts)

	var status *ingest.StatusSubscriber
	if cfg.NATSURL != "" {
		nc, err := ingest.Connect(cfg.NATSURL, "collab-"+cfg.NodeID, zl.Named("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		status = ingest.NewStatusSubscriber(nc, cfg.NATSSubject, hub, zl.Named("ingest"))
	}

	if zl.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := routes.SetupRoutes(routes.Deps{
		Hub:              hub,
		Verifier:         verifier,
		Users:            users,
		Online:           online,
		NodeID:           cfg.NodeID,
		SendBuffer:       cfg.SendBuffer,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Logger:           zl,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("nodeId", cfg.NodeID))
		zl.Info("endpoints",
			zap.Strings("routes", []string{
				"GET /ws",
				"GET /api/collaboration/presence",
				"GET /api/realtime/stats",
				"GET /api/realtime/online/:userId",
				"GET /health",
			}))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.TenantCacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := tenants.Purge(); n > 0 {
					zl.Debug("purged tenant cache", zap.Int("entries", n))
				}
			}
		}
	})

	if status != nil {
		g.Go(func() error {
			return status.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// hijacked websocket connections are not closed by Shutdown
		hub.Shutdown()
		return err
	})

	return g.Wait()
}
