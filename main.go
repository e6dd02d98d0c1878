package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/tryon/internal/auth"
	"github.com/example/tryon/internal/camera/webcam"
	"github.com/example/tryon/internal/config"
	"github.com/example/tryon/internal/grpcclient"
	"github.com/example/tryon/internal/handlers"
	"github.com/example/tryon/internal/httpserver"
	"github.com/example/tryon/internal/logging"
	"github.com/example/tryon/internal/overlay"
	"github.com/example/tryon/internal/renderloop"
	"github.com/example/tryon/internal/repository"
	"github.com/example/tryon/internal/session"
	"github.com/example/tryon/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerWithOptions(cfg.LoggingOptions())
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewSessionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	detector, conn, err := grpcclient.DialLandmarkDetector(ctx, cfg.DetectorAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to landmark detector", zap.Error(err))
	}
	defer conn.Close()
	detector.WithTimeout(cfg.DetectorTimeout)

	asset, err := overlay.LoadAsset(cfg.OverlayAsset)
	if err != nil {
		logger.Fatal("failed to load overlay asset", zap.Error(err), zap.String("path", cfg.OverlayAsset))
	}
	solver, err := cfg.Solver()
	if err != nil {
		logger.Fatal("invalid solver configuration", zap.Error(err))
	}

	uc := usecase.NewTryOnUseCase(repo, usecase.NewRedisCache(redisClient), usecase.Options{
		Device:        webcam.NewDevice(logger),
		Detector:      detector,
		Scheduler:     renderloop.NewClockScheduler(clock.New(), cfg.CallbackHz),
		Asset:         asset,
		DisplayWidth:  cfg.DisplayWidth,
		DisplayHeight: cfg.DisplayHeight,
		Session: session.Config{
			Constraints:  cfg.Camera,
			ReadyTimeout: cfg.ReadyTimeout,
			StopTimeout:  cfg.StopTimeout,
			Loop: renderloop.Config{
				TargetFPS:              cfg.TargetFPS,
				Solver:                 solver,
				MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			},
		},
		MaxSessions: cfg.MaxSessions,
	}, logger)

	r := gin.Default()
	limiter := handlers.NewRateLimiter(cfg.StartRatePerSecond, cfg.StartBurst, logger)
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), limiter)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("try-on API listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpserver.Serve(server, logger, httpserver.Options{
		ShutdownTimeout: cfg.ShutdownTimeout,
		BeforeShutdown:  uc.Shutdown,
	}); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}
