package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/skin-metrics/internal/config"
	"github.com/example/skin-metrics/internal/grpcclient"
	"github.com/example/skin-metrics/internal/handlers"
	"github.com/example/skin-metrics/internal/imageingest"
	"github.com/example/skin-metrics/internal/inference"
	"github.com/example/skin-metrics/internal/logging"
	"github.com/example/skin-metrics/internal/middleware"
	"github.com/example/skin-metrics/internal/repository"
	"github.com/example/skin-metrics/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "skinmetrics",
		Short:        "Skin type, tone and acne diagnosis service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default ./config.yaml when present)")

	cmd.AddCommand(serveCmd(&configPath), diagnoseCmd(&configPath))
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func diagnoseCmd(configPath *string) *cobra.Command {
	var imagePath string

	c := &cobra.Command{
		Use:   "diagnose",
		Short: "Diagnose one local image and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiagnose(cmd.Context(), *configPath, imagePath)
		},
	}
	c.Flags().StringVarP(&imagePath, "image", "i", "", "JPEG or PNG face photo (required)")
	_ = c.MarkFlagRequired("image")
	return c
}

// app owns every long-lived dependency of the service.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	models    *inference.Models
	diagnosis *usecase.DiagnosisService
	recommend *usecase.RecommendationComposer
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck
	defer a.Close()

	r := gin.New()
	r.Use(middleware.RequestID(), logging.GinLogger(a.logger), gin.Recovery())
	r.Use(middleware.CORS(a.cfg.Server.AllowedOrigins), middleware.BodyLimit(maxBodyBytes(a.cfg)))

	handlers.RegisterRoutes(r, handlers.Services{
		Diagnoser:   a.diagnosis,
		Recommender: a.recommend,
		Metrics:     a.diagnosis,
		Convention:  a.models.Convention().String(),
	})

	server := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: r,
	}

	a.logger.Info("skin-metrics API listening",
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("convention", a.models.Convention().String()))
	if err := serveHTTPServer(server, a.cfg.Server.ShutdownTimeout, a.logger); err != nil {
		a.logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func runDiagnose(ctx context.Context, configPath, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := bootstrap(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck
	defer a.Close()

	payload := "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
	record, err := a.diagnosis.Diagnose(ctx, payload)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

// bootstrap loads configuration and builds the service graph. withStores enables the optional
// Redis cache and Postgres audit log.
func bootstrap(ctx context.Context, configPath string, withStores bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	gin.SetMode(cfg.Server.Mode)

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	runtime, err := inference.NewORTRuntime(cfg.Models.RuntimeLibrary, cfg.Models.IntraOpThreads)
	if err != nil {
		logger.Fatal("failed to initialize model runtime", zap.Error(err))
	}
	a.closers = append(a.closers, runtime.Close)

	models, err := inference.NewLoader(runtime, logger).LoadAll(
		inference.Artifact{Name: "skin", Path: cfg.Models.SkinPath, Labels: cfg.Labels.SkinType},
		inference.Artifact{Name: "acne", Path: cfg.Models.AcnePath, Labels: cfg.Labels.Acne},
	)
	if err != nil {
		logger.Fatal("failed to load models", zap.Error(err))
	}
	a.models = models
	a.closers = append(a.closers, models.Close)
	logger.Info("models loaded", zap.String("convention", models.Convention().String()))

	stager, err := imageingest.NewStager(cfg.Staging.Dir, cfg.Staging.Filename, imageingest.Mode(cfg.Staging.Mode), cfg.Staging.Cleanup)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("image staging ready",
		zap.String("dir", cfg.Staging.Dir),
		zap.String("mode", string(stager.Mode())),
		zap.Int64("max_image_pixels", cfg.Server.MaxImagePixels))

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Collaborators.DialTimeout)
	defer dialCancel()
	collaborators, conn, err := grpcclient.DialCollaborators(dialCtx, cfg.Collaborators.Addr, cfg.Collaborators.DialTimeout, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to collaborators: %w", err)
	}
	a.closers = append(a.closers, conn.Close)

	deps := usecase.DiagnosisDeps{
		Ingestor:  imageingest.NewIngestor(stager, logger, imageingest.WithMaxPixels(cfg.Server.MaxImagePixels)),
		Predictor: inference.NewPredictor(logger),
		Models:    models,
		Tone:      collaborators,
	}
	if withStores {
		if client := initRedis(ctx, cfg.Redis, logger); client != nil {
			deps.Cache = usecase.NewRedisCache(client)
			a.closers = append(a.closers, client.Close)
		}
		if db := initDatabase(ctx, cfg.Database, logger); db != nil {
			repo := repository.NewInferenceLogRepository(db, logger)
			if err := repo.AutoMigrate(ctx); err != nil {
				logger.Fatal("auto migrate failed", zap.Error(err))
			}
			deps.Audit = repo
			if sqlDB, err := db.DB(); err == nil {
				a.closers = append(a.closers, sqlDB.Close)
			}
		}
	}

	a.diagnosis = usecase.NewDiagnosisService(deps, usecase.DiagnosisConfig{
		SkinLabels:      cfg.Labels.SkinType,
		AcneLabels:      cfg.Labels.Acne,
		ToneDatasetPath: cfg.Tone.DatasetPath,
		CacheTTL:        cfg.Redis.TTL,
	}, logger)
	a.recommend = usecase.NewRecommendationComposer(collaborators, collaborators, logger)
	return a, nil
}

func maxBodyBytes(cfg *config.Config) int64 {
	if cfg.Server.MaxBodyBytes > 0 {
		return cfg.Server.MaxBodyBytes
	}
	return handlers.DefaultMaxBodyBytes
}

// initDatabase returns nil when no DSN is configured.
func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	if cfg.DSN == "" {
		zapLogger.Info("inference audit log disabled")
		return nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
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

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initRedis returns nil when no address is configured or Redis is unreachable. The cache is
// optional, so an unreachable server only disables it.
func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		zapLogger.Info("diagnosis cache disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Warn("redis unreachable, diagnosis cache disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
