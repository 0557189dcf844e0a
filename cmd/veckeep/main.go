package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/config"
	"github.com/kailas-cloud/veckeep/internal/domain"
	vecgoEngine "github.com/kailas-cloud/veckeep/internal/engine/vecgo"
	logpkg "github.com/kailas-cloud/veckeep/internal/logger"
	"github.com/kailas-cloud/veckeep/internal/metrics"
	"github.com/kailas-cloud/veckeep/internal/notify"
	"github.com/kailas-cloud/veckeep/internal/repository/meta"
	"github.com/kailas-cloud/veckeep/internal/repository/segment"
	chiTransport "github.com/kailas-cloud/veckeep/internal/transport/chi"
	backupuc "github.com/kailas-cloud/veckeep/internal/usecase/backup"
	cleanupuc "github.com/kailas-cloud/veckeep/internal/usecase/cleanup"
	consistencyuc "github.com/kailas-cloud/veckeep/internal/usecase/consistency"
	healthuc "github.com/kailas-cloud/veckeep/internal/usecase/health"
	migrateuc "github.com/kailas-cloud/veckeep/internal/usecase/migrate"
	renameuc "github.com/kailas-cloud/veckeep/internal/usecase/rename"
	txnuc "github.com/kailas-cloud/veckeep/internal/usecase/txn"
	"github.com/kailas-cloud/veckeep/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	dataDir := flag.String("data", "./data", "data directory when no config file is given")
	flag.Parse()

	env := config.GetEnv()

	var cfg config.Config
	if *configPath != "" {
		cfg = config.MustLoad(*configPath)
	} else {
		cfg = config.Default(*dataDir)
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting veckeep maintenance server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("engine_dir", cfg.Paths.EngineDir),
		zap.String("meta_db", cfg.Paths.MetaDB),
	)

	ctx := context.Background()

	// Open the three stores.
	eng, err := vecgoEngine.Open(cfg.Paths.EngineDir, logger)
	if err != nil {
		logger.Fatal("Failed to open vector engine", zap.Error(err))
	}
	defer func() { _ = eng.Close() }()

	metaStore, err := meta.Open(cfg.Paths.MetaDB)
	if err != nil {
		logger.Fatal("Failed to open metadata store", zap.Error(err))
	}
	defer func() { _ = metaStore.Close() }()

	segments, err := segment.New(cfg.Paths.EngineDir)
	if err != nil {
		logger.Fatal("Failed to open segment store", zap.Error(err))
	}

	metrics.RegisterMaintenanceMetrics()

	// Use case services.
	consistencySvc := consistencyuc.New(eng, metaStore, segments,
		cfg.Paths.QuarantineDir, cfg.Engine.DefaultDimension, nil, logger)

	backupSvc, err := backupuc.New(cfg.Paths.BackupDir, cfg.Paths.EngineDir, cfg.Paths.MetaDB, logger)
	if err != nil {
		logger.Fatal("Failed to create backup service", zap.Error(err))
	}

	cleanupSvc, err := cleanupuc.New(segments, cfg.Paths.PendingCleanupFile,
		cfg.Cleanup.MaxAttempts, cfg.Cleanup.KeepRecent, logger)
	if err != nil {
		logger.Fatal("Failed to create cleanup service", zap.Error(err))
	}

	oplog, err := txnuc.NewOpLog(cfg.Paths.OperationLog)
	if err != nil {
		logger.Fatal("Failed to open operation log", zap.Error(err))
	}
	txnSvc := txnuc.New(consistencySvc, backupSvc, metaStore, eng, cleanupSvc, oplog, logger)

	// Progress sinks: log always, metrics always, Redis when configured.
	sinks := notify.Multi{notify.LogSink{Log: logger}, notify.MetricsSink{}}
	if len(cfg.Notify.RedisAddrs) > 0 {
		redisSink, rerr := notify.NewRedisSink(cfg.Notify.RedisAddrs, cfg.Notify.RedisPassword,
			cfg.Notify.Channel, logger)
		if rerr != nil {
			logger.Fatal("Failed to connect Redis progress sink", zap.Error(rerr))
		}
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
		logger.Info("Redis progress sink enabled",
			zap.Strings("addrs", cfg.Notify.RedisAddrs),
			zap.String("channel", cfg.Notify.Channel))
	}

	renameSvc := renameuc.New(eng, metaStore, segments, cleanupSvc, sinks, renameuc.Options{
		Workers:         cfg.Rename.Workers,
		PruneAfter:      time.Duration(cfg.Rename.PruneAfterSec) * time.Second,
		CleanupRetries:  cfg.Rename.CleanupAttempts,
		CleanupRetryGap: time.Duration(cfg.Cleanup.RetryDelayMS) * time.Millisecond,
	}, logger)

	migrateSvc, err := migrateuc.New(metaStore, backupSvc, eng.Version(),
		cfg.Paths.VersionFile, cfg.Paths.MigrationLog, logger)
	if err != nil {
		logger.Fatal("Failed to create migration service", zap.Error(err))
	}

	healthSvc := healthuc.New(metaStore, eng, cleanupSvc)

	// Startup sequence: version compatibility, deferred cleanup sweep, then
	// an initial consistency check.
	compat, err := migrateSvc.CheckCompatibility(ctx)
	if err != nil {
		logger.Fatal("Version compatibility check failed", zap.Error(err))
	}
	if !compat.Compatible {
		logger.Fatal("Stored data is incompatible with this engine version",
			zap.String("current_engine", compat.CurrentEngine),
			zap.String("recorded_engine", compat.RecordedEngine),
			zap.Strings("issues", compat.Issues))
	}
	if compat.MigrationNeeded {
		logger.Warn("Schema migration needed",
			zap.String("schema_version", compat.SchemaVersion),
			zap.String("target_version", migrateuc.CurrentSchemaVersion))
	}

	if summary, serr := cleanupSvc.RunStartup(); serr != nil {
		logger.Warn("Startup cleanup sweep failed", zap.Error(serr))
	} else if summary.Cleaned > 0 || summary.Failed > 0 {
		logger.Info("Startup cleanup sweep finished",
			zap.Int("cleaned", summary.Cleaned), zap.Int("failed", summary.Failed))
	}
	if pending, perr := cleanupSvc.Pending(); perr == nil {
		metrics.PendingCleanupEntries.Set(float64(len(pending)))
	}

	report := consistencySvc.ValidateFull(ctx)
	metrics.ConsistencyChecksTotal.WithLabelValues(string(report.Status)).Inc()
	if !report.Consistent() {
		logger.Warn("Stores are inconsistent at startup", zap.Strings("issues", report.Issues))
	}

	// Background pruner for terminal rename tasks.
	prunerCtx, stopPruner := context.WithCancel(ctx)
	defer stopPruner()
	go renameSvc.RunPruner(prunerCtx, time.Minute)

	// HTTP server.
	server := chiTransport.NewServer(consistencySvc, txnSvc, backupSvc, renameSvc,
		cleanupSvc, migrateSvc, healthSvc, domain.RetentionPolicy{
			KeepDays:  cfg.Backup.KeepDays,
			KeepCount: cfg.Backup.KeepCount,
		}, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// In-flight renames are never cancelled mid-copy; wait for them.
	stopPruner()
	renameSvc.Wait()

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
