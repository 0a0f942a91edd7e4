package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ayush/mlportal-service/internal/auth"
	"github.com/ayush/mlportal-service/internal/config"
	"github.com/ayush/mlportal-service/internal/logger"
	"github.com/ayush/mlportal-service/internal/server"
	"github.com/ayush/mlportal-service/internal/store"
)

const shutdownSlack = 10 * time.Second

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "mlportal-service",
	Short:         "MLPortal login service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file (default: ./config/config.yaml or ./config.yaml)")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mlportal-service:", err)
		os.Exit(1)
	}
}

// loadEnvFile loads path into the environment; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// ── Logging ───────────────────────────────────────────────
	log, logFile, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		Dir:        cfg.LogDir(),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Server.Environment == config.EnvDevelopment,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logFile.Close()
	defer log.Sync()
	log = log.With(zap.String("environment", cfg.Server.Environment))

	// ── PostgreSQL ────────────────────────────────────────────
	pgPool, err := store.NewPool(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pgPool.Close()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DB.ConnectTimeout)
	if err := pgPool.Ping(pingCtx); err != nil {
		log.Warn("postgres not reachable at startup", zap.String("host", cfg.DB.Host), zap.Error(err))
	}
	cancel()
	db := store.NewClient(store.FromPgxPool(pgPool), cfg.DB.AcquireTimeout, log.Named("store"))

	// ── Handlers ─────────────────────────────────────────────
	authHandler := auth.NewHandler(db, log.Named("auth"), auth.Options{
		Statement:    store.ProcedureCall(cfg.DB.Schema, cfg.DB.Procedure, 2),
		QueryTimeout: cfg.DB.QueryTimeout,
		MaxRetries:   cfg.Login.MaxRetries,
		RetryBackoff: cfg.Login.RetryBackoff,
	})

	// ── Redis (optional) ──────────────────────────────────────
	if cfg.Redis.Addr != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer rdb.Close()
		authHandler.WithSessions(auth.NewSessionStore(rdb, cfg.Redis.SessionTTL))
		log.Info("session store enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// ── MongoDB (optional) ────────────────────────────────────
	if cfg.Mongo.URI != "" {
		mongoClient, err := store.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer mongoClient.Disconnect(context.Background())
		audit := store.NewAuditStore(mongoClient.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		if err := audit.EnsureIndexes(ctx); err != nil {
			log.Warn("audit indexes not created", zap.Error(err))
		}
		authHandler.WithAudit(audit)
		log.Info("login audit enabled", zap.String("database", cfg.Mongo.Database))
	}

	// ── Router ───────────────────────────────────────────────
	router := server.NewRouter(authHandler.Login, log.Named("http"), server.Options{
		BasePath:       cfg.Server.BasePath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Development:    cfg.Server.Environment == config.EnvDevelopment,
	})

	// ── Server ───────────────────────────────────────────────
	// Both the write timeout and the shutdown grace cover a login that
	// exhausts every retry.
	budget := cfg.LoginBudget()
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      budget + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("base_path", cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", budget+shutdownSlack))
	shutCtx, cancelShutdown := context.WithTimeout(context.Background(), budget+shutdownSlack)
	defer cancelShutdown()
	return srv.Shutdown(shutCtx)
}
