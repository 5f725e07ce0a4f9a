package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/auth"
	"github.com/user/aigrid/internal/backup"
	"github.com/user/aigrid/internal/cache"
	"github.com/user/aigrid/internal/observability"
	"github.com/user/aigrid/internal/persist"
	"github.com/user/aigrid/internal/scheduler"
	"github.com/user/aigrid/internal/server"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aigrid",
	Short: "aigrid: batched document queries for AI spreadsheet tables",
	Long:  "Runs table cells as queries against an answering service, in batches, and keeps the results with the table state.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the aigrid server",
	RunE:  runServer,
}

var (
	bindAddr            string
	dataDir             string
	dbDriver            string
	postgresDSN         string
	answerURL           string
	answerToken         string
	answerH2C           bool
	cacheDriver         string
	cacheTTL            = 24 * time.Hour
	authPassword        string
	jwtSecret           string
	oidcIssuerURL       string
	oidcClientID        string
	otelEnabled         bool
	otelEndpoint        string
	shutdownTimeout     = 5 * time.Second
	persistDebounce     = 500 * time.Millisecond
	serverBackupBucket  string
	serverBackupPrefix  string
	serverBackupURL     string
	serverBackupPath    bool
	rateLimitEnabled            = true
	rateLimitReadRPS    float64 = 50
	rateLimitReadBurst  float64 = 100
	rateLimitWriteRPS   float64 = 10
	rateLimitWriteBurst float64 = 20
	rateLimitRunRPS     float64 = 0.5
	rateLimitRunBurst   float64 = 5
)

// serverEnv maps server flags to their environment fallbacks.
var serverEnv = map[string]string{
	"bind":            "AIGRID_BIND",
	"data-dir":        "AIGRID_DATA_DIR",
	"db-driver":       "AIGRID_DB_DRIVER",
	"postgres-dsn":    "AIGRID_POSTGRES_DSN",
	"answer-url":      "AIGRID_ANSWER_URL",
	"answer-token":    "AIGRID_ANSWER_TOKEN",
	"cache":           "AIGRID_CACHE",
	"auth-password":   "AIGRID_AUTH_PASSWORD",
	"jwt-secret":      "AIGRID_JWT_SECRET",
	"oidc-issuer-url": "AIGRID_OIDC_ISSUER_URL",
	"oidc-client-id":  "AIGRID_OIDC_CLIENT_ID",
	"otel-endpoint":   "AIGRID_OTEL_ENDPOINT",
	"backup-bucket":   "AIGRID_BACKUP_BUCKET",
	"backup-prefix":   "AIGRID_BACKUP_PREFIX",
	"backup-endpoint": "AIGRID_BACKUP_ENDPOINT",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the SQLite database and on-disk caches")
	serverCmd.Flags().StringVar(&dbDriver, "db-driver", statestore.DriverSQLite, "Table-state database: sqlite or postgres")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string when --db-driver=postgres")
	serverCmd.Flags().StringVar(&answerURL, "answer-url", answer.DefaultConfig().BaseURL, "Answering service base URL")
	serverCmd.Flags().StringVar(&answerToken, "answer-token", "", "Bearer token for the answering service")
	serverCmd.Flags().BoolVar(&answerH2C, "h2c", false, "Speak cleartext HTTP/2 to the answering service")
	serverCmd.Flags().StringVar(&cacheDriver, "cache", "memory", "Answer cache: memory, badger, pebble or none")
	serverCmd.Flags().DurationVar(&cacheTTL, "cache-ttl", 24*time.Hour, "How long cached answers are kept")
	serverCmd.Flags().StringVar(&authPassword, "auth-password", "", "Password for API login; empty disables authentication unless OIDC is set")
	serverCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for issued tokens (required with --auth-password)")
	serverCmd.Flags().StringVar(&oidcIssuerURL, "oidc-issuer-url", "", "OIDC issuer URL for bearer token verification")
	serverCmd.Flags().StringVar(&oidcClientID, "oidc-client-id", "", "OIDC client/audience ID")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close")
	serverCmd.Flags().DurationVar(&persistDebounce, "persist-debounce", 500*time.Millisecond, "Quiet period before run results are saved")
	serverCmd.Flags().StringVar(&serverBackupBucket, "backup-bucket", "", "S3 bucket for the admin backup/restore endpoints; empty disables them")
	serverCmd.Flags().StringVar(&serverBackupPrefix, "backup-prefix", "", "Key prefix inside the backup bucket")
	serverCmd.Flags().StringVar(&serverBackupURL, "backup-endpoint", "", "Custom S3 endpoint for backups, e.g. a MinIO URL")
	serverCmd.Flags().BoolVar(&serverBackupPath, "backup-path-style", false, "Use path-style addressing for the backup bucket")
	serverCmd.Flags().BoolVar(&rateLimitEnabled, "rate-limit-enabled", true, "Enable server-side per-client request rate limiting")
	serverCmd.Flags().Float64Var(&rateLimitReadRPS, "rate-limit-read-rps", 50, "Per-client sustained read requests/sec")
	serverCmd.Flags().Float64Var(&rateLimitReadBurst, "rate-limit-read-burst", 100, "Per-client read burst tokens")
	serverCmd.Flags().Float64Var(&rateLimitWriteRPS, "rate-limit-write-rps", 10, "Per-client sustained write requests/sec")
	serverCmd.Flags().Float64Var(&rateLimitWriteBurst, "rate-limit-write-burst", 20, "Per-client write burst tokens")
	serverCmd.Flags().Float64Var(&rateLimitRunRPS, "rate-limit-run-rps", 0.5, "Per-client sustained run starts/sec")
	serverCmd.Flags().Float64Var(&rateLimitRunBurst, "rate-limit-run-burst", 5, "Per-client run start burst tokens")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// applyEnv fills flags the user did not set from the environment.
func applyEnv(cmd *cobra.Command, env map[string]string) error {
	for name, key := range env {
		if cmd.Flags().Changed(name) {
			continue
		}
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		if err := cmd.Flags().Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// engineOptions configure the answering client and the query engine shared
// by the server and the run command.
type engineOptions struct {
	AnswerURL   string
	AnswerToken string
	H2C         bool
	Cache       string
	CacheTTL    time.Duration
	DataDir     string
	Observer    tablestore.RunObserver
}

func newEngine(opts engineOptions) (*tablestore.Store, func(), error) {
	answerCfg := answer.DefaultConfig()
	answerCfg.BaseURL = opts.AnswerURL
	answerCfg.H2C = opts.H2C
	if opts.AnswerToken != "" {
		answerCfg.Tokens = answer.StaticToken(opts.AnswerToken)
	}
	client := answer.New(answerCfg)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Driver = opts.Cache
	cacheCfg.TTL = opts.CacheTTL
	cacheCfg.Dir = cacheDir(opts.DataDir, opts.Cache)
	answers, err := cache.Open(cacheCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open answer cache: %w", err)
	}
	closeCache := func() {}
	if answers != nil {
		closeCache = func() {
			if err := answers.Close(); err != nil {
				slog.Warn("answer cache close error", "error", err)
			}
		}
	}

	engineCfg := tablestore.DefaultConfig()
	engineCfg.Observer = opts.Observer
	engineCfg.Notifier = tablestore.NotifierFunc(func(n tablestore.Notice) {
		slog.Info("table notice", "table_id", n.TableID, "run_id", n.RunID, "level", n.Level, "message", n.Message)
	})
	sched := scheduler.New(answer.NewCachingQuerier(client, answers), scheduler.DefaultConfig())
	return tablestore.New(sched, client, engineCfg), closeCache, nil
}

// cacheDir is where an on-disk cache driver keeps its files.
func cacheDir(dataDir, driver string) string {
	return filepath.Join(dataDir, "cache-"+driver)
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := applyEnv(cmd, serverEnv); err != nil {
		return err
	}

	slog.Info("starting aigrid server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"db_driver", dbDriver,
		"answer_url", answerURL,
		"h2c", answerH2C,
		"cache", cacheDriver,
		"cache_ttl", cacheTTL,
		"otel_enabled", otelEnabled,
		"otel_endpoint", otelEndpoint,
		"shutdown_timeout", shutdownTimeout,
		"persist_debounce", persistDebounce,
	)

	otelShutdown, err := observability.InitTracer(observability.TracingConfig{
		Enabled:  otelEnabled,
		Service:  "aigrid-server",
		Endpoint: otelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	metrics := observability.NewMetrics()
	engine, closeCache, err := newEngine(engineOptions{
		AnswerURL:   answerURL,
		AnswerToken: answerToken,
		H2C:         answerH2C,
		Cache:       cacheDriver,
		CacheTTL:    cacheTTL,
		DataDir:     dataDir,
		Observer:    metrics,
	})
	if err != nil {
		return err
	}
	defer closeCache()

	db, err := statestore.Open(statestore.Config{Driver: dbDriver, Dir: dataDir, DSN: postgresDSN})
	if err != nil {
		return fmt.Errorf("open table-state database: %w", err)
	}
	defer db.Close()

	authCfg := auth.DefaultConfig()
	authCfg.Password = strings.TrimSpace(authPassword)
	authCfg.Secret = jwtSecret
	authCfg.OIDCIssuerURL = strings.TrimSpace(oidcIssuerURL)
	authCfg.OIDCClientID = strings.TrimSpace(oidcClientID)
	authenticator, err := auth.New(cmd.Context(), authCfg)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if authenticator.Enabled() {
		slog.Info("authentication enabled", "password", authCfg.Password != "", "oidc", authCfg.OIDCIssuerURL != "")
	} else {
		slog.Warn("authentication disabled; set --auth-password or AIGRID_AUTH_PASSWORD to require login")
	}

	var backups server.BackupStore
	if serverBackupBucket != "" {
		backupCfg := backup.DefaultConfig()
		backupCfg.Bucket = serverBackupBucket
		backupCfg.Prefix = serverBackupPrefix
		backupCfg.Endpoint = serverBackupURL
		backupCfg.PathStyle = serverBackupPath
		store, err := backup.New(cmd.Context(), backupCfg)
		if err != nil {
			return fmt.Errorf("init backup store: %w", err)
		}
		backups = store
		slog.Info("backup endpoints enabled", "bucket", serverBackupBucket, "prefix", serverBackupPrefix)
	}

	persistCfg := persist.DefaultConfig()
	persistCfg.Debounce = persistDebounce
	srv := server.New(server.Config{
		Bind:    bindAddr,
		States:  db,
		Engine:  engine,
		Auth:    authenticator,
		Metrics: metrics,
		Backup:  backups,
		RateLimit: server.RateLimitConfig{
			Enabled:    rateLimitEnabled,
			ReadRPS:    rateLimitReadRPS,
			ReadBurst:  rateLimitReadBurst,
			WriteRPS:   rateLimitWriteRPS,
			WriteBurst: rateLimitWriteBurst,
			RunRPS:     rateLimitRunRPS,
			RunBurst:   rateLimitRunBurst,
		},
		Persist: persistCfg,
	})
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("aigrid server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("aigrid server stopped")
	return nil
}
