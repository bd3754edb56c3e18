package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joshuapaschall/listhit/internal/api"
	"github.com/joshuapaschall/listhit/internal/email"
	"github.com/joshuapaschall/listhit/internal/poller"
	"github.com/joshuapaschall/listhit/internal/sms"
	"github.com/joshuapaschall/listhit/internal/store"
	"github.com/joshuapaschall/listhit/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ListHit state data
	DefaultStateDir = "/var/lib/listhit"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "listhit.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("ListHit failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ListHit exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	APIAddr      string
	BaseURL      string
	WorkerID     string
	PollSchedule string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN        *string
	apiAddr      *string
	baseURL      *string
	workerID     *string
	pollSchedule *string
	noPoller     *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("LISTHIT_STATE_DIR"),
		APIAddr:      os.Getenv("API_ADDR"),
		BaseURL:      os.Getenv("BASE_URL"),
		WorkerID:     os.Getenv("WORKER_ID"),
		PollSchedule: os.Getenv("POLL_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LISTHIT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to SQLite in the state directory when no database URL is set
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "listhit"
		}
		config.WorkerID = host + "-" + util.GenerateRandomHex(4)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LISTHIT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"BASE_URL_SET", config.BaseURL != "",
		"WORKER_ID", config.WorkerID,
		"POLL_SCHEDULE", config.PollSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		baseURL:      flag.String("base-url", config.BaseURL, "public base URL for tracking and unsubscribe links (overrides $BASE_URL)"),
		workerID:     flag.String("worker-id", config.WorkerID, "queue worker identity (overrides $WORKER_ID)"),
		pollSchedule: flag.String("poll-schedule", config.PollSchedule, "cron schedule for queue drain passes (overrides $POLL_SCHEDULE)"),
		noPoller:     flag.Bool("no-poller", false, "disable the background queue poller"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"baseURL_set", *flags.baseURL != "",
		"workerID", *flags.workerID,
		"pollSchedule", *flags.pollSchedule,
		"noPoller", *flags.noPoller)
	return flags
}

// buildStore opens the store backend matching the DSN, creating the state
// directory first for file-based databases.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

func run(flags Flags) error {
	ctx := context.Background()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	ses, err := email.NewSESProvider(ctx)
	if err != nil {
		return err
	}
	gateway, err := sms.NewTwilioGateway()
	if err != nil {
		return err
	}

	scheduler := email.NewScheduler(st, ses, email.SchedulerConfig{
		RateHeadroom:   util.ParseFloatEnv("EMAIL_RATE_HEADROOM", email.DefaultRateHeadroom),
		BudgetHeadroom: util.ParseFloatEnv("EMAIL_BUDGET_HEADROOM", email.DefaultBudgetHeadroom),
		MaxAttempts:    util.ParseIntEnv("EMAIL_MAX_ATTEMPTS", email.DefaultMaxAttempts),
	})
	worker := email.NewWorker(st, ses, email.WorkerConfig{
		WorkerID:        *flags.workerID,
		BaseURL:         *flags.baseURL,
		ClaimLimit:      util.ParseIntEnv("EMAIL_CLAIM_LIMIT", email.DefaultClaimLimit),
		Lease:           util.ParseDurationEnv("EMAIL_LEASE", email.DefaultLease),
		RetryBase:       util.ParseDurationEnv("EMAIL_RETRY_BASE", email.DefaultRetryBase),
		InterSendDelay:  util.ParseDurationEnv("EMAIL_INTER_SEND_DELAY", email.DefaultInterSendDelay),
		ThrottleRetries: util.ParseIntEnv("EMAIL_THROTTLE_RETRIES", email.DefaultThrottleRetries),
		ThrottleDelay:   util.ParseDurationEnv("EMAIL_THROTTLE_DELAY", email.DefaultThrottleDelay),
		Concurrency:     util.ParseIntEnv("EMAIL_CONCURRENCY", email.DefaultConcurrency),
	})

	limiter := sms.NewSerialLimiter(util.ParseDurationEnv("SMS_CARRIER_GAP", time.Second))
	var carriers sms.CarrierLookup
	if util.ParseBoolEnv("SMS_CARRIER_LOOKUP", true) {
		carriers = gateway
	}
	dispatcher := sms.NewDispatcher(st, gateway, carriers, limiter, sms.DispatcherConfig{})

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, scheduler, worker, dispatcher, apiOpts...)

	if !*flags.noPoller {
		p := poller.NewPoller(worker)
		if err := p.Start(*flags.pollSchedule); err != nil {
			return err
		}
		defer p.Stop()
	}

	// Serve until interrupted, then drain in-flight requests.
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		return <-errCh
	}
}
