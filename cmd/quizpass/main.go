package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/quizpass/internal/backup"
	"github.com/dukerupert/quizpass/internal/credential"
	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/email"
	"github.com/dukerupert/quizpass/internal/logging"
	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/server"
	"github.com/dukerupert/quizpass/internal/store"
	"github.com/dukerupert/quizpass/internal/ticket"
	qstripe "github.com/dukerupert/quizpass/internal/stripe"
)

const pricePrefix = "STRIPE_PRICE_"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Getenv("QUIZPASS_LOG_LEVEL"), os.Getenv("QUIZPASS_LOG_FORMAT"))

	if len(os.Args) > 1 {
		var err error
		switch os.Args[1] {
		case "restore":
			err = runRestore(os.Args[2:], logger)
		case "backups":
			err = runListBackups(os.Args[2:], os.Stdout, logger)
		default:
			err = fmt.Errorf("unknown command %q (want restore or backups)", os.Args[1])
		}
		if err != nil {
			slog.Error(os.Args[1]+" failed", "error", err)
			os.Exit(1)
		}
		return
	}

	port := os.Getenv("QUIZPASS_PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := envOr("QUIZPASS_DB_PATH", "quizpass.db")

	baseURL := strings.TrimRight(os.Getenv("QUIZPASS_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%s", port)
	}

	orphanTTL, err := durationEnv("QUIZPASS_ORPHAN_TTL", 24*time.Hour)
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	linkTTL, err := durationEnv("QUIZPASS_LINK_TTL", credential.DefaultLifetime)
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	ticketTTL, err := durationEnv("QUIZPASS_TICKET_TTL", ticket.DefaultTTL)
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// A nil Mailer makes the issuer log links instead of sending them.
	var mailer credential.Mailer
	emailClient := email.NewClient(os.Getenv("QUIZPASS_POSTMARK_TOKEN"), os.Getenv("QUIZPASS_FROM_EMAIL"), baseURL,
		email.WithLinkLifetime(linkTTL))
	if emailClient.Configured() {
		mailer = emailClient
	} else {
		slog.Warn("postmark not configured, magic links will only be logged")
	}

	prices := pricesFromEnv(os.Environ())
	if len(prices) == 0 {
		slog.Warn("no STRIPE_PRICE_<PLAN> configured, checkout will reject every plan")
	}

	cfg := server.Config{
		Stripe: qstripe.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Prices:        prices,
			CancelURL:     baseURL + "/",
		},
		BaseURL:        baseURL,
		TicketSecret:   os.Getenv("QUIZPASS_TICKET_SECRET"),
		Mailer:         mailer,
		OrphanTTL:      orphanTTL,
		LinkLifetime:   linkTTL,
		TicketTTL:      ticketTTL,
		AfterLoginURL:  "/account",
		OriginPatterns: originPatterns(baseURL),
	}

	metrics.Init()
	srv, err := server.New(db, cfg, logger)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	backupCfg, backupInterval, err := backupConfigFromEnv()
	if err != nil {
		slog.Error("invalid backup config", "error", err)
		os.Exit(1)
	}
	backups := backup.NewManager(backupCfg, db, store.NewBackupStore(db), logger.With("component", "backup"))
	if !backups.Enabled() {
		slog.Warn("QUIZPASS_BACKUP_* not configured, database snapshots disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background sweeper
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res, err := srv.Sweeper().Sweep(cleanupCtx)
				if err != nil {
					slog.Error("sweep", "error", err)
				}
				slog.Info("sweep finished",
					"orphans", res.Orphans,
					"stranded", res.Stranded,
					"expired_links", res.ExpiredLinks,
					"expired_sessions", res.ExpiredSessions,
					"stale_requests", res.StaleRequests,
				)
				srv.CleanupLimiters(time.Hour)
				if err := srv.RefreshGauges(cleanupCtx); err != nil {
					slog.Warn("refresh gauges", "error", err)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	if backups.Enabled() {
		go func() {
			ticker := time.NewTicker(backupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := backups.Run(cleanupCtx); err != nil {
						slog.Error("backup", "error", err)
					}
					if n, err := backups.Cleanup(cleanupCtx); err != nil {
						slog.Error("backup cleanup", "error", err)
					} else if n > 0 {
						slog.Info("expired backups removed", "count", n)
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		slog.Info("quizpass starting", "addr", ":"+port, "base_url", baseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// pricesFromEnv maps STRIPE_PRICE_MONTHLY=price_x to plan "monthly".
func pricesFromEnv(environ []string) map[string]string {
	prices := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, pricePrefix) || value == "" {
			continue
		}
		plan := strings.ToLower(strings.TrimPrefix(key, pricePrefix))
		if plan != "" {
			prices[plan] = value
		}
	}
	return prices
}

func originPatterns(baseURL string) []string {
	host := baseURL
	if _, rest, ok := strings.Cut(baseURL, "://"); ok {
		host = rest
	}
	return []string{host}
}

// backupConfigFromEnv reads QUIZPASS_BACKUP_*. Missing storage settings leave
// the manager disabled; malformed durations are an error.
func backupConfigFromEnv() (backup.Config, time.Duration, error) {
	cfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("QUIZPASS_BACKUP_ENDPOINT"),
			Bucket:    os.Getenv("QUIZPASS_BACKUP_BUCKET"),
			Region:    os.Getenv("QUIZPASS_BACKUP_REGION"),
			AccessKey: os.Getenv("QUIZPASS_BACKUP_ACCESS_KEY"),
			SecretKey: os.Getenv("QUIZPASS_BACKUP_SECRET_KEY"),
		},
		Passphrase: os.Getenv("QUIZPASS_BACKUP_PASSPHRASE"),
		Prefix:     os.Getenv("QUIZPASS_BACKUP_PREFIX"),
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}

	interval, err := durationEnv("QUIZPASS_BACKUP_INTERVAL", 24*time.Hour)
	if err != nil {
		return cfg, 0, err
	}
	cfg.Retention, err = durationEnv("QUIZPASS_BACKUP_RETENTION", backup.DefaultRetention)
	if err != nil {
		return cfg, 0, err
	}
	return cfg, interval, nil
}

// runRestore downloads a snapshot into a standalone file. The live database
// is left alone.
func runRestore(args []string, logger *slog.Logger) error {
	flags := flag.NewFlagSet("restore", flag.ContinueOnError)
	key := flags.String("key", "", "object key of the snapshot to restore")
	out := flags.String("out", "quizpass-restored.db", "path to write the restored database")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	cfg, _, err := backupConfigFromEnv()
	if err != nil {
		return err
	}
	m := backup.NewManager(cfg, nil, nil, logger.With("component", "backup"))
	if !m.Enabled() {
		return backup.ErrNotConfigured
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := m.Restore(ctx, *key, *out); err != nil {
		return err
	}
	logger.Info("snapshot restored", "key", *key, "path", *out)
	return nil
}

// runListBackups prints the snapshots recorded in the local database so an
// operator can pick a key for restore.
func runListBackups(args []string, w io.Writer, logger *slog.Logger) error {
	flags := flag.NewFlagSet("backups", flag.ContinueOnError)
	limit := flags.Int("n", 20, "number of snapshots to list")
	dbPath := flags.String("db", envOr("QUIZPASS_DB_PATH", "quizpass.db"), "database path")
	if err := flags.Parse(args); err != nil {
		return err
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, _, err := backupConfigFromEnv()
	if err != nil {
		return err
	}
	m := backup.NewManager(cfg, db, store.NewBackupStore(db), logger.With("component", "backup"))
	list, err := m.Recent(context.Background(), *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tSIZE\tCREATED")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.ObjectKey, b.Status, b.SizeBytes, b.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// durationEnv parses a positive duration from key, or returns fallback when
// the variable is unset.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s %q: must be a positive duration", key, v)
	}
	return d, nil
}
