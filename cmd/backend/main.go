package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"trash-upload/internal/relay"
	"trash-upload/internal/server"
)

func main() {
	addr := getenvDefault("TU_ADDR", ":8080")

	build := server.BuildInfo{
		Version: getenvDefault("TU_VERSION", "dev"),
		Commit:  getenvDefault("TU_COMMIT", "unknown"),
	}

	dataDir := getenvDefault("TU_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Printf("service=backend msg=%q err=%v", "data_dir_failed", err)
		os.Exit(1)
	}

	cfg := relay.ManagerConfig{
		MaxObjectBytes:  getenvBytes("TU_MAX_OBJECT_BYTES", 10<<30),
		DailyQuotaBytes: getenvBytes("TU_DAILY_QUOTA_BYTES", 10<<30),
		Retention:       getenvDuration("TU_RETENTION", 24*time.Hour),
	}

	// Ledger: a postgres:// DSN selects PostgreSQL, the default is an
	// embedded sqlite file next to the blobs. A corrupt or unreadable
	// ledger halts startup: quota history must not silently reset.
	ledgerDSN := getenvDefault("TU_LEDGER_DSN", filepath.Join(dataDir, "ledger.db"))
	ledger, err := relay.OpenLedger(ledgerDSN)
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "ledger_open_failed", err)
		os.Exit(1)
	}
	defer func() { _ = ledger.Close() }()

	store, err := openStore(dataDir)
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "store_open_failed", err)
		os.Exit(1)
	}

	mgr := relay.NewManager(cfg, ledger, store)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.StartSweeper(ctx, getenvDuration("TU_SWEEP_INTERVAL", time.Hour))

	srv := server.New(server.Config{
		Addr:       addr,
		Build:      build,
		BaseURL:    getenvDefault("TU_BASE_URL", ""),
		Relay:      mgr,
		RateLimit:  int(getenvBytes("TU_RATE_LIMIT", 120)),
		RateWindow: getenvDuration("TU_RATE_WINDOW", time.Minute),
	})

	// Start the HTTP server in a background goroutine so we can listen
	// for OS signals while it runs.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=backend msg=%q addr=%s version=%s commit=%s quota=%d retention=%s",
			"starting", addr, build.Version, build.Commit, cfg.DailyQuotaBytes, cfg.Retention)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=backend msg=%q signal=%s", "shutting_down", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("service=backend msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		log.Printf("service=backend msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}

// openStore picks the object store backend: when the four TU_S3_*
// variables are all set, blobs go to the S3 bucket; otherwise to
// <dataDir>/objects on the local filesystem.
func openStore(dataDir string) (relay.ObjectStore, error) {
	endpoint := os.Getenv("TU_S3_ENDPOINT")
	accessKey := os.Getenv("TU_S3_ACCESS_KEY")
	secretKey := os.Getenv("TU_S3_SECRET_KEY")
	bucket := os.Getenv("TU_S3_BUCKET")

	if endpoint != "" && accessKey != "" && secretKey != "" && bucket != "" {
		log.Printf("service=backend msg=%q endpoint=%s bucket=%s", "using_s3_store", endpoint, bucket)
		return relay.NewS3Store(endpoint, accessKey, secretKey, bucket)
	}

	return relay.NewFSStore(filepath.Join(dataDir, "objects"))
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBytes(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		log.Printf("service=backend msg=%q key=%s value=%q", "bad_env_int", key, v)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("service=backend msg=%q key=%s value=%q", "bad_env_duration", key, v)
		return def
	}
	return d
}
