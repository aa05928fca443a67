package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bridgecache/internal/retention"
	"bridgecache/pkg/api"
	"bridgecache/pkg/banner"
	"bridgecache/pkg/config"
	"bridgecache/pkg/keys"
	"bridgecache/pkg/logger"
	"bridgecache/pkg/progressor"
	"bridgecache/pkg/reconcile"
	"bridgecache/pkg/state"
	"bridgecache/pkg/store"
)

// build metadata - set via ldflags during build/release
var (
	version = "dev"
)

// staticSigner satisfies the signer boundary with a fixed identity; the
// daemon gets the pubkey from configuration instead of an extension.
type staticSigner struct{ pubkey string }

func (s staticSigner) GetPublicKey(ctx context.Context) (string, error) { return s.pubkey, nil }

func main() {
	_ = godotenv.Load(".env")

	addrFlag := flag.String("addr", "", "listen address for the debug API (overrides config)")
	dbFlag := flag.String("db", "", "cache path (overrides config)")
	cfgFlag := flag.String("config", os.Getenv("BRIDGECACHE_CONFIG"), "path to YAML config")
	identityFlag := flag.String("identity", os.Getenv("BRIDGECACHE_IDENTITY"), "local user pubkey (hex)")
	flag.Parse()

	cfg, err := config.Load(*cfgFlag)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbFlag != "" {
		cfg.Server.DBPath = *dbFlag
	}

	logger.InitWithLevel(cfg.Logging.Level)

	identity := *identityFlag
	if identity == "" {
		log.Fatalf("identity required: set --identity or BRIDGECACHE_IDENTITY")
	}

	paths, err := state.EnsureStateDirs(cfg.Server.DBPath)
	if err != nil {
		log.Fatalf("failed to prepare state dirs: %v", err)
	}
	if err := logger.AttachAuditFileSink(paths.Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	ks := keys.NewService()
	if err := ks.Initialize(identity); err != nil {
		log.Fatalf("failed to derive session key: %v", err)
	}

	st, err := store.Open(paths.Store, identity, ks)
	if err != nil {
		log.Fatalf("failed to open cache at %s: %v", paths.Store, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := progressor.Run(ctx, st, version); err != nil {
		logger.Error("migration_failed", "error", err)
	}

	// Startup eviction pass, then the cron schedule takes over.
	retention.Register(cfg, st)
	if err := retention.RunImmediate(ctx); err != nil {
		logger.Warn("startup_retention_failed", "error", err)
	}
	stopRetention, err := retention.Start(ctx, cfg, st)
	if err != nil {
		log.Fatalf("failed to start retention: %v", err)
	}

	engine := reconcile.New(st, nil, staticSigner{pubkey: identity})
	engine.SetFetchLimit(cfg.Sync.FetchLimit)
	// The daemon has no relay transport wired; the embedding application
	// owns live sync. Messages still flow in through /v1/ingest.
	logger.Info("sync_disabled_no_transport")

	addr := cfg.Addr()
	if *addrFlag != "" {
		addr = *addrFlag
	}
	router := api.NewServer(st, engine, version).Router()
	router.Handle("/metrics", promhttp.Handler())

	banner.Print(cfg, version)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("debug_api_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug_api_failed", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	stopRetention()
	if err := st.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	ks.Clear()
	logger.Info("shutdown_complete")
}
