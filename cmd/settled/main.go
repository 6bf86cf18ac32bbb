package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentmarket/config"
	"agentmarket/gateway"
	"agentmarket/ledger"
	"agentmarket/native/auction"
	"agentmarket/native/common"
	"agentmarket/native/escrow"
	"agentmarket/native/settlement"
	"agentmarket/observability/logging"
	"agentmarket/state"
	"agentmarket/storage"
)

const envVar = "SETTLED_ENV"

type pauseSet map[string]struct{}

func (p pauseSet) IsPaused(module string) bool {
	_, ok := p[strings.ToLower(module)]
	return ok
}

func main() {
	configFile := flag.String("config", "./settled.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("settled", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "entities"))
	if err != nil {
		logger.Error("failed to open database", "error", err, "dataDir", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewEntityStore(db)

	client := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAuthToken, ledger.RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Backoff:  time.Duration(cfg.RetryBackoffMillis) * time.Millisecond,
	})
	timeout := time.Duration(cfg.LedgerTimeoutSeconds) * time.Second
	mover := ledger.NewMover(client, timeout)
	entropy := ledger.NewEntropy(client, timeout)

	pauses := pauseSet{}
	for _, module := range cfg.PausedModules {
		pauses[strings.ToLower(strings.TrimSpace(module))] = struct{}{}
	}
	var pauseView common.PauseView
	if len(pauses) > 0 {
		pauseView = pauses
	}

	// Deadlines are judged against ledger time only. When the ledger clock
	// cannot be read the engines refuse the operation instead of guessing
	// with the local clock.
	ledgerNow := func() (int64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return client.Now(ctx)
	}

	escrows := escrow.NewEngine()
	escrows.SetState(store)
	escrows.SetTokenMover(mover)
	escrows.SetPauses(pauseView)
	escrows.SetNowFunc(ledgerNow)

	auctions := auction.NewEngine()
	auctions.SetState(store)
	auctions.SetTokenMover(mover)
	auctions.SetEntropySource(entropy)
	auctions.SetPauses(pauseView)
	auctions.SetNowFunc(ledgerNow)

	coordinator := settlement.NewCoordinator(escrows, auctions)

	var auth *gateway.Authenticator
	if len(cfg.APIKeys) > 0 {
		auth = gateway.NewAuthenticator(cfg.APIKeys, time.Duration(cfg.AuthTimestampSkew)*time.Second, nil)
	} else {
		logger.Warn("no API keys configured; mutating routes are unauthenticated")
	}

	server := gateway.NewServer(gateway.Options{
		Escrows:     escrows,
		Auctions:    auctions,
		Coordinator: coordinator,
		Auth:        auth,
		RateLimit: gateway.RateLimit{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateLimitBurst,
		},
		Logger:    logger,
		Namespace: "settled",
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress, "ledger", cfg.LedgerURL)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
