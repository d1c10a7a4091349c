package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visualcore/backend/internal/api"
	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/bus"
	"github.com/visualcore/backend/internal/config"
	"github.com/visualcore/backend/internal/control"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/directory"
	"github.com/visualcore/backend/internal/envelope"
	"github.com/visualcore/backend/internal/metrics"
	"github.com/visualcore/backend/internal/session"
	"github.com/visualcore/backend/internal/storagestate"
	"github.com/visualcore/backend/internal/stream"
)

func main() {
	godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		slog.Error("config load failed", "path", path, "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	logger := buildLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	m := metrics.NewMetrics()

	ring := buildKeyring(cfg.Crypto, logger)
	store := buildStore(cfg.Storage, logger)
	state := storagestate.NewService(store, ring, cfg.Storage.VerifyTTLHours, logger, m)
	loader := storagestate.NewLoader(state, cfg.Storage.StateDir, cfg.Storage.SharedStateFile, logger, m)

	var dirOpts []directory.Option
	if cfg.Redis.URL != "" {
		rc, err := directory.NewGoRedisAdapter(cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unreachable; session directory is local-only", "error", err)
		} else {
			defer rc.Close()
			dirOpts = append(dirOpts, directory.WithRedis(rc, cfg.Redis.KeyPrefix, 0))
		}
	}
	dir := directory.New(logger, dirOpts...)

	var emitter bus.Emitter = bus.NewLocalBus()
	if cfg.PubSub.ProjectID != "" {
		pb, err := bus.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger)
		if err != nil {
			logger.Warn("pubsub unreachable; lifecycle events stay in-process", "error", err)
		} else {
			defer pb.Close()
			emitter = pb
		}
	}

	factory := browser.NewFactory(browser.Options{
		Headless:       cfg.Browser.Headless,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		NavTimeout:     secs(cfg.Browser.NavTimeoutSecs),
	}, logger)
	starter := func(ctx context.Context, headless *bool, st *core.StorageStateBlob) (browser.Session, error) {
		f := factory
		if headless != nil {
			f = factory.WithHeadless(*headless)
		}
		return f.NewSession(ctx, st)
	}

	manager := session.NewManager(session.Config{
		Stream: stream.Config{
			BufferSize:   cfg.Stream.EventBufferSize,
			ClientQueue:  cfg.Stream.ClientWriteQueue,
			SnapshotWait: secs(cfg.Stream.SnapshotWaitSeconds),
		},
		AutoSave:   cfg.Storage.AutoSave,
		UseCookies: cfg.Storage.UseCookies,
		IdleCutoff: secs(cfg.Stream.IdleCutoffSeconds),
	}, starter, session.Deps{
		State:     state,
		Loader:    loader,
		Directory: dir,
		Bus:       emitter,
		Logger:    logger,
		Metrics:   m,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.RunSweeper(sweepCtx)

	srv := api.NewServer(manager, state, dir, api.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Control: control.Config{
			RatePerSec:     cfg.Control.RatePerSec,
			MaxLifetime:    secs(cfg.Control.MaxDurationSecs),
			CommandTimeout: secs(cfg.Control.CommandTimeoutS),
			DebugKeys:      cfg.Control.DebugLogging,
		},
	}, logger, m)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: stop accepting, then finalize every live session
	// so auto-save runs before the process exits.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		manager.Shutdown(ctx)
	}()

	logger.Info("visual streaming core listening",
		"port", cfg.Server.Port, "env", cfg.Server.Env, "headless", cfg.Browser.Headless)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func buildLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler).With("service", "visualcore")
}

// buildKeyring resolves the envelope key: explicit private key PEM (inline
// or file), a public-only key for seal-and-forward deployments, or an
// ephemeral dev keypair as the last resort.
func buildKeyring(cfg config.CryptoConfig, logger *slog.Logger) *envelope.Keyring {
	switch {
	case cfg.PrivateKeyPEM != "":
		prov, err := envelope.NewProviderFromPrivatePEM(cfg.KID, []byte(cfg.PrivateKeyPEM))
		if err != nil {
			logger.Error("invalid COOKIE_PRIVATE_KEY_PEM", "error", err)
			os.Exit(1)
		}
		return envelope.NewKeyring(prov)

	case cfg.PrivateKeyPath != "":
		pemData, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			logger.Error("cannot read private key file", "path", cfg.PrivateKeyPath, "error", err)
			os.Exit(1)
		}
		prov, err := envelope.NewProviderFromPrivatePEM(cfg.KID, pemData)
		if err != nil {
			logger.Error("invalid private key file", "path", cfg.PrivateKeyPath, "error", err)
			os.Exit(1)
		}
		return envelope.NewKeyring(prov)

	case cfg.PublicKeyPEM != "":
		prov, err := envelope.NewSealOnlyProvider(cfg.KID, []byte(cfg.PublicKeyPEM))
		if err != nil {
			logger.Error("invalid COOKIE_PUBLIC_KEY_PEM", "error", err)
			os.Exit(1)
		}
		logger.Info("seal-only envelope key loaded; this instance cannot decrypt records", "kid", cfg.KID)
		return envelope.NewKeyring(prov)

	default:
		prov, err := envelope.NewProvider(cfg.KID)
		if err != nil {
			logger.Error("ephemeral key generation failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("no envelope key configured; generated an ephemeral keypair, "+
			"saved storage state will not survive a restart", "kid", cfg.KID)
		return envelope.NewKeyring(prov)
	}
}

func buildStore(cfg config.StorageConfig, logger *slog.Logger) storagestate.Store {
	switch {
	case cfg.DatabaseURL != "":
		store, err := storagestate.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres store init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("storage-state store: postgres")
		return store

	case cfg.SupabaseURL != "":
		store, err := storagestate.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			logger.Error("supabase store init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("storage-state store: supabase")
		return store

	default:
		logger.Warn("no database configured; storage-state records are in-memory only")
		return storagestate.NewMemoryStore()
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
