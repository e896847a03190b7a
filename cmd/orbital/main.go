package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/agentworkforce/orbital/internal/chat"
	"github.com/agentworkforce/orbital/internal/datasync"
	"github.com/agentworkforce/orbital/internal/gateway"
	"github.com/agentworkforce/orbital/internal/httpapi"
	"github.com/agentworkforce/orbital/internal/query"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger, err := buildLogger(os.Getenv("ORBITAL_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, logger); err != nil {
		logger.Fatal("orbital exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return nil, fmt.Errorf("invalid ORBITAL_LOG_LEVEL: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	return config.Build()
}

func run(ctx context.Context, logger *zap.Logger) error {
	addr := envOrDefault("ORBITAL_ADDR", ":8080")

	stateDSN, err := stateDSNFromEnv()
	if err != nil {
		return err
	}
	var backend catalog.StateBackend
	if stateDSN != "" {
		backend, err = catalog.BuildStateBackendFromDSNWithLogger(stateDSN, logger)
		if err != nil {
			return fmt.Errorf("state backend: %w", err)
		}
	}
	store := catalog.NewStoreWithOptions(catalog.StoreOptions{
		StateBackend: backend,
		MaxRuns:      intEnv("ORBITAL_MAX_RUNS", 0),
		Logger:       logger.Named("catalog"),
	})
	defer store.Close()

	sourceClient := &http.Client{Timeout: durationEnv("ORBITAL_SOURCE_TIMEOUT", 20*time.Second)}
	gw, err := gateway.New(gateway.Options{
		Sources: []gateway.Source{
			gateway.NewSpaceXSource(gateway.SpaceXOptions{
				BaseURL:    os.Getenv("ORBITAL_SPACEX_BASE_URL"),
				HTTPClient: sourceClient,
			}),
			gateway.NewNASASource(gateway.NASAOptions{
				BaseURL:     os.Getenv("ORBITAL_NASA_BASE_URL"),
				APIKey:      os.Getenv("ORBITAL_NASA_API_KEY"),
				HTTPClient:  sourceClient,
				DetailLimit: intEnv("ORBITAL_NASA_DETAIL_LIMIT", 0),
			}),
		},
		Resources: gateway.DefaultResources(),
		Logger:    logger.Named("gateway"),
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	syncer, err := datasync.NewSyncer(gw, store, datasync.SyncerOptions{
		MaxRetries: intEnv("ORBITAL_SYNC_MAX_RETRIES", 0),
		BaseDelay:  durationEnv("ORBITAL_SYNC_BASE_DELAY", 0),
		MaxDelay:   durationEnv("ORBITAL_SYNC_MAX_DELAY", 0),
		Logger:     logger.Named("sync"),
	})
	if err != nil {
		return fmt.Errorf("syncer: %w", err)
	}

	deps := httpapi.Deps{
		Catalog: store,
		Syncer:  syncer,
		Search:  query.NewTranslator(store, query.Options{PageSize: intEnv("ORBITAL_SEARCH_PAGE_SIZE", 0), Logger: logger.Named("query")}),
	}

	var background sync.WaitGroup
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer func() {
		cancelBackground()
		background.Wait()
	}()

	if chatURL := strings.TrimSpace(os.Getenv("ORBITAL_CHAT_BASE_URL")); chatURL != "" {
		proxy, monitor, fallback, err := buildChat(chatURL, logger.Named("chat"))
		if err != nil {
			return err
		}
		defer monitor.Close()
		deps.Chat = proxy
		deps.Health = monitor

		if interval := durationEnv("ORBITAL_HEALTH_INTERVAL", 0); interval > 0 {
			background.Add(1)
			go func() {
				defer background.Done()
				monitor.Run(bgCtx, interval)
			}()
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if err := fallback.Watch(bgCtx); err != nil {
				logger.Warn("fallback watcher stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("ORBITAL_CHAT_BASE_URL not set; chat routes disabled")
	}

	server := httpapi.NewServer(deps, httpapi.ServerConfig{
		RateLimitMax:    intEnv("ORBITAL_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("ORBITAL_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("ORBITAL_MAX_BODY_BYTES", 0),
		Logger:          logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orbital listening", zap.String("addr", addr), zap.Bool("chat", deps.Chat != nil))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("ORBITAL_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildChat(baseURL string, logger *zap.Logger) (*chat.Proxy, *chat.Monitor, *chat.FallbackStore, error) {
	collaborator, err := chat.NewHTTPCollaborator(chat.HTTPCollaboratorOptions{BaseURL: baseURL})
	if err != nil {
		return nil, nil, nil, err
	}
	fallback, err := chat.NewFallbackStore(os.Getenv("ORBITAL_FALLBACK_FILE"), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	monitor := chat.NewMonitor(map[string]chat.HealthChecker{"collaborator": collaborator}, chat.MonitorOptions{
		TTL:             durationEnv("ORBITAL_HEALTH_TTL", 30*time.Second),
		ProbeTimeout:    durationEnv("ORBITAL_HEALTH_PROBE_TIMEOUT", 5*time.Second),
		DegradedLatency: durationEnv("ORBITAL_HEALTH_DEGRADED_LATENCY", 2*time.Second),
		Logger:          logger,
	})
	proxy, err := chat.NewProxy(collaborator, chat.ProxyOptions{
		RequestTimeout: durationEnv("ORBITAL_CHAT_TIMEOUT", 10*time.Second),
		Fallback:       fallback,
		Monitor:        monitor,
		Logger:         logger,
	})
	if err != nil {
		monitor.Close()
		return nil, nil, nil, err
	}
	return proxy, monitor, fallback, nil
}

// stateDSNFromEnv resolves ORBITAL_STATE_DSN, falling back to the profile
// named by ORBITAL_BACKEND_PROFILE. An empty result keeps state in memory.
func stateDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("ORBITAL_STATE_DSN")); dsn != "" {
		return dsn, nil
	}
	return storageProfileDSN(
		os.Getenv("ORBITAL_BACKEND_PROFILE"),
		envOrDefault("ORBITAL_DATA_DIR", ".orbital"),
		os.Getenv("ORBITAL_POSTGRES_DSN"),
	)
}

func storageProfileDSN(profile, dataDir, postgresDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		if strings.TrimSpace(postgresDSN) == "" {
			return "", fmt.Errorf("ORBITAL_POSTGRES_DSN is required when ORBITAL_BACKEND_PROFILE=%s", profile)
		}
		return strings.TrimSpace(postgresDSN), nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "orbital.db"), nil
	case "embedded":
		return "badger://" + filepath.Join(dataDir, "badger"), nil
	case "snapshot":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported ORBITAL_BACKEND_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid integer setting; using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		zap.L().Warn("invalid integer setting; using fallback", zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration setting; using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}
