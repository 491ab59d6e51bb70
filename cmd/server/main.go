// Command server runs the loopcast dashboard: the HTTP API, the stream
// orchestrator, and the transcoder supervisor in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loopcast/internal/api"
	"loopcast/internal/auth/oauth"
	"loopcast/internal/config"
	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/server"
	"loopcast/internal/serverutil"
	"loopcast/internal/storage"
	"loopcast/internal/stream"
	"loopcast/internal/supervisor"
	"loopcast/internal/youtube"
)

func main() {
	var (
		envFile  = flag.String("env-file", "", "path to an env file loaded before flags are resolved")
		addrFlag = flag.String("addr", "", "listen address for the HTTP server")

		logLevelFlag  = flag.String("log-level", "", "log level (debug, info, warn, error)")
		logFormatFlag = flag.String("log-format", "", "log format (json or text)")

		oauthClientFileFlag = flag.String("oauth-client-file", "", "path to the Google OAuth client JSON file")
		oauthRedirectFlag   = flag.String("oauth-redirect-url", "", "OAuth redirect URL registered for this dashboard")

		youtubeBaseURLFlag = flag.String("youtube-base-url", "", "override for the YouTube Data API base URL")

		ffmpegPathFlag = flag.String("ffmpeg-path", "", "path to the ffmpeg binary")

		postgresDSNFlag = flag.String("postgres-dsn", "", "Postgres DSN for session history (in-memory when empty)")
		redisAddrFlag   = flag.String("redis-addr", "", "Redis address for event fan-out and shared rate limits")

		corsOriginsFlag = flag.String("cors-origins", "", "comma-separated list of allowed CORS origins")
		tlsCertFlag     = flag.String("tls-cert", "", "TLS certificate file")
		tlsKeyFlag      = flag.String("tls-key", "", "TLS key file")
	)
	flag.Parse()

	if *envFile != "" {
		if err := config.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		// A missing .env is fine; system env and defaults take over.
		_ = config.Load()
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, config.GetEnv("LOOPCAST_LOG_LEVEL", "info")),
		Format: firstNonEmpty(*logFormatFlag, config.GetEnv("LOOPCAST_LOG_FORMAT", "json")),
	})

	recorder := metrics.New()

	// OAuth: a client file wins over discrete env credentials.
	oauthCfg, err := resolveOAuthConfig(*oauthClientFileFlag, *oauthRedirectFlag)
	if err != nil {
		logger.Error("oauth configuration invalid", "error", err)
		os.Exit(1)
	}
	var (
		authManager *oauth.Manager
		tokenCache  *oauth.TokenCache
		authHandler *api.AuthHandler
	)
	if oauthCfg.ClientID != "" {
		authManager, err = oauth.NewManager(oauthCfg)
		if err != nil {
			logger.Error("oauth manager init failed", "error", err)
			os.Exit(1)
		}
		tokenCache = oauth.NewTokenCache(authManager)
		authHandler = api.NewAuthHandler(authManager, tokenCache)
	} else {
		logger.Warn("no oauth client configured; session starts will fail until credentials are provided")
		tokenCache = oauth.NewTokenCache(nil)
	}

	youtubeClient := youtube.NewHTTPClient(
		firstNonEmpty(*youtubeBaseURLFlag, config.GetEnv("LOOPCAST_YOUTUBE_BASE_URL", "")),
		tokenCache,
		youtube.WithLogger(logging.WithComponent(logger, "youtube")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openHistoryStore(ctx, firstNonEmpty(*postgresDSNFlag, config.GetEnv("LOOPCAST_POSTGRES_DSN", "")), logger)
	if err != nil {
		logger.Error("history store init failed", "error", err)
		os.Exit(1)
	}

	hub := stream.NewHub(config.GetEnvInt("LOOPCAST_EVENT_BUFFER", 64))
	registry := stream.NewRegistry()
	binder := stream.NewBinder(youtubeClient, logging.WithComponent(logger, "binder"),
		stream.WithPollSettings(
			config.GetEnvDuration("LOOPCAST_POLL_INTERVAL", 3*time.Second),
			config.GetEnvDuration("LOOPCAST_POLL_TIMEOUT", 90*time.Second),
		),
	)

	// The supervisor reports process events to the manager, which is built
	// after it; the indirection breaks the construction cycle.
	var manager *stream.Manager
	sup := supervisor.New(supervisor.Config{
		BinaryPath:       firstNonEmpty(*ffmpegPathFlag, config.GetEnv("LOOPCAST_FFMPEG_PATH", "ffmpeg")),
		VideoBitrate:     config.GetEnv("LOOPCAST_VIDEO_BITRATE", ""),
		MaxBitrate:       config.GetEnv("LOOPCAST_MAX_BITRATE", ""),
		BufferSize:       config.GetEnv("LOOPCAST_BUFFER_SIZE", ""),
		KeyframeInterval: config.GetEnvInt("LOOPCAST_KEYFRAME_INTERVAL", 0),
		AudioBitrate:     config.GetEnv("LOOPCAST_AUDIO_BITRATE", ""),
		AudioSampleRate:  config.GetEnvInt("LOOPCAST_AUDIO_SAMPLE_RATE", 0),
		GracePeriod:      config.GetEnvDuration("LOOPCAST_STOP_GRACE", 10*time.Second),
	}, logging.WithComponent(logger, "supervisor"), func(event models.Event) {
		if manager != nil {
			manager.HandleProcessEvent(event)
		}
	})

	manager = stream.NewManager(stream.ManagerConfig{
		Registry:      registry,
		Binder:        binder,
		Supervisor:    sup,
		Store:         store,
		Hub:           hub,
		Metrics:       recorder,
		Logger:        logging.WithComponent(logger, "manager"),
		MaxHandshakes: int64(config.GetEnvInt("LOOPCAST_MAX_HANDSHAKES", 4)),
	})
	reconciler := stream.NewReconciler(registry, sup)

	redisAddr := firstNonEmpty(*redisAddrFlag, config.GetEnv("LOOPCAST_REDIS_ADDR", ""))
	var sink *stream.RedisSink
	if redisAddr != "" {
		sink, err = stream.NewRedisSink(stream.RedisSinkConfig{
			Addr:     redisAddr,
			Password: config.GetEnv("LOOPCAST_REDIS_PASSWORD", ""),
			Channel:  config.GetEnv("LOOPCAST_REDIS_CHANNEL", ""),
			Logger:   logging.WithComponent(logger, "redis-sink"),
		})
		if err != nil {
			logger.Error("redis sink init failed", "addr", redisAddr, "error", err)
			os.Exit(1)
		}
		events, cancelEvents := hub.Subscribe()
		defer cancelEvents()
		go sink.Run(ctx, events)
	}

	apiHandler := api.NewHandler(api.HandlerConfig{
		Sessions: manager,
		Statuses: reconciler,
		Events:   hub,
		History:  store,
		Logger:   logging.WithComponent(logger, "api"),
	})

	srv, err := server.New(apiHandler, authHandler, server.Config{
		Addr: firstNonEmpty(*addrFlag, config.GetEnv("LOOPCAST_ADDR", ":8080")),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCertFlag, config.GetEnv("LOOPCAST_TLS_CERT", "")),
			KeyFile:  firstNonEmpty(*tlsKeyFlag, config.GetEnv("LOOPCAST_TLS_KEY", "")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat("LOOPCAST_GLOBAL_RPS", 0),
			GlobalBurst:   config.GetEnvInt("LOOPCAST_GLOBAL_BURST", 0),
			StartLimit:    config.GetEnvInt("LOOPCAST_START_LIMIT", 10),
			StartWindow:   config.GetEnvDuration("LOOPCAST_START_WINDOW", time.Minute),
			RedisAddr:     redisAddr,
			RedisPassword: config.GetEnv("LOOPCAST_REDIS_PASSWORD", ""),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOriginsFlag, config.GetEnv("LOOPCAST_CORS_ORIGINS", ""))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	logger.Info("dashboard starting", "addr", srv.HTTPServer().Addr)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCertFlag, config.GetEnv("LOOPCAST_TLS_CERT", "")),
			KeyFile:  firstNonEmpty(*tlsKeyFlag, config.GetEnv("LOOPCAST_TLS_KEY", "")),
		},
		ShutdownTimeout: config.GetEnvDuration("LOOPCAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	})

	// Stop running streams before releasing the stores so the final session
	// snapshots are persisted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.StopAll(shutdownCtx)
	hub.Close()
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Warn("redis sink close failed", "error", err)
		}
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("history store close failed", "error", err)
	}

	if runErr != nil {
		logger.Error("server exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("dashboard stopped")
}

// resolveOAuthConfig builds the OAuth client config from a client JSON file
// when one is named, otherwise from discrete environment credentials. An
// all-empty result means OAuth is unconfigured, which is allowed.
func resolveOAuthConfig(clientFileFlag, redirectFlag string) (oauth.Config, error) {
	clientFile := firstNonEmpty(clientFileFlag, config.GetEnv("LOOPCAST_OAUTH_CLIENT_FILE", ""))
	redirect := firstNonEmpty(redirectFlag, config.GetEnv("LOOPCAST_OAUTH_REDIRECT_URL", ""))

	if clientFile != "" {
		cfg, err := oauth.LoadClientFile(clientFile)
		if err != nil {
			return oauth.Config{}, err
		}
		if redirect != "" {
			cfg.RedirectURL = redirect
		}
		return cfg, nil
	}

	cfg := oauth.Config{
		ClientID:     config.GetEnv("LOOPCAST_OAUTH_CLIENT_ID", ""),
		ClientSecret: config.GetEnv("LOOPCAST_OAUTH_CLIENT_SECRET", ""),
		RedirectURL:  redirect,
	}
	if cfg.ClientID == "" && cfg.ClientSecret == "" {
		return oauth.Config{}, nil
	}
	return cfg, nil
}

// openHistoryStore returns a Postgres-backed repository when a DSN is
// configured and an in-memory one otherwise.
func openHistoryStore(ctx context.Context, dsn string, logger *slog.Logger) (storage.Repository, error) {
	if dsn == "" {
		logger.Info("no postgres dsn configured, session history is in-memory")
		return storage.NewMemoryRepository(), nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.NewPostgresRepository(openCtx, storage.PostgresConfig{
		DSN:             dsn,
		MaxConns:        int32(config.GetEnvInt("LOOPCAST_POSTGRES_MAX_CONNS", 0)),
		MinConns:        int32(config.GetEnvInt("LOOPCAST_POSTGRES_MIN_CONNS", 0)),
		MaxConnLifetime: config.GetEnvDuration("LOOPCAST_POSTGRES_CONN_LIFETIME", 0),
		AppName:         "loopcast",
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return fallback
}
