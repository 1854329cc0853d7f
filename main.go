// Command picrelay bridges a Telegram bot to an IRC channel via Imgur.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the Telegram poller, the upload worker pool,
//     the auth expiry sweeper, and the Imgur OAuth token refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/joho/godotenv"

	"github.com/codetalk/picrelay/auth"
	"github.com/codetalk/picrelay/bridge"
	"github.com/codetalk/picrelay/config"
	"github.com/codetalk/picrelay/db"
	"github.com/codetalk/picrelay/imgur"
	"github.com/codetalk/picrelay/irc"
	"github.com/codetalk/picrelay/oauth"
	"github.com/codetalk/picrelay/server"
	"github.com/codetalk/picrelay/telegram"
	"github.com/codetalk/picrelay/telemetry"
	"github.com/codetalk/picrelay/upload"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBridgeReady(); err != nil {
		slog.Error("bridge not configured", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("picrelay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Collaborator clients
	tgClient := &telegram.Client{Token: cfg.TelegramBotToken}
	imgurClient := imgur.New(cfg.ImgurClientID, cfg.ImgurClientSecret, &db.TokenStoreAdapter{DB: database})
	if err := imgurClient.SeedRefreshToken(ctx, os.Getenv("IMGUR_REFRESH_TOKEN")); err != nil {
		slog.Warn("imgur refresh token seed failed", slog.Any("err", err))
	}
	ircClient := &irc.Client{
		Server:  cfg.IRCServer,
		Nick:    cfg.IRCNick,
		Channel: cfg.IRCChannel,
		TLS:     cfg.IRCTLS,
	}

	// Core pipeline
	store := &upload.Store{
		DB:           database,
		MaxAttempts:  cfg.UploadMaxAttempts,
		BackoffBase:  cfg.UploadBackoffBase,
		LeaseTimeout: cfg.UploadLeaseTimeout,
	}
	machine := &auth.Machine{DB: database, TTL: cfg.AuthTimeout}
	br := &bridge.Bridge{
		Store:       store,
		Auth:        machine,
		Chat:        tgClient,
		Channel:     ircClient,
		DataDir:     cfg.DataDir,
		IRCServer:   cfg.IRCServer,
		IRCChannel:  cfg.IRCChannel,
		AuthTimeout: cfg.AuthTimeout,
	}
	aggregator := &upload.Aggregator{
		Window:         cfg.AlbumWindow,
		Host:           imgurClient,
		Store:          store,
		AnnounceSingle: br.AnnounceSingle,
		AnnounceAlbum:  br.AnnounceAlbum,
	}
	worker := &upload.Worker{
		Store:       store,
		Host:        imgurClient,
		Completed:   aggregator.Completed,
		Failed:      br.NotifyFailure,
		RemoveLocal: cfg.DeleteAfterUpload,
	}
	poller := &telegram.Poller{
		Client:        tgClient,
		Timeout:       cfg.TelegramPollTimeout,
		OnPhoto:       br.HandlePhoto,
		OnCommand:     br.HandleCommand,
		OnUnsupported: br.HandleUnsupported,
	}
	ircClient.OnMessage = br.HandleChannelMessage
	ircClient.OnDeparture = br.HandleDeparture

	// Background jobs
	go poller.Run(ctx)
	go ircClient.Run(ctx)
	worker.Start(ctx, cfg.UploadWorkers, envDuration("UPLOAD_POLL_INTERVAL", 15*time.Second))
	br.StartExpirySweeper(ctx, envDuration("AUTH_SWEEP_INTERVAL", 30*time.Second))

	// Centralized OAuth token refresher for the image host
	oauth.StartRefresher(ctx, database, "imgur", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		oc := &oauth2.Config{ClientID: cfg.ImgurClientID, ClientSecret: cfg.ImgurClientSecret, Endpoint: imgur.Endpoint}
		newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	aggregator.Flush(context.Background())
}

func envDuration(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}
