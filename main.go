// Command q-bot is the chat bot entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Registers the extensions (streamers, youtubers, search, help) and starts
//     their recurring checks.
//   - Joins the configured Twitch channels and dispatches chat commands.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight check cycles finish before
// the process exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mammothb/q-bot/bot"
	"github.com/mammothb/q-bot/chat"
	"github.com/mammothb/q-bot/config"
	"github.com/mammothb/q-bot/db"
	"github.com/mammothb/q-bot/extensions"
	"github.com/mammothb/q-bot/notify"
	"github.com/mammothb/q-bot/oauth"
	"github.com/mammothb/q-bot/server"
	"github.com/mammothb/q-bot/store"
	"github.com/mammothb/q-bot/telemetry"
	"github.com/mammothb/q-bot/twitchapi"
	"github.com/mammothb/q-bot/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("q-bot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

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

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := db.Migrate(migrateCtx, database); err != nil {
		cancel()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancel()

	st := store.New(database)

	// Sync guild rows for every configured channel so the polling cycle sees
	// them before first chat contact.
	for _, ch := range cfg.TwitchChannels {
		if err := st.EnsureGuild(ctx, ch, ch); err != nil {
			slog.Error("failed to ensure guild", slog.String("guild", ch), slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Prefer a refreshed chat token from the store over the static env one.
	chatToken := cfg.TwitchOAuthToken
	if access, _, _, _, err := db.GetOAuthToken(ctx, database, "twitch"); err == nil && access != "" {
		chatToken = access
	}

	if len(cfg.TwitchChannels) == 0 || cfg.TwitchBotUsername == "" || chatToken == "" {
		slog.Error("missing twitch chat configuration", slog.Any("err", cfg.ValidateChatReady()))
		os.Exit(1)
	}

	chatClient := chat.New(cfg.TwitchBotUsername, chatToken, cfg.TwitchChannels, st)

	twitchCol := twitchapi.New(cfg.TwitchClientID, cfg.TwitchClientSecret)
	exts := []bot.Extension{
		extensions.NewStreamers(cfg.Prefix, st, twitchCol,
			&notify.Announcer{Sender: chatClient, Token: "streamer"}, cfg.StreamCheckInterval),
	}

	var ytCol *youtubeapi.Collector
	if cfg.YouTubeAPIKey != "" {
		ytCol, err = youtubeapi.New(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			slog.Error("failed to init youtube api", slog.Any("err", err))
			os.Exit(1)
		}
		exts = append(exts, extensions.NewYoutubers(cfg.Prefix, st, ytCol,
			&notify.Announcer{Sender: chatClient, Token: "youtuber"}, cfg.UploadCheckInterval))
	} else {
		slog.Info("youtube checks disabled (YOUTUBE_API_KEY not set)")
	}

	var videoSearch extensions.VideoSearcher
	if ytCol != nil {
		videoSearch = ytCol
	}
	exts = append(exts, extensions.NewSearch(cfg.Prefix, twitchCol, videoSearch))
	help := extensions.NewHelp(cfg.Prefix)
	exts = append(exts, help)

	rt := bot.New(chatClient, exts...)
	help.Bind(rt.Extensions()...)
	rt.StartChecks(ctx)

	// Keep the chat user token fresh if a refresh token has been stored.
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		})

	go func() {
		if err := server.Start(ctx, database, st, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block on the chat transport until shutdown.
	if err := chatClient.Run(ctx, rt); err != nil {
		slog.Error("twitch chat connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
