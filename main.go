// Command hypebot is the streaming-assistant bot entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the event bus, gameplay detector, response engine, generator,
//     and clip pipeline behind the orchestrator.
//   - Joins Twitch chat and starts the periodic tasks.
//   - Exposes the HTTP control panel with /healthz, /status, /config,
//     /metrics, and the EventSub webhook.
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

	"github.com/joho/godotenv"

	"github.com/veilstream/hypebot/bot"
	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/chat"
	"github.com/veilstream/hypebot/clips"
	"github.com/veilstream/hypebot/config"
	"github.com/veilstream/hypebot/db"
	"github.com/veilstream/hypebot/eventsub"
	"github.com/veilstream/hypebot/knowledge"
	"github.com/veilstream/hypebot/llm"
	"github.com/veilstream/hypebot/oauth"
	"github.com/veilstream/hypebot/server"
	"github.com/veilstream/hypebot/telemetry"
	"github.com/veilstream/hypebot/twitchapi"
)

// helixClipProvider adapts the Helix client to the clip pipeline's provider.
type helixClipProvider struct {
	hc *twitchapi.HelixClient
}

func (p *helixClipProvider) CreateClip(ctx context.Context, broadcasterID string) (clips.Handle, error) {
	c, err := p.hc.CreateClip(ctx, broadcasterID)
	if err != nil {
		return clips.Handle{}, err
	}
	return clips.Handle{ID: c.ID, URL: c.URL, CreatedAt: time.Now()}, nil
}

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
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("hypebot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	slog.Info("telemetry ready", slog.Bool("tracing", telemetry.IsTracingEnabled()))

	// DB. Persistence is ancillary to the bot itself: a failed connection
	// disables the chat log, clip records, and stored tokens but the bot runs.
	dbx, err := db.Connect(cfg.DBDsn)
	if err == nil {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx, dbx); err != nil {
			slog.Warn("db migrate failed; continuing without persistence", slog.Any("err", err))
			_ = dbx.Close()
			dbx = nil
		}
		cancel()
	} else {
		slog.Warn("db open failed; continuing without persistence", slog.Any("err", err))
		dbx = nil
	}
	if dbx != nil {
		defer func() {
			if err := dbx.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Best-effort: fetch a Twitch app access token (client-credentials) if
	// client id/secret provided. Used for Helix lookups, not IRC chat.
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		ctx2, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := appTokens.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}

	// User token for clip creation: prefer the stored OAuth token, fall back
	// to the static chat token from env.
	userToken := func(tctx context.Context) (string, error) {
		if dbx != nil {
			access, _, expiry, _, err := db.GetOAuthToken(tctx, dbx, "twitch")
			if err == nil && access != "" && time.Now().Before(expiry) {
				return access, nil
			}
		}
		return strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:"), nil
	}
	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, UserToken: userToken, ClientID: cfg.TwitchClientID}

	// Resolve the broadcaster id for clip creation; without it clips are simulated.
	var clipProvider clips.Provider
	broadcasterID := ""
	if len(cfg.TwitchChannels) > 0 && cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		ctx2, cancel := context.WithTimeout(ctx, 8*time.Second)
		id, err := helix.GetUserID(ctx2, cfg.TwitchChannels[0])
		cancel()
		if err != nil {
			slog.Warn("broadcaster id lookup failed; clips will be simulated", slog.Any("err", err))
		} else {
			broadcasterID = id
			clipProvider = &helixClipProvider{hc: helix}
		}
	}

	// Completion provider; missing key means the bot stays silent.
	var completions llm.Provider
	if cfg.OpenAIAPIKey != "" {
		completions = llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}

	facts := knowledge.Open(cfg.KnowledgeFile)

	// Chat transport, sharing one bus with the orchestrator.
	b := bus.New()
	var sender bot.ChatSender
	var transport *chat.Transport
	if err := cfg.ValidateChatReady(); err == nil {
		transport = chat.NewTransport(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannels, b, dbx)
		sender = transport
	} else {
		slog.Warn("chat transport disabled", slog.Any("err", err))
	}

	orch := bot.New(cfg, bot.Deps{
		Bus:           b,
		Completions:   completions,
		ClipProvider:  clipProvider,
		Facts:         facts,
		Sender:        sender,
		DB:            dbx,
		BroadcasterID: broadcasterID,
	})
	if transport != nil {
		go func() {
			if err := transport.Run(ctx); err != nil {
				slog.Error("chat transport exited", slog.Any("err", err))
			}
		}()
	}

	orch.RestoreKnobs(ctx)
	if os.Getenv("BOT_AUTOSTART") != "0" {
		orch.Activate(ctx)
	}

	// Live-status poller: feeds the stream-live gauge and logs transitions so
	// operators can line bot activity up with the broadcast.
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" && len(cfg.TwitchChannels) > 0 {
		channel := cfg.TwitchChannels[0]
		go func() {
			ticker := time.NewTicker(2 * time.Minute)
			defer ticker.Stop()
			live := false
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sctx, cancel := context.WithTimeout(ctx, 8*time.Second)
					streams, err := helix.GetStreams(sctx, channel)
					cancel()
					if err != nil {
						slog.Debug("stream status poll failed", slog.Any("err", err))
						continue
					}
					nowLive := len(streams) > 0
					telemetry.SetStreamLive(nowLive)
					if nowLive == live {
						continue
					}
					live = nowLive
					if live {
						slog.Info("stream went live", slog.String("channel", channel), slog.String("game", streams[0].GameName))
					} else {
						slog.Info("stream went offline", slog.String("channel", channel))
					}
				}
			}
		}()
	}

	// EventSub webhook (optional; requires EVENTSUB_SECRET)
	var esHandler http.Handler
	if cfg.EventSubSecret != "" && len(cfg.TwitchChannels) > 0 {
		var send eventsub.SendFunc
		if sender != nil {
			send = sender.Send
		}
		esHandler = eventsub.NewHandler(cfg.EventSubSecret, cfg.TwitchChannels[0], orch.Bus(), send)
	}

	// Centralized OAuth token refresher for the clip-creation user token.
	if dbx != nil {
		if oc, err := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes); err == nil {
			oauth.StartRefresher(ctx, dbx, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				tok, err := twitchapi.RefreshUserToken(rctx, oc, refreshToken)
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
			})
		}
	}

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

	// HTTP control panel (health/status/config/metrics + EventSub webhook)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, cfg, dbx, orch, esHandler, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	orch.Deactivate()
	slog.Info("shutting down")
}
