package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sakha/internal/config"
	"sakha/internal/crypto"
	"sakha/internal/flowchart"
	"sakha/internal/imageprompt"
	"sakha/internal/intent"
	"sakha/internal/metrics"
	"sakha/internal/providers/registry"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/session"
	"sakha/internal/storage"
	"sakha/internal/telegram"
	"sakha/internal/title"
	"sakha/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Str("default_model", cfg.Tutor.DefaultModel).
		Str("default_mode", string(cfg.Tutor.DefaultMode)).
		Msg("starting sakha")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	cancels := queue.NewCancelBus(rdb, cfg.Redis.CancelChannel)
	defaults := cfg.DefaultSettings()

	errCh := make(chan error, 4)
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	var in ingress
	if cfg.DevPolling && cfg.AppMode != config.ModeWorker {
		in.polling = true
	} else if cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll {
		in.webhook = true
	}
	if in.polling || in.webhook {
		service := telegram.NewService(telegram.Config{
			Store:         store,
			Queue:         jobQueue,
			Cancels:       cancels,
			Keyring:       keyring,
			RateLimiter:   queue.NewRateLimiter(rdb, cfg.Rate.Limit, cfg.Rate.Window),
			Redis:         rdb,
			Defaults:      defaults,
			Logger:        log.Logger.With().Str("component", "telegram").Logger(),
			Metrics:       m,
			AdminCacheTTL: cfg.Redis.AdminCacheTTL,
			WizardTTL:     cfg.Redis.WizardTTL,
			BotUsername:   bot.User.Username,
		})
		if err := in.start(cfg, bot, service, queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL), m, logTelegramErr); err != nil {
			log.Fatal().Err(err).Msg("failed to start telegram ingress")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if in.handler != nil {
		mux.HandleFunc(in.route, in.handler)
	}
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := newWorker(cfg, bot, store, jobQueue, cancels, keyring, m)
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if in.updater != nil {
		if err := in.updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// ingress receives Telegram updates by long polling or through the webhook route.
type ingress struct {
	polling bool
	webhook bool
	updater *ext.Updater
	route   string
	handler http.HandlerFunc
}

func (in *ingress) start(cfg *config.Config, bot *gotgbot.Bot, service *telegram.Service, dedupe *queue.UpdateDeduplicator, m *metrics.Metrics, onErr func(error)) error {
	allowedUserID := int64(0)
	if cfg.BotAccessMode == config.AccessModePrivate {
		allowedUserID = cfg.AdminUserID
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: onErr,
		Processor: telegram.Processor{
			Dedupe:        dedupe,
			Metrics:       m,
			Logger:        log.Logger,
			AllowedUserID: allowedUserID,
		},
	})
	service.Register(dispatcher)
	in.updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: onErr})

	if in.polling {
		err := in.updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout:     50,
				RequestOpts: &gotgbot.RequestOpts{Timeout: 60 * time.Second},
			},
		})
		if err != nil {
			return fmt.Errorf("start polling: %w", err)
		}
		log.Info().Msg("polling mode started")
		return nil
	}

	path := strings.Trim(cfg.Webhook.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if cfg.Webhook.PublicURL == "" {
		return fmt.Errorf("WEBHOOK_URL is required in webhook mode")
	}
	if err := in.updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	in.route = "/" + path
	in.handler = in.updater.GetHandlerFunc("/")
	return nil
}

// newWorker builds the generation pipeline: router, controller and the study tools.
func newWorker(cfg *config.Config, bot *gotgbot.Bot, store *storage.Store, jobQueue *queue.StreamQueue, cancels *queue.CancelBus, keyring *crypto.Keyring, m *metrics.Metrics) *worker.Worker {
	router := registry.New(registry.Config{
		Endpoints: registry.Endpoints{
			registry.Google:   cfg.Providers.GoogleURL,
			registry.Mistral:  cfg.Providers.MistralURL,
			registry.Groq:     cfg.Providers.GroqURL,
			registry.Cerebras: cfg.Providers.CerebrasURL,
			registry.Zhipu:    cfg.Providers.ZhipuURL,
		},
		HTTPClient:            &http.Client{},
		ChatTimeout:           cfg.Generation.ChatTimeout,
		StructuredTimeout:     cfg.Generation.StructuredTimeout,
		MaxTokens:             cfg.Generation.MaxTokens,
		StructuredTemperature: cfg.Generation.StructuredTemperature,
		Logger:                log.Logger.With().Str("component", "router").Logger(),
	})

	controller := session.NewController(session.Config{
		Generator:  router,
		Transcript: store,
		Detector:   intent.NewDetector(cfg.Intent),
		Logger:     log.Logger.With().Str("component", "session").Logger(),
		Metrics:    m,
	})

	return worker.New(worker.Config{
		Bot:        bot,
		Store:      store,
		Queue:      jobQueue,
		Cancels:    cancels,
		Keyring:    keyring,
		Controller: controller,
		Quizzes: quiz.NewGenerator(router, quiz.Config{
			Model:       cfg.Generation.QuizModel,
			Temperature: cfg.Generation.QuizTemperature,
			Questions:   cfg.Generation.QuizQuestions,
			Logger:      log.Logger.With().Str("component", "quiz").Logger(),
		}),
		Flowcharts:    flowchart.NewGenerator(router, log.Logger.With().Str("component", "flowchart").Logger()),
		Titles:        title.NewGenerator(router, cfg.Generation.TitleModel, log.Logger.With().Str("component", "title").Logger()),
		Images:        imageprompt.NewGenerator(router, cfg.Generation.ImagePromptModel, log.Logger.With().Str("component", "imageprompt").Logger()),
		Defaults:      cfg.DefaultSettings(),
		EditInterval:  cfg.Worker.EditInterval,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger.With().Str("component", "worker").Logger(),
		Metrics:       m,
	})
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
