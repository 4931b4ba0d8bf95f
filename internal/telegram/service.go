package telegram

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sakha/internal/chatui"
	"sakha/internal/crypto"
	"sakha/internal/metrics"
	"sakha/internal/queue"
	"sakha/internal/storage"
	"sakha/internal/tutor"
)

type Service struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	cancels       *queue.CancelBus
	keyring       *crypto.Keyring
	rateLimiter   *queue.RateLimiter
	wizard        *wizardStore
	redis         *redis.Client
	defaults      tutor.Settings
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	botUsername   string
}

type Config struct {
	Store       *storage.Store
	Queue       *queue.StreamQueue
	Cancels     *queue.CancelBus
	Keyring     *crypto.Keyring
	RateLimiter *queue.RateLimiter
	Redis       *redis.Client
	// Defaults are shown by /status and used when a chat has no settings row.
	Defaults      tutor.Settings
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
	WizardTTL     time.Duration
	BotUsername   string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = tutor.DefaultModel
	}
	if cfg.Defaults.Mode == "" {
		cfg.Defaults.Mode = tutor.DefaultSettings().Mode
	}
	return &Service{
		store:         cfg.Store,
		queue:         cfg.Queue,
		cancels:       cfg.Cancels,
		keyring:       cfg.Keyring,
		rateLimiter:   cfg.RateLimiter,
		wizard:        newWizardStore(cfg.Redis, cfg.WizardTTL),
		redis:         cfg.Redis,
		defaults:      cfg.Defaults,
		logger:        cfg.Logger,
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
		botUsername:   cfg.BotUsername,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("new", s.newConversation))
	d.AddHandler(handlers.NewCommand("stop", s.stop))
	d.AddHandler(handlers.NewCommand("regen", s.regen))
	d.AddHandler(handlers.NewCommand("edit", s.edit))
	d.AddHandler(handlers.NewCommand("mode", s.mode))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("keys", s.keys))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("quiz", s.quiz))
	d.AddHandler(handlers.NewCommand("flowchart", s.flowchart))
	d.AddHandler(handlers.NewCommand("imageprompt", s.imagePrompt))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("rename", s.rename))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(chatui.Prefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.privateText))
}

func (s *Service) deepLink(bot *gotgbot.Bot, param string) string {
	username := s.botUsername
	if username == "" {
		username = bot.User.Username
	}
	if strings.TrimSpace(username) == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=" + url.QueryEscape(param)
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) ensureChat(ctx context.Context, msg *gotgbot.Message) {
	if msg == nil {
		return
	}
	_ = s.store.EnsureChat(ctx, msg.Chat.Id, msg.Chat.Type, msg.Chat.Title)
}
