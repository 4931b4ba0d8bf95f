package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"sakha/internal/chatui"
	"sakha/internal/queue"
	"sakha/internal/storage"
	"sakha/internal/tutor"
)

const (
	keysDeepLinkPrefix = "keys_"
	historyLimit       = 10
)

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && strings.HasPrefix(args[1], keysDeepLinkPrefix) {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(args[1], keysDeepLinkPrefix), 10, 64)
		if err != nil {
			return s.reply(ctx, b, "Invalid deep-link payload.")
		}
		return s.beginKeyWizard(ctx, b, chatID)
	}
	s.ensureChat(context.Background(), ctx.EffectiveMessage)
	return s.reply(ctx, b, welcomeText(ctx.EffectiveChat.Type == "private"))
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <question>")
	}
	return s.submit(b, ctx, queue.Job{Kind: queue.KindSend, Content: prompt})
}

// privateText treats plain private messages as questions unless the key wizard waits for input.
func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" {
		return nil
	}

	state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
	}
	if state != nil {
		switch state.Step {
		case stepKey:
			return s.finishKey(b, ctx, state, text)
		case stepFamily:
			if handled, err := s.pickFamilyByName(b, ctx, state, text); handled {
				return err
			}
			_ = s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id)
		}
	}
	return s.submit(b, ctx, queue.Job{Kind: queue.KindSend, Content: text})
}

func (s *Service) newConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	s.ensureChat(context.Background(), ctx.EffectiveMessage)

	title := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	c, err := s.store.CreateConversation(context.Background(), chatID, title)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("create conversation failed")
		return s.reply(ctx, b, "Failed to start a conversation.")
	}
	if err := s.store.SetActiveConversation(context.Background(), chatID, c.ID); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("activate conversation failed")
		return s.reply(ctx, b, "Failed to start a conversation.")
	}
	if title != "" {
		return s.reply(ctx, b, "🆕 Started "+strconv.Quote(title)+". Send your first question.")
	}
	return s.reply(ctx, b, "🆕 New conversation started. Send your first question.")
}

func (s *Service) stop(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	id := s.activeConversation(context.Background(), ctx.EffectiveChat.Id)
	if id == "" {
		return s.reply(ctx, b, "Nothing is being generated.")
	}
	if err := s.requestStop(context.Background(), id); err != nil {
		return s.reply(ctx, b, "Could not reach the workers. Try again.")
	}
	return nil
}

func (s *Service) regen(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	id := s.activeConversation(context.Background(), ctx.EffectiveChat.Id)
	if id == "" {
		return s.reply(ctx, b, "There is no conversation to regenerate yet.")
	}
	return s.submit(b, ctx, queue.Job{Kind: queue.KindRegenerate, ConversationID: id})
}

func (s *Service) edit(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if text == "" {
		return s.reply(ctx, b, "Usage: /edit <corrected question>\nReplaces your last question and answers it again.")
	}
	id := s.activeConversation(context.Background(), ctx.EffectiveChat.Id)
	if id == "" {
		return s.reply(ctx, b, "There is no conversation to edit yet.")
	}
	return s.submit(b, ctx, queue.Job{Kind: queue.KindEdit, ConversationID: id, Content: text})
}

func (s *Service) quiz(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.studyJob(b, ctx, queue.KindQuiz)
}

func (s *Service) flowchart(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.studyJob(b, ctx, queue.KindFlowchart)
}

func (s *Service) imagePrompt(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.studyJob(b, ctx, queue.KindImagePrompt)
}

func (s *Service) studyJob(b *gotgbot.Bot, ctx *ext.Context, kind queue.Kind) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	id := s.activeConversation(context.Background(), ctx.EffectiveChat.Id)
	if id == "" {
		return s.reply(ctx, b, "Start a conversation first: send a question and get an answer.")
	}
	return s.submit(b, ctx, queue.Job{Kind: kind, ConversationID: id})
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, kb, err := s.historyView(context.Background(), ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		return s.reply(ctx, b, "Failed to load conversations.")
	}
	return s.replyWithMarkup(ctx, b, text, kb)
}

func (s *Service) historyView(ctx context.Context, chatID int64) (string, *gotgbot.InlineKeyboardMarkup, error) {
	list, err := s.store.ListConversations(ctx, chatID, historyLimit)
	if err != nil {
		return "", nil, err
	}
	return chatui.HistoryText(list, s.activeConversation(ctx, chatID)), chatui.HistoryKeyboard(list), nil
}

func (s *Service) rename(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	title := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if title == "" {
		return s.reply(ctx, b, "Usage: /rename <title>")
	}
	id := s.activeConversation(context.Background(), ctx.EffectiveChat.Id)
	if id == "" {
		return s.reply(ctx, b, "There is no conversation to rename yet.")
	}
	if err := s.store.RenameConversation(context.Background(), ctx.EffectiveChat.Id, id, title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "That conversation no longer exists.")
		}
		return s.reply(ctx, b, "Failed to rename the conversation.")
	}
	return s.reply(ctx, b, "Renamed.")
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	cs, settings := s.chatSettings(context.Background(), chatID)
	own := s.ownCredentials(context.Background(), chatID, cs.EncCredentials)

	active := ""
	if cs.ActiveConversationID != "" {
		if c, err := s.store.GetConversation(context.Background(), chatID, cs.ActiveConversationID); err == nil {
			active = c.Title
			if strings.TrimSpace(active) == "" {
				active = "Untitled"
			}
			active = fmt.Sprintf("%s (%d messages)", active, len(c.Messages))
		}
	}
	return s.reply(ctx, b, statusText(ctx.EffectiveChat.Type, settings, active, chatui.KeysText(own, s.defaults.Credentials)))
}

// submit rate-limits and enqueues a generation job for the current chat.
func (s *Service) submit(b *gotgbot.Bot, ctx *ext.Context, job queue.Job) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	if !s.allowRate(ctx.EffectiveChat.Id, userID(ctx), b, ctx) {
		return nil
	}
	s.ensureChat(context.Background(), ctx.EffectiveMessage)

	job.ChatID = ctx.EffectiveChat.Id
	job.ChatType = ctx.EffectiveChat.Type
	job.UserID = userID(ctx)
	if ctx.EffectiveMessage != nil {
		job.MessageID = ctx.EffectiveMessage.MessageId
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Str("kind", string(job.Kind)).Msg("failed to enqueue job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return nil
}

func (s *Service) requestStop(ctx context.Context, conversationID string) error {
	if s.cancels == nil {
		return nil
	}
	n, err := s.cancels.Publish(ctx, conversationID)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation", conversationID).Msg("stop request failed")
		return err
	}
	s.logger.Debug().Str("conversation", conversationID).Int64("workers", n).Msg("stop requested")
	return nil
}

// chatSettings returns the stored row and the effective settings without credentials.
func (s *Service) chatSettings(ctx context.Context, chatID int64) (storage.ChatSettings, tutor.Settings) {
	settings := s.defaults
	settings.Credentials = tutor.Credentials{}
	cs, err := s.store.GetSettings(ctx, chatID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("load settings failed")
		}
		return storage.ChatSettings{}, settings
	}
	if cs.Model != "" {
		settings.Model = cs.Model
	}
	if cs.Mode != "" {
		settings.Mode = cs.Mode
	}
	return cs, settings
}

func (s *Service) activeConversation(ctx context.Context, chatID int64) string {
	cs, _ := s.chatSettings(ctx, chatID)
	return cs.ActiveConversationID
}

func (s *Service) ownCredentials(ctx context.Context, chatID int64, sealed string) tutor.Credentials {
	own, err := s.keyring.OpenCredentials(chatID, sealed)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("cannot open chat credentials")
		return tutor.Credentials{}
	}
	return own
}

// canConfigure allows settings changes in private chats and for admins in groups.
func (s *Service) canConfigure(b *gotgbot.Bot, ctx *ext.Context) bool {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return false
	}
	if ctx.EffectiveChat.Type == "private" {
		return true
	}
	admin, err := s.isAdmin(context.Background(), b, ctx.EffectiveChat.Id, ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("admin check failed")
		return false
	}
	return admin
}

func (s *Service) requireAdmin(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, ok bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return 0, 0, false
	}
	if ctx.EffectiveChat.Type == "private" {
		_ = s.reply(ctx, b, "Run this command in group/supergroup.")
		return 0, 0, false
	}
	chatID = ctx.EffectiveChat.Id
	uid = ctx.EffectiveUser.Id
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return 0, 0, false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can run this command.")
		return 0, 0, false
	}
	s.ensureChat(context.Background(), ctx.EffectiveMessage)
	return chatID, uid, true
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	cacheKey := fmt.Sprintf("sakha:admin:%d:%d", chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}
	if admin, found, err := s.store.GetAdminCache(ctx, chatID, userID); err == nil && found {
		return admin, nil
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	_ = s.store.SetAdminCache(ctx, chatID, userID, admin)
	return admin, nil
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	d, err := s.rateLimiter.Allow(context.Background(), chatID, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if d.Allowed {
		return true
	}
	s.metrics.RateLimited.Inc()
	_ = s.reply(ctx, b, rateLimitText(d))
	return false
}

func (s *Service) audit(chatID, userID int64, action string, meta map[string]any) error {
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
