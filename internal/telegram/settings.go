package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"sakha/internal/chatui"
	"sakha/internal/persona"
	"sakha/internal/providers/registry"
	"sakha/internal/storage"
	"sakha/internal/tutor"
)

func (s *Service) mode(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	arg, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	cs, settings := s.chatSettings(context.Background(), chatID)
	if arg == "" {
		return s.replyWithMarkup(ctx, b, "Current mode: "+persona.Name(settings.Mode)+"\nPick a teaching mode:", chatui.ModeKeyboard(settings.Mode))
	}

	m, ok := persona.Parse(arg)
	if !ok {
		return s.reply(ctx, b, "Unknown mode. Available: "+modeList())
	}
	if !s.canConfigure(b, ctx) {
		return s.reply(ctx, b, "Only chat admins can change the mode here.")
	}
	if err := s.applyMode(context.Background(), chatID, m, cs.ActiveConversationID); err != nil {
		return s.reply(ctx, b, "Failed to save the mode.")
	}
	_ = s.audit(chatID, userID(ctx), "mode_set", map[string]any{"mode": m})
	return s.reply(ctx, b, "Mode set to "+persona.Name(m)+".")
}

// applyMode saves the chat mode and marks the active conversation as manually set, which
// silences suggestions for it.
func (s *Service) applyMode(ctx context.Context, chatID int64, m persona.Mode, conversationID string) error {
	if err := s.store.SaveMode(ctx, chatID, m); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("save mode failed")
		return err
	}
	if conversationID == "" {
		return nil
	}
	if err := s.store.SetManualMode(ctx, chatID, conversationID, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("failed to flag manual mode")
	}
	return nil
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	arg, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	_, settings := s.chatSettings(context.Background(), chatID)
	if arg == "" {
		return s.replyWithMarkup(ctx, b, "Current model: "+modelLabel(settings.Model)+"\nPick a model:", chatui.ModelKeyboard(settings.Model))
	}

	info, ok := registry.LookupModel(arg)
	if !ok {
		return s.reply(ctx, b, "Unknown model. Run /model to pick from the list.")
	}
	if !s.canConfigure(b, ctx) {
		return s.reply(ctx, b, "Only chat admins can change the model here.")
	}
	if err := s.store.SaveModel(context.Background(), chatID, info.ID); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("save model failed")
		return s.reply(ctx, b, "Failed to save the model.")
	}
	_ = s.audit(chatID, userID(ctx), "model_set", map[string]any{"model": info.ID})
	return s.reply(ctx, b, "Model set to "+modelLabel(info.ID)+".")
}

func (s *Service) keys(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		return s.beginKeyWizard(ctx, b, ctx.EffectiveChat.Id)
	}

	chatID, _, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	link := s.deepLink(b, fmt.Sprintf("%s%d", keysDeepLinkPrefix, chatID))
	if link == "" {
		return s.reply(ctx, b, "Unable to generate deep-link. Check bot username.")
	}
	return s.reply(ctx, b, "Keys are entered in a private chat so they never appear here: "+link)
}

// beginKeyWizard opens the provider picker for targetChatID in the user's private chat.
func (s *Service) beginKeyWizard(ctx *ext.Context, b *gotgbot.Bot, targetChatID int64) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveChat == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if targetChatID != ctx.EffectiveChat.Id {
		admin, err := s.isAdmin(context.Background(), b, targetChatID, ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", targetChatID).Msg("admin check failed in dm wizard")
			return s.reply(ctx, b, "Could not verify admin rights. Please retry.")
		}
		if !admin {
			return s.reply(ctx, b, "You are not an admin in that chat.")
		}
		_ = s.store.EnsureChat(context.Background(), targetChatID, "group", "")
	} else {
		s.ensureChat(context.Background(), ctx.EffectiveMessage)
	}

	state := keyWizardState{TargetChatID: targetChatID, Step: stepFamily}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		return s.reply(ctx, b, "Failed to start the key wizard.")
	}
	cs, _ := s.chatSettings(context.Background(), targetChatID)
	own := s.ownCredentials(context.Background(), targetChatID, cs.EncCredentials)
	return s.replyWithMarkup(ctx, b, chatui.KeysText(own, s.defaults.Credentials), chatui.KeysKeyboard())
}

// pickFamily moves the wizard to the key step. A callback from a chat without a running
// wizard configures that chat itself.
func (s *Service) pickFamily(b *gotgbot.Bot, ctx *ext.Context, state *keyWizardState, f registry.Family) error {
	if state == nil {
		state = &keyWizardState{TargetChatID: ctx.EffectiveChat.Id}
	}
	state.Family = string(f)
	state.Step = stepKey
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *state); err != nil {
		return s.reply(ctx, b, "Failed to persist wizard state.")
	}
	return s.editOrReplyCallback(ctx, b, keyPromptText(f), nil)
}

func (s *Service) pickFamilyByName(b *gotgbot.Bot, ctx *ext.Context, state *keyWizardState, text string) (bool, error) {
	f, ok := registry.ParseFamily(text)
	if !ok {
		return false, nil
	}
	state.Family = string(f)
	state.Step = stepKey
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *state); err != nil {
		return true, s.reply(ctx, b, "Failed to persist wizard state.")
	}
	return true, s.reply(ctx, b, keyPromptText(f))
}

func (s *Service) finishKey(b *gotgbot.Bot, ctx *ext.Context, state *keyWizardState, text string) error {
	uid := ctx.EffectiveUser.Id
	f, ok := registry.ParseFamily(state.Family)
	if !ok {
		_ = s.wizard.Clear(context.Background(), uid)
		return s.reply(ctx, b, "Wizard state was invalid. Start again with /keys.")
	}
	key, ok := normalizeKey(text)
	if !ok {
		return s.reply(ctx, b, "That does not look like an API key. Send it without spaces, '-' to remove, or /cancel.")
	}

	// The key should not linger in the chat history.
	if _, err := b.DeleteMessage(ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil); err != nil {
		s.logger.Debug().Err(err).Msg("failed to delete key message")
	}

	if err := s.storeKey(context.Background(), state.TargetChatID, f, key); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", state.TargetChatID).Str("provider", string(f)).Msg("save key failed")
		return s.reply(ctx, b, "Failed to save the key. Try again with /keys.")
	}
	_ = s.wizard.Clear(context.Background(), uid)

	action := "key_set"
	text = "✅ " + f.DisplayName() + " key saved."
	if key == "" {
		action = "key_clear"
		text = f.DisplayName() + " key removed."
	}
	_ = s.audit(state.TargetChatID, uid, action, map[string]any{"provider": f})
	return s.reply(ctx, b, text)
}

// storeKey re-seals the chat's credential set with one key replaced. A blob that no longer
// opens is replaced rather than merged.
func (s *Service) storeKey(ctx context.Context, chatID int64, f registry.Family, key string) error {
	cs, err := s.store.GetSettings(ctx, chatID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	own, err := s.keyring.OpenCredentials(chatID, cs.EncCredentials)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("replacing unreadable credentials")
		own = tutor.Credentials{}
	}
	own = f.WithCredential(own, key)
	if own == (tutor.Credentials{}) {
		return s.store.SaveCredentials(ctx, chatID, "")
	}
	sealed, err := s.keyring.SealCredentials(chatID, own)
	if err != nil {
		return err
	}
	return s.store.SaveCredentials(ctx, chatID, sealed)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

// normalizeKey trims the user's input; "-" clears the key.
func normalizeKey(text string) (string, bool) {
	key := strings.TrimSpace(text)
	if key == "-" {
		return "", true
	}
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return "", false
	}
	return key, true
}
