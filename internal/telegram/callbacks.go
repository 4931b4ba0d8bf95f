package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"sakha/internal/chatui"
	"sakha/internal/persona"
	"sakha/internal/providers/registry"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/storage"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	action, args, ok := chatui.Parse(strings.TrimSpace(ctx.CallbackQuery.Data))
	if !ok {
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	if !hasArgs(action, args) {
		s.answerCallback(b, ctx, "This button is outdated.", true)
		return nil
	}
	bg := context.Background()

	switch action {
	case chatui.ActRegenerate:
		convID, err := s.store.ConversationOfMessage(bg, chatID, args[0])
		if err != nil {
			s.answerCallback(b, ctx, "That reply no longer exists.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		return s.submit(b, ctx, queue.Job{Kind: queue.KindRegenerate, ConversationID: convID, TargetID: args[0]})

	case chatui.ActRetry:
		s.answerCallback(b, ctx, "", false)
		return s.submit(b, ctx, queue.Job{Kind: queue.KindReply, ConversationID: args[0]})

	case chatui.ActStop:
		if err := s.requestStop(bg, args[0]); err != nil {
			s.answerCallback(b, ctx, "Could not reach the workers.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Stopping…", false)
		return nil

	case chatui.ActSuggest:
		m, ok := persona.Parse(args[0])
		if !ok {
			s.answerCallback(b, ctx, "Unknown mode.", true)
			return nil
		}
		if !s.canConfigure(b, ctx) {
			s.answerCallback(b, ctx, "Only chat admins can change the mode here.", true)
			return nil
		}
		if err := s.applyMode(bg, chatID, m, args[1]); err != nil {
			s.answerCallback(b, ctx, "Failed to save the mode.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		_ = s.editOrReplyCallback(ctx, b, "Switched to "+persona.Name(m)+". Answering again in this mode…", nil)
		return s.submit(b, ctx, queue.Job{Kind: queue.KindRegenerate, ConversationID: args[1]})

	case chatui.ActDismiss:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, "Staying in the current mode.", nil)

	case chatui.ActMode:
		m, ok := persona.Parse(args[0])
		if !ok {
			s.answerCallback(b, ctx, "Unknown mode.", true)
			return nil
		}
		if !s.canConfigure(b, ctx) {
			s.answerCallback(b, ctx, "Only chat admins can change the mode here.", true)
			return nil
		}
		if err := s.applyMode(bg, chatID, m, s.activeConversation(bg, chatID)); err != nil {
			s.answerCallback(b, ctx, "Failed to save the mode.", true)
			return nil
		}
		_ = s.audit(chatID, userID(ctx), "mode_set", map[string]any{"mode": m})
		s.answerCallback(b, ctx, persona.Name(m), false)
		return s.editOrReplyCallback(ctx, b, "Current mode: "+persona.Name(m)+"\nPick a teaching mode:", chatui.ModeKeyboard(m))

	case chatui.ActModel:
		info, ok := registry.LookupModel(args[0])
		if !ok {
			s.answerCallback(b, ctx, "Unknown model.", true)
			return nil
		}
		if !s.canConfigure(b, ctx) {
			s.answerCallback(b, ctx, "Only chat admins can change the model here.", true)
			return nil
		}
		if err := s.store.SaveModel(bg, chatID, info.ID); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("save model failed")
			s.answerCallback(b, ctx, "Failed to save the model.", true)
			return nil
		}
		_ = s.audit(chatID, userID(ctx), "model_set", map[string]any{"model": info.ID})
		s.answerCallback(b, ctx, info.Name, false)
		return s.editOrReplyCallback(ctx, b, "Current model: "+modelLabel(info.ID)+"\nPick a model:", chatui.ModelKeyboard(info.ID))

	case chatui.ActKey:
		f, ok := registry.ParseFamily(args[0])
		if !ok {
			s.answerCallback(b, ctx, "Unknown provider.", true)
			return nil
		}
		if ctx.EffectiveChat == nil || ctx.EffectiveChat.Type != "private" || ctx.EffectiveUser == nil {
			s.answerCallback(b, ctx, "Keys are entered in a private chat. Run /keys there.", true)
			return nil
		}
		state, err := s.wizard.Get(bg, ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard load failed")
		}
		s.answerCallback(b, ctx, "", false)
		return s.pickFamily(b, ctx, state, f)

	case chatui.ActQuizAnswer:
		return s.answerQuiz(b, ctx, chatID, args[0], args[1])

	case chatui.ActOpen:
		c, err := s.store.GetConversation(bg, chatID, args[0])
		if err != nil {
			s.answerCallback(b, ctx, "That conversation no longer exists.", true)
			return nil
		}
		if err := s.store.SetActiveConversation(bg, chatID, c.ID); err != nil {
			s.answerCallback(b, ctx, "Failed to switch conversation.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Continuing: "+titleOrUntitled(c.Title), false)
		return s.refreshHistory(ctx, b, chatID)

	case chatui.ActPin:
		c, err := s.store.GetConversation(bg, chatID, args[0])
		if err != nil {
			s.answerCallback(b, ctx, "That conversation no longer exists.", true)
			return nil
		}
		if err := s.store.SetPinned(bg, chatID, c.ID, !c.IsPinned); err != nil {
			s.answerCallback(b, ctx, "Failed to update the conversation.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		return s.refreshHistory(ctx, b, chatID)

	case chatui.ActDelete:
		if !s.canConfigure(b, ctx) {
			s.answerCallback(b, ctx, "Only chat admins can delete conversations here.", true)
			return nil
		}
		if err := s.store.DeleteConversation(bg, chatID, args[0]); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("conversation", args[0]).Msg("delete conversation failed")
			s.answerCallback(b, ctx, "Failed to delete the conversation.", true)
			return nil
		}
		_ = s.requestStop(bg, args[0])
		_ = s.audit(chatID, userID(ctx), "conversation_delete", map[string]any{"conversation": args[0]})
		s.answerCallback(b, ctx, "Deleted.", false)
		return s.refreshHistory(ctx, b, chatID)

	case chatui.ActNew:
		c, err := s.store.CreateConversation(bg, chatID, "")
		if err == nil {
			err = s.store.SetActiveConversation(bg, chatID, c.ID)
		}
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("create conversation failed")
			s.answerCallback(b, ctx, "Failed to start a conversation.", true)
			return nil
		}
		s.answerCallback(b, ctx, "New conversation started. Send your first question.", false)
		return s.refreshHistory(ctx, b, chatID)

	case chatui.ActMenu:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, helpText(), nil)

	default:
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}
}

func (s *Service) answerQuiz(b *gotgbot.Bot, ctx *ext.Context, chatID int64, quizID, rawChoice string) error {
	bg := context.Background()
	qs, owner, err := s.store.GetQuiz(bg, quizID)
	if err != nil || owner != chatID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("quiz", quizID).Msg("load quiz failed")
		}
		s.answerCallback(b, ctx, "This quiz is no longer available.", true)
		return nil
	}
	choice, err := strconv.Atoi(rawChoice)
	if err != nil {
		s.answerCallback(b, ctx, "This button is outdated.", true)
		return nil
	}

	q, err := qs.Answer(choice)
	switch {
	case errors.Is(err, quiz.ErrCompleted):
		s.answerCallback(b, ctx, "This quiz is already finished.", true)
		return nil
	case err != nil:
		s.answerCallback(b, ctx, "This button is outdated.", true)
		return nil
	}
	if err := s.store.SaveQuiz(bg, chatID, qs); err != nil {
		s.logger.Error().Err(err).Str("quiz", quizID).Msg("save quiz failed")
		s.answerCallback(b, ctx, "Failed to record the answer.", true)
		return nil
	}

	verdict := "❌"
	if q.IsCorrect != nil && *q.IsCorrect {
		verdict = "✅"
	}
	s.answerCallback(b, ctx, verdict, false)
	text, kb := quizStep(qs, q)
	return s.editOrReplyCallback(ctx, b, text, kb)
}

func (s *Service) refreshHistory(ctx *ext.Context, b *gotgbot.Bot, chatID int64) error {
	text, kb, err := s.historyView(context.Background(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		return nil
	}
	return s.editOrReplyCallback(ctx, b, text, kb)
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}

// hasArgs reports whether callback data carries the arguments its action needs.
func hasArgs(action string, args []string) bool {
	need := 0
	switch action {
	case chatui.ActRegenerate, chatui.ActRetry, chatui.ActStop, chatui.ActMode, chatui.ActModel,
		chatui.ActKey, chatui.ActOpen, chatui.ActPin, chatui.ActDelete:
		need = 1
	case chatui.ActSuggest, chatui.ActQuizAnswer:
		need = 2
	}
	if len(args) < need {
		return false
	}
	for _, a := range args[:need] {
		if strings.TrimSpace(a) == "" {
			return false
		}
	}
	return true
}
