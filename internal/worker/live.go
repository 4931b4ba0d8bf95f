package worker

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sakha/internal/chatui"
	"sakha/internal/queue"
	"sakha/internal/session"
)

// liveMessage is the Telegram message a reply streams into. Edits are throttled because the
// Bot API rate limits message edits per chat.
type liveMessage struct {
	bot            Messenger
	ctx            context.Context
	log            zerolog.Logger
	chatID         int64
	messageID      int64
	conversationID string
	limiter        *rate.Limiter
}

func (w *Worker) startLive(ctx context.Context, job queue.Job, conversationID string) (*liveMessage, error) {
	opts := &gotgbot.SendMessageOpts{ReplyMarkup: *chatui.StopKeyboard(conversationID)}
	if job.MessageID > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID, AllowSendingWithoutReply: true}
	}
	msg, err := w.bot.SendMessageWithContext(ctx, job.ChatID, chatui.Thinking(), opts)
	if err != nil {
		return nil, err
	}
	return &liveMessage{
		bot:            w.bot,
		ctx:            ctx,
		log:            w.logger.With().Int64("chat_id", job.ChatID).Int64("message_id", msg.MessageId).Logger(),
		chatID:         job.ChatID,
		messageID:      msg.MessageId,
		conversationID: conversationID,
		limiter:        rate.NewLimiter(rate.Every(w.editInterval), 1),
	}, nil
}

// update receives the accumulated text after every fragment.
func (l *liveMessage) update(text string) {
	if !l.limiter.Allow() {
		return
	}
	l.edit(l.ctx, chatui.Preview(text), chatui.StopKeyboard(l.conversationID))
}

// finish replaces the preview with the outcome of the operation.
func (l *liveMessage) finish(ctx context.Context, res session.Result) {
	switch res.Outcome {
	case session.Completed:
		chunks := chatui.Split(res.Text, chatui.MessageLimit)
		var kb *gotgbot.InlineKeyboardMarkup
		if res.Message != nil {
			kb = chatui.ReplyKeyboard(res.Message.ID)
		}
		if len(chunks) == 1 {
			l.settle(ctx, chunks[0], kb)
			return
		}
		l.settle(ctx, chunks[0], nil)
		for i, chunk := range chunks[1:] {
			opts := &gotgbot.SendMessageOpts{}
			if i == len(chunks)-2 && kb != nil {
				opts.ReplyMarkup = *kb
			}
			if _, err := l.bot.SendMessageWithContext(ctx, l.chatID, chunk, opts); err != nil {
				l.log.Warn().Err(err).Int("chunk", i+1).Msg("failed to send reply chunk")
			}
		}
	case session.Failed:
		var kb *gotgbot.InlineKeyboardMarkup
		if res.Message != nil {
			kb = chatui.ReplyKeyboard(res.Message.ID)
		}
		l.settle(ctx, res.Text, kb)
	default:
		// The partial text never reached the transcript, so it leaves the chat too.
		l.settle(ctx, chatui.Stopped, chatui.RetryKeyboard(l.conversationID))
	}
}

// settle writes the final text. A nil keyboard removes the Stop button.
func (l *liveMessage) settle(ctx context.Context, text string, kb *gotgbot.InlineKeyboardMarkup) {
	if kb == nil {
		kb = &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{}}
	}
	// The job context may already be cancelled by shutdown; the final edit still goes out.
	l.edit(context.WithoutCancel(ctx), text, kb)
}

func (l *liveMessage) edit(ctx context.Context, text string, kb *gotgbot.InlineKeyboardMarkup) {
	if strings.TrimSpace(text) == "" {
		return
	}
	opts := &gotgbot.EditMessageTextOpts{ChatId: l.chatID, MessageId: l.messageID}
	if kb != nil {
		opts.ReplyMarkup = *kb
	}
	if _, _, err := l.bot.EditMessageTextWithContext(ctx, text, opts); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return
		}
		l.log.Debug().Err(err).Msg("failed to edit live message")
	}
}
