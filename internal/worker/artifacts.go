package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"sakha/internal/chatui"
	"sakha/internal/flowchart"
	"sakha/internal/imageprompt"
	"sakha/internal/providers"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/storage"
	"sakha/internal/tutor"
)

// studyTarget loads the conversation a quiz, flowchart or image prompt is built from.
func (w *Worker) studyTarget(ctx context.Context, job queue.Job) (chatState, tutor.Conversation, error) {
	st, err := w.loadChat(ctx, job.ChatID)
	if err != nil {
		return chatState{}, tutor.Conversation{}, err
	}
	conv, err := w.conversation(ctx, job, st, false)
	if err != nil {
		return chatState{}, tutor.Conversation{}, err
	}
	return st, conv, nil
}

func (w *Worker) runQuiz(ctx context.Context, job queue.Job) error {
	st, conv, err := w.studyTarget(ctx, job)
	if errors.Is(err, storage.ErrNotFound) {
		return reported(w.sendError(ctx, job.ChatID, job.MessageID, "Start a conversation first, then ask for a quiz on it."))
	}
	if err != nil {
		return err
	}

	live, err := w.startStatic(ctx, job, "📝 Building a quiz from this conversation…")
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	qs, err := w.quizzes.Generate(ctx, st.settings.Credentials, conv.ID, conv.Messages)
	if err != nil {
		live.settle(ctx, quizFailure(err), nil)
		if errors.Is(err, quiz.ErrTooShort) || providers.IsConfigError(err) {
			return nil
		}
		return reported(err)
	}
	if err := w.store.SaveQuiz(ctx, job.ChatID, qs); err != nil {
		live.settle(ctx, "Could not save the quiz. Please try again.", nil)
		return reported(fmt.Errorf("save quiz: %w", err))
	}

	text, kb := chatui.QuizQuestion(qs)
	live.settle(ctx, text, kb)
	return nil
}

func quizFailure(err error) string {
	switch {
	case errors.Is(err, quiz.ErrTooShort):
		return "A quiz needs a little more conversation first: at least one question and one answer."
	case providers.IsConfigError(err):
		return "Quizzes use Google Gemini: " + providers.Describe(err) + ". Add a key with /keys."
	case errors.Is(err, quiz.ErrNoQuestions):
		return "The model did not return any usable questions. Try again in a moment."
	default:
		return "Quiz generation failed: " + providers.Describe(err)
	}
}

func (w *Worker) runFlowchart(ctx context.Context, job queue.Job) error {
	st, conv, err := w.studyTarget(ctx, job)
	if errors.Is(err, storage.ErrNotFound) {
		return reported(w.sendError(ctx, job.ChatID, job.MessageID, "Start a conversation first, then ask for a flowchart of it."))
	}
	if err != nil {
		return err
	}

	live, err := w.startStatic(ctx, job, "🧭 Drawing a flowchart of this conversation…")
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	f, err := w.flowcharts.Generate(ctx, st.settings, conv.ID, conv.Messages)
	if err != nil {
		if errors.Is(err, flowchart.ErrTooShort) {
			live.settle(ctx, "A flowchart needs at least one question and one answer.", nil)
			return nil
		}
		live.settle(ctx, "Flowchart generation failed: "+providers.Describe(err), nil)
		if providers.IsConfigError(err) {
			return nil
		}
		return reported(err)
	}
	if err := w.store.SaveFlowchart(ctx, job.ChatID, f); err != nil {
		w.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("failed to store flowchart")
	}

	chunks := chatui.Split(chatui.Flowchart(f), chatui.MessageLimit)
	live.settle(ctx, chunks[0], nil)
	for _, chunk := range chunks[1:] {
		if _, err := w.bot.SendMessageWithContext(ctx, job.ChatID, chunk, &gotgbot.SendMessageOpts{}); err != nil {
			return reported(fmt.Errorf("send flowchart chunk: %w", err))
		}
	}
	return nil
}

func (w *Worker) runImagePrompt(ctx context.Context, job queue.Job) error {
	st, conv, err := w.studyTarget(ctx, job)
	if errors.Is(err, storage.ErrNotFound) {
		return reported(w.sendError(ctx, job.ChatID, job.MessageID, "Start a conversation first, then ask for an image prompt of it."))
	}
	if err != nil {
		return err
	}

	live, err := w.startStatic(ctx, job, "🎨 Writing an image prompt from this conversation…")
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	prompt, err := w.imagePrompts.Generate(ctx, st.settings.Credentials, conv.Messages)
	switch {
	case errors.Is(err, imageprompt.ErrNoConversation):
		live.settle(ctx, "There is nothing to draw yet. Ask a question first.", nil)
		return nil
	case providers.IsConfigError(err):
		live.settle(ctx, "Image prompts use Google Gemini: "+providers.Describe(err)+". Add a key with /keys.", nil)
		return nil
	case err != nil:
		live.settle(ctx, "Image prompt generation failed: "+providers.Describe(err), nil)
		return reported(err)
	}

	text := "🎨 Image prompt. Paste it into any image generator:\n\n" + prompt
	chunks := chatui.Split(text, chatui.MessageLimit)
	live.settle(ctx, chunks[0], nil)
	for _, chunk := range chunks[1:] {
		if _, err := w.bot.SendMessageWithContext(ctx, job.ChatID, chunk, &gotgbot.SendMessageOpts{}); err != nil {
			return reported(fmt.Errorf("send image prompt chunk: %w", err))
		}
	}
	return nil
}

// startStatic sends a status message that the result later replaces.
func (w *Worker) startStatic(ctx context.Context, job queue.Job, text string) (*liveMessage, error) {
	opts := &gotgbot.SendMessageOpts{}
	if job.MessageID > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID, AllowSendingWithoutReply: true}
	}
	msg, err := w.bot.SendMessageWithContext(ctx, job.ChatID, text, opts)
	if err != nil {
		return nil, err
	}
	return &liveMessage{
		bot:       w.bot,
		ctx:       ctx,
		log:       w.logger.With().Int64("chat_id", job.ChatID).Int64("message_id", msg.MessageId).Logger(),
		chatID:    job.ChatID,
		messageID: msg.MessageId,
	}, nil
}
