package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"sakha/internal/chatui"
	"sakha/internal/crypto"
	"sakha/internal/flowchart"
	"sakha/internal/imageprompt"
	"sakha/internal/intent"
	"sakha/internal/metrics"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/session"
	"sakha/internal/storage"
	"sakha/internal/title"
	"sakha/internal/tutor"
)

// Messenger is the part of the Bot API the worker needs. *gotgbot.Bot satisfies it.
type Messenger interface {
	SendMessageWithContext(ctx context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
	EditMessageTextWithContext(ctx context.Context, text string, opts *gotgbot.EditMessageTextOpts) (*gotgbot.Message, bool, error)
}

type Worker struct {
	bot           Messenger
	store         *storage.Store
	queue         *queue.StreamQueue
	cancels       *queue.CancelBus
	keyring       *crypto.Keyring
	controller    *session.Controller
	quizzes       *quiz.Generator
	flowcharts    *flowchart.Generator
	imagePrompts  *imageprompt.Generator
	titles        *title.Generator
	defaults      tutor.Settings
	editInterval  time.Duration
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot        Messenger
	Store      *storage.Store
	Queue      *queue.StreamQueue
	Cancels    *queue.CancelBus
	Keyring    *crypto.Keyring
	Controller *session.Controller
	Quizzes    *quiz.Generator
	Flowcharts *flowchart.Generator
	Images     *imageprompt.Generator
	Titles     *title.Generator
	// Defaults fill whatever a chat has not configured, credentials included.
	Defaults      tutor.Settings
	EditInterval  time.Duration
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = 1200 * time.Millisecond
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = tutor.DefaultModel
	}
	if cfg.Defaults.Mode == "" {
		cfg.Defaults.Mode = tutor.DefaultSettings().Mode
	}
	return &Worker{
		bot:           cfg.Bot,
		store:         cfg.Store,
		queue:         cfg.Queue,
		cancels:       cfg.Cancels,
		keyring:       cfg.Keyring,
		controller:    cfg.Controller,
		quizzes:       cfg.Quizzes,
		flowcharts:    cfg.Flowcharts,
		imagePrompts:  cfg.Images,
		titles:        cfg.Titles,
		defaults:      cfg.Defaults,
		editInterval:  cfg.EditInterval,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	if w.cancels != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.listenCancels(ctx)
		}()
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) listenCancels(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.cancels.Listen(ctx, func(conversationID string) {
			if w.controller.Cancel(conversationID) {
				w.logger.Info().Str("conversation", conversationID).Msg("generation stopped by user")
			}
		})
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("cancel listener failed")
			time.Sleep(time.Second)
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("kind", string(msg.Job.Kind)).Int("attempt", msg.Job.Attempts).Msg("job failed")

			// Once a job has touched the transcript or the chat, running it again would
			// duplicate its effects.
			var done *reportedError
			if !errors.As(err, &done) && msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			if done == nil {
				_ = w.sendError(ctx, msg.Job.ChatID, msg.Job.MessageID, "Something went wrong on our side. Please try again later.")
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// reportedError marks a failure the user has already been told about.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindSend, queue.KindReply, queue.KindRegenerate, queue.KindEdit:
		return w.chat(ctx, job)
	case queue.KindQuiz:
		return w.runQuiz(ctx, job)
	case queue.KindFlowchart:
		return w.runFlowchart(ctx, job)
	case queue.KindImagePrompt:
		return w.runImagePrompt(ctx, job)
	default:
		return reported(fmt.Errorf("%w %q", queue.ErrUnknownKind, job.Kind))
	}
}

// chatState is what a job reads once at its start.
type chatState struct {
	stored   storage.ChatSettings
	settings tutor.Settings
}

func (w *Worker) loadChat(ctx context.Context, chatID int64) (chatState, error) {
	st := chatState{settings: w.defaults}
	cs, err := w.store.GetSettings(ctx, chatID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return chatState{}, fmt.Errorf("load settings: %w", err)
	}
	st.stored = cs
	if cs.Model != "" {
		st.settings.Model = cs.Model
	}
	if cs.Mode != "" {
		st.settings.Mode = cs.Mode
	}

	own, err := w.keyring.OpenCredentials(chatID, cs.EncCredentials)
	if err != nil {
		w.logger.Error().Err(err).Int64("chat_id", chatID).Msg("cannot open chat credentials, using defaults")
		own = tutor.Credentials{}
	} else if cs.EncCredentials != "" && w.keyring.Stale(cs.EncCredentials) {
		w.rotate(ctx, chatID, cs.EncCredentials)
	}
	st.settings.Credentials = own.Merge(w.defaults.Credentials)
	return st, nil
}

func (w *Worker) rotate(ctx context.Context, chatID int64, sealed string) {
	fresh, err := w.keyring.RotateCredentials(chatID, sealed)
	if err == nil {
		err = w.store.SaveCredentials(ctx, chatID, fresh)
	}
	if err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("credential rotation failed")
	}
}

// conversation returns the job's conversation, falling back to the chat's active one. With
// create set, a missing conversation is started and made active.
func (w *Worker) conversation(ctx context.Context, job queue.Job, st chatState, create bool) (tutor.Conversation, error) {
	id := job.ConversationID
	if id == "" {
		id = st.stored.ActiveConversationID
	}
	if id != "" {
		c, err := w.store.GetConversation(ctx, job.ChatID, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, storage.ErrNotFound) || !create {
			return tutor.Conversation{}, err
		}
	}
	if !create {
		return tutor.Conversation{}, storage.ErrNotFound
	}
	c, err := w.store.CreateConversation(ctx, job.ChatID, "")
	if err != nil {
		return tutor.Conversation{}, err
	}
	if err := w.store.SetActiveConversation(ctx, job.ChatID, c.ID); err != nil {
		return tutor.Conversation{}, err
	}
	return c, nil
}

func (w *Worker) chat(ctx context.Context, job queue.Job) error {
	st, err := w.loadChat(ctx, job.ChatID)
	if err != nil {
		return err
	}
	conv, err := w.conversation(ctx, job, st, job.Kind == queue.KindSend)
	if errors.Is(err, storage.ErrNotFound) {
		return reported(w.sendError(ctx, job.ChatID, job.MessageID, "There is no conversation to work on yet. Send a question first."))
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	live, err := w.startLive(ctx, job, conv.ID)
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	log := w.logger.With().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Str("conversation", conv.ID).Logger()
	var res session.Result
	switch job.Kind {
	case queue.KindSend:
		res, err = w.controller.Send(ctx, session.SendRequest{
			ConversationID: conv.ID,
			Settings:       st.settings,
			History:        conv.Messages,
			Content:        job.Content,
			ManualMode:     conv.ManualModeSelected,
			OnUpdate:       live.update,
		})
	case queue.KindReply:
		res, err = w.controller.Reply(ctx, session.ReplyRequest{
			ConversationID: conv.ID,
			Settings:       st.settings,
			History:        conv.Messages,
			OnUpdate:       live.update,
		})
	case queue.KindRegenerate:
		res, err = w.regenerate(ctx, conv, st.settings, job.TargetID, live.update)
	case queue.KindEdit:
		res, err = w.edit(ctx, conv, st.settings, job, live.update)
	}
	if err != nil {
		live.settle(ctx, userText(err), nil)
		if isUserError(err) {
			return nil
		}
		return reported(err)
	}

	live.finish(ctx, res)
	log.Debug().Str("outcome", string(res.Outcome)).Msg("chat job done")

	if job.Kind == queue.KindSend && len(conv.Messages) == 0 && strings.TrimSpace(conv.Title) == "" {
		t := w.titles.Generate(ctx, st.settings.Credentials, job.Content)
		if err := w.store.RenameConversation(ctx, job.ChatID, conv.ID, t); err != nil {
			log.Warn().Err(err).Msg("failed to store conversation title")
		}
	}
	if res.Suggestion != nil {
		w.suggest(ctx, job.ChatID, conv.ID, res.Suggestion)
	}
	return nil
}

// regenerate redoes the targeted assistant reply. Without a target it answers a trailing
// user message, or redoes the last reply.
func (w *Worker) regenerate(ctx context.Context, conv tutor.Conversation, s tutor.Settings, targetID string, onUpdate func(string)) (session.Result, error) {
	if targetID == "" {
		n := len(conv.Messages)
		if n > 0 && conv.Messages[n-1].Role == tutor.RoleUser {
			return w.controller.Reply(ctx, session.ReplyRequest{
				ConversationID: conv.ID,
				Settings:       s,
				History:        conv.Messages,
				OnUpdate:       onUpdate,
			})
		}
		last, ok := conv.LastOfRole(tutor.RoleAssistant)
		if !ok {
			return session.Result{}, session.ErrNoPrompt
		}
		targetID = last.ID
	}
	return w.controller.Regenerate(ctx, session.RegenerateRequest{
		ConversationID: conv.ID,
		Settings:       s,
		History:        conv.Messages,
		TargetID:       targetID,
		OnUpdate:       onUpdate,
	})
}

// edit rewrites a user message, drops everything after it and answers it again.
func (w *Worker) edit(ctx context.Context, conv tutor.Conversation, s tutor.Settings, job queue.Job, onUpdate func(string)) (session.Result, error) {
	content := strings.TrimSpace(job.Content)
	if content == "" {
		return session.Result{}, session.ErrEmptyContent
	}
	target := job.TargetID
	if target == "" {
		last, ok := conv.LastOfRole(tutor.RoleUser)
		if !ok {
			return session.Result{}, session.ErrNoPrompt
		}
		target = last.ID
	}
	idx := conv.IndexOf(target)
	if idx < 0 {
		return session.Result{}, session.ErrNotFound
	}
	if conv.Messages[idx].Role != tutor.RoleUser {
		return session.Result{}, errNotUserMessage
	}

	w.controller.Cancel(conv.ID)
	if err := w.store.EditMessage(ctx, conv.ID, target, content); err != nil {
		return session.Result{}, fmt.Errorf("edit message: %w", err)
	}
	if err := w.store.TruncateMessages(ctx, conv.ID, idx+1); err != nil {
		return session.Result{}, fmt.Errorf("truncate after edit: %w", err)
	}

	history := make([]tutor.Message, idx+1)
	copy(history, conv.Messages[:idx+1])
	history[idx].Content = content
	return w.controller.Reply(ctx, session.ReplyRequest{
		ConversationID: conv.ID,
		Settings:       s,
		History:        history,
		OnUpdate:       onUpdate,
	})
}

var errNotUserMessage = errors.New("only your own messages can be edited")

func isUserError(err error) bool {
	return errors.Is(err, session.ErrEmptyContent) ||
		errors.Is(err, session.ErrNoPrompt) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrNotAssistant) ||
		errors.Is(err, errNotUserMessage)
}

func userText(err error) string {
	switch {
	case errors.Is(err, session.ErrEmptyContent):
		return "The message is empty."
	case errors.Is(err, session.ErrNoPrompt):
		return "There is no question to answer yet."
	case errors.Is(err, session.ErrNotFound):
		return "That message is no longer part of the conversation."
	case errors.Is(err, session.ErrNotAssistant):
		return "Only tutor replies can be regenerated."
	case errors.Is(err, errNotUserMessage):
		return "Only your own messages can be edited."
	default:
		return "Something went wrong on our side. Please try again later."
	}
}

func (w *Worker) suggest(ctx context.Context, chatID int64, conversationID string, r *intent.Result) {
	text := chatui.SuggestionText(*r)
	if text == "" {
		return
	}
	opts := &gotgbot.SendMessageOpts{ReplyMarkup: *chatui.SuggestionKeyboard(r.Mode, conversationID)}
	if _, err := w.bot.SendMessageWithContext(ctx, chatID, text, opts); err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send mode suggestion")
	}
}

func (w *Worker) sendError(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	_, err := w.bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}
