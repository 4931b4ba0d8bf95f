// Package session runs one send or regenerate operation end to end: it builds the message
// list, streams fragments through the router and commits the outcome to the transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sakha/internal/intent"
	"sakha/internal/metrics"
	"sakha/internal/providers"
	"sakha/internal/tutor"
)

type Generator interface {
	StreamChat(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error)
}

// Transcript is the conversation store. The controller only appends and truncates.
type Transcript interface {
	AppendMessage(ctx context.Context, conversationID string, msg tutor.Message) error
	TruncateMessages(ctx context.Context, conversationID string, keep int) error
}

type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

var (
	ErrEmptyContent = errors.New("message is empty")
	ErrNoPrompt     = errors.New("no user message to answer")
	ErrNotFound     = errors.New("message not found in conversation")
	ErrNotAssistant = errors.New("only assistant messages can be regenerated")
	errSuperseded   = errors.New("superseded by a newer operation")
)

const (
	failurePrefix   = "Sorry, an error occurred. Error: "
	regenFailPrefix = "Sorry, an error occurred while regenerating. Error: "
)

type Result struct {
	Outcome Outcome
	// Text is the final text on completion and the committed error text on failure.
	Text string
	// Message is what was committed to the transcript. Nil when cancelled.
	Message *tutor.Message
	Err     error
	// Suggestion is set when the first message of a conversation suggests another persona.
	Suggestion *intent.Result
}

type Config struct {
	Generator  Generator
	Transcript Transcript
	Detector   *intent.Detector
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type operation struct {
	token  uint64
	cancel context.CancelFunc
}

// Controller allows one in-flight operation per conversation. Starting a new one cancels the
// previous, and a cancelled or superseded operation never writes to the transcript.
type Controller struct {
	cfg Config

	mu   sync.Mutex
	seq  uint64
	live map[string]*operation
}

func NewController(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg, live: map[string]*operation{}}
}

type SendRequest struct {
	ConversationID string
	Settings       tutor.Settings
	// History is the transcript before this message.
	History    []tutor.Message
	Content    string
	ManualMode bool
	OnUpdate   func(text string)
}

// Send appends the user's message and streams the reply.
func (c *Controller) Send(ctx context.Context, req SendRequest) (Result, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Result{}, ErrEmptyContent
	}

	opCtx, op := c.begin(ctx, req.ConversationID)
	defer c.end(req.ConversationID, op)

	userMsg := tutor.NewMessage(tutor.RoleUser, content, "", c.cfg.Now())
	if err := c.cfg.Transcript.AppendMessage(opCtx, req.ConversationID, userMsg); err != nil {
		return Result{}, fmt.Errorf("append user message: %w", err)
	}

	history := make([]tutor.Message, 0, len(req.History)+1)
	history = append(history, req.History...)
	history = append(history, userMsg)

	var suggestion *intent.Result
	if len(req.History) == 0 && c.cfg.Detector != nil {
		detected := c.cfg.Detector.Detect(content)
		if c.cfg.Detector.ShouldSuggest(detected, req.Settings.Mode, req.ManualMode) {
			suggestion = &detected
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ModeSuggestions.WithLabelValues(string(detected.Mode)).Inc()
			}
		}
	}

	res, err := c.run(opCtx, op, req.ConversationID, req.Settings, history, req.OnUpdate, failurePrefix)
	res.Suggestion = suggestion
	return res, err
}

type ReplyRequest struct {
	ConversationID string
	Settings       tutor.Settings
	// History must end with the user message being answered.
	History  []tutor.Message
	OnUpdate func(text string)
}

// Reply streams an answer to a transcript that already ends with a user message, as after an
// edit or a persona switch.
func (c *Controller) Reply(ctx context.Context, req ReplyRequest) (Result, error) {
	n := len(req.History)
	if n == 0 || req.History[n-1].Role != tutor.RoleUser {
		return Result{}, ErrNoPrompt
	}
	opCtx, op := c.begin(ctx, req.ConversationID)
	defer c.end(req.ConversationID, op)
	return c.run(opCtx, op, req.ConversationID, req.Settings, req.History, req.OnUpdate, failurePrefix)
}

type RegenerateRequest struct {
	ConversationID string
	Settings       tutor.Settings
	History        []tutor.Message
	TargetID       string
	OnUpdate       func(text string)
}

// Regenerate replaces the target assistant message with a new answer to the user message
// right before it. Everything from the target onward is dropped from the transcript.
func (c *Controller) Regenerate(ctx context.Context, req RegenerateRequest) (Result, error) {
	idx := -1
	for i, m := range req.History {
		if m.ID == req.TargetID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, ErrNotFound
	}
	if req.History[idx].Role != tutor.RoleAssistant {
		return Result{}, ErrNotAssistant
	}
	if idx == 0 || req.History[idx-1].Role != tutor.RoleUser {
		return Result{}, ErrNoPrompt
	}

	opCtx, op := c.begin(ctx, req.ConversationID)
	defer c.end(req.ConversationID, op)

	history := make([]tutor.Message, idx)
	copy(history, req.History[:idx])
	if err := c.cfg.Transcript.TruncateMessages(opCtx, req.ConversationID, idx); err != nil {
		return Result{}, fmt.Errorf("truncate transcript: %w", err)
	}
	return c.run(opCtx, op, req.ConversationID, req.Settings, history, req.OnUpdate, regenFailPrefix)
}

// Cancel stops the conversation's in-flight operation. It reports whether one was running.
func (c *Controller) Cancel(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.live[conversationID]
	if ok {
		op.cancel()
	}
	return ok
}

func (c *Controller) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[conversationID]
	return ok
}

func (c *Controller) begin(parent context.Context, conversationID string) (context.Context, *operation) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.live[conversationID]; ok {
		prev.cancel()
	}
	c.seq++
	op := &operation{token: c.seq, cancel: cancel}
	c.live[conversationID] = op
	return ctx, op
}

func (c *Controller) end(conversationID string, op *operation) {
	c.mu.Lock()
	if c.live[conversationID] == op {
		delete(c.live, conversationID)
	}
	c.mu.Unlock()
	op.cancel()
}

func (c *Controller) current(conversationID string, op *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[conversationID] == op
}

func (c *Controller) run(ctx context.Context, op *operation, conversationID string, s tutor.Settings, history []tutor.Message, onUpdate func(string), failText string) (Result, error) {
	log := c.cfg.Logger.With().
		Str("conversation", conversationID).
		Uint64("op", op.token).
		Str("model", s.Model).
		Logger()
	start := c.cfg.Now()

	stream, err := c.cfg.Generator.StreamChat(ctx, s, toProviderMessages(history))
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelled(log, s.Model, start), nil
		}
		return c.fail(ctx, log, op, conversationID, s.Model, failText, err, start)
	}
	defer stream.Close()

	var acc strings.Builder
	fragments := 0
	for {
		if ctx.Err() != nil {
			return c.cancelled(log, s.Model, start), nil
		}
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelled(log, s.Model, start), nil
			}
			return c.fail(ctx, log, op, conversationID, s.Model, failText, err, start)
		}
		fragments++
		acc.WriteString(frag)
		if onUpdate != nil && c.current(conversationID, op) {
			onUpdate(acc.String())
		}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Fragments.WithLabelValues(s.Model).Add(float64(fragments))
	}

	if acc.Len() == 0 {
		return c.fail(ctx, log, op, conversationID, s.Model, failText, providers.ErrEmptyResponse, start)
	}

	msg := tutor.NewMessage(tutor.RoleAssistant, acc.String(), s.Model, c.cfg.Now())
	if err := c.commit(ctx, op, conversationID, msg); err != nil {
		if errors.Is(err, errSuperseded) {
			return c.cancelled(log, s.Model, start), nil
		}
		return Result{}, err
	}
	c.observe(s.Model, Completed, start)
	log.Debug().Int("fragments", fragments).Int("chars", acc.Len()).Msg("generation completed")
	return Result{Outcome: Completed, Text: msg.Content, Message: &msg}, nil
}

func (c *Controller) fail(ctx context.Context, log zerolog.Logger, op *operation, conversationID, model, prefix string, cause error, start time.Time) (Result, error) {
	text := prefix + providers.Describe(cause)
	msg := tutor.NewMessage(tutor.RoleAssistant, text, "", c.cfg.Now())
	if err := c.commit(ctx, op, conversationID, msg); err != nil {
		if errors.Is(err, errSuperseded) {
			return c.cancelled(log, model, start), nil
		}
		return Result{}, err
	}
	c.observe(model, Failed, start)
	log.Warn().Err(cause).Msg("generation failed")
	return Result{Outcome: Failed, Text: text, Message: &msg, Err: cause}, nil
}

func (c *Controller) cancelled(log zerolog.Logger, model string, start time.Time) Result {
	c.observe(model, Cancelled, start)
	log.Debug().Msg("generation cancelled")
	return Result{Outcome: Cancelled}
}

// commit writes msg only while op is still the conversation's live operation.
func (c *Controller) commit(ctx context.Context, op *operation, conversationID string, msg tutor.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[conversationID] != op || ctx.Err() != nil {
		return errSuperseded
	}
	if err := c.cfg.Transcript.AppendMessage(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

func (c *Controller) observe(model string, outcome Outcome, start time.Time) {
	if c.cfg.Metrics == nil {
		return
	}
	c.cfg.Metrics.Generations.WithLabelValues(model, string(outcome)).Inc()
	c.cfg.Metrics.GenerationSeconds.WithLabelValues(model).Observe(c.cfg.Now().Sub(start).Seconds())
}

func toProviderMessages(history []tutor.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		out = append(out, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
