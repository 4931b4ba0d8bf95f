// Package quiz turns a conversation into a multiple-choice quiz and repairs the model's JSON
// when it strays from the requested shape.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sakha/internal/providers"
	"sakha/internal/providers/registry"
	"sakha/internal/tutor"
)

var (
	ErrTooShort     = errors.New("conversation must have at least 2 messages to generate a quiz")
	ErrNoQuestions  = errors.New("no quiz questions could be recovered")
	ErrCompleted    = errors.New("quiz is already completed")
	ErrInvalidIndex = errors.New("answer index out of range")
)

var defaultOptions = []string{"Yes", "No", "Maybe", "Unsure"}

type Question struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
	UserAnswer    *int     `json:"user_answer,omitempty"`
	IsCorrect     *bool    `json:"is_correct,omitempty"`
}

type Session struct {
	ID                   string     `json:"id"`
	ConversationID       string     `json:"conversation_id"`
	Questions            []Question `json:"questions"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	Score                int        `json:"score"`
	TotalQuestions       int        `json:"total_questions"`
	IsCompleted          bool       `json:"is_completed"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Current returns the question awaiting an answer.
func (s *Session) Current() (Question, bool) {
	if s.IsCompleted || s.CurrentQuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// Answer records choice for the current question and advances.
func (s *Session) Answer(choice int) (Question, error) {
	if s.IsCompleted || s.CurrentQuestionIndex >= len(s.Questions) {
		return Question{}, ErrCompleted
	}
	q := &s.Questions[s.CurrentQuestionIndex]
	if choice < 0 || choice >= len(q.Options) {
		return Question{}, ErrInvalidIndex
	}
	correct := choice == q.CorrectAnswer
	q.UserAnswer = &choice
	q.IsCorrect = &correct
	if correct {
		s.Score++
	}
	s.CurrentQuestionIndex++
	if s.CurrentQuestionIndex >= len(s.Questions) {
		s.IsCompleted = true
	}
	return *q, nil
}

type OneShot interface {
	Generate(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error)
}

type Config struct {
	Model         string
	Temperature   float64
	Questions     int
	MaxTranscript int
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Generator struct {
	client OneShot
	cfg    Config
}

func NewGenerator(client OneShot, cfg Config) *Generator {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Questions <= 0 {
		cfg.Questions = 5
	}
	if cfg.MaxTranscript <= 0 {
		cfg.MaxTranscript = 6000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{client: client, cfg: cfg}
}

// Generate always uses the configured Google model, whatever model the chat runs on.
func (g *Generator) Generate(ctx context.Context, creds tutor.Credentials, conversationID string, messages []tutor.Message) (Session, error) {
	if strings.TrimSpace(creds.Google) == "" {
		return Session{}, &providers.MissingKeyError{Provider: registry.Google.DisplayName()}
	}
	if len(messages) < 2 {
		return Session{}, ErrTooShort
	}

	raw, err := g.client.Generate(ctx, creds, registry.OneShotRequest{
		Model:       g.cfg.Model,
		Prompt:      g.prompt(messages),
		Temperature: g.cfg.Temperature,
		JSON:        true,
	})
	if err != nil {
		return Session{}, fmt.Errorf("generate quiz: %w", err)
	}

	questions, err := Parse(raw)
	if err != nil {
		g.cfg.Logger.Warn().Err(err).Int("chars", len(raw)).Msg("quiz response unusable")
		return Session{}, err
	}
	return Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Questions:      questions,
		TotalQuestions: len(questions),
		CreatedAt:      g.cfg.Now().UTC(),
	}, nil
}

func (g *Generator) prompt(messages []tutor.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		prefix := "A:"
		if m.Role == tutor.RoleUser {
			prefix = "Q:"
		}
		lines = append(lines, prefix+" "+m.Content)
	}
	transcript := truncateRunes(strings.Join(lines, "\n\n"), g.cfg.MaxTranscript)

	return fmt.Sprintf(`Based on the following conversation, write a multiple-choice quiz with %d questions that checks understanding of the key concepts.

Reply with JSON in exactly this shape:
{
  "questions": [
    {
      "question": "Question text",
      "options": ["Option 1", "Option 2", "Option 3", "Option 4"],
      "answer": "Option 2",
      "explanation": "Why this is correct"
    }
  ]
}

Rules:
1. "questions" is an array.
2. "options" is an array of exactly 4 strings.
3. "answer" is a string equal to one of the strings in "options".
4. "explanation" is a string.
5. Raw JSON only, no markdown code blocks.

CONVERSATION:
%s`, g.cfg.Questions, transcript)
}

type rawQuestion struct {
	Question    json.RawMessage `json:"question"`
	Options     json.RawMessage `json:"options"`
	Answer      json.RawMessage `json:"answer"`
	Explanation json.RawMessage `json:"explanation"`
}

// Parse recovers questions from a model reply. It accepts a bare array or an object with a
// "questions" or "quiz" array, and repairs each question on its own.
func Parse(raw string) ([]Question, error) {
	cleaned := stripFences(raw)

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
		var wrapped struct {
			Questions []json.RawMessage `json:"questions"`
			Quiz      []json.RawMessage `json:"quiz"`
		}
		if err := json.Unmarshal([]byte(extractObject(cleaned)), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoQuestions, err)
		}
		list = wrapped.Questions
		if len(list) == 0 {
			list = wrapped.Quiz
		}
	}
	if len(list) == 0 {
		return nil, ErrNoQuestions
	}

	out := make([]Question, 0, len(list))
	for _, item := range list {
		out = append(out, repairQuestion(item))
	}
	return out, nil
}

func repairQuestion(item json.RawMessage) Question {
	var rq rawQuestion
	// Non-object items keep rq empty and get every default.
	_ = json.Unmarshal(item, &rq)

	options := parseOptions(rq.Options)
	q := Question{
		ID:            uuid.NewString(),
		Question:      scalarText(rq.Question),
		Options:       options,
		CorrectAnswer: MatchAnswer(options, answerText(rq.Answer)),
		Explanation:   scalarText(rq.Explanation),
	}
	if q.Question == "" {
		q.Question = "Untitled Question"
	}
	if q.Explanation == "" {
		q.Explanation = "No explanation provided."
	}
	return q
}

// scalarText renders a string, number or bool field; anything else is empty.
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// MatchAnswer finds the option the model meant: exact text, then case-insensitive text, then
// a letter A-D. Anything else maps to the first option.
func MatchAnswer(options []string, answer string) int {
	if answer == "" {
		return 0
	}
	for i, o := range options {
		if o == answer {
			return i
		}
	}
	norm := strings.ToLower(strings.TrimSpace(answer))
	for i, o := range options {
		if strings.ToLower(strings.TrimSpace(o)) == norm {
			return i
		}
	}
	if len(norm) == 1 && norm[0] >= 'a' && norm[0] <= 'd' {
		if idx := int(norm[0] - 'a'); idx < len(options) {
			return idx
		}
	}
	return 0
}

func parseOptions(raw json.RawMessage) []string {
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil && len(strs) > 0 {
		return strs
	}
	var anys []any
	if err := json.Unmarshal(raw, &anys); err == nil && len(anys) > 0 {
		out := make([]string, 0, len(anys))
		for _, a := range anys {
			out = append(out, fmt.Sprint(a))
		}
		return out
	}
	return append([]string(nil), defaultOptions...)
}

func answerText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	lit := strings.TrimSpace(string(raw))
	if lit == "null" {
		return ""
	}
	return lit
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
