package quiz

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sakha/internal/providers"
	"sakha/internal/providers/registry"
	"sakha/internal/tutor"
)

type fakeOneShot struct {
	reply string
	err   error
	got   registry.OneShotRequest
	calls int
}

func (f *fakeOneShot) Generate(_ context.Context, _ tutor.Credentials, req registry.OneShotRequest) (string, error) {
	f.calls++
	f.got = req
	return f.reply, f.err
}

func transcript() []tutor.Message {
	return []tutor.Message{
		{Role: tutor.RoleUser, Content: "What is photosynthesis?"},
		{Role: tutor.RoleAssistant, Content: "Plants turn light into sugar."},
	}
}

func TestMatchAnswer(t *testing.T) {
	letters := []string{"A", "B", "C", "D"}
	if got := MatchAnswer(letters, "b"); got != 1 {
		t.Fatalf("b: got %d", got)
	}
	if got := MatchAnswer(letters, "C"); got != 2 {
		t.Fatalf("C: got %d", got)
	}
	if got := MatchAnswer(letters, "none of these"); got != 0 {
		t.Fatalf("unmatched: got %d", got)
	}

	words := []string{"Paris", "Rome", "Berlin", "Madrid"}
	if got := MatchAnswer(words, "  berlin "); got != 2 {
		t.Fatalf("case-insensitive: got %d", got)
	}
	if got := MatchAnswer(words, "D"); got != 3 {
		t.Fatalf("letter fallback: got %d", got)
	}
	if got := MatchAnswer(words[:2], "D"); got != 0 {
		t.Fatalf("letter past the options should fall back to 0, got %d", got)
	}
}

func TestParseShapes(t *testing.T) {
	cases := map[string]string{
		"array":     `[{"question":"Q1","options":["a","b","c","d"],"answer":"c","explanation":"because"}]`,
		"questions": `{"questions":[{"question":"Q1","options":["a","b","c","d"],"answer":"c","explanation":"because"}]}`,
		"quiz":      "```json\n{\"quiz\":[{\"question\":\"Q1\",\"options\":[\"a\",\"b\",\"c\",\"d\"],\"answer\":\"c\",\"explanation\":\"because\"}]}\n```",
		"chatter":   `Here you go: {"questions":[{"question":"Q1","options":["a","b","c","d"],"answer":"c","explanation":"because"}]} hope it helps`,
	}
	for name, raw := range cases {
		qs, err := Parse(raw)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(qs) != 1 || qs[0].Question != "Q1" || qs[0].CorrectAnswer != 2 || qs[0].Explanation != "because" {
			t.Fatalf("%s: unexpected %+v", name, qs)
		}
		if qs[0].ID == "" {
			t.Fatalf("%s: question id missing", name)
		}
	}
}

func TestParseFillsDefaults(t *testing.T) {
	qs, err := Parse(`{"questions":[{"options":"not a list","answer":2}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := qs[0]
	if q.Question != "Untitled Question" || q.Explanation != "No explanation provided." {
		t.Fatalf("defaults not applied: %+v", q)
	}
	if strings.Join(q.Options, ",") != "Yes,No,Maybe,Unsure" {
		t.Fatalf("default options not applied: %v", q.Options)
	}
	if q.CorrectAnswer != 0 {
		t.Fatalf("numeric answer matching nothing should map to 0, got %d", q.CorrectAnswer)
	}
}

func TestParseRepairsQuestionsIndividually(t *testing.T) {
	raw := `{"questions":[
		{"question":"Q1","options":["a","b","c","d"],"answer":"b","explanation":"because"},
		{"question":"Q2","options":["x","y"],"answer":"y","explanation":["because","of","this"]},
		{"question":42,"options":["a","b"],"answer":"a"},
		"just a string"
	]}`
	qs, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(qs) != 4 {
		t.Fatalf("expected every question to survive, got %d", len(qs))
	}
	if qs[0].Question != "Q1" || qs[0].CorrectAnswer != 1 || qs[0].Explanation != "because" {
		t.Fatalf("valid question changed: %+v", qs[0])
	}
	if qs[1].Question != "Q2" || qs[1].CorrectAnswer != 1 || qs[1].Explanation != "No explanation provided." {
		t.Fatalf("array explanation not repaired: %+v", qs[1])
	}
	if qs[2].Question != "42" || strings.Join(qs[2].Options, ",") != "a,b" {
		t.Fatalf("numeric question not repaired: %+v", qs[2])
	}
	if qs[3].Question != "Untitled Question" || len(qs[3].Options) != 4 {
		t.Fatalf("non-object item should get defaults: %+v", qs[3])
	}

	bare, err := Parse(`[{"question":42,"options":["a","b"],"answer":"a"}]`)
	if err != nil || len(bare) != 1 || bare[0].Question != "42" {
		t.Fatalf("bare array with a numeric question: %+v %v", bare, err)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, raw := range []string{`{"questions":[]}`, `[]`, `not json at all`} {
		if _, err := Parse(raw); !errors.Is(err, ErrNoQuestions) {
			t.Fatalf("%q: expected ErrNoQuestions, got %v", raw, err)
		}
	}
}

func TestGenerateGuards(t *testing.T) {
	fake := &fakeOneShot{}
	g := NewGenerator(fake, Config{})

	_, err := g.Generate(context.Background(), tutor.Credentials{Mistral: "m"}, "c1", transcript())
	if !errors.Is(err, providers.ErrMissingAPIKey) {
		t.Fatalf("expected missing Google key, got %v", err)
	}
	_, err = g.Generate(context.Background(), tutor.Credentials{Google: "g"}, "c1", transcript()[:1])
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if fake.calls != 0 {
		t.Fatalf("guards should fail before calling the model")
	}
}

func TestGenerateBuildsSession(t *testing.T) {
	fake := &fakeOneShot{reply: `{"questions":[
		{"question":"Q1","options":["a","b","c","d"],"answer":"b","explanation":"e1"},
		{"question":"Q2","options":["w","x","y","z"],"answer":"z","explanation":"e2"}]}`}
	g := NewGenerator(fake, Config{})

	s, err := g.Generate(context.Background(), tutor.Credentials{Google: "g"}, "c1", transcript())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fake.got.Model != "gemini-2.0-flash" || fake.got.Temperature != 0.3 || !fake.got.JSON {
		t.Fatalf("unexpected request %+v", fake.got)
	}
	if !strings.Contains(fake.got.Prompt, "Q: What is photosynthesis?\n\nA: Plants turn light into sugar.") {
		t.Fatalf("transcript missing from prompt")
	}
	if s.ConversationID != "c1" || s.TotalQuestions != 2 || s.IsCompleted {
		t.Fatalf("unexpected session %+v", s)
	}

	q, err := s.Answer(1)
	if err != nil || !*q.IsCorrect {
		t.Fatalf("first answer should be correct: %+v %v", q, err)
	}
	q, err = s.Answer(0)
	if err != nil || *q.IsCorrect {
		t.Fatalf("second answer should be wrong: %+v %v", q, err)
	}
	if !s.IsCompleted || s.Score != 1 {
		t.Fatalf("expected completed with score 1, got %+v", s)
	}
	if _, err := s.Answer(0); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestGenerateTruncatesTranscript(t *testing.T) {
	fake := &fakeOneShot{reply: `[{"question":"Q","options":["a","b"],"answer":"a"}]`}
	g := NewGenerator(fake, Config{MaxTranscript: 10})
	msgs := []tutor.Message{
		{Role: tutor.RoleUser, Content: strings.Repeat("x", 50)},
		{Role: tutor.RoleAssistant, Content: "tail-marker"},
	}
	if _, err := g.Generate(context.Background(), tutor.Credentials{Google: "g"}, "c", msgs); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(fake.got.Prompt, "tail-marker") {
		t.Fatalf("transcript was not capped")
	}
}
