package flowchart

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"sakha/internal/providers"
	"sakha/internal/tutor"
)

type streamFunc func(ctx context.Context, s tutor.Settings, systemPrompt string, messages []providers.Message) (*providers.Stream, error)

func (f streamFunc) StreamStructured(ctx context.Context, s tutor.Settings, systemPrompt string, messages []providers.Message) (*providers.Stream, error) {
	return f(ctx, s, systemPrompt, messages)
}

func unquote(data []byte) (string, bool) {
	s, err := strconv.Unquote(string(data))
	return s, err == nil
}

func textStream(ctx context.Context, text string) *providers.Stream {
	ctx, cancel := context.WithCancel(ctx)
	body := "data: " + strconv.Quote(text) + "\ndata: [DONE]\n"
	return providers.NewStream(ctx, cancel, io.NopCloser(strings.NewReader(body)), unquote)
}

func convo() []tutor.Message {
	return []tutor.Message{
		{Role: tutor.RoleUser, Content: "How do vaccines train the immune system?"},
		{Role: tutor.RoleAssistant, Content: "They show it a harmless copy of a pathogen."},
		{Role: tutor.RoleUser, Content: "Why boosters?"},
		{Role: tutor.RoleAssistant, Content: "Memory fades over time."},
	}
}

func fptr(v float64) *float64 { return &v }

func TestValidateAndFix(t *testing.T) {
	raw := Raw{
		Title: strings.Repeat("t", 150),
		Nodes: []RawNode{
			{ID: "a", Type: "topic", Label: "Vaccines", Position: &RawPosition{X: fptr(10), Y: fptr(80)}},
			{ID: "b", Type: "weird", Label: strings.Repeat("L", 60), Position: &RawPosition{X: fptr(900), Y: fptr(300)}},
			{ID: "c", Type: "concept", Label: "Memory"},
		},
		Edges: []RawEdge{
			{ID: "e1", Source: "a", Target: "b", Label: "connected to"},
			{ID: "e2", Source: "b", Target: "a", Label: "backward"},
			{ID: "e3", Source: "a", Target: "a"},
			{ID: "e4", Source: "a", Target: "ghost"},
			{ID: "e5", Source: "a", Target: "c", Relationship: strings.Repeat("r", 40)},
		},
	}
	f := ValidateAndFix(raw, convo())

	if f.Nodes[0].Type != Start || f.Nodes[2].Type != End {
		t.Fatalf("start/end not enforced: %v %v", f.Nodes[0].Type, f.Nodes[2].Type)
	}
	if f.Nodes[1].Type != Concept {
		t.Fatalf("unknown type should become concept, got %s", f.Nodes[1].Type)
	}
	if f.Nodes[0].X != 100 || f.Nodes[1].X != 800 {
		t.Fatalf("x not clamped: %v %v", f.Nodes[0].X, f.Nodes[1].X)
	}
	if f.Nodes[2].X != 450 || f.Nodes[2].Y != 80+2*140 {
		t.Fatalf("default position not applied: %+v", f.Nodes[2])
	}
	if len([]rune(f.Nodes[1].Label)) != 40 {
		t.Fatalf("label not truncated: %q", f.Nodes[1].Label)
	}
	if f.Nodes[0].Description != "Details about Vaccines" {
		t.Fatalf("default description missing: %q", f.Nodes[0].Description)
	}
	if len(f.Edges) != 2 || f.Edges[0].ID != "e1" || f.Edges[1].ID != "e5" {
		t.Fatalf("unexpected edges %+v", f.Edges)
	}
	if f.Edges[0].Label != "" || len(f.Edges[1].Label) != 30 {
		t.Fatalf("edge labels not normalised: %+v", f.Edges)
	}
	if len(f.Title) != 100 {
		t.Fatalf("title not capped: %d", len(f.Title))
	}
}

func TestValidateAndFixChainsWhenNoEdges(t *testing.T) {
	raw := Raw{Nodes: []RawNode{
		{ID: "low", Type: "end", Position: &RawPosition{Y: fptr(600)}},
		{ID: "top", Type: "start", Position: &RawPosition{Y: fptr(80)}},
		{ID: "mid", Type: "concept", Position: &RawPosition{Y: fptr(300)}},
	}}
	f := ValidateAndFix(raw, convo())
	if len(f.Edges) != 2 {
		t.Fatalf("expected a 2-edge chain, got %+v", f.Edges)
	}
	if f.Edges[0].Source != "top" || f.Edges[0].Target != "mid" || f.Edges[1].Target != "low" {
		t.Fatalf("chain not ordered by y: %+v", f.Edges)
	}
	if f.Title != convo()[0].Content {
		t.Fatalf("title should fall back to the first message, got %q", f.Title)
	}
}

func TestFallback(t *testing.T) {
	msgs := make([]tutor.Message, 0, 12)
	for i := 0; i < 12; i++ {
		role := tutor.RoleUser
		if i%2 == 1 {
			role = tutor.RoleAssistant
		}
		msgs = append(msgs, tutor.Message{Role: role, Content: "message number " + strconv.Itoa(i) + " with some extra words"})
	}
	f := Fallback(msgs)
	if !f.Fallback {
		t.Fatalf("fallback flag not set")
	}
	if len(f.Nodes) != 10 || len(f.Edges) != 9 {
		t.Fatalf("expected start+8+end nodes, got %d nodes %d edges", len(f.Nodes), len(f.Edges))
	}
	if f.Nodes[1].X != 300 || f.Nodes[2].X != 600 || f.Nodes[2].Y-f.Nodes[1].Y != 140 {
		t.Fatalf("zigzag layout wrong: %+v %+v", f.Nodes[1], f.Nodes[2])
	}
	if f.Nodes[1].Type != Topic || f.Edges[0].Label != "asks" || f.Edges[1].Label != "explains" {
		t.Fatalf("roles not reflected: %+v %+v", f.Nodes[1], f.Edges[:2])
	}
	if !strings.HasSuffix(f.Nodes[1].Label, "...") {
		t.Fatalf("long labels should be elided: %q", f.Nodes[1].Label)
	}
	last := f.Nodes[len(f.Nodes)-1]
	if last.Type != End || last.Label != "Summary" {
		t.Fatalf("missing summary node: %+v", last)
	}
}

func TestGenerateParsesFencedReply(t *testing.T) {
	var gotPrompt, gotSystem string
	router := streamFunc(func(ctx context.Context, _ tutor.Settings, sys string, msgs []providers.Message) (*providers.Stream, error) {
		gotSystem, gotPrompt = sys, msgs[0].Content
		return textStream(ctx, "```json\n{\"title\":\"Vaccines\",\"nodes\":[{\"id\":\"n1\",\"type\":\"start\",\"label\":\"Vaccines\",\"position\":{\"x\":450,\"y\":80}},{\"id\":\"n2\",\"type\":\"end\",\"label\":\"Memory\",\"position\":{\"x\":450,\"y\":220}}],\"edges\":[{\"id\":\"e\",\"source\":\"n1\",\"target\":\"n2\",\"label\":\"leads to\"}]}\n```"), nil
	})
	g := NewGenerator(router, zerolog.Nop())

	f, err := g.Generate(context.Background(), tutor.DefaultSettings(), "conv", convo())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if f.Fallback || f.Title != "Vaccines" || len(f.Nodes) != 2 || f.ConversationID != "conv" || f.ID == "" {
		t.Fatalf("unexpected chart %+v", f)
	}
	if gotSystem != SystemPrompt {
		t.Fatalf("system prompt not sent")
	}
	if !strings.Contains(gotPrompt, "Question 1:\nHow do vaccines") || !strings.Contains(gotPrompt, "Answer 2:") {
		t.Fatalf("transcript missing from prompt: %q", gotPrompt)
	}

	out := Mermaid(f)
	if !strings.HasPrefix(out, "flowchart TD\n") || !strings.Contains(out, `n0(["Vaccines"])`) || !strings.Contains(out, "n0 -->|leads to| n1") {
		t.Fatalf("unexpected mermaid:\n%s", out)
	}
}

func TestGenerateFallsBackOnGarbage(t *testing.T) {
	router := streamFunc(func(ctx context.Context, _ tutor.Settings, _ string, _ []providers.Message) (*providers.Stream, error) {
		return textStream(ctx, "I cannot draw that."), nil
	})
	f, err := NewGenerator(router, zerolog.Nop()).Generate(context.Background(), tutor.DefaultSettings(), "conv", convo())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !f.Fallback || f.ConversationID != "conv" {
		t.Fatalf("expected fallback chart, got %+v", f)
	}
}

func TestGenerateSurfacesConfigErrors(t *testing.T) {
	router := streamFunc(func(context.Context, tutor.Settings, string, []providers.Message) (*providers.Stream, error) {
		return nil, &providers.MissingKeyError{Provider: "Google"}
	})
	g := NewGenerator(router, zerolog.Nop())
	if _, err := g.Generate(context.Background(), tutor.DefaultSettings(), "conv", convo()); !errors.Is(err, providers.ErrMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := g.Generate(context.Background(), tutor.DefaultSettings(), "conv", convo()[:1]); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}
