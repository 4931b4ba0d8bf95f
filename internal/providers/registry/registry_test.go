package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sakha/internal/persona"
	"sakha/internal/providers"
	"sakha/internal/tutor"
)

func TestResolveCatalogue(t *testing.T) {
	for _, m := range Models() {
		got, err := Resolve(m.ID)
		if err != nil {
			t.Fatalf("%s: %v", m.ID, err)
		}
		if got != m.Family {
			t.Fatalf("%s: resolved to %s, catalogue says %s", m.ID, got, m.Family)
		}
		matches := 0
		for _, f := range Families() {
			if f == got {
				matches++
			}
		}
		if matches != 1 {
			t.Fatalf("%s resolved outside the known families", m.ID)
		}
	}
}

func TestResolveGLMDisambiguation(t *testing.T) {
	cases := map[string]Family{
		"zai-glm-4.6":      Cerebras,
		"glm-4.5-flash":    Zhipu,
		"glm-4.6":          Zhipu,
		"zai-glm-4.6-beta": Zhipu,
		"gemma-2-9b":       Google,
		"codestral-2501":   Mistral,
		"llama-guard":      Groq,
		"qwen-2.5-coder":   Cerebras,
	}
	for model, want := range cases {
		got, err := Resolve(model)
		if err != nil || got != want {
			t.Fatalf("%s: got %s (%v), want %s", model, got, err, want)
		}
	}
}

func TestResolveUnsupported(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-3", "", "openai/gpt-oss-120"} {
		_, err := Resolve(model)
		if !errors.Is(err, providers.ErrUnsupportedModel) {
			t.Fatalf("%q: expected unsupported model error, got %v", model, err)
		}
	}
}

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func allEndpoints(url string) Endpoints {
	e := Endpoints{}
	for _, f := range Families() {
		e[f] = url
	}
	return e
}

func TestMissingKeyFailsBeforeNetwork(t *testing.T) {
	srv, hits := countingServer(t)
	r := New(Config{Endpoints: allEndpoints(srv.URL)})
	history := []providers.Message{{Role: "user", Content: "hi"}}

	for _, m := range Models() {
		s := tutor.Settings{Model: m.ID, Mode: persona.Standard}
		_, err := r.StreamChat(context.Background(), s, history)
		var keyErr *providers.MissingKeyError
		if !errors.As(err, &keyErr) || !errors.Is(err, providers.ErrMissingAPIKey) {
			t.Fatalf("%s: expected missing key error, got %v", m.ID, err)
		}
		if keyErr.Provider != m.Family.DisplayName() {
			t.Fatalf("%s: error names %q, want %q", m.ID, keyErr.Provider, m.Family.DisplayName())
		}
		if _, err := r.StreamStructured(context.Background(), s, "", history); !errors.Is(err, providers.ErrMissingAPIKey) {
			t.Fatalf("%s: structured call should fail the same way, got %v", m.ID, err)
		}
	}

	// Keys for every other family must not satisfy the check.
	creds := tutor.Credentials{Google: "g", Mistral: "m", Groq: "q", Zhipu: "z"}
	_, err := r.StreamChat(context.Background(), tutor.Settings{Credentials: creds, Model: "zai-glm-4.6"}, history)
	if !errors.Is(err, providers.ErrMissingAPIKey) {
		t.Fatalf("zai-glm-4.6 needs the Cerebras key, got %v", err)
	}

	if n := hits.Load(); n != 0 {
		t.Fatalf("expected no network calls, got %d", n)
	}
}

func TestStreamChatRoutesMistralThroughOpenAIPath(t *testing.T) {
	var seen struct {
		path string
		auth string
		body map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&seen.body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range []string{"Think ", "of a coin ", "spinning."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", p)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	r := New(Config{Endpoints: Endpoints{Mistral: srv.URL + "/v1"}, ChatTimeout: 5 * time.Second})
	s := tutor.Settings{Credentials: tutor.Credentials{Mistral: "mk"}, Model: "mistral-large-latest", Mode: persona.Mentor}
	stream, err := r.StreamChat(context.Background(), s, []providers.Message{{Role: "user", Content: "Explain quantum computing in simple terms"}})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	text, err := providers.Collect(stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Think of a coin spinning." {
		t.Fatalf("unexpected text %q", text)
	}
	if seen.path != "/v1/chat/completions" || seen.auth != "Bearer mk" {
		t.Fatalf("unexpected request %s %s", seen.path, seen.auth)
	}
	msgs := seen.body["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != persona.SystemPrompt(persona.Mentor) {
		t.Fatalf("persona prompt not sent as the system message: %v", first)
	}
	if _, ok := seen.body["temperature"]; ok {
		t.Fatalf("chat generation should leave temperature to the provider")
	}
}

func TestStreamStructuredOnGoogleRequestsJSON(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"{}\"}]}}]}\n\n")
	}))
	defer srv.Close()

	r := New(Config{Endpoints: Endpoints{Google: srv.URL}})
	s := tutor.Settings{Credentials: tutor.Credentials{Google: "g"}, Model: "gemini-2.5-flash"}
	stream, err := r.StreamStructured(context.Background(), s, "", []providers.Message{{Role: "user", Content: "chart"}})
	if err != nil {
		t.Fatalf("stream structured: %v", err)
	}
	if _, err := providers.Collect(stream); err != nil {
		t.Fatalf("collect: %v", err)
	}
	gc, ok := body["generationConfig"].(map[string]any)
	if !ok || gc["responseMimeType"] != "application/json" || gc["temperature"] != 0.2 {
		t.Fatalf("unexpected generationConfig %v", body["generationConfig"])
	}
	contents := body["contents"].([]any)
	sys := contents[0].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"]
	if sys != StructuredInstruction {
		t.Fatalf("expected structured instruction as system turn, got %v", sys)
	}
}

func TestGenerateRequiresGoogle(t *testing.T) {
	r := New(Config{})
	_, err := r.Generate(context.Background(), tutor.Credentials{}, OneShotRequest{Model: "gemini-2.0-flash"})
	if !errors.Is(err, providers.ErrMissingAPIKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
	_, err = r.Generate(context.Background(), tutor.Credentials{Mistral: "m"}, OneShotRequest{Model: "mistral-small-latest"})
	if !errors.Is(err, providers.ErrUnsupportedModel) {
		t.Fatalf("expected unsupported model, got %v", err)
	}
}

func TestEmptyHistoryIsRejected(t *testing.T) {
	r := New(Config{})
	_, err := r.StreamChat(context.Background(), tutor.Settings{Model: "gemini-2.5-flash"}, nil)
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

func TestFamilyCredentialRoundTrip(t *testing.T) {
	var c tutor.Credentials
	for _, f := range Families() {
		c = f.WithCredential(c, string(f)+"-key")
	}
	for _, f := range Families() {
		if f.Credential(c) != string(f)+"-key" {
			t.Fatalf("credential for %s not stored", f)
		}
	}
}
