// Package title names conversations after their first message.
package title

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"sakha/internal/providers/registry"
	"sakha/internal/tutor"
)

const (
	MaxLength    = 80
	DefaultModel = "gemini-2.5-flash"
	promptChars  = 300
)

var (
	questionRe = regexp.MustCompile(`(?i)^(what|how|why|when|where|who|can|could|should|would|is|are|do|does|explain|tell me|help me)[^.?!]*[.?!]?`)
	fillerRe   = regexp.MustCompile(`(?i)^(hi|hello|hey|please|can you|could you|i need|i want to)\s+`)
	newlinesRe = regexp.MustCompile(`\n+`)
)

// Simple derives a title without a model: the leading question phrase, minus greetings and
// filler, capitalised and cut at a word boundary.
func Simple(first string) string {
	cleaned := newlinesRe.ReplaceAllString(strings.TrimSpace(first), " ")
	if m := questionRe.FindString(cleaned); m != "" {
		cleaned = strings.TrimSpace(m)
	}
	cleaned = fillerRe.ReplaceAllString(cleaned, "")
	cleaned = capitalise(cleaned)

	if utf8.RuneCountInString(cleaned) <= MaxLength {
		return cleaned
	}
	cut := string([]rune(cleaned)[:MaxLength])
	if i := strings.LastIndex(cut, " "); i >= 0 && utf8.RuneCountInString(cut[:i]) > MaxLength*7/10 {
		return strings.TrimSpace(cut[:i]) + "..."
	}
	return strings.TrimSpace(cut) + "..."
}

func capitalise(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

type OneShot interface {
	Generate(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error)
}

type Generator struct {
	client OneShot
	model  string
	log    zerolog.Logger
}

func NewGenerator(client OneShot, model string, log zerolog.Logger) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model, log: log}
}

// Generate asks the model for a title when a Google key is available and falls back to
// Simple on any failure or an unusable reply.
func (g *Generator) Generate(ctx context.Context, creds tutor.Credentials, first string) string {
	if g.client == nil || strings.TrimSpace(creds.Google) == "" {
		return Simple(first)
	}
	excerpt := first
	if utf8.RuneCountInString(excerpt) > promptChars {
		excerpt = string([]rune(excerpt)[:promptChars])
	}
	prompt := `Write a concise, descriptive title of at most 60 characters for a conversation that starts with this question:

"` + excerpt + `"

Capture the main topic, use title case and do not wrap the title in quotes.
Return only the title.`

	out, err := g.client.Generate(ctx, creds, registry.OneShotRequest{Model: g.model, Prompt: prompt})
	if err != nil {
		g.log.Debug().Err(err).Msg("ai title failed, using simple title")
		return Simple(first)
	}
	t := strings.Trim(strings.TrimSpace(out), `"'`)
	t = strings.TrimSpace(t)
	if n := utf8.RuneCountInString(t); n == 0 || n > MaxLength {
		return Simple(first)
	}
	return t
}
