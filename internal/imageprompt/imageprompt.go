// Package imageprompt turns a conversation into a ready-to-paste prompt for an image generator.
package imageprompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sakha/internal/providers"
	"sakha/internal/providers/registry"
	"sakha/internal/tutor"
)

const (
	DefaultModel = "gemini-2.5-flash"
	// Only the most recent messages are shown to the model.
	window = 10
)

var ErrNoConversation = errors.New("no conversation to analyze")

// Style is prepended to every topic prompt so images share one visual identity.
const Style = `Generate educational images in this exact style:

VISUAL IDENTITY:
- Dark cosmic background (#0A0A0A to #1F1F1F) with subtle starfield
- Glass-morphism cards with frosted glass effect (rgba(20, 20, 20, 0.6))
- White/light gray text (#FFFFFF, #A0A0A0)
- Accent color: White (#FFFFFF) for highlights
- Soft glowing borders (rgba(255, 255, 255, 0.1))

LAYOUT STRUCTURE:
- Main subject/illustration in the center (futuristic, sleek style)
- 3-4 glass-morphic information cards around the edges
- Each card has a clear header and clean bullet points
- Modern, minimalist typography (Inter font style)
- Small icons next to key information (glowing, simple line icons)

ART STYLE:
- Sleek, modern, slightly futuristic illustration
- Smooth gradients and soft shadows
- Cosmic/space-inspired when relevant
- Glass and transparency effects
- Professional digital art (not hand-drawn)
- Think: "Apple keynote meets NASA mission graphics"

COLOR PALETTE:
- Background: Deep black (#050505) with subtle star dots
- Cards: Dark glass (rgba(20, 20, 20, 0.6)) with white borders
- Text: White primary (#FFFFFF), gray secondary (#A0A0A0)
- Accents: White glow effects, subtle blue/purple hints
- Keep it clean, sophisticated, and dark-mode native

INFORMATION STRUCTURE (Adapt to subject but always include 3-4 educational sections):
- Definition/Overview card
- Key characteristics/features card
- Practical applications/examples card
- Important facts/tips card

MOOD:
- Intelligent, sophisticated, modern
- Learning-focused but beautiful
- Professional yet approachable
- Cosmic/space aesthetic where it fits naturally

BRAND CONSISTENCY:
Match the Sakha app interface:
- Glass panels with backdrop blur
- Starfield backgrounds
- Clean white text on dark
- Minimalist modern design
- Educational but visually stunning

Make every image feel like it belongs in a premium learning app - beautiful, informative, and perfectly aligned with Sakha's dark cosmic aesthetic.

USER REQUEST: `

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

// Generate asks the model to describe the main topic of the conversation as an image and
// returns that description behind Style.
func (g *Generator) Generate(ctx context.Context, creds tutor.Credentials, messages []tutor.Message) (string, error) {
	if strings.TrimSpace(creds.Google) == "" {
		return "", &providers.MissingKeyError{Provider: registry.Google.DisplayName()}
	}
	if len(messages) == 0 {
		return "", ErrNoConversation
	}

	out, err := g.client.Generate(ctx, creds, registry.OneShotRequest{Model: g.model, Prompt: prompt(messages)})
	if err != nil {
		g.log.Warn().Err(err).Int("messages", len(messages)).Msg("image prompt generation failed")
		return "", fmt.Errorf("generate image prompt: %w", err)
	}
	topic := strings.TrimSpace(out)
	if topic == "" {
		return "", providers.ErrEmptyResponse
	}
	return Style + topic, nil
}

func prompt(messages []tutor.Message) string {
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}

	return `You are an expert at creating detailed image generation prompts for educational content.

Analyze the conversation below and create a single, detailed image prompt that would best visualize the main concept being discussed.

Requirements:
- Focus on the most recent or most important topic
- Be specific and descriptive
- Include key visual elements that would aid learning
- Keep it concise (2-3 sentences max)
- Don't include style instructions (those will be added automatically)

Example output: "The water cycle showing evaporation from oceans, condensation forming clouds, precipitation as rain, and collection in rivers flowing back to the ocean, with clear labels for each stage"

Conversation to analyze:
` + strings.Join(lines, "\n\n") + `

Generate only the image prompt, nothing else:`
}
