// Package tutor holds the conversation data model shared by the generation core and the
// chat surface.
package tutor

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"sakha/internal/persona"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is immutable once appended, except through an explicit user edit.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Model     string
	CreatedAt time.Time
}

type Conversation struct {
	ID                 string
	ChatID             int64
	Title              string
	Messages           []Message
	IsPinned           bool
	ManualModeSelected bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IndexOf returns the position of the message with the given id, or -1.
func (c Conversation) IndexOf(messageID string) int {
	for i, m := range c.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// LastOfRole returns the newest message with the given role.
func (c Conversation) LastOfRole(role Role) (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

func NewMessage(role Role, content, model string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Model:     model,
		CreatedAt: now.UTC(),
	}
}

// Credentials holds one API key per provider family.
type Credentials struct {
	Google   string `json:"google,omitempty"`
	Mistral  string `json:"mistral,omitempty"`
	Groq     string `json:"groq,omitempty"`
	Cerebras string `json:"cerebras,omitempty"`
	Zhipu    string `json:"zhipu,omitempty"`
}

// Merge returns c with empty fields filled from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	return Credentials{
		Google:   pick(c.Google, fallback.Google),
		Mistral:  pick(c.Mistral, fallback.Mistral),
		Groq:     pick(c.Groq, fallback.Groq),
		Cerebras: pick(c.Cerebras, fallback.Cerebras),
		Zhipu:    pick(c.Zhipu, fallback.Zhipu),
	}
}

// Settings is the snapshot an operation reads once at its start.
type Settings struct {
	Credentials Credentials
	Model       string
	Mode        persona.Mode
}

const DefaultModel = "gemini-2.5-flash"

func DefaultSettings() Settings {
	return Settings{Model: DefaultModel, Mode: persona.Standard}
}
