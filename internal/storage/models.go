package storage

import (
	"time"

	"sakha/internal/persona"
)

// ChatSettings is the stored per-chat configuration. Empty fields mean "use the default".
type ChatSettings struct {
	ChatID               int64
	Model                string
	Mode                 persona.Mode
	EncCredentials       string
	ActiveConversationID string
	UpdatedAt            time.Time
}

type ConversationSummary struct {
	ID           string
	ChatID       int64
	Title        string
	IsPinned     bool
	ManualMode   bool
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}
