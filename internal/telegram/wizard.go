package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepFamily = "family"
	stepKey    = "key"
)

// keyWizardState tracks a user entering a provider key in a private chat. TargetChatID is
// the chat whose credentials change, which is a group when the wizard came from a deep link.
type keyWizardState struct {
	TargetChatID int64  `json:"target_chat_id"`
	Step         string `json:"step"`
	Family       string `json:"family,omitempty"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("sakha:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state keyWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

// Get returns nil without error when the user has no wizard running.
func (w *wizardStore) Get(ctx context.Context, userID int64) (*keyWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state keyWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
