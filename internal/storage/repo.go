package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"sakha/internal/persona"
)

var ErrNotFound = errors.New("not found")

func (s *Store) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	if chatType == "" {
		chatType = "unknown"
	}
	q := s.sql.Insert("chats").
		Columns("id", "type", "title").
		Values(chatID, chatType, title).
		Suffix("ON CONFLICT(id) DO UPDATE SET type=excluded.type, title=excluded.title")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure chat query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	return nil
}

func (s *Store) SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error {
	q := s.sql.Insert("chat_admin_cache").
		Columns("chat_id", "user_id", "is_admin", "updated_at").
		Values(chatID, userID, isAdmin, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET is_admin=excluded.is_admin, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set admin cache query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set admin cache: %w", err)
	}
	return nil
}

func (s *Store) GetAdminCache(ctx context.Context, chatID, userID int64) (isAdmin bool, found bool, err error) {
	q := s.sql.Select("is_admin").
		From("chat_admin_cache").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	query, args, err := q.ToSql()
	if err != nil {
		return false, false, fmt.Errorf("build get admin cache query: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&isAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("get admin cache: %w", err)
	}
	return isAdmin, true, nil
}

// GetSettings returns ErrNotFound for chats that never changed a setting.
func (s *Store) GetSettings(ctx context.Context, chatID int64) (ChatSettings, error) {
	q := s.sql.Select("chat_id", "model", "mode", "enc_credentials", "active_conversation_id", "updated_at").
		From("chat_settings").
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSettings{}, fmt.Errorf("build get settings query: %w", err)
	}

	var cs ChatSettings
	var mode string
	var enc, active sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&cs.ChatID,
		&cs.Model,
		&mode,
		&enc,
		&active,
		&cs.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSettings{}, ErrNotFound
		}
		return ChatSettings{}, fmt.Errorf("get settings: %w", err)
	}
	cs.Mode = persona.Mode(mode)
	cs.EncCredentials = enc.String
	cs.ActiveConversationID = active.String
	return cs, nil
}

func (s *Store) SaveModel(ctx context.Context, chatID int64, model string) error {
	return s.upsertSetting(ctx, chatID, "model", strings.TrimSpace(model))
}

func (s *Store) SaveMode(ctx context.Context, chatID int64, mode persona.Mode) error {
	return s.upsertSetting(ctx, chatID, "mode", string(mode))
}

// SaveCredentials stores an already sealed credentials blob.
func (s *Store) SaveCredentials(ctx context.Context, chatID int64, sealed string) error {
	return s.upsertSetting(ctx, chatID, "enc_credentials", nullIfEmpty(sealed))
}

func (s *Store) SetActiveConversation(ctx context.Context, chatID int64, conversationID string) error {
	return s.upsertSetting(ctx, chatID, "active_conversation_id", nullIfEmpty(conversationID))
}

func (s *Store) upsertSetting(ctx context.Context, chatID int64, column string, value any) error {
	q := s.sql.Insert("chat_settings").
		Columns("chat_id", column, "updated_at").
		Values(chatID, value, nowExpr(s.driver)).
		Suffix(fmt.Sprintf("ON CONFLICT(chat_id) DO UPDATE SET %s=excluded.%s, updated_at=excluded.updated_at", column, column))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save %s query: %w", column, err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save %s: %w", column, err)
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("chat_id", "user_id", "action", "meta_json").
		Values(e.ChatID, e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
