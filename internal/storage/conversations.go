package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"sakha/internal/tutor"
)

func (s *Store) CreateConversation(ctx context.Context, chatID int64, title string) (tutor.Conversation, error) {
	now := s.now()
	c := tutor.Conversation{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := s.sql.Insert("conversations").
		Columns("id", "chat_id", "title", "is_pinned", "manual_mode", "created_at", "updated_at").
		Values(c.ID, c.ChatID, c.Title, false, false, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return tutor.Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return tutor.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation loads a conversation of chatID with its messages in transcript order.
func (s *Store) GetConversation(ctx context.Context, chatID int64, id string) (tutor.Conversation, error) {
	q := s.sql.Select("id", "chat_id", "title", "is_pinned", "manual_mode", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id, "chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return tutor.Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c tutor.Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.ChatID,
		&c.Title,
		&c.IsPinned,
		&c.ManualModeSelected,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tutor.Conversation{}, ErrNotFound
		}
		return tutor.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	msgs, err := s.listMessages(ctx, id)
	if err != nil {
		return tutor.Conversation{}, err
	}
	c.Messages = msgs
	return c, nil
}

func (s *Store) listMessages(ctx context.Context, conversationID string) ([]tutor.Message, error) {
	q := s.sql.Select("id", "role", "content", "model", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]tutor.Message, 0)
	for rows.Next() {
		var m tutor.Message
		var role string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = tutor.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// ConversationOfMessage finds which conversation of chatID holds messageID.
func (s *Store) ConversationOfMessage(ctx context.Context, chatID int64, messageID string) (string, error) {
	q := s.sql.Select("m.conversation_id").
		From("messages m").
		Join("conversations c ON c.id = m.conversation_id").
		Where(sq.Eq{"m.id": messageID, "c.chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build message lookup query: %w", err)
	}
	var id string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup message conversation: %w", err)
	}
	return id, nil
}

// ListConversations returns pinned conversations first, then the most recently updated.
func (s *Store) ListConversations(ctx context.Context, chatID int64, limit uint64) ([]ConversationSummary, error) {
	if limit == 0 {
		limit = 20
	}
	q := s.sql.Select(
		"c.id", "c.chat_id", "c.title", "c.is_pinned", "c.manual_mode", "c.created_at", "c.updated_at",
		"(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count",
	).From("conversations c").
		Where(sq.Eq{"c.chat_id": chatID}).
		OrderBy("c.is_pinned DESC", "c.updated_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(
			&c.ID,
			&c.ChatID,
			&c.Title,
			&c.IsPinned,
			&c.ManualMode,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// DeleteConversation removes the conversation with its messages and artifacts, and clears it
// as the chat's active conversation.
func (s *Store) DeleteConversation(ctx context.Context, chatID int64, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := s.sql.Delete("conversations").Where(sq.Eq{"id": id, "chat_id": chatID})
	sqlStr, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	stmts := []sq.Sqlizer{
		s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id}),
		s.sql.Delete("flowcharts").Where(sq.Eq{"conversation_id": id}),
		s.sql.Delete("quizzes").Where(sq.Eq{"conversation_id": id}),
		s.sql.Update("chat_settings").
			Set("active_conversation_id", nil).
			Where(sq.Eq{"chat_id": chatID, "active_conversation_id": id}),
	}
	for _, st := range stmts {
		sqlStr, args, err := st.ToSql()
		if err != nil {
			return fmt.Errorf("build conversation cleanup query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("conversation cleanup: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (s *Store) RenameConversation(ctx context.Context, chatID int64, id, title string) error {
	return s.updateConversation(ctx, chatID, id, "title", strings.TrimSpace(title))
}

func (s *Store) SetPinned(ctx context.Context, chatID int64, id string, pinned bool) error {
	return s.updateConversation(ctx, chatID, id, "is_pinned", pinned)
}

// SetManualMode records that the user picked the persona explicitly, which silences mode
// suggestions for the conversation.
func (s *Store) SetManualMode(ctx context.Context, chatID int64, id string, manual bool) error {
	return s.updateConversation(ctx, chatID, id, "manual_mode", manual)
}

func (s *Store) updateConversation(ctx context.Context, chatID int64, id, column string, value any) error {
	q := s.sql.Update("conversations").
		Set(column, value).
		Where(sq.Eq{"id": id, "chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update conversation %s query: %w", column, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage adds msg at the end of the transcript and bumps the conversation's
// updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg tutor.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ins := s.sql.Insert("messages").
		Columns("id", "conversation_id", "seq", "role", "content", "model", "created_at").
		Values(
			msg.ID,
			conversationID,
			sq.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?)", conversationID),
			string(msg.Role),
			msg.Content,
			msg.Model,
			msg.CreatedAt.UTC(),
		)
	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build append message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if err := s.touch(ctx, tx, conversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message: %w", err)
	}
	return nil
}

// TruncateMessages keeps the first keep messages of the transcript.
func (s *Store) TruncateMessages(ctx context.Context, conversationID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	q := s.sql.Delete("messages").Where(sq.And{
		sq.Eq{"conversation_id": conversationID},
		sq.Gt{"seq": keep},
	})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build truncate messages query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	return nil
}

// EditMessage replaces the content of one message in place.
func (s *Store) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	q := s.sql.Update("messages").
		Set("content", content).
		Where(sq.Eq{"id": messageID, "conversation_id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build edit message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) touch(ctx context.Context, tx *sql.Tx, conversationID string) error {
	q := s.sql.Update("conversations").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
