package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"sakha/internal/flowchart"
	"sakha/internal/quiz"
)

func (s *Store) SaveFlowchart(ctx context.Context, chatID int64, f flowchart.Flowchart) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flowchart: %w", err)
	}
	q := s.sql.Insert("flowcharts").
		Columns("id", "chat_id", "conversation_id", "title", "data_json", "created_at").
		Values(f.ID, chatID, f.ConversationID, f.Title, string(data), f.CreatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save flowchart query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save flowchart: %w", err)
	}
	return nil
}

func (s *Store) GetFlowchart(ctx context.Context, chatID int64, id string) (flowchart.Flowchart, error) {
	q := s.sql.Select("data_json").From("flowcharts").Where(sq.Eq{"id": id, "chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return flowchart.Flowchart{}, fmt.Errorf("build get flowchart query: %w", err)
	}
	var data string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return flowchart.Flowchart{}, ErrNotFound
		}
		return flowchart.Flowchart{}, fmt.Errorf("get flowchart: %w", err)
	}
	var f flowchart.Flowchart
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return flowchart.Flowchart{}, fmt.Errorf("unmarshal flowchart: %w", err)
	}
	return f, nil
}

// SaveQuiz inserts or replaces the stored state of a quiz session.
func (s *Store) SaveQuiz(ctx context.Context, chatID int64, qs quiz.Session) error {
	data, err := json.Marshal(qs)
	if err != nil {
		return fmt.Errorf("marshal quiz: %w", err)
	}
	now := s.now()
	created := qs.CreatedAt
	if created.IsZero() {
		created = now
	}
	q := s.sql.Insert("quizzes").
		Columns("id", "chat_id", "conversation_id", "data_json", "created_at", "updated_at").
		Values(qs.ID, chatID, qs.ConversationID, string(data), created.UTC(), now).
		Suffix("ON CONFLICT(id) DO UPDATE SET data_json=excluded.data_json, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save quiz query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save quiz: %w", err)
	}
	return nil
}

// GetQuiz returns the quiz and the chat it belongs to.
func (s *Store) GetQuiz(ctx context.Context, id string) (quiz.Session, int64, error) {
	q := s.sql.Select("chat_id", "data_json").From("quizzes").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return quiz.Session{}, 0, fmt.Errorf("build get quiz query: %w", err)
	}
	var chatID int64
	var data string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&chatID, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quiz.Session{}, 0, ErrNotFound
		}
		return quiz.Session{}, 0, fmt.Errorf("get quiz: %w", err)
	}
	var qs quiz.Session
	if err := json.Unmarshal([]byte(data), &qs); err != nil {
		return quiz.Session{}, 0, fmt.Errorf("unmarshal quiz: %w", err)
	}
	return qs, chatID, nil
}
