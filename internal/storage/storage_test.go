package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sakha/internal/flowchart"
	"sakha/internal/persona"
	"sakha/internal/quiz"
	"sakha/internal/tutor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "sakha.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestSettingsUpserts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetSettings(ctx, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveModel(ctx, 10, "llama-3.3-70b-versatile"); err != nil {
		t.Fatalf("save model: %v", err)
	}
	if err := s.SaveMode(ctx, 10, persona.Coach); err != nil {
		t.Fatalf("save mode: %v", err)
	}
	if err := s.SaveCredentials(ctx, 10, `{"key_id":"k"}`); err != nil {
		t.Fatalf("save credentials: %v", err)
	}
	if err := s.SetActiveConversation(ctx, 10, "conv-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	cs, err := s.GetSettings(ctx, 10)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if cs.Model != "llama-3.3-70b-versatile" || cs.Mode != persona.Coach {
		t.Fatalf("unexpected settings %+v", cs)
	}
	if cs.EncCredentials != `{"key_id":"k"}` || cs.ActiveConversationID != "conv-1" {
		t.Fatalf("unexpected settings %+v", cs)
	}

	if err := s.SaveCredentials(ctx, 10, ""); err != nil {
		t.Fatalf("clear credentials: %v", err)
	}
	cs, err = s.GetSettings(ctx, 10)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if cs.EncCredentials != "" || cs.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("clearing credentials should leave other columns, got %+v", cs)
	}
}

func TestTranscriptAppendTruncateEdit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.CreateConversation(ctx, 5, "  Photosynthesis  ")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if c.Title != "Photosynthesis" {
		t.Fatalf("title should be trimmed, got %q", c.Title)
	}

	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	msgs := []tutor.Message{
		tutor.NewMessage(tutor.RoleUser, "what is chlorophyll?", "", now),
		tutor.NewMessage(tutor.RoleAssistant, "a pigment", "gemini-2.5-flash", now),
		tutor.NewMessage(tutor.RoleUser, "why green?", "", now),
		tutor.NewMessage(tutor.RoleAssistant, "it reflects green light", "gemini-2.5-flash", now),
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, c.ID, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.GetConversation(ctx, 5, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	for i := range msgs {
		if got.Messages[i].ID != msgs[i].ID || got.Messages[i].Role != msgs[i].Role {
			t.Fatalf("message %d out of order: %+v", i, got.Messages[i])
		}
	}
	if got.Messages[1].Model != "gemini-2.5-flash" {
		t.Fatalf("model not stored: %+v", got.Messages[1])
	}
	if !got.UpdatedAt.After(c.UpdatedAt) {
		t.Fatalf("append should bump updated_at")
	}

	if err := s.TruncateMessages(ctx, c.ID, 2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	extra := tutor.NewMessage(tutor.RoleUser, "and in autumn?", "", now)
	if err := s.AppendMessage(ctx, c.ID, extra); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if err := s.EditMessage(ctx, c.ID, msgs[0].ID, "what is chlorophyll exactly?"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := s.EditMessage(ctx, c.ID, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}

	got, err = s.GetConversation(ctx, 5, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(got.Messages) != 3 || got.Messages[2].ID != extra.ID {
		t.Fatalf("unexpected transcript after truncate %+v", got.Messages)
	}
	if got.Messages[0].Content != "what is chlorophyll exactly?" {
		t.Fatalf("edit not applied: %q", got.Messages[0].Content)
	}

	if _, err := s.GetConversation(ctx, 6, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation must not be visible from another chat, got %v", err)
	}

	owner, err := s.ConversationOfMessage(ctx, 5, extra.ID)
	if err != nil || owner != c.ID {
		t.Fatalf("message lookup: %q %v", owner, err)
	}
	if _, err := s.ConversationOfMessage(ctx, 6, extra.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message lookup must be scoped to the chat, got %v", err)
	}
}

func TestListConversationsOrderAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, _ := s.CreateConversation(ctx, 1, "a")
	b, _ := s.CreateConversation(ctx, 1, "b")
	c, _ := s.CreateConversation(ctx, 1, "c")
	if _, err := s.CreateConversation(ctx, 2, "other chat"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.AppendMessage(ctx, a.ID, tutor.NewMessage(tutor.RoleUser, "hi", "", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SetPinned(ctx, 1, b.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	list, err := s.ListConversations(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(list))
	}
	if list[0].ID != b.ID || list[1].ID != a.ID || list[2].ID != c.ID {
		t.Fatalf("unexpected order %s %s %s", list[0].Title, list[1].Title, list[2].Title)
	}
	if list[1].MessageCount != 1 || !list[0].IsPinned {
		t.Fatalf("unexpected summary fields %+v %+v", list[0], list[1])
	}

	if err := s.SetActiveConversation(ctx, 1, a.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.DeleteConversation(ctx, 1, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteConversation(ctx, 1, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	cs, err := s.GetSettings(ctx, 1)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if cs.ActiveConversationID != "" {
		t.Fatalf("deleting the active conversation should clear it, got %q", cs.ActiveConversationID)
	}

	var orphans int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", a.ID).Scan(&orphans); err != nil {
		t.Fatalf("count: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("messages of a deleted conversation must be removed, found %d", orphans)
	}

	if err := s.SetManualMode(ctx, 1, c.ID, true); err != nil {
		t.Fatalf("manual mode: %v", err)
	}
	if err := s.RenameConversation(ctx, 1, c.ID, "Cell biology"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := s.GetConversation(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ManualModeSelected || got.Title != "Cell biology" {
		t.Fatalf("unexpected conversation %+v", got)
	}
}

func TestQuizAndFlowchartPersistence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	qs := quiz.Session{
		ID:             "quiz-1",
		ConversationID: "conv-1",
		Questions: []quiz.Question{
			{ID: "q1", Question: "2+2?", Options: []string{"3", "4"}, CorrectAnswer: 1},
		},
		TotalQuestions: 1,
	}
	if err := s.SaveQuiz(ctx, 9, qs); err != nil {
		t.Fatalf("save quiz: %v", err)
	}
	if _, err := qs.Answer(1); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := s.SaveQuiz(ctx, 9, qs); err != nil {
		t.Fatalf("resave quiz: %v", err)
	}

	got, chatID, err := s.GetQuiz(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if chatID != 9 || !got.IsCompleted || got.Score != 1 {
		t.Fatalf("unexpected stored quiz chat=%d %+v", chatID, got)
	}
	if got.Questions[0].UserAnswer == nil || *got.Questions[0].UserAnswer != 1 {
		t.Fatalf("user answer not stored: %+v", got.Questions[0])
	}
	if _, _, err := s.GetQuiz(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	f := flowchart.Flowchart{
		ID:             "fc-1",
		ConversationID: "conv-1",
		Title:          "Water cycle",
		Nodes:          []flowchart.Node{{ID: "n1", Type: flowchart.Start, Label: "Evaporation"}},
	}
	if err := s.SaveFlowchart(ctx, 9, f); err != nil {
		t.Fatalf("save flowchart: %v", err)
	}
	fc, err := s.GetFlowchart(ctx, 9, "fc-1")
	if err != nil {
		t.Fatalf("get flowchart: %v", err)
	}
	if fc.Title != "Water cycle" || len(fc.Nodes) != 1 || fc.CreatedAt.IsZero() {
		t.Fatalf("unexpected flowchart %+v", fc)
	}
	if _, err := s.GetFlowchart(ctx, 10, "fc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("flowchart must not be visible from another chat, got %v", err)
	}
}

func TestAdminCacheAndAudit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, found, err := s.GetAdminCache(ctx, 1, 2); err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}
	if err := s.SetAdminCache(ctx, 1, 2, true); err != nil {
		t.Fatalf("set admin cache: %v", err)
	}
	isAdmin, found, err := s.GetAdminCache(ctx, 1, 2)
	if err != nil || !found || !isAdmin {
		t.Fatalf("unexpected admin cache %v %v %v", isAdmin, found, err)
	}

	if err := s.EnsureChat(ctx, 1, "", "study group"); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if err := s.LogAction(ctx, AuditEntry{ChatID: 1, UserID: 2, Action: "keys_set", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	var meta string
	if err := s.db.QueryRowContext(ctx, "SELECT meta_json FROM audit_log WHERE chat_id = ?", 1).Scan(&meta); err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if meta != "{}" {
		t.Fatalf("invalid meta should be replaced, got %q", meta)
	}
}
