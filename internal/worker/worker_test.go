package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"sakha/internal/chatui"
	"sakha/internal/crypto"
	"sakha/internal/flowchart"
	"sakha/internal/imageprompt"
	"sakha/internal/intent"
	"sakha/internal/providers"
	"sakha/internal/providers/registry"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/session"
	"sakha/internal/storage"
	"sakha/internal/title"
	"sakha/internal/tutor"
)

type sent struct {
	chatID int64
	text   string
	opts   *gotgbot.SendMessageOpts
}

type edited struct {
	messageID int64
	text      string
	opts      *gotgbot.EditMessageTextOpts
}

type fakeBot struct {
	mu     sync.Mutex
	nextID int64
	sends  []sent
	edits  []edited
}

func (f *fakeBot) SendMessageWithContext(_ context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sent{chatID: chatID, text: text, opts: opts})
	return &gotgbot.Message{MessageId: f.nextID, Chat: gotgbot.Chat{Id: chatID}, Text: text}, nil
}

func (f *fakeBot) EditMessageTextWithContext(_ context.Context, text string, opts *gotgbot.EditMessageTextOpts) (*gotgbot.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{messageID: opts.MessageId, text: text, opts: opts})
	return &gotgbot.Message{MessageId: opts.MessageId, Text: text}, true, nil
}

func (f *fakeBot) lastEdit(t *testing.T) edited {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatalf("no message edits recorded")
	}
	return f.edits[len(f.edits)-1]
}

type genFunc func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error)

func (f genFunc) StreamChat(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
	return f(ctx, s, history)
}

func unquote(b []byte) (string, bool) {
	s, err := strconv.Unquote(string(b))
	return s, err == nil
}

func textStream(ctx context.Context, frags ...string) *providers.Stream {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString("data: " + strconv.Quote(f) + "\n")
	}
	b.WriteString("data: [DONE]\n")
	ctx, cancel := context.WithCancel(ctx)
	return providers.NewStream(ctx, cancel, io.NopCloser(strings.NewReader(b.String())), unquote)
}

type oneShotFunc func(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error)

func (f oneShotFunc) Generate(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error) {
	return f(ctx, creds, req)
}

type structuredFunc func(ctx context.Context, s tutor.Settings, system string, msgs []providers.Message) (*providers.Stream, error)

func (f structuredFunc) StreamStructured(ctx context.Context, s tutor.Settings, system string, msgs []providers.Message) (*providers.Stream, error) {
	return f(ctx, s, system, msgs)
}

type harness struct {
	w     *Worker
	bot   *fakeBot
	store *storage.Store
	ring  *crypto.Keyring
	ctrl  *session.Controller
}

func newHarness(t *testing.T, gen session.Generator, oneShot quiz.OneShot, structured flowchart.Streamer) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "worker.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	ctrl := session.NewController(session.Config{
		Generator:  gen,
		Transcript: store,
		Detector:   intent.NewDetector(intent.DefaultConfig()),
		Logger:     zerolog.Nop(),
	})
	bot := &fakeBot{}
	w := New(Config{
		Bot:          bot,
		Store:        store,
		Keyring:      ring,
		Controller:   ctrl,
		Quizzes:      quiz.NewGenerator(oneShot, quiz.Config{Logger: zerolog.Nop()}),
		Flowcharts:   flowchart.NewGenerator(structured, zerolog.Nop()),
		Images:       imageprompt.NewGenerator(oneShot, "", zerolog.Nop()),
		Titles:       title.NewGenerator(nil, "", zerolog.Nop()),
		Defaults:     tutor.Settings{Credentials: tutor.Credentials{Google: "env-key"}},
		EditInterval: time.Hour,
		Logger:       zerolog.Nop(),
	})
	return &harness{w: w, bot: bot, store: store, ring: ring, ctrl: ctrl}
}

func TestSendJobStreamsAndCommits(t *testing.T) {
	ctx := context.Background()
	var seenKey string
	gen := genFunc(func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
		seenKey = s.Credentials.Google
		return textStream(ctx, "Osmosis is ", "water moving ", "across a membrane."), nil
	})
	h := newHarness(t, gen, nil, nil)

	sealed, err := h.ring.SealCredentials(100, tutor.Credentials{Google: "chat-key"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := h.store.SaveCredentials(ctx, 100, sealed); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	job := queue.Job{Kind: queue.KindSend, ChatID: 100, UserID: 1, MessageID: 7, Content: "what is osmosis?"}
	if err := h.w.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if seenKey != "chat-key" {
		t.Fatalf("chat credentials should win over defaults, got %q", seenKey)
	}
	if len(h.bot.sends) != 1 || h.bot.sends[0].text != chatui.Thinking() {
		t.Fatalf("expected one placeholder, got %+v", h.bot.sends)
	}
	if h.bot.sends[0].opts.ReplyParameters == nil || h.bot.sends[0].opts.ReplyParameters.MessageId != 7 {
		t.Fatalf("placeholder should reply to the user's message")
	}

	final := h.bot.lastEdit(t)
	if final.text != "Osmosis is water moving across a membrane." {
		t.Fatalf("unexpected final text %q", final.text)
	}
	if len(final.opts.ReplyMarkup.InlineKeyboard) != 1 {
		t.Fatalf("final reply should carry a regenerate button, got %+v", final.opts.ReplyMarkup)
	}
	action, args, ok := chatui.Parse(final.opts.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
	if !ok || action != chatui.ActRegenerate {
		t.Fatalf("unexpected button %q %v", action, args)
	}

	cs, err := h.store.GetSettings(ctx, 100)
	if err != nil || cs.ActiveConversationID == "" {
		t.Fatalf("send should start an active conversation, got %+v %v", cs, err)
	}
	conv, err := h.store.GetConversation(ctx, 100, cs.ActiveConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].ID != args[0] {
		t.Fatalf("unexpected transcript %+v", conv.Messages)
	}
	if conv.Title != "What is osmosis?" {
		t.Fatalf("first message should title the conversation, got %q", conv.Title)
	}
}

func TestSendJobSuggestsPersona(t *testing.T) {
	gen := genFunc(func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
		return textStream(ctx, "ok"), nil
	})
	h := newHarness(t, gen, nil, nil)

	job := queue.Job{Kind: queue.KindSend, ChatID: 5, Content: "push me with no excuses and tough love, I lack discipline"}
	if err := h.w.processJob(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.bot.sends) != 2 {
		t.Fatalf("expected placeholder and suggestion, got %d messages", len(h.bot.sends))
	}
	last := h.bot.sends[len(h.bot.sends)-1]
	kb, ok := last.opts.ReplyMarkup.(gotgbot.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("suggestion should offer switch and dismiss, got %+v", last.opts.ReplyMarkup)
	}
	action, args, _ := chatui.Parse(kb.InlineKeyboard[0][0].CallbackData)
	if action != chatui.ActSuggest || args[0] != "drill" {
		t.Fatalf("unexpected suggestion %q %v", action, args)
	}
}

func TestStoppedGenerationDropsPartialText(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var convID string
	gen := genFunc(func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
		sctx, cancel := context.WithCancel(ctx)
		pr, pw := io.Pipe()
		go func() {
			<-sctx.Done()
			pw.CloseWithError(sctx.Err())
		}()
		go func() {
			fmt.Fprintf(pw, "data: %s\n", strconv.Quote("The mitochondria"))
			time.Sleep(50 * time.Millisecond)
			h.ctrl.Cancel(convID)
		}()
		return providers.NewStream(sctx, cancel, pr, unquote), nil
	})
	h = newHarness(t, gen, nil, nil)

	conv, err := h.store.CreateConversation(ctx, 9, "Cells")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	convID = conv.ID

	job := queue.Job{Kind: queue.KindSend, ChatID: 9, ConversationID: conv.ID, Content: "what is the powerhouse of the cell?"}
	if err := h.w.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final := h.bot.lastEdit(t)
	if final.text != chatui.Stopped || strings.Contains(final.text, "mitochondria") {
		t.Fatalf("stopped reply should show only the notice, got %q", final.text)
	}
	if action, _, _ := chatui.Parse(final.opts.ReplyMarkup.InlineKeyboard[0][0].CallbackData); action != chatui.ActRetry {
		t.Fatalf("stopped reply should offer a retry, got %q", action)
	}

	got, err := h.store.GetConversation(ctx, 9, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != tutor.RoleUser {
		t.Fatalf("a stopped generation must not commit a reply, got %+v", got.Messages)
	}
}

func TestRegenerateWithoutConversationTellsUser(t *testing.T) {
	h := newHarness(t, genFunc(func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
		t.Fatalf("generator must not be called")
		return nil, nil
	}), nil, nil)

	err := h.w.processJob(context.Background(), queue.Job{Kind: queue.KindRegenerate, ChatID: 3, ConversationID: "missing"})
	if err != nil {
		t.Fatalf("a reported problem should not fail the job: %v", err)
	}
	if len(h.bot.sends) != 1 || !strings.Contains(h.bot.sends[0].text, "no conversation") {
		t.Fatalf("unexpected messages %+v", h.bot.sends)
	}
}

func TestEditJobRewritesAndAnswersAgain(t *testing.T) {
	ctx := context.Background()
	var lastPrompt string
	gen := genFunc(func(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
		lastPrompt = history[len(history)-1].Content
		return textStream(ctx, "answer to "+lastPrompt), nil
	})
	h := newHarness(t, gen, nil, nil)

	conv, _ := h.store.CreateConversation(ctx, 4, "Maths")
	now := time.Now()
	user := tutor.NewMessage(tutor.RoleUser, "what is 2+2", "", now)
	for _, m := range []tutor.Message{user, tutor.NewMessage(tutor.RoleAssistant, "4", "m", now)} {
		if err := h.store.AppendMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	job := queue.Job{Kind: queue.KindEdit, ChatID: 4, ConversationID: conv.ID, Content: "what is 3+3"}
	if err := h.w.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if lastPrompt != "what is 3+3" {
		t.Fatalf("edited prompt not used, got %q", lastPrompt)
	}
	got, _ := h.store.GetConversation(ctx, 4, conv.ID)
	if len(got.Messages) != 2 || got.Messages[0].ID != user.ID || got.Messages[0].Content != "what is 3+3" {
		t.Fatalf("unexpected transcript after edit %+v", got.Messages)
	}
	if got.Messages[1].Content != "answer to what is 3+3" {
		t.Fatalf("unexpected new answer %q", got.Messages[1].Content)
	}
}

func TestQuizJobRendersFirstQuestion(t *testing.T) {
	ctx := context.Background()
	oneShot := oneShotFunc(func(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error) {
		if creds.Google != "env-key" {
			return "", errors.New("default credentials not applied")
		}
		return `{"questions":[{"question":"What moves in osmosis?","options":["Salt","Water","Sugar","Air"],"answer":"Water","explanation":"Water crosses the membrane."}]}`, nil
	})
	h := newHarness(t, nil, oneShot, nil)

	conv, _ := h.store.CreateConversation(ctx, 8, "Osmosis")
	now := time.Now()
	for _, m := range []tutor.Message{
		tutor.NewMessage(tutor.RoleUser, "what is osmosis?", "", now),
		tutor.NewMessage(tutor.RoleAssistant, "water moving across a membrane", "m", now),
	} {
		if err := h.store.AppendMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := h.w.processJob(ctx, queue.Job{Kind: queue.KindQuiz, ChatID: 8, ConversationID: conv.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	final := h.bot.lastEdit(t)
	if !strings.Contains(final.text, "Question 1 of 1") {
		t.Fatalf("unexpected quiz text %q", final.text)
	}
	_, args, ok := chatui.Parse(final.opts.ReplyMarkup.InlineKeyboard[1][0].CallbackData)
	if !ok || len(args) != 2 {
		t.Fatalf("unexpected answer button")
	}
	qs, chatID, err := h.store.GetQuiz(ctx, args[0])
	if err != nil || chatID != 8 || qs.Questions[0].CorrectAnswer != 1 {
		t.Fatalf("quiz not stored correctly: %+v %d %v", qs, chatID, err)
	}
}

func TestFlowchartJobFallsBackOnGarbage(t *testing.T) {
	ctx := context.Background()
	structured := structuredFunc(func(ctx context.Context, s tutor.Settings, system string, msgs []providers.Message) (*providers.Stream, error) {
		return textStream(ctx, "not json at all"), nil
	})
	h := newHarness(t, nil, nil, structured)

	conv, _ := h.store.CreateConversation(ctx, 2, "Water cycle")
	now := time.Now()
	for _, m := range []tutor.Message{
		tutor.NewMessage(tutor.RoleUser, "explain the water cycle", "", now),
		tutor.NewMessage(tutor.RoleAssistant, "evaporation, condensation, precipitation", "m", now),
	} {
		if err := h.store.AppendMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := h.w.processJob(ctx, queue.Job{Kind: queue.KindFlowchart, ChatID: 2}); err != nil {
		t.Fatalf("process without conversation: %v", err)
	}
	if len(h.bot.sends) != 1 || !strings.Contains(h.bot.sends[0].text, "Start a conversation") {
		t.Fatalf("flowchart without an active conversation should explain, got %+v", h.bot.sends)
	}

	if err := h.w.processJob(ctx, queue.Job{Kind: queue.KindFlowchart, ChatID: 2, ConversationID: conv.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	final := h.bot.lastEdit(t)
	if !strings.Contains(final.text, "flowchart TD") || !strings.Contains(final.text, "outline") {
		t.Fatalf("expected a fallback mermaid chart, got %q", final.text)
	}
}

func TestImagePromptJobSendsStyledPrompt(t *testing.T) {
	ctx := context.Background()
	oneShot := oneShotFunc(func(ctx context.Context, creds tutor.Credentials, req registry.OneShotRequest) (string, error) {
		if !strings.Contains(req.Prompt, "user: how do volcanoes erupt?") {
			return "", errors.New("conversation missing from prompt")
		}
		return "A cross-section of a stratovolcano with a labelled magma chamber", nil
	})
	h := newHarness(t, nil, oneShot, nil)

	conv, _ := h.store.CreateConversation(ctx, 4, "Volcanoes")
	if err := h.w.processJob(ctx, queue.Job{Kind: queue.KindImagePrompt, ChatID: 4, ConversationID: conv.ID}); err != nil {
		t.Fatalf("process empty conversation: %v", err)
	}
	if got := h.bot.lastEdit(t).text; !strings.Contains(got, "nothing to draw") {
		t.Fatalf("empty conversation should explain, got %q", got)
	}

	now := time.Now()
	for _, m := range []tutor.Message{
		tutor.NewMessage(tutor.RoleUser, "how do volcanoes erupt?", "", now),
		tutor.NewMessage(tutor.RoleAssistant, "pressure from magma and gas", "m", now),
	} {
		if err := h.store.AppendMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := h.w.processJob(ctx, queue.Job{Kind: queue.KindImagePrompt, ChatID: 4, ConversationID: conv.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}

	var all strings.Builder
	all.WriteString(h.bot.lastEdit(t).text)
	for _, s := range h.bot.sends[2:] {
		all.WriteString(s.text)
	}
	text := all.String()
	if !strings.Contains(text, "VISUAL IDENTITY") || !strings.Contains(text, "labelled magma chamber") {
		t.Fatalf("expected the styled prompt, got %q", text)
	}
}
