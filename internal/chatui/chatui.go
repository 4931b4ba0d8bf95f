// Package chatui renders tutor state as Telegram text and inline keyboards, and encodes the
// callback data the buttons carry. It has no I/O so the worker and the command handlers
// share one rendering.
package chatui

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"sakha/internal/flowchart"
	"sakha/internal/intent"
	"sakha/internal/persona"
	"sakha/internal/providers/registry"
	"sakha/internal/quiz"
	"sakha/internal/storage"
	"sakha/internal/tutor"
)

// MessageLimit keeps rendered chunks below Telegram's 4096 character cap.
const MessageLimit = 4000

const (
	Prefix = "sk:"

	ActRegenerate = "rg"
	ActRetry      = "rp"
	ActStop       = "stop"
	ActSuggest    = "sug"
	ActDismiss    = "dis"
	ActMode       = "md"
	ActModel      = "ml"
	ActKey        = "key"
	ActQuizAnswer = "qa"
	ActOpen       = "cv"
	ActPin        = "pin"
	ActDelete     = "del"
	ActNew        = "new"
	ActMenu       = "menu"

	Cursor  = " ▌"
	Stopped = "⏹ Message generation stopped."
)

// Data builds callback data. Telegram caps it at 64 bytes, which uuids and model ids fit.
func Data(action string, args ...string) string {
	parts := append([]string{action}, args...)
	return Prefix + strings.Join(parts, ":")
}

// Parse splits callback data built by Data.
func Parse(data string) (action string, args []string, ok bool) {
	if !strings.HasPrefix(data, Prefix) {
		return "", nil, false
	}
	parts := strings.Split(strings.TrimPrefix(data, Prefix), ":")
	if parts[0] == "" {
		return "", nil, false
	}
	return parts[0], parts[1:], true
}

// Split cuts text into chunks of at most limit runes, preferring line breaks in the second
// half of a chunk.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// Preview is the text shown while a reply is still streaming.
func Preview(text string) string {
	limit := MessageLimit - utf8.RuneCountInString(Cursor) - 1
	if utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit]) + "…"
	}
	return text + Cursor
}

func Thinking() string {
	return "💭 Thinking…"
}

func StopKeyboard(conversationID string) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "⏹ Stop", CallbackData: Data(ActStop, conversationID)}},
	}}
}

func ReplyKeyboard(messageID string) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "🔄 Regenerate", CallbackData: Data(ActRegenerate, messageID)}},
	}}
}

func RetryKeyboard(conversationID string) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "↩️ Answer again", CallbackData: Data(ActRetry, conversationID)}},
	}}
}

func SuggestionText(r intent.Result) string {
	p, ok := persona.Lookup(r.Mode)
	if !ok {
		return ""
	}
	lines := []string{p.Suggestion}
	if r.Reason != "" {
		lines = append(lines, fmt.Sprintf("(%s, %d%% match)", r.Reason, int(r.Confidence*100)))
	}
	return strings.Join(lines, "\n")
}

func SuggestionKeyboard(mode persona.Mode, conversationID string) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Switch to " + persona.Name(mode), CallbackData: Data(ActSuggest, string(mode), conversationID)},
			{Text: "No thanks", CallbackData: Data(ActDismiss)},
		},
	}}
}

func ModeKeyboard(current persona.Mode) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0)
	var row []gotgbot.InlineKeyboardButton
	for _, m := range persona.All() {
		label := persona.Name(m)
		if m == current {
			label = "✅ " + label
		}
		row = append(row, gotgbot.InlineKeyboardButton{Text: label, CallbackData: Data(ActMode, string(m))})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func ModelKeyboard(current string) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0)
	for _, m := range registry.Models() {
		label := fmt.Sprintf("%s · %s", m.Name, m.Family.DisplayName())
		if m.ID == current {
			label = "✅ " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: Data(ActModel, m.ID)}})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// KeysText lists which provider keys a chat has, never the keys themselves.
func KeysText(own, fallback tutor.Credentials) string {
	lines := []string{"🔑 Provider keys", ""}
	for _, f := range registry.Families() {
		state := "not set"
		switch {
		case f.Credential(own) != "":
			state = "set for this chat"
		case f.Credential(fallback) != "":
			state = "using the bot default"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", f.DisplayName(), state))
	}
	lines = append(lines, "", "Pick a provider to set or clear its key.")
	return strings.Join(lines, "\n")
}

func KeysKeyboard() *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0)
	for _, f := range registry.Families() {
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: f.DisplayName(), CallbackData: Data(ActKey, string(f))}})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func HistoryText(list []storage.ConversationSummary, activeID string) string {
	if len(list) == 0 {
		return "No conversations yet. Just send a question to start one."
	}
	lines := []string{"🗂 Conversations", ""}
	for i, c := range list {
		marker := ""
		if c.IsPinned {
			marker += "📌 "
		}
		if c.ID == activeID {
			marker += "▶️ "
		}
		lines = append(lines, fmt.Sprintf("%d. %s%s (%d messages)", i+1, marker, displayTitle(c.Title), c.MessageCount))
	}
	return strings.Join(lines, "\n")
}

func HistoryKeyboard(list []storage.ConversationSummary) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(list)+1)
	for i, c := range list {
		pin := "📌"
		if c.IsPinned {
			pin = "Unpin"
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: strconv.Itoa(i+1) + ". " + clip(displayTitle(c.Title), 28), CallbackData: Data(ActOpen, c.ID)},
			{Text: pin, CallbackData: Data(ActPin, c.ID)},
			{Text: "🗑", CallbackData: Data(ActDelete, c.ID)},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "➕ New conversation", CallbackData: Data(ActNew)}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// QuizQuestion renders the current question of qs with one button per option.
func QuizQuestion(qs quiz.Session) (string, *gotgbot.InlineKeyboardMarkup) {
	q, ok := qs.Current()
	if !ok {
		return QuizSummary(qs), nil
	}
	lines := []string{
		fmt.Sprintf("📝 Question %d of %d", qs.CurrentQuestionIndex+1, qs.TotalQuestions),
		"",
		q.Question,
		"",
	}
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(q.Options))
	for i, opt := range q.Options {
		letter := string(rune('A' + i))
		lines = append(lines, fmt.Sprintf("%s) %s", letter, opt))
		rows = append(rows, []gotgbot.InlineKeyboardButton{{
			Text:         letter + ") " + clip(opt, 40),
			CallbackData: Data(ActQuizAnswer, qs.ID, strconv.Itoa(i)),
		}})
	}
	return strings.Join(lines, "\n"), &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// QuizFeedback describes the answer just given to q.
func QuizFeedback(q quiz.Question) string {
	var head string
	if q.IsCorrect != nil && *q.IsCorrect {
		head = "✅ Correct!"
	} else {
		head = "❌ Not quite. The answer was: " + q.Options[q.CorrectAnswer]
	}
	if q.Explanation == "" {
		return head
	}
	return head + "\n" + q.Explanation
}

func QuizSummary(qs quiz.Session) string {
	pct := 0
	if qs.TotalQuestions > 0 {
		pct = qs.Score * 100 / qs.TotalQuestions
	}
	return fmt.Sprintf("🏁 Quiz complete: %d/%d (%d%%)", qs.Score, qs.TotalQuestions, pct)
}

// Flowchart renders f as a titled Mermaid block.
func Flowchart(f flowchart.Flowchart) string {
	lines := []string{"🧭 " + f.Title}
	if f.Description != "" {
		lines = append(lines, f.Description)
	}
	if f.Fallback {
		lines = append(lines, "(built from the conversation outline; the model reply was unusable)")
	}
	lines = append(lines, "", flowchart.Mermaid(f))
	return strings.Join(lines, "\n")
}

func displayTitle(t string) string {
	if strings.TrimSpace(t) == "" {
		return "Untitled"
	}
	return t
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
