package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"sakha/internal/chatui"
	"sakha/internal/persona"
	"sakha/internal/providers/registry"
	"sakha/internal/queue"
	"sakha/internal/quiz"
	"sakha/internal/tutor"
)

func welcomeText(private bool) string {
	lines := []string{
		"👋 Hi, I'm Sakha, a study companion.",
		"",
	}
	if private {
		lines = append(lines, "Send me any question and I'll answer it as it streams in.")
	} else {
		lines = append(lines, "Ask me with /ask <question>. Everyone in this chat shares the conversation.")
	}
	lines = append(lines,
		"When we've covered a topic, /quiz tests you on it and /flowchart maps it out.",
		"",
		"/help lists every command.",
	)
	return strings.Join(lines, "\n")
}

func helpText() string {
	return strings.Join([]string{
		"Conversation:",
		"/ask <question> - ask (plain messages work in private chat)",
		"/new [title] - start a new conversation",
		"/stop - stop the answer being written",
		"/regen - answer the last question again",
		"/edit <text> - replace your last question and answer it again",
		"/history - switch, pin or delete conversations",
		"/rename <title> - rename the current conversation",
		"",
		"Study tools:",
		"/quiz - multiple-choice quiz on the conversation",
		"/flowchart - outline the conversation as a flowchart",
		"/imageprompt - write an image-generator prompt for the topic",
		"",
		"Settings (admins in groups):",
		"/mode [name] - teaching persona",
		"/model [id] - language model",
		"/keys - provider API keys (entered in private chat)",
		"/status - current settings",
		"/cancel - abort the key wizard",
	}, "\n")
}

func statusText(chatType string, s tutor.Settings, active, keys string) string {
	if active == "" {
		active = "none"
	}
	return strings.Join([]string{
		"📊 Chat status",
		fmt.Sprintf("chat type: %s", chatType),
		fmt.Sprintf("model: %s", modelLabel(s.Model)),
		fmt.Sprintf("mode: %s", persona.Name(s.Mode)),
		fmt.Sprintf("conversation: %s", active),
		"",
		keys,
	}, "\n")
}

func rateLimitText(d queue.Decision) string {
	return fmt.Sprintf("Rate limit reached (%d/%d). Try again after %s.", d.Used, d.Limit, d.ResetAt.UTC().Format("15:04 UTC"))
}

func keyPromptText(f registry.Family) string {
	return fmt.Sprintf("Send the %s API key as your next message, or '-' to remove it. /cancel stops.", f.DisplayName())
}

func modelLabel(id string) string {
	info, ok := registry.LookupModel(id)
	if !ok {
		return id
	}
	return fmt.Sprintf("%s (%s)", info.Name, info.Family.DisplayName())
}

func modeList() string {
	modes := persona.All()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

func titleOrUntitled(t string) string {
	if strings.TrimSpace(t) == "" {
		return "Untitled"
	}
	return t
}

// quizStep is the message after an answer: feedback, then the next question or the summary.
func quizStep(qs quiz.Session, answered quiz.Question) (string, *gotgbot.InlineKeyboardMarkup) {
	next, kb := chatui.QuizQuestion(qs)
	return chatui.QuizFeedback(answered) + "\n\n" + next, kb
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
