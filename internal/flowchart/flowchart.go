// Package flowchart asks a model for a learning flowchart of a conversation, repairs what comes
// back and renders it as Mermaid text for chat.
package flowchart

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sakha/internal/providers"
	"sakha/internal/tutor"
)

type NodeType string

const (
	Start    NodeType = "start"
	Process  NodeType = "process"
	Decision NodeType = "decision"
	End      NodeType = "end"
	Topic    NodeType = "topic"
	Concept  NodeType = "concept"
)

func (t NodeType) valid() bool {
	switch t {
	case Start, Process, Decision, End, Topic, Concept:
		return true
	}
	return false
}

type Node struct {
	ID          string   `json:"id"`
	Type        NodeType `json:"type"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type Flowchart struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Nodes          []Node    `json:"nodes"`
	Edges          []Edge    `json:"edges"`
	// Fallback marks charts built from the transcript alone after the model reply was unusable.
	Fallback  bool      `json:"fallback"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrTooShort = errors.New("conversation must have at least 2 messages to generate a flowchart")

// SystemPrompt is sent with every flowchart request.
const SystemPrompt = "You are a helpful assistant that generates flowcharts in valid JSON format. Do not output markdown code blocks, just raw JSON."

const (
	maxMessages      = 15
	maxMessageChars  = 500
	fallbackMessages = 8
	centerX          = 450
	levelGap         = 140
)

type Streamer interface {
	StreamStructured(ctx context.Context, s tutor.Settings, systemPrompt string, messages []providers.Message) (*providers.Stream, error)
}

type Generator struct {
	router Streamer
	log    zerolog.Logger
	now    func() time.Time
}

func NewGenerator(router Streamer, log zerolog.Logger) *Generator {
	return &Generator{router: router, log: log, now: time.Now}
}

// Generate returns a validated chart. Configuration errors and cancellation are returned as
// is; any other failure yields Fallback(messages).
func (g *Generator) Generate(ctx context.Context, s tutor.Settings, conversationID string, messages []tutor.Message) (Flowchart, error) {
	if len(messages) < 2 {
		return Flowchart{}, ErrTooShort
	}

	chart, err := g.generate(ctx, s, messages)
	switch {
	case err == nil:
	case providers.IsConfigError(err):
		return Flowchart{}, err
	case ctx.Err() != nil:
		return Flowchart{}, ctx.Err()
	default:
		g.log.Warn().Err(err).Str("conversation", conversationID).Msg("flowchart generation failed, using fallback")
		chart = Fallback(messages)
	}
	chart.ID = uuid.NewString()
	chart.ConversationID = conversationID
	chart.CreatedAt = g.now().UTC()
	return chart, nil
}

func (g *Generator) generate(ctx context.Context, s tutor.Settings, messages []tutor.Message) (Flowchart, error) {
	stream, err := g.router.StreamStructured(ctx, s, SystemPrompt, []providers.Message{
		{Role: string(tutor.RoleUser), Content: buildPrompt(messages)},
	})
	if err != nil {
		return Flowchart{}, err
	}
	defer stream.Close()

	text, err := providers.Collect(stream)
	if err != nil {
		return Flowchart{}, err
	}
	raw, err := parse(text)
	if err != nil {
		return Flowchart{}, err
	}
	return ValidateAndFix(raw, messages), nil
}

type RawPosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type RawNode struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Label       string       `json:"label"`
	Description string       `json:"description"`
	Position    *RawPosition `json:"position"`
}

type RawEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label"`
	Relationship string `json:"relationship"`
}

// Raw is the chart as the model wrote it.
type Raw struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Nodes       []RawNode `json:"nodes"`
	Edges       []RawEdge `json:"edges"`
}

func parse(text string) (Raw, error) {
	clean := strings.TrimSpace(text)
	clean = strings.ReplaceAll(clean, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	if first, last := strings.Index(clean, "{"), strings.LastIndex(clean, "}"); first >= 0 && last > first {
		clean = clean[first : last+1]
	}
	var raw Raw
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return Raw{}, fmt.Errorf("decode flowchart: %w", err)
	}
	return raw, nil
}

// ValidateAndFix normalises node types and positions, drops edges that are dangling, self
// loops or point upwards, and chains the nodes top to bottom when no edge survives.
func ValidateAndFix(raw Raw, messages []tutor.Message) Flowchart {
	if len(raw.Nodes) == 0 {
		return Fallback(messages)
	}

	rawNodes := slices.Clone(raw.Nodes)
	if !slices.ContainsFunc(rawNodes, func(n RawNode) bool { return n.Type == string(Start) }) {
		rawNodes[0].Type = string(Start)
	}
	if !slices.ContainsFunc(rawNodes, func(n RawNode) bool { return n.Type == string(End) }) {
		rawNodes[len(rawNodes)-1].Type = string(End)
	}

	nodes := make([]Node, 0, len(rawNodes))
	ys := make(map[string]float64, len(rawNodes))
	for i, rn := range rawNodes {
		typ := NodeType(rn.Type)
		if !typ.valid() {
			typ = Concept
		}
		x, y := float64(centerX), float64(80+i*levelGap)
		if rn.Position != nil {
			if rn.Position.X != nil {
				x = *rn.Position.X
			}
			if rn.Position.Y != nil {
				y = *rn.Position.Y
			}
		}
		label := strings.TrimSpace(rn.Label)
		if label == "" {
			label = fmt.Sprintf("Node %d", i+1)
		}
		label = truncate(label, 40)
		desc := strings.TrimSpace(rn.Description)
		if desc == "" {
			desc = "Details about " + label
		}
		id := rn.ID
		if id == "" {
			id = uuid.NewString()
		}
		n := Node{
			ID:          id,
			Type:        typ,
			Label:       label,
			Description: desc,
			X:           clamp(x, 100, 800),
			Y:           clamp(y, 50, 900),
		}
		nodes = append(nodes, n)
		ys[n.ID] = n.Y
	}

	edges := make([]Edge, 0, len(raw.Edges))
	for _, re := range raw.Edges {
		sy, okS := ys[re.Source]
		ty, okT := ys[re.Target]
		if !okS || !okT || re.Source == re.Target || ty < sy {
			continue
		}
		label := re.Label
		if label == "" {
			label = re.Relationship
		}
		if label == "connected to" {
			label = ""
		}
		id := re.ID
		if id == "" {
			id = uuid.NewString()
		}
		edges = append(edges, Edge{ID: id, Source: re.Source, Target: re.Target, Label: truncate(label, 30)})
	}

	if len(edges) == 0 && len(nodes) > 1 {
		sorted := slices.Clone(nodes)
		slices.SortStableFunc(sorted, func(a, b Node) int { return cmp.Compare(a.Y, b.Y) })
		for i := 0; i < len(sorted)-1; i++ {
			edges = append(edges, Edge{ID: uuid.NewString(), Source: sorted[i].ID, Target: sorted[i+1].ID})
		}
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = mainTopic(messages)
	}
	return Flowchart{
		Title:       truncate(title, 100),
		Description: truncate(strings.TrimSpace(raw.Description), 200),
		Nodes:       nodes,
		Edges:       edges,
	}
}

// Fallback lays the first messages out as a zigzag chain between a start and a summary node.
func Fallback(messages []tutor.Message) Flowchart {
	topic := mainTopic(messages)
	start := Node{ID: uuid.NewString(), Type: Start, Label: truncate(topic, 30), X: centerX, Y: 80}
	nodes := []Node{start}
	var edges []Edge

	prev := start.ID
	y := 220.0
	for i, m := range messages[:min(len(messages), fallbackMessages)] {
		offset := -150.0
		if i%2 == 1 {
			offset = 150
		}
		typ, verb := Concept, "explains"
		if m.Role == tutor.RoleUser {
			typ, verb = Topic, "asks"
		}
		label := truncate(m.Content, 25)
		if utf8.RuneCountInString(m.Content) > 25 {
			label += "..."
		}
		n := Node{ID: uuid.NewString(), Type: typ, Label: label, X: centerX + offset, Y: y}
		nodes = append(nodes, n)
		edges = append(edges, Edge{ID: uuid.NewString(), Source: prev, Target: n.ID, Label: verb})
		prev = n.ID
		y += levelGap
	}

	end := Node{ID: uuid.NewString(), Type: End, Label: "Summary", X: centerX, Y: y + 50}
	nodes = append(nodes, end)
	edges = append(edges, Edge{ID: uuid.NewString(), Source: prev, Target: end.ID})

	title := truncate(topic, 50)
	if title == "" {
		title = "Learning Flowchart"
	}
	return Flowchart{
		Title:       title,
		Description: "Visual representation of the learning conversation",
		Nodes:       nodes,
		Edges:       edges,
		Fallback:    true,
	}
}

// Mermaid renders the chart as a top-down Mermaid flowchart.
func Mermaid(f Flowchart) string {
	ids := make(map[string]string, len(f.Nodes))
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for i, n := range f.Nodes {
		id := fmt.Sprintf("n%d", i)
		ids[n.ID] = id
		label := mermaidEscape(n.Label)
		switch n.Type {
		case Start, End:
			fmt.Fprintf(&b, "  %s([\"%s\"])\n", id, label)
		case Decision:
			fmt.Fprintf(&b, "  %s{\"%s\"}\n", id, label)
		default:
			fmt.Fprintf(&b, "  %s[\"%s\"]\n", id, label)
		}
	}
	for _, e := range f.Edges {
		src, okS := ids[e.Source]
		dst, okT := ids[e.Target]
		if !okS || !okT {
			continue
		}
		if e.Label != "" {
			fmt.Fprintf(&b, "  %s -->|%s| %s\n", src, mermaidEscape(e.Label), dst)
		} else {
			fmt.Fprintf(&b, "  %s --> %s\n", src, dst)
		}
	}
	return b.String()
}

func buildPrompt(messages []tutor.Message) string {
	parts := make([]string, 0, maxMessages)
	for i, m := range messages[:min(len(messages), maxMessages)] {
		prefix := "Answer"
		if m.Role == tutor.RoleUser {
			prefix = "Question"
		}
		parts = append(parts, fmt.Sprintf("%s %d:\n%s", prefix, i+1, truncate(m.Content, maxMessageChars)))
	}

	return `Turn the conversation below into a learning flowchart that reads top to bottom.

CONVERSATION:
` + strings.Join(parts, "\n\n---\n\n") + `

Layout:
- exactly one "start" node at y=80 near x=450 for the main question
- 2-4 "topic" nodes, then 5-12 "concept" nodes, 0-2 "decision" nodes only for real comparisons
- exactly one "end" node with the largest y
- levels 140px apart on y, siblings at least 180px apart on x, x within 100..800
- labels of 15-30 characters and a description on every node
- edges point from parent to child only, never upward, never to the same node
- edge labels are short verbs such as "explains" or "leads to", never "connected to"

Return only this JSON object:
{
  "title": "5-8 word title",
  "description": "what the chart covers",
  "nodes": [{"id": "node-1", "type": "start", "label": "Main Topic", "description": "...", "position": {"x": 450, "y": 80}}],
  "edges": [{"id": "edge-1", "source": "node-1", "target": "node-2", "label": "explores"}]
}`
}

func mainTopic(messages []tutor.Message) string {
	if len(messages) == 0 || strings.TrimSpace(messages[0].Content) == "" {
		return "Learning Session"
	}
	return truncate(strings.TrimSpace(messages[0].Content), 50)
}

func mermaidEscape(s string) string {
	s = strings.ReplaceAll(s, "\"", "#quot;")
	s = strings.ReplaceAll(s, "|", "#124;")
	return strings.ReplaceAll(s, "\n", " ")
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
