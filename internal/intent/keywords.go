package intent

import "sakha/internal/persona"

// keywords maps each detectable mode to its phrases. A match scores the phrase's word count.
var keywords = map[persona.Mode][]string{
	persona.Standard: {
		"learn", "understand", "explain", "how does", "what is", "why",
		"teach me", "tell me about", "concept", "theory", "definition",
		"what are", "how to", "can you explain", "help me understand",
		"show me", "describe", "elaborate", "clarify", "demonstrate",
	},
	persona.Mentor: {
		"homework", "stuck", "help me", "confused", "don't understand",
		"struggling", "hard to", "difficult", "explain like", "eli5",
		"simple terms", "basics", "beginner", "i need help", "can you help",
		"not sure", "lost", "don't get it", "step by step", "guide me",
		"walk me through", "break it down", "simplify", "make it easier",
	},
	persona.Cosmic: {
		"space", "universe", "cosmic", "alien", "sci-fi", "star wars",
		"star trek", "galaxy", "astronomical", "interstellar", "nebula",
		"black hole", "quantum", "multiverse", "dimension", "wormhole",
		"celestial", "planetary", "orbital", "asteroid", "comet",
	},
	persona.Ayanokoji: {
		"efficient", "optimal", "calculate", "strategic", "manipulate",
		"psychology", "tactical", "logical", "rational", "minimize",
		"maximize", "optimize", "best way", "most effective", "smartest",
		"analytical", "systematic", "methodical", "precise", "exact",
	},
	persona.Innovator: {
		"innovate", "disrupt", "breakthrough", "revolutionary", "transform",
		"reimagine", "what if", "future", "invent", "create", "design",
		"10x", "moonshot", "first principles", "paradigm shift",
		"game changer", "next generation", "cutting edge", "groundbreaking",
		"pioneer", "radical", "unconventional", "bold idea", "visionary",
		"startup",
	},
	persona.Strategist: {
		"decide", "choice", "should i", "option", "trade-off", "risk",
		"probability", "odds", "chance", "decision", "weigh", "compare",
		"pros and cons", "expected value", "scenario", "outcome", "strategy",
		"planning", "analyze", "evaluate", "assess", "consider alternatives",
		"best option", "make a decision", "which one", "better choice",
	},
	persona.Devil: {
		"challenge", "debate", "argue", "oppose", "counter", "critique",
		"weakness", "flaw", "assumption", "prove me wrong", "disagree",
		"test my idea", "play devil's advocate", "what's wrong with",
		"criticism", "skeptical", "question", "doubt", "refute",
		"contradiction", "logical fallacy", "poke holes", "scrutinize",
	},
	persona.Brainstorm: {
		"ideas", "brainstorm", "creative", "generate", "think of",
		"possibilities", "what could", "alternatives", "variations",
		"wild ideas", "out of the box", "lateral thinking", "ideate",
		"conceptualize", "imagine", "envision", "dream up", "come up with",
		"suggestions", "options", "ways to", "different approaches",
	},
	persona.Coach: {
		"feeling", "should i", "life", "career", "personal", "growth",
		"purpose", "values", "meaning", "direction", "reflection",
		"stuck in life", "what should i do", "self-help", "motivation",
		"confidence", "goals", "dreams", "aspirations", "fulfillment",
		"happiness", "balance", "wellbeing", "mindset", "perspective",
		"advice", "guidance", "support", "encouragement", "inspiration",
	},
	persona.Scientist: {
		"research", "study", "experiment", "hypothesis", "test", "prove",
		"evidence", "data", "scientific", "empirical", "method", "analysis",
		"investigate", "measure", "observe", "validate", "verify",
		"peer review", "findings", "results", "conclusion", "theory",
		"systematic", "controlled", "variable", "correlation", "causation",
	},
	persona.Storyteller: {
		"tell me a story", "example", "case study", "history of", "how did",
		"narrative", "metaphor", "analogy", "illustrate", "story", "tale",
		"anecdote", "parable", "fable", "legend", "chronicle", "describe how",
		"walk me through", "paint a picture", "give me an example",
		"real world", "practical example",
	},
	persona.Drill: {
		"push me", "discipline", "focus", "no excuses", "tough love",
		"accountability", "strict", "force me", "make me", "drill",
		"intense", "hardcore", "demanding", "rigorous", "challenge me",
		"be tough", "be hard on me", "don't let me slack",
		"hold me accountable", "no mercy", "boot camp", "train me",
		"whip me into shape",
	},
}

type boost struct {
	pattern string
	weight  int
	modes   []persona.Mode
}

// boosts correct for phrasings the keyword lists miss.
var boosts = []boost{
	{pattern: `my life|career path|personal growth|should i`, weight: 3, modes: []persona.Mode{persona.Coach}},
	{pattern: `should i|which one|better option|decide between`, weight: 3, modes: []persona.Mode{persona.Strategist}},
	{pattern: `ideas for|creative|story|write|imagine`, weight: 2, modes: []persona.Mode{persona.Brainstorm, persona.Storyteller}},
	{pattern: `challenge|wrong with|critique|devil's advocate`, weight: 3, modes: []persona.Mode{persona.Devil}},
	{pattern: `research|study|hypothesis|experiment|data`, weight: 3, modes: []persona.Mode{persona.Scientist}},
	{pattern: `innovate|disrupt|startup|revolutionary|10x`, weight: 3, modes: []persona.Mode{persona.Innovator}},
}

var reasons = map[persona.Mode]string{
	persona.Standard:    "General learning question detected",
	persona.Mentor:      "Detected help-seeking language and need for guidance",
	persona.Cosmic:      "Detected space/sci-fi interest",
	persona.Ayanokoji:   "Detected logical/strategic thinking",
	persona.Innovator:   "🚀 Detected innovation/creative thinking keywords",
	persona.Strategist:  "🎲 Detected decision-making/probabilistic thinking",
	persona.Devil:       "😈 Detected need for critical analysis and challenge",
	persona.Brainstorm:  "💡 Detected brainstorming/ideation intent",
	persona.Coach:       "🧘 Detected personal growth/life guidance needs",
	persona.Scientist:   "🔬 Detected research/scientific inquiry",
	persona.Storyteller: "📖 Detected storytelling/narrative preference",
	persona.Drill:       "💪 Detected need for discipline/tough motivation",
}

const (
	reasonTooShort = "Message too short to detect intent - using clean mode"
	reasonWeak     = "No strong mode detected - using clean mode for natural conversation"
)
