// Package intent scores free text against per-mode phrase tables and suggests a persona.
package intent

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"sakha/internal/persona"
)

// Config holds the heuristic constants. They are tunable, not load-bearing.
type Config struct {
	MinLength        int
	BaseConfidence   float64
	DominanceWeight  float64
	MaxConfidence    float64
	StrongScore      int
	StrongBonus      float64
	SuggestThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MinLength:        10,
		BaseConfidence:   0.3,
		DominanceWeight:  0.7,
		MaxConfidence:    0.95,
		StrongScore:      3,
		StrongBonus:      0.15,
		SuggestThreshold: 0.6,
	}
}

type Result struct {
	Mode       persona.Mode
	Confidence float64
	Reason     string
}

type phrase struct {
	re     *regexp.Regexp
	weight int
}

type compiledBoost struct {
	re     *regexp.Regexp
	weight int
	modes  []persona.Mode
}

// Detector is safe for concurrent use; all state is built once in NewDetector.
type Detector struct {
	cfg     Config
	order   []persona.Mode
	phrases map[persona.Mode][]phrase
	boosts  []compiledBoost
}

func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.BaseConfidence <= 0 {
		cfg.BaseConfidence = def.BaseConfidence
	}
	if cfg.DominanceWeight <= 0 {
		cfg.DominanceWeight = def.DominanceWeight
	}
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence > 1 {
		cfg.MaxConfidence = def.MaxConfidence
	}
	if cfg.StrongScore <= 0 {
		cfg.StrongScore = def.StrongScore
	}
	if cfg.StrongBonus <= 0 {
		cfg.StrongBonus = def.StrongBonus
	}
	if cfg.SuggestThreshold <= 0 {
		cfg.SuggestThreshold = def.SuggestThreshold
	}

	d := &Detector{
		cfg:     cfg,
		order:   persona.Detectable(),
		phrases: make(map[persona.Mode][]phrase, len(keywords)),
	}
	for mode, list := range keywords {
		compiled := make([]phrase, 0, len(list))
		for _, kw := range list {
			compiled = append(compiled, phrase{
				re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
				weight: len(strings.Split(kw, " ")),
			})
		}
		d.phrases[mode] = compiled
	}
	for _, b := range boosts {
		d.boosts = append(d.boosts, compiledBoost{
			re:     regexp.MustCompile(`(?i)\b(?:` + b.pattern + `)\b`),
			weight: b.weight,
			modes:  b.modes,
		})
	}
	return d
}

func (d *Detector) Config() Config { return d.cfg }

// Detect suggests a persona for text. It never looks at the conversation's current mode.
func (d *Detector) Detect(text string) Result {
	msg := strings.ToLower(strings.TrimSpace(text))
	if utf8.RuneCountInString(msg) < d.cfg.MinLength {
		return Result{Mode: persona.Clean, Confidence: d.cfg.BaseConfidence, Reason: reasonTooShort}
	}

	scores := d.score(msg)

	best := d.order[0]
	maxScore := scores[best]
	total := 0
	for _, m := range d.order {
		s := scores[m]
		total += s
		if s > maxScore {
			best, maxScore = m, s
		}
	}

	confidence := d.cfg.BaseConfidence
	if total > 0 {
		dominance := float64(maxScore) / float64(total)
		confidence = math.Min(d.cfg.MaxConfidence, d.cfg.BaseConfidence+dominance*d.cfg.DominanceWeight)
	}
	if maxScore >= d.cfg.StrongScore {
		confidence = math.Min(d.cfg.MaxConfidence, confidence+d.cfg.StrongBonus)
	}

	if confidence < d.cfg.SuggestThreshold || maxScore == 0 {
		return Result{Mode: persona.Clean, Confidence: confidence, Reason: reasonWeak}
	}
	return Result{Mode: best, Confidence: confidence, Reason: reasons[best]}
}

func (d *Detector) score(msg string) map[persona.Mode]int {
	scores := make(map[persona.Mode]int, len(d.order))
	for mode, list := range d.phrases {
		for _, p := range list {
			if p.re.MatchString(msg) {
				scores[mode] += p.weight
			}
		}
	}
	for _, b := range d.boosts {
		if !b.re.MatchString(msg) {
			continue
		}
		for _, m := range b.modes {
			scores[m] += b.weight
		}
	}
	return scores
}

// ShouldSuggest gates the suggestion banner: no manual pin, a real change and enough confidence.
func (d *Detector) ShouldSuggest(r Result, current persona.Mode, manualSelected bool) bool {
	if manualSelected {
		return false
	}
	if r.Mode == persona.Clean || r.Mode == current {
		return false
	}
	return r.Confidence >= d.cfg.SuggestThreshold
}
