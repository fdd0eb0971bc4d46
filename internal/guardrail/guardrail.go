// Package guardrail steers generation with tone, rules and topic instructions
// and rejects drafts that contain banned phrases.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/replydesk/internal/apperr"
)

// TopicRule attaches an instruction to replies on tickets carrying Tag.
type TopicRule struct {
	Tag         string `json:"tag" yaml:"tag"`
	Instruction string `json:"instruction" yaml:"instruction"`
}

// Config is one guardrail configuration. It is passed explicitly to every
// call that needs it.
type Config struct {
	ToneStyle   string      `json:"tone_style" yaml:"tone_style"`
	Rules       string      `json:"rules" yaml:"rules"`
	BannedWords []string    `json:"banned_words" yaml:"banned_words"`
	TopicRules  []TopicRule `json:"topic_rules" yaml:"topic_rules"`
}

// IsZero reports whether the configuration carries no guardrails at all.
func (c Config) IsZero() bool {
	return strings.TrimSpace(c.ToneStyle) == "" && strings.TrimSpace(c.Rules) == "" &&
		len(c.BannedWords) == 0 && len(c.TopicRules) == 0
}

// Normalize trims every field and drops empty and duplicate banned phrases.
// It fails when a topic rule lacks a tag or an instruction.
func (c Config) Normalize() (Config, error) {
	out := Config{
		ToneStyle: strings.TrimSpace(c.ToneStyle),
		Rules:     strings.TrimSpace(c.Rules),
	}
	seen := make(map[string]bool, len(c.BannedWords))
	for _, w := range c.BannedWords {
		w = strings.TrimSpace(w)
		key := strings.ToLower(w)
		if w == "" || seen[key] {
			continue
		}
		seen[key] = true
		out.BannedWords = append(out.BannedWords, w)
	}
	for i, r := range c.TopicRules {
		r.Tag = strings.TrimSpace(r.Tag)
		r.Instruction = strings.TrimSpace(r.Instruction)
		if r.Tag == "" || r.Instruction == "" {
			return Config{}, apperr.NewValidationError(fmt.Sprintf("topic_rules[%d]", i), "tag and instruction are required")
		}
		out.TopicRules = append(out.TopicRules, r)
	}
	return out, nil
}

func (c Config) clone() Config {
	cp := c
	if c.BannedWords != nil {
		cp.BannedWords = append([]string(nil), c.BannedWords...)
	}
	if c.TopicRules != nil {
		cp.TopicRules = append([]TopicRule(nil), c.TopicRules...)
	}
	return cp
}

// Directives returns the generation directives for a ticket whose topic
// context (ticket tags plus matched knowledge tags) is topics. Tone and rules
// always come first; matching topic instructions follow in configuration
// order. Tags compare case-insensitively.
func Directives(cfg Config, topics []string) []string {
	var out []string
	if tone := strings.TrimSpace(cfg.ToneStyle); tone != "" {
		out = append(out, "Tone and style: "+tone)
	}
	if rules := strings.TrimSpace(cfg.Rules); rules != "" {
		out = append(out, "Rules: "+rules)
	}

	present := make(map[string]bool, len(topics))
	for _, t := range topics {
		present[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, r := range cfg.TopicRules {
		if present[strings.ToLower(strings.TrimSpace(r.Tag))] {
			out = append(out, r.Instruction)
		}
	}
	return out
}

// Result is the outcome of validating a draft.
type Result struct {
	Accepted bool     `json:"accepted"`
	Reasons  []string `json:"reasons,omitempty"`
	// SanitizedText is the draft with banned phrases masked. It is for
	// display and is never sent on the caller's behalf.
	SanitizedText string `json:"sanitized_text,omitempty"`
}

const mask = "[removed]"

// Validate scans draftText for banned phrases. Matching is a literal,
// case-insensitive substring test: a paraphrase that avoids the exact phrase
// is accepted. Each phrase found is listed once in Reasons.
func Validate(cfg Config, draftText string) Result {
	lower := strings.ToLower(draftText)
	res := Result{Accepted: true}
	sanitized := draftText
	for _, phrase := range cfg.BannedWords {
		p := strings.TrimSpace(phrase)
		if p == "" || !strings.Contains(lower, strings.ToLower(p)) {
			continue
		}
		res.Accepted = false
		res.Reasons = append(res.Reasons, p)
		sanitized = regexp.MustCompile("(?i)"+regexp.QuoteMeta(p)).ReplaceAllString(sanitized, mask)
	}
	if !res.Accepted {
		res.SanitizedText = sanitized
	}
	return res
}
