// Package composer assembles the chat messages sent to the completion
// service when drafting a reply.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/replydesk/internal/completion"
	"github.com/kalambet/replydesk/internal/storage"
)

const defaultMaxContextTokens = 6000

const baseInstruction = "You are a customer support agent drafting a reply to the customer's latest email. " +
	"Write only the reply body, ready to send. Do not invent order details, policies, or promises that are not given below."

// Composer builds draft prompts within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for the whole prompt.
// If maxContextTokens <= 0, the default (6000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Input is everything a draft prompt is built from.
type Input struct {
	Directives []string
	Knowledge  []storage.KnowledgeItem
	// Exemplars are ordered most relevant first.
	Exemplars []storage.Exemplar
	// Thread holds the prior messages, oldest first. The incoming message is
	// skipped if it appears here.
	Thread   []storage.Message
	Incoming storage.Message
}

// Prompt is the composed request along with what survived the budget.
type Prompt struct {
	Messages     []completion.Message
	ExemplarIDs  []string
	KnowledgeIDs []string
	// ThreadDropped counts prior messages left out to fit the budget.
	ThreadDropped int
}

// Compose lays the prompt out as: one system message with directives and
// knowledge, the exemplars as few-shot pairs, the thread history
// (inbound as user, outbound as assistant), and finally the incoming email.
// When over budget the oldest thread messages go first, then the
// lowest-ranked exemplars. The system and incoming messages are always kept.
func (c *Composer) Compose(in Input) Prompt {
	system := completion.Message{Role: completion.RoleSystem, Content: buildSystem(in.Directives, in.Knowledge)}
	incoming := completion.Message{Role: completion.RoleUser, Content: formatIncoming(in.Incoming)}

	thread := make([]storage.Message, 0, len(in.Thread))
	for _, m := range in.Thread {
		if in.Incoming.ID != "" && m.ID == in.Incoming.ID {
			continue
		}
		thread = append(thread, m)
	}
	exemplars := in.Exemplars

	used := EstimateTokens(system.Content) + EstimateTokens(incoming.Content)
	for _, m := range thread {
		used += EstimateTokens(m.Body)
	}
	for _, ex := range exemplars {
		used += exemplarTokens(ex)
	}

	dropped := 0
	for used > c.MaxContextTokens && len(thread) > 0 {
		used -= EstimateTokens(thread[0].Body)
		thread = thread[1:]
		dropped++
	}
	for used > c.MaxContextTokens && len(exemplars) > 0 {
		used -= exemplarTokens(exemplars[len(exemplars)-1])
		exemplars = exemplars[:len(exemplars)-1]
	}

	p := Prompt{ThreadDropped: dropped}
	p.Messages = append(p.Messages, system)
	for _, ex := range exemplars {
		p.Messages = append(p.Messages,
			completion.Message{Role: completion.RoleUser, Content: exemplarCue},
			completion.Message{Role: completion.RoleAssistant, Content: strings.TrimSpace(ex.Body)},
		)
		p.ExemplarIDs = append(p.ExemplarIDs, ex.ID)
	}
	for _, m := range thread {
		role := completion.RoleUser
		if m.Direction == storage.DirectionOutbound {
			role = completion.RoleAssistant
		}
		p.Messages = append(p.Messages, completion.Message{Role: role, Content: strings.TrimSpace(m.Body)})
	}
	p.Messages = append(p.Messages, incoming)
	for _, k := range in.Knowledge {
		p.KnowledgeIDs = append(p.KnowledgeIDs, k.ID)
	}
	return p
}

const exemplarCue = "Example of a reply we sent before. Match its tone and structure, not its facts."

func exemplarTokens(ex storage.Exemplar) int {
	return EstimateTokens(exemplarCue) + EstimateTokens(ex.Body)
}

func buildSystem(directives []string, knowledge []storage.KnowledgeItem) string {
	var sb strings.Builder
	sb.WriteString(baseInstruction)

	if len(directives) > 0 {
		sb.WriteString("\n\n[Directives]\n")
		for _, d := range directives {
			sb.WriteString("- ")
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}

	var verbatim, paraphrase []storage.KnowledgeItem
	for _, k := range knowledge {
		if k.CanParaphrase {
			paraphrase = append(paraphrase, k)
		} else {
			verbatim = append(verbatim, k)
		}
	}
	if len(verbatim) > 0 {
		sb.WriteString("\n[Knowledge: include verbatim]\n")
		sb.WriteString("If relevant, quote these passages exactly as written.\n")
		for _, k := range verbatim {
			writeKnowledge(&sb, k)
		}
	}
	if len(paraphrase) > 0 {
		sb.WriteString("\n[Knowledge: may paraphrase]\n")
		sb.WriteString("Use these facts; wording may be adapted.\n")
		for _, k := range paraphrase {
			writeKnowledge(&sb, k)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeKnowledge(sb *strings.Builder, k storage.KnowledgeItem) {
	fmt.Fprintf(sb, "### %s\n%s\n", k.Title, strings.TrimSpace(k.Body))
}

func formatIncoming(m storage.Message) string {
	var sb strings.Builder
	sb.WriteString("Draft a reply to this email.\n\n")
	if m.From != "" {
		fmt.Fprintf(&sb, "From: %s\n", m.From)
	}
	if m.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", m.Subject)
	}
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(m.Body))
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
