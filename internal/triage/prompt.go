package triage

import (
	"fmt"
	"strings"

	"github.com/kalambet/replydesk/internal/engine"
)

const systemPrompt = `You are a helpdesk triage engine. Read the customer email and pick the topic tags that apply. Your output must be ONLY a single JSON object of the form {"tags": [...]}. Do not include any other text, prose, or markdown.

Rules:
- Use only tags from the allowed list. Never invent tags.
- Pick every tag that clearly applies, and none when nothing fits.`

// maxBodyRunes bounds the email text sent to the model.
const maxBodyRunes = 4000

// BuildPrompt constructs the chat messages for classifying one email.
func BuildPrompt(subject, body string, tags []string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	fmt.Fprintf(&sb, "\n\nAllowed tags: %s", strings.Join(tags, ", "))

	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes])
	}

	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: fmt.Sprintf("Subject: %s\n\n%s", subject, body)},
	}
}
