package agent

import (
	"strings"

	"github.com/samuelwildary2025/novo-agente/internal/providers"
	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// buildMessages constructs the full message list for an LLM request:
// system prompt, trimmed history, then the current user message.
func (a *Agent) buildMessages(history []store.SessionMessage, userMessage string) []providers.Message {
	var messages []providers.Message

	if strings.TrimSpace(a.systemPrompt) != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: a.systemPrompt,
		})
	}

	msgs := make([]providers.Message, 0, len(history))
	for _, h := range history {
		msgs = append(msgs, providers.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, sanitizeHistory(limitHistoryTurns(msgs, a.historyLimit))...)

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: userMessage,
	})
	return messages
}

// limitHistoryTurns keeps only the last N user turns (and the assistant
// messages that follow each). A "turn" = one user message plus all
// subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory drops blank and unknown-role entries and merges
// consecutive messages of the same role. Operator echoes are stored as
// assistant turns, so two assistant messages in a row are common.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	var result []providers.Message
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if n := len(result); n > 0 && result[n-1].Role == m.Role {
			result[n-1].Content += "\n" + content
			continue
		}
		result = append(result, providers.Message{Role: m.Role, Content: content})
	}
	return result
}
