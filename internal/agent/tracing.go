package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelwildary2025/novo-agente/internal/providers"
)

func (a *Agent) startLLMSpan(ctx context.Context, key string, messages []providers.Message) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "agent.generate", trace.WithAttributes(
		attribute.String("conversation.key", key),
		attribute.String("llm.provider", a.provider.Name()),
		attribute.String("llm.model", a.model),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.estimated_tokens", EstimateTokens(messages)),
	))
}

func (a *Agent) endLLMSpan(span trace.Span, start time.Time, resp *providers.ChatResponse, callErr error) {
	defer span.End()

	span.SetAttributes(attribute.Int64("llm.duration_ms", a.now().Sub(start).Milliseconds()))
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.String("llm.output_preview", truncateStr(resp.Content, 500)),
	)
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
		)
	}
}

// truncateStr cuts s to maxLen runes, appending "..." when shortened.
func truncateStr(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// EstimateTokens gives a rough token count (chars / 3).
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 3
	}
	return total
}
