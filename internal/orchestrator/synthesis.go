package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-bletchley/bletchley/internal/llm"
)

const synthesisPrompt = "Research time is up. Using only the information gathered so far, " +
	"write the final report for the original question. Do not request any more tools."

// synthesize turns the model's final answer into the report. When the loop
// stopped at the iteration cap there is no answer yet, so the model is asked
// once more, without tools.
func (r *run) synthesize(answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		ctx, span := r.o.tracer.Start(r.ctx, "research.synthesis",
			trace.WithAttributes(attribute.Int("sources", len(r.sources))))
		defer span.End()

		msgs := append(append([]llm.Message(nil), r.messages...), llm.UserMessage(synthesisPrompt))
		completion, err := r.o.model.Complete(ctx, msgs, nil)
		if err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("synthesis: %w", err)
		}
		answer = strings.TrimSpace(completion.Content)
		if answer == "" {
			return "", fmt.Errorf("synthesis: %w", &llm.Error{Kind: llm.ErrResponseMalformed, Err: errors.New("empty report")})
		}
	}
	return buildReport(answer, r.sources), nil
}

func buildReport(answer string, sources []sourceRef) string {
	if len(sources) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\n## Sources\n")
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "\n%d. [%s](%s)", i+1, title, s.URL)
	}
	return b.String()
}
