package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/clinicrelay/internal/anthropic"
	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Completer is the LLM call the executor needs.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

// LLMExecutor runs each stage as one completion with a stage-specific
// system prompt.
type LLMExecutor struct {
	llm       Completer
	maxTokens int
	logger    *slog.Logger
}

func NewLLMExecutor(llm Completer, logger *slog.Logger) *LLMExecutor {
	return &LLMExecutor{llm: llm, maxTokens: 1024, logger: logger}
}

func (e *LLMExecutor) Execute(ctx context.Context, stage string, in Input) (string, error) {
	system, ok := stageSystemPrompts[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}

	messages := []anthropic.Message{
		{Role: "user", Content: RenderInput(in)},
	}

	e.logger.Debug("running stage",
		"stage", stage,
		"correspondent", in.Message.Correspondent,
		"prior_stages", len(in.Prior),
	)

	out, err := e.llm.Complete(ctx, system, messages, e.maxTokens)
	if err != nil {
		return "", fmt.Errorf("llm %s: %w", stage, err)
	}
	return out, nil
}

// RenderInput formats a stage input as the user turn of a completion.
func RenderInput(in Input) string {
	workflow := in.Workflow
	if workflow == "" {
		workflow = "-"
	}
	return fmt.Sprintf(stageUserPrompt,
		in.Message.Content,
		in.Destination,
		workflow,
		renderHistory(in.History),
		renderPrior(in.Prior),
	)
}

func renderHistory(turns []chat.HistoryEntry) string {
	if len(turns) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, t := range turns {
		who := string(t.Role)
		if t.Human {
			who = "staff"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", who, t.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderPrior(outputs []chat.StageOutput) string {
	if len(outputs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, o := range outputs {
		fmt.Fprintf(&sb, "### %s\n%s\n\n", o.Stage, o.Output)
	}
	return strings.TrimRight(sb.String(), "\n")
}
