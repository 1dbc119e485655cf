// Package joiner synthesizes a final answer from executed task results
// and decides whether the run is complete or needs another planning
// round.
package joiner

import (
	"context"
	"fmt"
	"strings"

	"github.com/llmc-go/llmc/internal/bus"
	"github.com/llmc-go/llmc/internal/llm"
	"github.com/llmc-go/llmc/internal/runlog"
	"github.com/llmc-go/llmc/internal/types"
)

const joinPromptTemplate = `Synthesize task execution results into a coherent response.

Original user query: %s

Task execution results:
%s

Please provide a comprehensive, well-structured response that addresses the user's original query based on these task results.
Be specific about what was accomplished and provide any relevant details from the task outputs.`

const shouldContinuePromptTemplate = `Determine whether a task execution is complete or needs re-planning.

Original user query: %s

Current response: %s

Based on the original query and the current response, decide if:
1. The task is COMPLETE and satisfactory (return "END")
2. The task needs RE-PLANNING because something is missing or incorrect (return "REPLAN")

Consider:
- Does the response fully address the user's query?
- Are there any obvious gaps or issues?
- Would additional tasks improve the result?

Respond with only "END" or "REPLAN".`

// Decision is the joiner's verdict on whether a run is complete.
type Decision string

const (
	DecisionEnd    Decision = "END"
	DecisionReplan Decision = "REPLAN"
)

// Joiner synthesizes a final answer and decides whether to replan.
type Joiner struct {
	llm *llm.Client
	bus *bus.Bus
}

// New creates a Joiner bound to an LLM client. b may be nil — it is
// no-op-safe.
func New(llmClient *llm.Client, b *bus.Bus) *Joiner {
	return &Joiner{llm: llmClient, bus: b}
}

// Join synthesizes a final-answer Message from the accumulated task
// results in state, then asks the LLM whether the run is complete.
// When no tasks were executed at all, it short-circuits with a fixed
// "no tasks were executed" summary rather than calling the LLM twice
// over an empty results set. rlog may be nil — all Log methods are
// nil-safe.
func (j *Joiner) Join(ctx context.Context, state types.State, rlog *runlog.Log) (types.Message, Decision, error) {
	results := state.TaskResults()
	if len(results) == 0 {
		msg := types.NewAssistantMessage("No tasks were executed.")
		if j.bus != nil {
			j.bus.Publish(bus.Event{Kind: bus.KindJoined, Detail: msg.Text})
		}
		return msg, DecisionEnd, nil
	}

	query := state.LatestUserQuery()
	resultsText := state.ResultsText()

	joinPrompt := fmt.Sprintf(joinPromptTemplate, query, resultsText)
	answer, err := j.llm.Complete(ctx, joinPrompt)
	if err != nil {
		return types.Message{}, "", fmt.Errorf("joiner: synthesize: %w", err)
	}
	answer = strings.TrimSpace(llm.StripFences(answer))
	msg := types.NewAssistantMessage(answer)

	decisionPrompt := fmt.Sprintf(shouldContinuePromptTemplate, query, answer)
	verdict, err := j.llm.Complete(ctx, decisionPrompt)
	if err != nil {
		return types.Message{}, "", fmt.Errorf("joiner: should_continue: %w", err)
	}

	decision := DecisionEnd
	if strings.Contains(strings.ToUpper(verdict), string(DecisionReplan)) {
		decision = DecisionReplan
	}

	if j.bus != nil {
		kind := bus.KindJoined
		if decision == DecisionReplan {
			kind = bus.KindReplan
		}
		j.bus.Publish(bus.Event{Kind: kind, Detail: answer})
	}
	if decision == DecisionReplan {
		rlog.Replan(0, state.MaxExistingIdx())
	}

	return msg, decision, nil
}
