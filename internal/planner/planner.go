// Package planner builds the plan/replan prompt, streams the LLM's
// completion through the plan parser, and yields Tasks on a channel as
// soon as each is recognized — the mechanism that lets the scheduler
// start executing before planning has finished.
package planner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/llmc-go/llmc/internal/bus"
	"github.com/llmc-go/llmc/internal/llm"
	"github.com/llmc-go/llmc/internal/planparser"
	"github.com/llmc-go/llmc/internal/runlog"
	"github.com/llmc-go/llmc/internal/tools"
	"github.com/llmc-go/llmc/internal/types"
)

const planPromptTemplate = `Given a user query, create a plan to solve it with the utmost parallelism.

The plan should comprise a sequence of actions from the following %d types:
%s

USER QUERY: %s

IMPORTANT: Use exact tool names: %s

GUIDELINES:
- Each action's description lists its parameters; adhere strictly to them.
- Each action MUST have a unique ID, strictly increasing.
- Inputs can be constants or outputs from preceding actions: use $N to
  reference task N's output.
- Maximize parallelism: independent tasks must not depend on each other.
- Only use the provided action types.

Format: N. tool_name(param='value', other='$N') (deps: [1, 2, 3])`

const replanPromptTemplate = `The previous execution was insufficient to fully address the user's query.
Create a new plan that builds upon the current results.

The plan should comprise a sequence of actions from the following %d types:
%s

USER QUERY: %s

PREVIOUS EXECUTION RESULTS:
%s

CURRENT RESPONSE: %s

IMPORTANT: Use exact tool names: %s

GUIDELINES:
- Build upon the existing results; address gaps or issues identified.
- Each action MUST have a unique ID, strictly increasing and strictly
  greater than %d (the highest index already executed).
- Inputs can be constants or outputs from preceding actions: use $N to
  reference task N's output, including tasks from the previous round.
- Maximize parallelism.

Format: N. tool_name(param='value', other='$N') (deps: [1, 2, 3])`

// Planner streams a plan (or replan) into Tasks.
type Planner struct {
	llm      *llm.Client
	registry *tools.Registry
	bus      *bus.Bus
}

// New creates a Planner bound to an LLM client and a tool registry.
// b may be nil — it is no-op-safe.
func New(llmClient *llm.Client, registry *tools.Registry, b *bus.Bus) *Planner {
	return &Planner{llm: llmClient, registry: registry, bus: b}
}

// Stream builds the appropriate prompt (plan or replan, depending on
// state.NeedsReplan having been set by a prior joiner round — the
// caller passes replan explicitly so the planner stays stateless across
// rounds), calls the LLM's streaming completion API, and yields each
// newly-recognized Task on the returned channel in order of first
// appearance in the stream. The channel is closed when the LLM stream
// ends, after flushing any trailing non-newline-terminated line. rlog
// may be nil — all Log methods are nil-safe.
func (p *Planner) Stream(ctx context.Context, state types.State, replan bool, rlog *runlog.Log) (<-chan types.Task, error) {
	prompt := p.buildPrompt(state, replan)
	chunks, err := p.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	out := make(chan types.Task, 8)
	go func() {
		defer close(out)

		parser := planparser.New()
		var buf strings.Builder
		var flushed string // last-flushed buffer content, so trailing partial lines get one final pass

		for chunk := range chunks {
			buf.WriteString(chunk.Content)
			flushed = buf.String()
			// While the stream is open, only newline-terminated lines are
			// parsed; a partial last line waits for further chunks.
			if nl := strings.LastIndex(flushed, "\n"); nl >= 0 {
				for _, task := range parser.FeedLines(flushed[:nl+1]) {
					p.emit(ctx, out, task, rlog)
				}
			}
		}
		// Flush the trailing line even if it never ended in a newline.
		if !strings.HasSuffix(flushed, "\n") {
			for _, task := range parser.FeedLines(flushed + "\n") {
				p.emit(ctx, out, task, rlog)
			}
		}
	}()

	return out, nil
}

// emit filters a parsed Task against the registered tool set (dropping
// unknown tools) before publishing progress and sending it
// downstream. The join sentinel is always allowed through — the
// scheduler, not the planner, is responsible for not dispatching it.
func (p *Planner) emit(ctx context.Context, out chan<- types.Task, task types.Task, rlog *runlog.Log) {
	if !task.IsJoin() {
		if _, ok := p.registry.Get(task.Tool); !ok {
			log.Printf("[PLAN] dropping task %d: unknown tool %q", task.Idx, task.Tool)
			return
		}
	}
	if p.bus != nil {
		p.bus.Publish(bus.Event{Kind: bus.KindPlanned, Idx: task.Idx, Tool: task.Tool})
	}
	rlog.Planned(task.Idx, task.Tool, task.Dependencies)
	select {
	case out <- task:
	case <-ctx.Done():
	}
}

func (p *Planner) buildPrompt(state types.State, replan bool) string {
	descriptions := p.toolDescriptions()
	names := strings.Join(p.registry.Names(), ", ")
	query := state.LatestUserQuery()

	if !replan {
		return fmt.Sprintf(planPromptTemplate, len(p.registry.Names()), descriptions, query, names)
	}

	return fmt.Sprintf(replanPromptTemplate,
		len(p.registry.Names()), descriptions, query,
		state.ResultsText(), state.LatestAssistantResponse(), names,
		state.MaxExistingIdx())
}

func (p *Planner) toolDescriptions() string {
	var b strings.Builder
	for i, tool := range p.registry.All() {
		fmt.Fprintf(&b, "%d. %s: %s\n   Parameters: %s\n", i+1, tool.Name(), tool.Description(), paramList(tool.InputSchema()))
	}
	return b.String()
}

func paramList(schema tools.Schema) string {
	if len(schema) == 0 {
		return "none"
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := schema[name]
		req := "optional"
		if p.Required {
			req = "required"
		}
		parts = append(parts, fmt.Sprintf("%s (%s, %s)", name, p.Type, req))
	}
	return strings.Join(parts, ", ")
}
