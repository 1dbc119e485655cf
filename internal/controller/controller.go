// Package controller drives the plan → schedule → join state machine:
// one round plans and dispatches tasks, the joiner synthesizes an
// answer and decides whether another round is needed, and the whole
// cycle is bounded so a query can never replan forever.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmc-go/llmc/internal/bus"
	"github.com/llmc-go/llmc/internal/joiner"
	"github.com/llmc-go/llmc/internal/planner"
	"github.com/llmc-go/llmc/internal/runlog"
	"github.com/llmc-go/llmc/internal/scheduler"
	"github.com/llmc-go/llmc/internal/types"
)

// DefaultMaxReplanRounds bounds how many times the joiner may request
// another planning round before the controller gives up and returns
// whatever answer it has.
const DefaultMaxReplanRounds = 3

// Controller wires a Planner, Scheduler, and Joiner into one run loop.
type Controller struct {
	planner    *planner.Planner
	scheduler  *scheduler.Scheduler
	joiner     *joiner.Joiner
	bus        *bus.Bus
	logs       *runlog.Registry
	maxReplans int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxReplanRounds overrides DefaultMaxReplanRounds.
func WithMaxReplanRounds(n int) Option {
	return func(c *Controller) { c.maxReplans = n }
}

// New creates a Controller. b and logs may be nil — both are
// no-op-safe throughout the component tree.
func New(p *planner.Planner, s *scheduler.Scheduler, j *joiner.Joiner, b *bus.Bus, logs *runlog.Registry, opts ...Option) *Controller {
	c := &Controller{planner: p, scheduler: s, joiner: j, bus: b, logs: logs, maxReplans: DefaultMaxReplanRounds}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one user query end to end: plan, schedule, join, and
// replan up to the configured bound. It returns the final synthesized
// answer text.
func (c *Controller) Run(ctx context.Context, query string) (string, error) {
	runID := uuid.NewString()
	rlog := c.logs.Open(runID, query)
	status := "completed"
	defer func() { c.logs.Close(runID, status) }()

	state := types.State{
		Messages:       []types.Message{types.NewUserMessage(query)},
		ExecutionStart: time.Now(),
	}

	for round := 0; ; round++ {
		replan := round > 0
		if replan && c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindReplan, Detail: fmt.Sprintf("round %d", round)})
		}

		var err error
		state, err = c.planAndSchedule(ctx, state, replan, rlog)
		if err != nil {
			status = "error"
			return "", fmt.Errorf("controller: round %d: %w", round, err)
		}

		answer, decision, err := c.joiner.Join(ctx, state, rlog)
		if err != nil {
			status = "error"
			return "", fmt.Errorf("controller: join round %d: %w", round, err)
		}
		state.Messages = append(state.Messages, answer)

		if decision == joiner.DecisionEnd || round >= c.maxReplans {
			return answer.Text, nil
		}
		state.NeedsReplan = true
	}
}

// planAndSchedule runs one plan/schedule round: it streams tasks from
// the planner straight into the scheduler so execution starts before
// planning finishes, then appends the round's ToolMessages to state.
func (c *Controller) planAndSchedule(ctx context.Context, state types.State, replan bool, rlog *runlog.Log) (types.State, error) {
	tasks, err := c.planner.Stream(ctx, state, replan, rlog)
	if err != nil {
		return state, fmt.Errorf("plan: %w", err)
	}

	seed := state.TaskResults()
	toolMessages, err := c.scheduler.Run(ctx, tasks, seed, rlog)
	if err != nil {
		return state, fmt.Errorf("schedule: %w", err)
	}

	state.Messages = append(state.Messages, toolMessages...)
	return state, nil
}
