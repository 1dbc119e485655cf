// Package scheduler implements the Task Fetching Unit: it
// consumes the planner's lazy task channel, dispatches ready tasks
// immediately, parks non-ready tasks behind a dependency waiter,
// resolves $N argument references at launch time against a shared,
// concurrency-safe result map, and aggregates completed tasks into
// ToolMessages ordered by idx.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmc-go/llmc/internal/bus"
	"github.com/llmc-go/llmc/internal/runlog"
	"github.com/llmc-go/llmc/internal/tools"
	"github.com/llmc-go/llmc/internal/types"
)

// DefaultRetryAfter is the default dependency-waiter polling interval.
const DefaultRetryAfter = 200 * time.Millisecond

var refRe = regexp.MustCompile(`\$\{?(\d+)\}?`)

// ErrCycleOrMissingDep is returned when the watchdog observes no
// progress across a full poll cycle while the task channel is closed —
// the case where the plan graph has a cycle or references a dependency
// that will never be produced.
type ErrCycleOrMissingDep struct {
	Pending []int
}

func (e *ErrCycleOrMissingDep) Error() string {
	return fmt.Sprintf("scheduler: cycle or missing dependency — tasks never became ready: %v", e.Pending)
}

// resultMap is a single-writer-per-key, concurrency-safe store keyed by
// task idx. Writes are insert-if-absent: once a key is set it is never
// overwritten: the first writer for a given idx wins.
type resultMap struct {
	mu   sync.RWMutex
	vals map[int]string
}

func newResultMap(seed map[int]string) *resultMap {
	vals := make(map[int]string, len(seed))
	for k, v := range seed {
		vals[k] = v
	}
	return &resultMap{vals: vals}
}

func (r *resultMap) get(idx int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vals[idx]
	return v, ok
}

func (r *resultMap) setIfAbsent(idx int, val string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vals[idx]; exists {
		return false
	}
	r.vals[idx] = val
	return true
}

func (r *resultMap) has(idx int) bool {
	_, ok := r.get(idx)
	return ok
}

func (r *resultMap) snapshot() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.vals))
	for k, v := range r.vals {
		out[k] = v
	}
	return out
}

// waiterSet tracks which task indices are currently blocked on an
// unmet dependency. Only membership here counts as "pending" for the
// watchdog: a task executing its tool call is never a waiter, and the
// watchdog also checks a separate in-flight-Invoke count before
// treating a non-empty waiterSet as stalled.
type waiterSet struct {
	mu  sync.Mutex
	idx map[int]bool
}

func newWaiterSet() *waiterSet {
	return &waiterSet{idx: make(map[int]bool)}
}

func (w *waiterSet) add(i int) {
	w.mu.Lock()
	w.idx[i] = true
	w.mu.Unlock()
}

func (w *waiterSet) remove(i int) {
	w.mu.Lock()
	delete(w.idx, i)
	w.mu.Unlock()
}

func (w *waiterSet) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.idx)
}

// pending returns the still-waiting task indices, sorted, for the
// diagnostic ErrCycleOrMissingDep carries.
func (w *waiterSet) pending() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.idx))
	for i := range w.idx {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Scheduler dispatches tasks concurrently with respect to their
// dependencies.
type Scheduler struct {
	registry   *tools.Registry
	bus        *bus.Bus
	retryAfter time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryAfter overrides the dependency-waiter polling interval.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.retryAfter = d }
}

// New creates a Scheduler bound to a tool registry. b may be nil — it
// is no-op-safe.
func New(registry *tools.Registry, b *bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{registry: registry, bus: b, retryAfter: DefaultRetryAfter}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes tasks until the channel closes, executes every non-join
// task exactly once respecting its dependencies, and returns one
// ToolMessage per executed task sorted by idx. seedResults pre-populates
// the result map with results from prior replan rounds: tasks whose idx
// is already present are treated as already completed and are not
// re-dispatched. rlog may be nil — all Log methods are nil-safe.
func (s *Scheduler) Run(ctx context.Context, tasks <-chan types.Task, seedResults map[int]string, rlog *runlog.Log) ([]types.Message, error) {
	results := newResultMap(seedResults)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var executed []types.Task // tasks this round actually dispatched (excludes join, excludes pre-seeded)

	var progressMu sync.Mutex
	lastProgress := time.Now()
	waiters := newWaiterSet()
	var executing int32 // count of goroutines currently inside a tool's Invoke call

	markProgress := func() {
		progressMu.Lock()
		lastProgress = time.Now()
		progressMu.Unlock()
	}

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	watchdogErrCh := make(chan error, 1)
	channelClosed := make(chan struct{})

	go s.watchdog(watchdogCtx, &progressMu, &lastProgress, waiters, &executing, channelClosed, watchdogErrCh)

	for task := range tasks {
		if task.IsJoin() {
			// join tasks are parser-level markers only; never dispatched.
			continue
		}
		if results.has(task.Idx) {
			// Already completed in a prior replan round.
			continue
		}

		mu.Lock()
		executed = append(executed, task)
		mu.Unlock()

		wg.Add(1)
		go func(t types.Task) {
			defer wg.Done()
			s.dispatch(ctx, t, results, waiters, &executing, markProgress, rlog)
		}(task)
	}
	close(channelClosed)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// A watchdog-detected stall returns immediately with whatever results
	// exist at that instant, rather than blocking until every dispatch
	// goroutine unwinds — those still parked on an unmet dependency only
	// exit once ctx itself is canceled, which may be well beyond this
	// run's own retryAfter-scaled patience.
	var runErr error
	select {
	case <-done:
	case runErr = <-watchdogErrCh:
	}

	mu.Lock()
	messages := partialMessages(executed, results)
	mu.Unlock()
	return messages, runErr
}

// partialMessages builds one ToolMessage per executed task that already
// has a recorded result, sorted by idx, reading a consistent snapshot
// of the result map rather than one key at a time. On a normal run
// every executed task has a result by the time this is called; on a
// watchdog-aborted run it returns whatever completed before the abort
// and drops tasks still mid-flight.
func partialMessages(executed []types.Task, results *resultMap) []types.Message {
	snap := results.snapshot()
	sort.Slice(executed, func(i, j int) bool { return executed[i].Idx < executed[j].Idx })

	messages := make([]types.Message, 0, len(executed))
	for _, t := range executed {
		content, ok := snap[t.Idx]
		if !ok {
			continue
		}
		messages = append(messages, types.NewToolMessage(t.Idx, t.Tool, t.Args, content))
	}
	return messages
}

// dispatch waits (if necessary) for t's dependencies, resolves its
// arguments, invokes its tool, and writes the result. It is the body of
// one worker goroutine and is safe to run concurrently for independent
// tasks.
func (s *Scheduler) dispatch(ctx context.Context, t types.Task, results *resultMap, waiters *waiterSet, executing *int32, markProgress func(), rlog *runlog.Log) {
	if !s.ready(t, results) {
		waiters.add(t.Idx)
		markProgress()
		if s.bus != nil {
			s.bus.Publish(bus.Event{Kind: bus.KindWaiting, Idx: t.Idx, Tool: t.Tool})
		}
		ticker := time.NewTicker(s.retryAfter)
		defer ticker.Stop()
		for !s.ready(t, results) {
			select {
			case <-ctx.Done():
				waiters.remove(t.Idx)
				results.setIfAbsent(t.Idx, "ERROR: context canceled while waiting for dependencies")
				markProgress()
				return
			case <-ticker.C:
			}
		}
		waiters.remove(t.Idx)
	}
	markProgress()

	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindDispatched, Idx: t.Idx, Tool: t.Tool})
	}
	rlog.Dispatched(t.Idx, t.Tool)

	tool, ok := s.registry.Get(t.Tool)
	if !ok {
		// The planner already filters unknown tools, but a replan round's
		// seed state or a future format change could still reach here.
		msg := fmt.Sprintf("ERROR: unknown tool %q", t.Tool)
		results.setIfAbsent(t.Idx, msg)
		s.reportFailure(t, msg, rlog)
		markProgress()
		return
	}

	resolvedArgs := resolveArgs(t.Args, results)
	atomic.AddInt32(executing, 1)
	content, err := tool.Invoke(ctx, resolvedArgs)
	atomic.AddInt32(executing, -1)
	if err != nil {
		msg := "ERROR: " + err.Error()
		results.setIfAbsent(t.Idx, msg)
		s.reportFailure(t, msg, rlog)
		markProgress()
		return
	}

	results.setIfAbsent(t.Idx, content)
	markProgress()
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindCompleted, Idx: t.Idx, Tool: t.Tool, Detail: content})
	}
	rlog.Completed(t.Idx, content)
}

func (s *Scheduler) reportFailure(t types.Task, msg string, rlog *runlog.Log) {
	log.Printf("[SCHED] task %d (%s) failed: %s", t.Idx, t.Tool, msg)
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindFailed, Idx: t.Idx, Tool: t.Tool, Detail: msg})
	}
	rlog.Failed(t.Idx, msg)
}

// ready reports whether every dependency of t already has a result.
func (s *Scheduler) ready(t types.Task, results *resultMap) bool {
	for _, dep := range t.Dependencies {
		if !results.has(dep) {
			return false
		}
	}
	return true
}

// resolveArgs substitutes every $N / ${N} placeholder in args with the
// string form of that index's result.
// A reference whose index is absent at launch is left literal — this
// can only happen if the graph was invalid, since ready() already
// guarantees every declared dependency has a result.
func resolveArgs(args map[string]string, results *resultMap) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = refRe.ReplaceAllStringFunc(v, func(match string) string {
			sub := refRe.FindStringSubmatch(match)
			idx, err := strconv.Atoi(sub[1])
			if err != nil {
				return match
			}
			if val, ok := results.get(idx); ok {
				return val
			}
			return match
		})
	}
	return out
}

// watchdog aborts the run with ErrCycleOrMissingDep if the set of tasks
// currently blocked on an unmet dependency makes no progress across one
// full retryAfter cycle after the planner's channel has closed. A
// non-empty waiter set alone is not a stall: as long as some task is
// still inside its tool's Invoke call, it may yet resolve a dependency
// and unblock every waiter, however long that call takes. The watchdog
// only fires when waiters exist AND nothing is executing AND no waiter
// has cleared or appeared for a full cycle — the genuine deadlock case
// where every remaining task is itself blocked on another blocked task.
func (s *Scheduler) watchdog(ctx context.Context, mu *sync.Mutex, lastProgress *time.Time, waiters *waiterSet, executing *int32, channelClosed <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(s.retryAfter)
	defer ticker.Stop()

	closed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-channelClosed:
			closed = true
		case <-ticker.C:
			if !closed {
				continue // planner may still deliver tasks that unblock waiters
			}
			pending := waiters.count()
			if pending == 0 {
				return
			}
			if atomic.LoadInt32(executing) > 0 {
				continue // something may still resolve a waiter's dependency
			}
			mu.Lock()
			stale := time.Since(*lastProgress) > s.retryAfter
			mu.Unlock()
			if stale {
				errCh <- &ErrCycleOrMissingDep{Pending: waiters.pending()}
				return
			}
		}
	}
}
