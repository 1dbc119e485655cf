// Package bus is the observable progress channel for one compiler run.
// The controller publishes an Event for every planning, dispatch, and
// replan milestone; the CLI's ui package taps it to render a live
// progress line, independent of the run's own structured JSONL log.
package bus

import (
	"log"
	"sync"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Kind identifies what a bus Event reports.
type Kind string

const (
	KindPlanned    Kind = "planned"    // a task line was parsed out of the LLM stream
	KindDispatched Kind = "dispatched" // a task's dependencies are satisfied and it is running
	KindWaiting    Kind = "waiting"    // a task is parked on unresolved dependencies
	KindCompleted  Kind = "completed"  // a task's tool invocation succeeded (Detail holds its result)
	KindFailed     Kind = "failed"     // a task's tool invocation returned an error
	KindJoined     Kind = "joined"     // the joiner produced a synthesized answer
	KindReplan     Kind = "replan"     // the joiner requested another planning round
)

// Event is one observable occurrence during a run.
type Event struct {
	Kind  Kind
	Idx   int    // task index; 0 for run-level events (Joined, Replan)
	Tool  string
	Detail string
}

// Bus is the observable event bus for a single run.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	taps        []chan Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]chan Event)}
}

// Publish fans out ev to all subscribers of ev.Kind and to every tap.
// Non-blocking: a full channel drops the event with a warning rather
// than stalling the publisher (a dispatching scheduler worker).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s idx=%d — event dropped", ev.Kind, ev.Idx)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- ev:
		default:
			log.Printf("[BUS] WARNING: tap channel full — event dropped kind=%s", ev.Kind)
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
func (b *Bus) Subscribe(k Kind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event, regardless of kind.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
