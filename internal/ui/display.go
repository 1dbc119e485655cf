package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/llmc-go/llmc/internal/bus"
)

// statusColumnWidth is the fixed display width the spinner's trailing
// status text is padded to, so a shorter status (e.g. after a long
// "waiting on dependencies...") doesn't leave stray characters from the
// previous line when the terminal redraws in place.
const statusColumnWidth = 32

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiBlue   = "\033[34m"
)

var kindEmoji = map[bus.Kind]string{
	bus.KindPlanned:    "📐",
	bus.KindDispatched: "⚙️ ",
	bus.KindWaiting:    "⏳",
	bus.KindCompleted:  "✅",
	bus.KindFailed:     "❌",
	bus.KindJoined:     "🔮",
	bus.KindReplan:     "🔁",
}

var kindColor = map[bus.Kind]string{
	bus.KindPlanned:    ansiCyan,
	bus.KindDispatched: ansiBlue,
	bus.KindWaiting:    ansiDim,
	bus.KindCompleted:  ansiGreen,
	bus.KindFailed:     ansiRed,
	bus.KindJoined:     ansiYellow,
	bus.KindReplan:     ansiYellow,
}

var kindStatus = map[bus.Kind]string{
	bus.KindPlanned:    "planning...",
	bus.KindDispatched: "executing tasks...",
	bus.KindWaiting:    "waiting on dependencies...",
	bus.KindCompleted:  "collecting results...",
	bus.KindFailed:     "handling a task failure...",
	bus.KindJoined:     "synthesizing answer...",
	bus.KindReplan:     "replanning...",
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a live, colorized progress line to stdout as one
// compiler run's tasks move through planning, dispatch, and join. It
// reads from a bus tap channel and animates a spinner between events.
type Display struct {
	tap        <-chan bus.Event
	abortCh    chan struct{}
	resumeCh   chan struct{}
	mu         sync.Mutex
	status     string
	started    time.Time
	inRun      bool
	spinIdx    int
	suppressed bool
	runDone    chan struct{}
}

// New creates a Display reading from tap.
func New(tap <-chan bus.Event) *Display {
	return &Display{tap: tap, abortCh: make(chan struct{}, 1), resumeCh: make(chan struct{}, 1)}
}

// Abort closes the current pipeline box immediately and suppresses any
// further stale events until Resume() is called. Safe to call from any
// goroutine.
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression so the next run can open a
// pipeline box. Safe to call from any goroutine.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// Run is the display's main loop: it prints one line per event and
// animates the spinner between them. All terminal writes happen on this
// single goroutine, so no extra locking is needed for I/O.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			if d.inRun {
				fmt.Print("\r\033[K")
				d.endRun(false)
			}
			d.mu.Lock()
			d.suppressed = true
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case ev, ok := <-d.tap:
			if !ok {
				return
			}
			if !d.inRun {
				d.mu.Lock()
				sup := d.suppressed
				d.mu.Unlock()
				if sup {
					continue
				}
				d.startRun()
			}
			fmt.Print("\r\033[K")
			d.printEvent(ev)
			d.setStatus(kindStatus[ev.Kind])
			if ev.Kind == bus.KindJoined {
				d.endRun(true)
			}

		case <-ticker.C:
			if !d.inRun {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, padStatus(status))
		}
	}
}

// WaitRunClose blocks until the current pipeline box is closed, or until
// timeout elapses. Call this after the controller returns a final answer
// but before printing it, so the pipeline footer appears first.
func (d *Display) WaitRunClose(timeout time.Duration) {
	d.mu.Lock()
	ch := d.runDone
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

func (d *Display) startRun() {
	d.mu.Lock()
	d.runDone = make(chan struct{})
	d.mu.Unlock()
	d.started = time.Now()
	d.inRun = true
	d.setStatus("planning...")
	fmt.Printf("\n%s┌─── ⚡ llmc run %s%s\n", ansiDim, strings.Repeat("─", 44), ansiReset)
}

func (d *Display) endRun(success bool) {
	d.inRun = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if !success {
		icon = "❌"
	}
	fmt.Printf("\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 39), ansiReset)
	d.mu.Lock()
	ch := d.runDone
	d.runDone = nil
	d.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (d *Display) setStatus(s string) {
	if s == "" {
		return
	}
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printEvent(ev bus.Event) {
	emoji, ok := kindEmoji[ev.Kind]
	if !ok {
		emoji = "•"
	}
	color := kindColor[ev.Kind]
	if color == "" {
		color = ansiDim
	}

	label := string(ev.Kind)
	if det := eventDetail(ev); det != "" {
		label += ": " + det
	}

	var subject string
	switch {
	case ev.Tool != "":
		subject = fmt.Sprintf("task %d (%s)", ev.Idx, ev.Tool)
	case ev.Idx != 0:
		subject = fmt.Sprintf("task %d", ev.Idx)
	default:
		subject = "run"
	}

	fmt.Printf("  %s %s%s%s — %s\n", emoji, color, label, ansiReset, subject)
}

// eventDetail returns a short inline detail clipped for terminal display.
func eventDetail(ev bus.Event) string {
	if ev.Detail == "" {
		return ""
	}
	return clip(ev.Detail, 60)
}

// clip truncates s to at most n characters, appending "…" if trimmed.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// padStatus right-pads s to statusColumnWidth using display width rather
// than rune count, so a status line containing a wide (e.g. CJK) task
// name still clears the previous line's trailing characters when the
// spinner redraws in place.
func padStatus(s string) string {
	w := runewidth.StringWidth(s)
	if w >= statusColumnWidth {
		return s
	}
	return s + strings.Repeat(" ", statusColumnWidth-w)
}
