// Package config loads the engine's tunable knobs — scheduler retry
// interval, replan round cap, and an optional tool allow-list — from an
// optional YAML file, and watches it for changes so a long-lived REPL
// process can pick up edits without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunable knobs. Zero values mean "use the
// component's own default" — a missing or empty llmc.yaml is valid and
// leaves every default in place.
type Config struct {
	// RetryAfter is the scheduler's dependency-waiter polling interval.
	RetryAfter time.Duration `yaml:"retry_after"`
	// MaxReplanRounds bounds how many times the joiner may request
	// another planning round.
	MaxReplanRounds int `yaml:"max_replan_rounds"`
	// ToolAllowlist restricts which registered tools the planner may
	// propose. An empty list allows every registered tool.
	ToolAllowlist []string `yaml:"tool_allowlist"`
}

// Default returns a Config with every knob at its component default.
func Default() Config {
	return Config{}
}

// Load reads and parses a YAML config file at path. A missing file is
// not an error — it returns Default() so llmc.yaml is always optional.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// AllowsTool reports whether name may be proposed by the planner, per
// ToolAllowlist. An empty allow-list permits every tool.
func (c Config) AllowsTool(name string) bool {
	if len(c.ToolAllowlist) == 0 {
		return true
	}
	for _, allowed := range c.ToolAllowlist {
		if allowed == name {
			return true
		}
	}
	return false
}

// Watcher hot-reloads a Config from disk whenever its backing file
// changes, so a long-lived REPL process can pick up a new retry
// interval, replan cap, or allow-list without restarting.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu  sync.RWMutex
	cfg Config
}

// NewWatcher loads path once and starts watching its parent directory
// for changes (fsnotify watches directories, not bare files, so the
// watch survives editors that replace the file via rename-on-save).
// If path does not exist yet, NewWatcher still succeeds with Default()
// and begins watching once the file is created.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	return &Watcher{path: path, fsw: fsw, cfg: cfg}, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Run watches for filesystem events on the config file's directory and
// reloads on any write or create event for the config file itself. It
// returns when done is closed or when Close shuts the underlying
// watcher down; callers typically run this in a goroutine.
func (w *Watcher) Run(done <-chan struct{}, onReload func(Config)) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !(ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue // keep serving the last-good config on a malformed edit
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			if onReload != nil {
				onReload(cfg)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
