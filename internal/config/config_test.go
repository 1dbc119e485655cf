package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected Default(), got %+v", cfg)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmc.yaml")
	body := "retry_after: 500ms\nmax_replan_rounds: 5\ntool_allowlist: [list_files, create_file]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", cfg.RetryAfter)
	}
	if cfg.MaxReplanRounds != 5 {
		t.Errorf("MaxReplanRounds = %d, want 5", cfg.MaxReplanRounds)
	}
	if len(cfg.ToolAllowlist) != 2 {
		t.Errorf("ToolAllowlist = %v, want 2 entries", cfg.ToolAllowlist)
	}
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmc.yaml")
	if err := os.WriteFile(path, []byte("retry_after: [this is not a duration\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestConfig_AllowsTool(t *testing.T) {
	empty := Default()
	if !empty.AllowsTool("anything") {
		t.Error("empty allow-list should permit every tool")
	}

	restricted := Config{ToolAllowlist: []string{"create_file"}}
	if !restricted.AllowsTool("create_file") {
		t.Error("expected create_file to be allowed")
	}
	if restricted.AllowsTool("create_directory") {
		t.Error("expected create_directory to be disallowed")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmc.yaml")
	if err := os.WriteFile(path, []byte("max_replan_rounds: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if got := w.Current().MaxReplanRounds; got != 3 {
		t.Fatalf("initial MaxReplanRounds = %d, want 3", got)
	}

	done := make(chan struct{})
	reloaded := make(chan Config, 1)
	go w.Run(done, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	defer close(done)

	if err := os.WriteFile(path, []byte("max_replan_rounds: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.MaxReplanRounds != 7 {
			t.Errorf("reloaded MaxReplanRounds = %d, want 7", cfg.MaxReplanRounds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
