// Command llmc is the reference CLI for the LLM-driven parallel task
// compiler: it wires a tool registry, LLM tiers, and the
// planner/scheduler/joiner controller into either an interactive
// readline REPL or a one-shot query, mirroring the teacher's
// cmd/agsh/main.go wiring order (env load -> cache dir -> components ->
// run).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/llmc-go/llmc/internal/bus"
	"github.com/llmc-go/llmc/internal/config"
	"github.com/llmc-go/llmc/internal/controller"
	"github.com/llmc-go/llmc/internal/joiner"
	"github.com/llmc-go/llmc/internal/llm"
	"github.com/llmc-go/llmc/internal/planner"
	"github.com/llmc-go/llmc/internal/runlog"
	"github.com/llmc-go/llmc/internal/scheduler"
	"github.com/llmc-go/llmc/internal/tools"
	"github.com/llmc-go/llmc/internal/ui"
)

// version is stamped by the release build via -ldflags; "dev" is the
// fallback for local builds.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	rootCmd := &cobra.Command{
		Use:   "llmc [query]",
		Short: "LLM-driven parallel task compiler",
		Long: `llmc plans a user query into a DAG of tool invocations, dispatches them
concurrently with respect to their dependencies, and synthesizes the
results into an answer.

If a query is provided, it runs as a one-shot task. Without arguments,
it starts an interactive REPL.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return runOneShot(strings.Join(args, " "))
			}
			return runREPL()
		},
	}

	rootCmd.AddCommand(toolsCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the planner may invoke",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range defaultRegistry(nil).All() {
				fmt.Printf("%-24s %s\n", t.Name(), t.Description())
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the llmc version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// cacheDir resolves ~/.cache/llmc, matching the teacher's cache layout.
func cacheDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "llmc")
}

// buildEngine wires the tool registry, LLM tiers, and bus/runlog/ui
// infrastructure into a ready-to-run Controller, honoring llmc.yaml's
// tool allow-list and scheduler tuning if present.
func buildEngine() (*controller.Controller, *ui.Display, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	dir := cacheDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cache dir: %w", err)
	}

	cfg, err := config.Load(filepath.Join(dir, "llmc.yaml"))
	if err != nil {
		return nil, nil, err
	}

	b := bus.New()
	disp := ui.New(b.NewTap())

	planLLM := llm.NewTier("PLAN")
	joinLLM := llm.NewTier("JOIN")

	registry := defaultRegistry(planLLM).Subset(cfg.ToolAllowlist)

	logs := runlog.NewRegistry(filepath.Join(dir, "runs"))

	p := planner.New(planLLM, registry, b)
	var schedOpts []scheduler.Option
	if cfg.RetryAfter > 0 {
		schedOpts = append(schedOpts, scheduler.WithRetryAfter(cfg.RetryAfter))
	}
	s := scheduler.New(registry, b, schedOpts...)
	j := joiner.New(joinLLM, b)

	var ctrlOpts []controller.Option
	if cfg.MaxReplanRounds > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithMaxReplanRounds(cfg.MaxReplanRounds))
	}
	c := controller.New(p, s, j, b, logs, ctrlOpts...)

	return c, disp, nil
}

// defaultRegistry registers the engine's built-in tools. genLLM may be
// nil for read-only uses (e.g. the `tools` subcommand) since
// GenerateFileContent only dereferences it on Invoke.
func defaultRegistry(genLLM *llm.Client) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.CreateDirectory{})
	r.Register(&tools.CreateFile{})
	r.Register(&tools.GenerateFileContent{LLM: genLLM})
	r.Register(&tools.ListFiles{})
	return r
}

func runOneShot(query string) error {
	c, disp, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go disp.Run(ctx)

	answer, err := c.Run(ctx, query)
	disp.WaitRunClose(300 * time.Millisecond)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(answer)
	return nil
}

func runREPL() error {
	c, disp, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go disp.Run(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m>\033[0m ",
		HistoryFile:       filepath.Join(cacheDir(), "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	fmt.Println("\033[1m\033[36m⚡ llmc\033[0m — LLM task compiler  \033[2m(exit/Ctrl-D to quit)\033[0m")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			cancel()
			return nil
		}

		query := strings.TrimSpace(line)
		if query == "" {
			continue
		}
		if query == "exit" || query == "quit" {
			cancel()
			return nil
		}

		answer, err := c.Run(ctx, query)
		disp.WaitRunClose(300 * time.Millisecond)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println()
		fmt.Println(answer)
	}
}
