package planner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llmc-go/llmc/internal/llm"
	"github.com/llmc-go/llmc/internal/tools"
	"github.com/llmc-go/llmc/internal/types"
)

// newTestClient points an llm.Client at srv.
func newTestClient(t *testing.T, srv *httptest.Server) *llm.Client {
	t.Helper()
	t.Setenv("OPENAI_BASE_URL", srv.URL)
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_MODEL", "test-model")
	return llm.New()
}

// sseServer streams chunks as an SSE "data: {...}" completion, one
// chunk per write, flushing after each so the client observes them
// incrementally rather than all at once.
func sseServer(chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}))
}

type stubTool struct{ name string }

func (s stubTool) Name() string        { return s.name }
func (s stubTool) Description() string { return "stub tool" }
func (s stubTool) InputSchema() tools.Schema {
	return tools.Schema{"x": {Type: "string", Required: true}}
}
func (s stubTool) Invoke(context.Context, map[string]string) (string, error) { return "ok", nil }

func newRegistry(names ...string) *tools.Registry {
	r := tools.NewRegistry()
	for _, n := range names {
		r.Register(stubTool{name: n})
	}
	return r
}

func drain(t *testing.T, ch <-chan types.Task, timeout time.Duration) []types.Task {
	t.Helper()
	var out []types.Task
	deadline := time.After(timeout)
	for {
		select {
		case task, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, task)
		case <-deadline:
			t.Fatal("timed out draining planner output")
		}
	}
}

func TestStream_YieldsTasksAsLinesComplete(t *testing.T) {
	srv := sseServer([]string{
		"1. gen(desc='html')\n",
		"2. gen(desc='css')\n",
	})
	defer srv.Close()

	p := New(newTestClient(t, srv), newRegistry("gen"), nil)
	state := types.State{Messages: []types.Message{types.NewUserMessage("build a page")}}

	out, err := p.Stream(context.Background(), state, false, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	tasks := drain(t, out, 2*time.Second)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(tasks), tasks)
	}
	if tasks[0].Idx != 1 || tasks[1].Idx != 2 {
		t.Errorf("unexpected idx order: %+v", tasks)
	}
}

func TestStream_FlushesTrailingLineWithoutNewline(t *testing.T) {
	srv := sseServer([]string{"1. gen(desc='html')"}) // no trailing \n
	defer srv.Close()

	p := New(newTestClient(t, srv), newRegistry("gen"), nil)
	state := types.State{Messages: []types.Message{types.NewUserMessage("build")}}

	out, err := p.Stream(context.Background(), state, false, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	tasks := drain(t, out, 2*time.Second)
	if len(tasks) != 1 || tasks[0].Idx != 1 {
		t.Fatalf("expected the trailing unterminated line to be flushed, got %+v", tasks)
	}
}

func TestStream_DropsUnknownTool(t *testing.T) {
	srv := sseServer([]string{
		"1. gen(desc='x')\n",
		"2. nonexistent(x='y')\n",
	})
	defer srv.Close()

	p := New(newTestClient(t, srv), newRegistry("gen"), nil)
	state := types.State{Messages: []types.Message{types.NewUserMessage("q")}}

	out, err := p.Stream(context.Background(), state, false, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	tasks := drain(t, out, 2*time.Second)
	if len(tasks) != 1 || tasks[0].Idx != 1 {
		t.Fatalf("expected only task 1 to survive, got %+v", tasks)
	}
}

func TestStream_JoinSentinelPassesThroughUnfiltered(t *testing.T) {
	srv := sseServer([]string{"1. join()\n"})
	defer srv.Close()

	p := New(newTestClient(t, srv), newRegistry("gen"), nil)
	state := types.State{Messages: []types.Message{types.NewUserMessage("q")}}

	out, err := p.Stream(context.Background(), state, false, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	tasks := drain(t, out, 2*time.Second)
	if len(tasks) != 1 || !tasks[0].IsJoin() {
		t.Fatalf("expected the join sentinel to pass the tool filter, got %+v", tasks)
	}
}

func TestBuildPrompt_ReplanIncludesResultsAndMaxIdx(t *testing.T) {
	srv := sseServer(nil)
	defer srv.Close()

	p := New(newTestClient(t, srv), newRegistry("gen"), nil)
	state := types.State{
		Messages: []types.Message{
			types.NewUserMessage("build a page"),
			types.NewToolMessage(1, "gen", nil, "done"),
			types.NewAssistantMessage("partial answer"),
		},
	}

	prompt := p.buildPrompt(state, true)
	for _, want := range []string{"Task 1: done", "partial answer", "greater than 1", "build a page"} {
		if !containsSubstring(prompt, want) {
			t.Errorf("replan prompt missing %q:\n%s", want, prompt)
		}
	}
}

func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
