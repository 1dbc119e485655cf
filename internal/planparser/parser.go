// Package planparser implements the plan wire-format grammar: one task
// per line,
//
//	N. tool(k='v', k2='v2') (deps: [d1, d2])
//
// The parser accepts a growing buffer, so the planner can feed it the
// newline-terminated part of the LLM's streaming output as it arrives
// and yield each newly-recognized Task immediately.
package planparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/llmc-go/llmc/internal/types"
)

var (
	leadingIdxRe = regexp.MustCompile(`^\s*(\d+)\s*\.`)
	depsClauseRe = regexp.MustCompile(`\(deps:\s*\[([^\]]*)\]\)`)
	refRe        = regexp.MustCompile(`\$\{?(\d+)\}?`)
)

// Parser incrementally parses a streaming buffer of plan lines into
// Tasks, deduplicated by idx. It holds no knowledge of tool validity —
// that filtering happens in the planner, which is the layer that knows
// the registered tool set.
type Parser struct {
	seen map[int]bool
}

// New creates an empty Parser.
func New() *Parser {
	return &Parser{seen: make(map[int]bool)}
}

// FeedLines parses every line in buf, including a final line that has
// no trailing newline, and returns the Tasks newly recognized (i.e. not
// previously emitted by this Parser). It is
// safe to call repeatedly with a growing buffer; already-emitted idx
// values are never re-returned even if their line reappears.
func (p *Parser) FeedLines(buf string) []types.Task {
	var out []types.Task
	for _, line := range strings.Split(buf, "\n") {
		task, ok := parseLine(line)
		if !ok {
			continue
		}
		if p.seen[task.Idx] {
			continue
		}
		p.seen[task.Idx] = true
		out = append(out, task)
	}
	return out
}

// parseLine parses a single plan line:
//
//	<task> ::= <idx> "." <tool> "(" <args> ")" ["(deps:" "[" <deplist> "]" ")"]
//
// Malformed lines are dropped silently (ok == false), never partially
// emitted.
func parseLine(line string) (types.Task, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Task{}, false
	}

	m := leadingIdxRe.FindStringSubmatchIndex(line)
	if m == nil {
		return types.Task{}, false
	}
	idx, err := strconv.Atoi(line[m[2]:m[3]])
	if err != nil || idx <= 0 {
		return types.Task{}, false
	}

	rest := strings.TrimSpace(line[m[1]:])
	open := strings.Index(rest, "(")
	if open < 0 {
		return types.Task{}, false
	}
	tool := strings.TrimSpace(rest[:open])
	if tool == "" || strings.ContainsAny(tool, " \t") {
		return types.Task{}, false
	}

	closeParen := strings.LastIndex(rest, ")")
	if closeParen < open {
		return types.Task{}, false
	}

	// The explicit (deps: [...]) clause, if present, sits after the
	// call's own closing paren; strip it out before finding the call's
	// argument-list closing paren so `deps`'s brackets never get treated
	// as call arguments.
	depsMatch := depsClauseRe.FindStringSubmatchIndex(rest)
	argsEnd := closeParen
	if depsMatch != nil && depsMatch[0] > open {
		// re-find the call's true closing paren: the last ')' before the
		// deps clause begins.
		if i := strings.LastIndex(rest[:depsMatch[0]], ")"); i > open {
			argsEnd = i
		}
	}

	argsStr := rest[open+1 : argsEnd]
	args := parseArgs(argsStr)

	deps := map[int]bool{}
	for _, val := range args {
		for _, m := range refRe.FindAllStringSubmatch(val, -1) {
			n, _ := strconv.Atoi(m[1])
			deps[n] = true
		}
	}

	if depsMatch != nil {
		for _, d := range strings.Split(rest[depsMatch[2]:depsMatch[3]], ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			n, err := strconv.Atoi(d)
			if err != nil {
				continue
			}
			deps[n] = true
		}
	}

	dependencies := make([]int, 0, len(deps))
	for d := range deps {
		if d == idx || d > idx {
			continue // self- and forward-references are invalid; drop silently
		}
		dependencies = append(dependencies, d)
	}
	sortInts(dependencies)

	return types.Task{
		Idx:          idx,
		Tool:         tool,
		Args:         args,
		Dependencies: dependencies,
	}, true
}

// parseArgs parses a comma-separated k=v list. Values may be single- or
// double-quoted (quotes are stripped) or bare tokens. A naive split on
// "," would break values containing commas inside quotes, so this scans
// character by character tracking quote state.
func parseArgs(s string) map[string]string {
	args := make(map[string]string)
	for _, kv := range splitArgs(s) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(kv[:eq])
		val := strings.TrimSpace(kv[eq+1:])
		val = unquote(val)
		if key == "" {
			continue
		}
		args[key] = val
	}
	return args
}

// splitArgs splits s on top-level commas, respecting single/double quotes.
func splitArgs(s string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
