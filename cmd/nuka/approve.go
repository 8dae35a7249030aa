package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// promptApprover asks on a terminal before gated tools run. Teammates and
// sub-agents share it, so prompts are serialized.
type promptApprover struct {
	mu    sync.Mutex
	lines <-chan string
	out   io.Writer
	yesTo map[string]bool
}

func newPromptApprover(in io.Reader, out io.Writer) *promptApprover {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.ToLower(strings.TrimSpace(sc.Text()))
		}
	}()
	return &promptApprover{lines: lines, out: out, yesTo: make(map[string]bool)}
}

// Approve answers y, n or a (always allow this tool for the session).
// Closed input denies.
func (p *promptApprover) Approve(ctx context.Context, call agent.ToolCallState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.yesTo[call.Name] {
		return true
	}
	fmt.Fprintf(p.out, "\n[approval] %s %s\nallow? [y/N/a] ", call.Name, truncate(string(call.Input), 400))

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false
	case answer, ok := <-p.lines:
		if !ok {
			return false
		}
		switch answer {
		case "y", "yes":
			return true
		case "a", "always":
			p.yesTo[call.Name] = true
			return true
		}
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
