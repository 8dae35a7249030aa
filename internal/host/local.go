// Package host implements the side-effect bridge tools run through.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// MaxOutput caps the bytes returned from reads and command output.
const MaxOutput = 64 << 10

// Local runs host calls against the local machine. Paths outside Root are
// rejected when Root is set.
type Local struct {
	Root   string
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[int]func(interface{})
	next int
}

var _ agent.Host = (*Local)(nil)

// NewLocal creates a host confined to root. An empty root means no
// confinement.
func NewLocal(root string, logger *zap.Logger) *Local {
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Local{Root: root, logger: logger, subs: make(map[string]map[int]func(interface{}))}
}

// Invoke dispatches a named host call.
func (h *Local) Invoke(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	var (
		out interface{}
		err error
	)
	switch name {
	case agent.HostFSRead:
		out, err = h.read(stringArg(args, "path"))
	case agent.HostFSWrite:
		out, err = h.write(stringArg(args, "path"), stringArg(args, "content"))
	case agent.HostFSList:
		out, err = h.list(stringArg(args, "path"))
	case agent.HostShellExec:
		out, err = h.exec(ctx, stringArg(args, "command"), stringArg(args, "cwd"), intArg(args, "timeout"))
	default:
		return nil, fmt.Errorf("unknown host call %q", name)
	}
	if err != nil {
		return nil, err
	}
	h.Send(name, args)
	return json.Marshal(out)
}

// Send notifies subscribers of name without waiting for a reply.
func (h *Local) Send(name string, args map[string]interface{}) {
	h.mu.RLock()
	cbs := make([]func(interface{}), 0, len(h.subs[name]))
	for _, cb := range h.subs[name] {
		cbs = append(cbs, cb)
	}
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(args)
	}
}

// Subscribe registers cb for event and returns its unsubscribe func.
func (h *Local) Subscribe(event string, cb func(payload interface{})) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[event] == nil {
		h.subs[event] = make(map[int]func(interface{}))
	}
	id := h.next
	h.next++
	h.subs[event][id] = cb
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[event], id)
	}
}

func (h *Local) resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(p) && h.Root != "" {
		p = filepath.Join(h.Root, p)
	}
	p = filepath.Clean(p)
	if h.Root != "" {
		rel, err := filepath.Rel(h.Root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside %s", p, h.Root)
		}
	}
	return p, nil
}

type fileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (h *Local) read(path string) (*fileContent, error) {
	p, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc := &fileContent{Path: path}
	if len(data) > MaxOutput {
		data = data[:MaxOutput]
		fc.Truncated = true
	}
	fc.Content = string(data)
	return fc, nil
}

func (h *Local) write(path, content string) (map[string]interface{}, error) {
	p, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	h.logger.Debug("host wrote file", zap.String("path", p), zap.Int("bytes", len(content)))
	return map[string]interface{}{"path": path, "bytes": len(content)}, nil
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (h *Local) list(path string) ([]dirEntry, error) {
	p, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		de := dirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			de.Size = info.Size()
		}
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type execResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (h *Local) exec(ctx context.Context, command, cwd string, timeoutSec int) (*execResult, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	dir := h.Root
	if cwd != "" {
		d, err := h.resolve(cwd)
		if err != nil {
			return nil, err
		}
		dir = d
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := &execResult{Stdout: clip(stdout.String()), Stderr: clip(stderr.String())}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	h.logger.Debug("host ran command", zap.String("command", command), zap.String("dir", dir))
	return res, nil
}

func clip(s string) string {
	if len(s) > MaxOutput {
		return s[:MaxOutput]
	}
	return s
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
