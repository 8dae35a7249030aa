// Package subagent runs nested agent loops with a narrowed tool set and
// folds each into a single result for the caller.
package subagent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownDefinition is returned for a sub-agent type nobody registered.
var ErrUnknownDefinition = errors.New("unknown sub-agent type")

// Definition describes a kind of sub-agent: its prompt and what it may use.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	// Tools is the allow-list; empty inherits the caller's tools.
	Tools         []string `yaml:"tools" json:"tools,omitempty"`
	Model         string   `yaml:"model" json:"model,omitempty"`
	Temperature   float64  `yaml:"temperature" json:"temperature,omitempty"`
	MaxIterations int      `yaml:"max_iterations" json:"max_iterations,omitempty"`
	Prompt        string   `yaml:"-" json:"prompt"`
	Source        string   `yaml:"-" json:"source"` // "builtin", "file"
}

// Registry holds the available sub-agent definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Add registers d, replacing any definition with the same name.
func (r *Registry) Add(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name] = d
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return d, nil
}

// All returns every definition sorted by name.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog formats the definitions as a bullet list for a tool description.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, d := range r.All() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}

// RegisterBuiltins adds the default sub-agent types.
func RegisterBuiltins(r *Registry) {
	r.Add(&Definition{
		Name:        "explore",
		Description: "Read-only investigation of files and knowledge; reports findings",
		Tools:       []string{"read_file", "list_dir", "get_current_time"},
		Prompt: "You are an exploration sub-agent. Investigate the question using the read-only " +
			"tools available, then answer with a concise report of what you found. " +
			"Do not attempt to modify anything.",
		MaxIterations: 15,
		Source:        "builtin",
	})
	r.Add(&Definition{
		Name:        "general",
		Description: "General-purpose worker with the caller's tools",
		Prompt: "You are a sub-agent handling one delegated task. Complete it using the tools " +
			"available and finish with a short summary of what you did and the outcome.",
		Source: "builtin",
	})
}
