package subagent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromDir reads every *.md file in dir as a definition. The file's YAML
// front matter holds the fields and the body is the system prompt. A
// missing dir yields no definitions.
func LoadFromDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sub-agent directory %s: %w", dir, err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(entry.Name(), ".md")
		}
		d.Source = "file"
		defs = append(defs, d)
	}
	return defs, nil
}

// Parse decodes one markdown definition.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	body := data
	if rest, ok := bytes.CutPrefix(data, []byte("---")); ok {
		front, after, found := bytes.Cut(rest, []byte("\n---"))
		if !found {
			return nil, fmt.Errorf("unterminated front matter")
		}
		if err := yaml.Unmarshal(front, &d); err != nil {
			return nil, fmt.Errorf("front matter: %w", err)
		}
		body = after
	}
	d.Prompt = strings.TrimSpace(string(body))
	if d.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	return &d, nil
}
