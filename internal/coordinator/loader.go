package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type batchFile struct {
	Name  string     `yaml:"name"`
	Tasks []itemFile `yaml:"tasks"`
}

type itemFile struct {
	ID          string   `yaml:"id"`
	Subagent    string   `yaml:"subagent"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	DependsOn   []string `yaml:"depends_on"`
}

// LoadFile reads a YAML batch file and validates it against the known
// subagent ids. An empty known list skips that check.
func LoadFile(path string, knownSubagents []string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch file: %w", err)
	}
	b, err := Parse(data, knownSubagents)
	if err != nil {
		return Batch{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if b.Name == "" {
		b.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return b, nil
}

// Parse decodes and validates a YAML batch document. Items without an
// id are numbered by position.
func Parse(data []byte, knownSubagents []string) (Batch, error) {
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return Batch{}, fmt.Errorf("parse batch: %w", err)
	}
	known := make(map[string]bool, len(knownSubagents))
	for _, k := range knownSubagents {
		known[strings.ToLower(k)] = true
	}

	b := Batch{Name: bf.Name, Items: make([]Item, len(bf.Tasks))}
	for i, t := range bf.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			id = fmt.Sprintf("item-%d", i+1)
		}
		sub := strings.ToLower(strings.TrimSpace(t.Subagent))
		if len(known) > 0 && !known[sub] {
			return Batch{}, fmt.Errorf("item %s: unknown subagent %q", id, t.Subagent)
		}
		b.Items[i] = Item{
			ID:           id,
			SubagentType: sub,
			Description:  t.Description,
			Prompt:       t.Prompt,
			DependsOn:    t.DependsOn,
		}
	}
	if err := b.Validate(); err != nil {
		return Batch{}, err
	}
	return b, nil
}
