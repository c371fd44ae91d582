// Package catalog holds the subagent definitions the engine can delegate to.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition describes one subagent type.
type Definition struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Summary       string `yaml:"summary"`
	Guidance      string `yaml:"guidance"`
	DefaultPrompt string `yaml:"default_prompt"`
	// Model optionally pins a "provider/model" for this subagent.
	Model string `yaml:"model,omitempty"`
}

// Finder is the lookup the engine consumes.
type Finder interface {
	Find(id string) (Definition, bool)
	List() []Definition
}

// Catalog is a concurrency-safe, ordered set of definitions.
type Catalog struct {
	mu    sync.RWMutex
	order []string
	defs  map[string]Definition
}

// New returns a catalog holding defs in the given order. Later duplicates
// replace earlier ones in place.
func New(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition)}
	for _, d := range defs {
		c.put(d)
	}
	return c
}

func (c *Catalog) put(d Definition) {
	d.ID = normalizeID(d.ID)
	if _, ok := c.defs[d.ID]; !ok {
		c.order = append(c.order, d.ID)
	}
	c.defs[d.ID] = d
}

func (c *Catalog) Find(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[normalizeID(id)]
	return d, ok
}

func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}

// IDs returns the known subagent ids in catalog order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Replace swaps the catalog contents, used on reload.
func (c *Catalog) Replace(other *Catalog) {
	defs := other.List()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.defs = make(map[string]Definition, len(defs))
	for _, d := range defs {
		c.put(d)
	}
}

type fileFormat struct {
	Subagents []Definition `yaml:"subagents"`
}

// Load returns the built-in definitions overlaid with <homeDir>/subagents.yaml
// when that file exists.
func Load(homeDir string) (*Catalog, error) {
	c := New(Builtins()...)
	path := filepath.Join(homeDir, "subagents.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read subagents.yaml: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse subagents.yaml: %w", err)
	}
	for i, d := range ff.Subagents {
		if normalizeID(d.ID) == "" {
			return nil, fmt.Errorf("subagents.yaml: entry %d has empty id", i)
		}
		if strings.TrimSpace(d.Name) == "" {
			d.Name = d.ID
		}
		c.put(d)
	}
	return c, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Builtins returns the stock subagents.
func Builtins() []Definition {
	return []Definition{
		{
			ID:            "finder",
			Name:          "Finder",
			Summary:       "Fast codebase search: locates files, symbols, and call sites.",
			Guidance:      "Search broadly, then narrow. Report paths with line numbers. Do not edit files.",
			DefaultPrompt: "Locate the code relevant to the request and list the files involved.",
		},
		{
			ID:            "oracle",
			Name:          "Oracle",
			Summary:       "Deep review and planning for hard problems.",
			Guidance:      "Reason carefully before answering. Call out risks and trade-offs explicitly.",
			DefaultPrompt: "Review the request and produce a concrete plan with risks.",
		},
		{
			ID:            "librarian",
			Name:          "Librarian",
			Summary:       "Long-running research across repositories and documentation.",
			Guidance:      "Cite sources. Prefer primary documentation. Summarize findings at the end.",
			DefaultPrompt: "Research the topic and summarize what you find with citations.",
		},
		{
			ID:            "task",
			Name:          "Task",
			Summary:       "General-purpose worker for self-contained chores.",
			Guidance:      "Complete the chore end to end and report exactly what changed.",
			DefaultPrompt: "Carry out the request and report the result.",
		},
	}
}
