// Package coordinator runs batches of subagent tasks with bounded
// concurrency. Items may depend on earlier items and reference their
// output; results are always reported in submission order.
package coordinator

import (
	"fmt"
	"strings"
)

// Batch is an ordered set of items to run.
type Batch struct {
	Name  string
	Items []Item
}

// Item is one task request inside a batch.
type Item struct {
	// ID names the item within the batch; it is not the task id.
	ID           string
	SubagentType string
	Description  string
	Prompt       string
	// DependsOn lists item ids that must succeed before this item starts.
	DependsOn []string
}

// Validate checks ids, dependencies and cycles.
func (b *Batch) Validate() error {
	if len(b.Items) == 0 {
		return fmt.Errorf("batch has no items")
	}
	seen := make(map[string]bool, len(b.Items))
	for i, it := range b.Items {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("item %d has empty id", i)
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate item id: %s", it.ID)
		}
		if strings.TrimSpace(it.SubagentType) == "" {
			return fmt.Errorf("item %s has no subagent", it.ID)
		}
		seen[it.ID] = true
	}
	_, err := waves(b.Items)
	return err
}

// waves groups item indexes so that every item's dependencies sit in an
// earlier wave. Order inside a wave follows submission order.
func waves(items []Item) ([][]int, error) {
	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.ID] = i
	}
	for _, it := range items {
		for _, dep := range it.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("item %s depends on nonexistent item %s", it.ID, dep)
			}
			if dep == it.ID {
				return nil, fmt.Errorf("item %s depends on itself", it.ID)
			}
		}
	}

	var out [][]int
	done := make(map[string]bool, len(items))
	for len(done) < len(items) {
		var wave []int
		for i, it := range items {
			if done[it.ID] {
				continue
			}
			ready := true
			for _, dep := range it.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, i)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in batch dependencies")
		}
		for _, i := range wave {
			done[items[i].ID] = true
		}
		out = append(out, wave)
	}
	return out, nil
}

// resolvePrompt replaces {item_id.output} references with earlier outputs.
func resolvePrompt(template string, outputs map[string]string) string {
	resolved := template
	for id, out := range outputs {
		resolved = strings.ReplaceAll(resolved, "{"+id+".output}", out)
	}
	return resolved
}
