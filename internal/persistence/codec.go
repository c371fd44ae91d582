package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "savedAtEpochMs", "entries"],
  "properties": {
    "schemaVersion": {"const": 1},
    "savedAtEpochMs": {"type": "integer", "minimum": 0},
    "entries": {"type": "array", "items": {"$ref": "#/$defs/entry"}}
  },
  "$defs": {
    "entry": {
      "type": "object",
      "required": ["record", "backend", "invocation"],
      "properties": {
        "record": {"$ref": "#/$defs/record"},
        "summary": {"type": "string"},
        "output": {"type": "string"},
        "backend": {"type": "string"},
        "invocation": {"enum": ["task-routed", "primary-tool"]},
        "observability": {"type": "object", "additionalProperties": {"type": "string"}},
        "followUpPrompts": {"type": "array", "items": {"type": "string"}},
        "events": {"type": "array", "items": {"$ref": "#/$defs/event"}}
      }
    },
    "record": {
      "type": "object",
      "required": ["id", "subagentType", "state", "totalToolCalls", "activeToolCalls", "startedAtEpochMs", "updatedAtEpochMs"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "subagentType": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "prompt": {"type": "string"},
        "state": {"enum": ["queued", "running", "succeeded", "failed", "cancelled"]},
        "totalToolCalls": {"type": "integer", "minimum": 0},
        "activeToolCalls": {"type": "integer", "minimum": 0},
        "startedAtEpochMs": {"type": "integer", "minimum": 0},
        "updatedAtEpochMs": {"type": "integer", "minimum": 0},
        "endedAtEpochMs": {"type": "integer", "minimum": 0},
        "lastErrorCode": {"type": "string"},
        "lastErrorMessage": {"type": "string"}
      }
    },
    "event": {
      "type": "object",
      "required": ["type", "atEpochMs"],
      "properties": {
        "type": {"enum": ["assistant_text", "tool_start", "tool_update", "tool_end", "task_terminal"]},
        "atEpochMs": {"type": "integer"}
      }
    }
  }
}`

var snapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("snapshot.json", doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema resource: %w", err)
	}
	schema, err := c.Compile("snapshot.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return schema, nil
})

// corruptError marks a snapshot that must be quarantined.
type corruptError struct {
	reason string
	err    error
}

func (e *corruptError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

type envelope struct {
	SchemaVersion  int               `json:"schemaVersion"`
	SavedAtEpochMs int64             `json:"savedAtEpochMs"`
	Entries        []json.RawMessage `json:"entries"`
}

// decodeSnapshot parses and validates raw snapshot bytes. Envelope and
// shape failures return a *corruptError; entries that fail the record
// invariants are skipped and reported as warnings.
func decodeSnapshot(data []byte) ([]task.Entry, []Warning, error) {
	schema, err := snapshotSchema()
	if err != nil {
		return nil, nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, &corruptError{reason: "parse snapshot", err: err}
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, nil, &corruptError{reason: "validate snapshot", err: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, &corruptError{reason: "decode snapshot", err: err}
	}
	if env.SchemaVersion != task.SchemaVersion {
		return nil, nil, &corruptError{
			reason: "snapshot schema version",
			err:    fmt.Errorf("got %d, want %d", env.SchemaVersion, task.SchemaVersion),
		}
	}

	entries := make([]task.Entry, 0, len(env.Entries))
	var warnings []Warning
	seen := make(map[string]bool, len(env.Entries))
	for i, raw := range env.Entries {
		var entry task.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			warnings = append(warnings, Warning{
				Code:    task.CodePersistenceInvalid,
				Message: fmt.Sprintf("skipped persisted entry %d: %v", i, err),
			})
			continue
		}
		if seen[entry.Record.ID] {
			warnings = append(warnings, Warning{
				Code:    task.CodePersistenceInvalid,
				Message: fmt.Sprintf("skipped persisted entry %d: duplicate task id %s", i, entry.Record.ID),
			})
			continue
		}
		seen[entry.Record.ID] = true
		entries = append(entries, entry)
	}
	return entries, warnings, nil
}

// encodeSnapshot renders snap with entries in a stable order. The output
// is checked against the same schema Load enforces, so a snapshot that
// could not be read back is never written.
func encodeSnapshot(snap task.Snapshot) ([]byte, error) {
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = task.SchemaVersion
	}
	entries := slices.Clone(snap.Entries)
	if entries == nil {
		entries = []task.Entry{}
	}
	for i := range entries {
		if entries[i].Invocation == "" {
			entries[i].Invocation = task.InvocationTaskRouted
		}
	}
	slices.SortStableFunc(entries, func(a, b task.Entry) int {
		if a.Record.StartedAtEpochMs != b.Record.StartedAtEpochMs {
			if a.Record.StartedAtEpochMs < b.Record.StartedAtEpochMs {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Record.ID, b.Record.ID)
	})
	snap.Entries = entries
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	schema, err := snapshotSchema()
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}
