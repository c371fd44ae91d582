package backend

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// DefaultTimeout applies when no override is configured.
const DefaultTimeout = 180 * time.Second

// EnvTimeout is the global execution timeout override in milliseconds.
const EnvTimeout = "OHM_SUBAGENT_TIMEOUT_MS"

// timeoutFloors hold minimums for subagents known to run long. They apply
// even when an override asks for less.
var timeoutFloors = map[string]time.Duration{
	"oracle":    300 * time.Second,
	"librarian": 3600 * time.Second,
}

// LookupEnv matches os.LookupEnv.
type LookupEnv func(string) (string, bool)

// SubagentTimeoutEnv names the per-subagent override, for example
// OHM_SUBAGENT_ORACLE_TIMEOUT_MS.
func SubagentTimeoutEnv(subagentID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(subagentID))
	return "OHM_SUBAGENT_" + id + "_TIMEOUT_MS"
}

// ResolveTimeout picks the per-subagent override, then the global one,
// then DefaultTimeout, and finally raises the result to the subagent's
// floor. Invalid or non-positive overrides are ignored.
func ResolveTimeout(subagentID string, lookup LookupEnv) time.Duration {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	timeout := DefaultTimeout
	if d, ok := envMillis(lookup, SubagentTimeoutEnv(subagentID)); ok {
		timeout = d
	} else if d, ok := envMillis(lookup, EnvTimeout); ok {
		timeout = d
	}
	if floor, ok := timeoutFloors[strings.ToLower(subagentID)]; ok {
		timeout = max(timeout, floor)
	}
	return timeout
}

func envMillis(lookup LookupEnv, key string) (time.Duration, bool) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// TimeoutError reports an execution that ran out of time, naming both
// overrides as remediation.
func TimeoutError(taskID, subagentID string, timeout time.Duration) *task.Error {
	e := task.Errorf(task.CodeBackendTimeout, "task %s timed out after %s", taskID, timeout)
	e.TaskID = taskID
	e.Remediation = "raise " + SubagentTimeoutEnv(subagentID) + " or " + EnvTimeout + " (milliseconds)"
	return e
}
