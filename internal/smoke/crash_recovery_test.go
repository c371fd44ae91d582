package smoke

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// A task that is running when its process is killed must come back
// failed, never running.
func TestSmoke_KilledRunningTaskIsFailedOnRestart(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1) as the shell backend")
	}
	bin := buildOhmtaskBinary(t)
	home := t.TempDir()

	cfg := "subagents:\n  backend: interactive-shell\nshell:\n  command: sleep\n  args: [\"30\"]\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	session := exec.Command(bin, "session", "-subagent", "task", "long running job")
	session.Env = ohmtaskEnv(home)
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdin.Close()
	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	snapshot := filepath.Join(home, "tasks.json")
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, _ := os.ReadFile(snapshot)
		if bytes.Contains(data, []byte(`"running"`)) {
			break
		}
		if time.Now().After(deadline) {
			_ = session.Process.Kill()
			_ = session.Wait()
			t.Fatalf("task never persisted as running\noutput=%s", out.String())
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := session.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_ = session.Wait()

	list := exec.Command(bin, "list", "-json")
	list.Env = ohmtaskEnv(home)
	raw, err := list.Output()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var entries []task.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode list: %v\n%s", err, raw)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	rec := entries[0].Record
	if rec.State != task.StateFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if rec.Terminal.LastErrorCode != task.CodeRehydrated {
		t.Fatalf("error code = %s, want %s", rec.Terminal.LastErrorCode, task.CodeRehydrated)
	}
	if !strings.Contains(rec.Terminal.LastErrorMessage, "running") {
		t.Fatalf("error message = %q", rec.Terminal.LastErrorMessage)
	}
}
