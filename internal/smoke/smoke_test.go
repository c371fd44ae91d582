package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildOhmtaskBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("binary smoke tests are skipped in -short mode")
	}
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "ohmtask")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/ohmtask")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/ohmtask failed: %v\n%s", err, buf.String())
	}
	return outPath
}

// ohmtaskEnv isolates the binary from the caller's home and provider keys.
func ohmtaskEnv(home string, extra ...string) []string {
	env := []string{"OHM_HOME=" + home}
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, "OHM_") || strings.HasSuffix(k, "_API_KEY") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

func TestSmoke_BuildsOhmtaskBinary(t *testing.T) {
	bin := buildOhmtaskBinary(t)
	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}

func TestSmoke_LogsAreStructuredJSON(t *testing.T) {
	bin := buildOhmtaskBinary(t)
	home := t.TempDir()

	cmd := exec.Command(bin, "run", "-subagent", "finder", "where is the store")
	cmd.Env = ohmtaskEnv(home, "OHM_SUBAGENT_BACKEND=none")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	components := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", scanner.Text())
		}
		for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
			if _, ok := entry[key]; !ok {
				t.Fatalf("log line missing %q: %q", key, scanner.Text())
			}
		}
		components[entry["component"].(string)] = true
	}
	for _, want := range []string{"engine", "task_store"} {
		if !components[want] {
			t.Fatalf("no log lines from component %q (saw %v)", want, components)
		}
	}

	audit, err := os.ReadFile(filepath.Join(home, "logs", "task_audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	if !strings.Contains(string(audit), `"event":"task.completed"`) {
		t.Fatalf("audit trail missing completion: %s", audit)
	}
}
