package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/doctor"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("OHM_HOME", home)
	t.Setenv("OHM_SUBAGENT_BACKEND", "none")
	t.Setenv("OHM_SUBAGENTS_ENABLED", "true")
	t.Setenv("OHM_TASK_STORE_PATH", "")
	t.Setenv("OHM_LLM_PROVIDER", "")
	t.Setenv("OHM_LLM_MODEL", "")
	for _, p := range config.KnownProviders() {
		t.Setenv(config.ProviderEnvVar(p), "")
	}
	return home
}

func run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := dispatch(context.Background(), args, strings.NewReader(""), &out)
	return code, out.String()
}

func TestDispatch_UnknownCommand(t *testing.T) {
	setupHome(t)
	if code, _ := run(t, "launch"); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}

func TestRunCommand_ScaffoldLifecycle(t *testing.T) {
	setupHome(t)

	code, out := run(t, "run", "-id", "t1", "-subagent", "finder", "-description", "locate", "where is main")
	if code != 0 {
		t.Fatalf("run code = %d, output:\n%s", code, out)
	}
	if !strings.Contains(out, "t1 succeeded") {
		t.Fatalf("run output = %q", out)
	}

	// A fresh process sees the persisted task.
	code, out = run(t, "status", "t1", "missing")
	if code != 1 {
		t.Fatalf("status code = %d, want 1 for a missing id", code)
	}
	if !strings.Contains(out, "succeeded") || !strings.Contains(out, string(task.CodeUnknownTask)) {
		t.Fatalf("status output = %q", out)
	}

	code, out = run(t, "list")
	if code != 0 || !strings.Contains(out, "t1") {
		t.Fatalf("list = %d %q", code, out)
	}

	code, out = run(t, "cancel", "t1")
	if code != 0 || !strings.Contains(out, "already succeeded") {
		t.Fatalf("cancel = %d %q", code, out)
	}
}

func TestRunCommand_JSON(t *testing.T) {
	setupHome(t)
	code, out := run(t, "run", "-json", "-subagent", "oracle", "review the plan")
	if code != 0 {
		t.Fatalf("code = %d, output:\n%s", code, out)
	}
	var entry task.Entry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if entry.Record.State != task.StateSucceeded || entry.Record.SubagentType != "oracle" {
		t.Fatalf("entry = %+v", entry.Record)
	}
	if entry.Invocation != task.InvocationPrimaryTool {
		t.Fatalf("invocation = %q", entry.Invocation)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	setupHome(t)
	if code, _ := run(t, "run", "-subagent", "poet", "write"); code != 1 {
		t.Fatalf("unknown subagent code = %d, want 1", code)
	}
	if code, _ := run(t, "run", "-bogus"); code != 2 {
		t.Fatalf("bad flag code = %d, want 2", code)
	}

	t.Setenv("OHM_SUBAGENTS_ENABLED", "false")
	if code, _ := run(t, "run", "anything"); code != 1 {
		t.Fatalf("disabled code = %d, want 1", code)
	}
}

func TestSessionCommand(t *testing.T) {
	setupHome(t)
	var out bytes.Buffer
	in := strings.NewReader("first prompt\n\n/status\nmore please\n")
	code := dispatch(context.Background(), []string{"session", "-subagent", "task"}, in, &out)
	if code != 0 {
		t.Fatalf("code = %d, output:\n%s", code, out.String())
	}
	if !strings.HasPrefix(out.String(), "started ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestBatchCommand(t *testing.T) {
	home := setupHome(t)
	path := filepath.Join(home, "review.yaml")
	data := `
tasks:
  - id: find
    subagent: finder
    prompt: locate the config loader
  - id: review
    subagent: oracle
    prompt: "review {find.output}"
    depends_on: [find]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out := run(t, "batch", path)
	if code != 0 {
		t.Fatalf("code = %d, output:\n%s", code, out)
	}
	if !strings.Contains(out, "review: 2 item(s), 0 failed") {
		t.Fatalf("output = %q", out)
	}

	if code, _ := run(t, "batch"); code != 2 {
		t.Fatalf("missing file arg code = %d, want 2", code)
	}
}

func TestProfileCommand(t *testing.T) {
	setupHome(t)
	code, out := run(t, "profile", "-model", "anthropic/claude-sonnet-4-5")
	if code != 0 || !strings.HasPrefix(out, "anthropic") {
		t.Fatalf("profile = %d %q", code, out)
	}

	code, out = run(t, "profile", "-json", "-rules")
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var got struct {
		Resolution struct {
			Profile string `json:"profile"`
			Reason  string `json:"reason"`
		} `json:"resolution"`
		Rules []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Resolution.Profile != "generic" || len(got.Rules) == 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestCatalogCommand(t *testing.T) {
	setupHome(t)
	code, out := run(t, "catalog")
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	for _, id := range []string{"finder", "oracle", "librarian", "task"} {
		if !strings.Contains(out, id) {
			t.Fatalf("catalog output missing %s: %q", id, out)
		}
	}
}

func TestMaintainCommand_Once(t *testing.T) {
	setupHome(t)
	code, out := run(t, "maintain", "-once")
	if code != 0 || !strings.Contains(out, "0 task(s) evicted") {
		t.Fatalf("maintain = %d %q", code, out)
	}
	if code, _ := run(t, "maintain", "-once", "-cron", "not a schedule"); code != 1 {
		t.Fatalf("bad cron code = %d, want 1", code)
	}
}

func TestDiagnosticsCommand(t *testing.T) {
	setupHome(t)
	code, out := run(t, "diagnostics")
	if code != 0 || !strings.Contains(out, "no diagnostics") {
		t.Fatalf("diagnostics = %d %q", code, out)
	}
}

func TestDoctorCommand_JSON(t *testing.T) {
	setupHome(t)
	code, out := run(t, "doctor", "-json")
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 || diag.System.Version != Version {
		t.Fatalf("diag = %+v", diag)
	}
}

// seedRunningTask writes a snapshot holding one running task, as an
// owning process would, and returns the snapshot path.
func seedRunningTask(t *testing.T, home, id string) string {
	t.Helper()
	path := filepath.Join(home, "tasks.json")
	st := store.New(context.Background(), store.Options{Port: persistence.NewFilePort(path)})
	if _, err := st.CreateTask(id, catalog.Definition{ID: "finder"}, "", "p", "interactive-shell", task.InvocationPrimaryTool); err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkRunning(id, "running"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeList(t *testing.T, out string) []task.Entry {
	t.Helper()
	var entries []task.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	return entries
}

func TestStoreOwnedByAnotherProcess(t *testing.T) {
	home := setupHome(t)
	path := seedRunningTask(t, home, "a1")
	lock, err := persistence.AcquireOwner(path)
	if err != nil {
		t.Fatalf("AcquireOwner: %v", err)
	}

	code, out := run(t, "list", "-json")
	if code != 0 {
		t.Fatalf("list code = %d", code)
	}
	entries := decodeList(t, out)
	if len(entries) != 1 || entries[0].Record.State != task.StateRunning {
		t.Fatalf("reader should see the owner's running task untouched: %+v", entries)
	}

	if code, out := run(t, "status", "a1"); code != 0 || !strings.Contains(out, "running") {
		t.Fatalf("status = %d %q", code, out)
	}
	if code, out := run(t, "diagnostics"); code != 0 || !strings.Contains(out, "read-only") {
		t.Fatalf("diagnostics = %d %q", code, out)
	}
	if code, _ := run(t, "cancel", "a1"); code != 1 {
		t.Fatalf("cancel code = %d, want 1 while another process owns the store", code)
	}
	if code, _ := run(t, "run", "-subagent", "finder", "anything"); code != 1 {
		t.Fatalf("run code = %d, want 1 while another process owns the store", code)
	}

	res, err := persistence.NewFilePort(path).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Record.State != task.StateRunning {
		t.Fatalf("snapshot changed while owned elsewhere: %+v", res.Entries)
	}

	// Once the owner is gone the next process claims the store and fails
	// the orphaned task.
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	code, out = run(t, "list", "-json")
	if code != 0 {
		t.Fatalf("list code = %d", code)
	}
	entries = decodeList(t, out)
	if len(entries) != 1 || entries[0].Record.State != task.StateFailed ||
		entries[0].Record.Terminal.LastErrorCode != task.CodeRehydrated {
		t.Fatalf("orphan not failed after owner exit: %+v", entries)
	}
}

func TestMaintainCommand_SkipsOwnedStore(t *testing.T) {
	home := setupHome(t)
	path := seedRunningTask(t, home, "a1")
	lock, err := persistence.AcquireOwner(path)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	code, out := run(t, "maintain", "-once")
	if code != 0 || !strings.Contains(out, "0 task(s) evicted") {
		t.Fatalf("maintain = %d %q", code, out)
	}
	res, err := persistence.NewFilePort(path).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Record.State != task.StateRunning {
		t.Fatalf("maintenance touched an owned snapshot: %+v", res.Entries)
	}
}
