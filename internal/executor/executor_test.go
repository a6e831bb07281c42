package executor

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/value"
	"github.com/arkeep-io/taskctl/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) results(t *testing.T) []wire.ResultPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.ResultPayload
	for _, raw := range f.sent {
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != wire.FrameResult {
			continue
		}
		p, err := wire.DecodeResult(env)
		if err != nil {
			t.Fatalf("decode result: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func mustValue(t *testing.T, v any) value.Value {
	t.Helper()
	val, err := value.FromAny(v)
	if err != nil {
		t.Fatalf("value.FromAny: %v", err)
	}
	return val
}

func TestMaterializeWritesScriptWithExtension(t *testing.T) {
	path, err := materialize("task-1", ".sh", "echo hi")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	defer os.Remove(path)

	if !strings.HasSuffix(path, ".sh") {
		t.Fatalf("expected .sh extension, got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "echo hi" {
		t.Fatalf("unexpected script contents: %q", data)
	}
}

func TestBuildEnvInjectsParamsAndAssetsWithOverride(t *testing.T) {
	params := value.Map{"greeting": mustValue(t, "hello"), "count": mustValue(t, 3)}
	options := value.Map{"greeting": mustValue(t, "overridden")}
	assets := value.Map{"api_key": mustValue(t, "secret")}

	env := buildEnv(params, options, assets)

	want := map[string]string{
		"PARAM_GREETING": "overridden",
		"PARAM_COUNT":     "3",
		"ASSET_API_KEY":   "secret",
	}
	for k, v := range want {
		entry := k + "=" + v
		found := false
		for _, e := range env {
			if e == entry {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected env entry %q, got %v", entry, env)
		}
	}
}

func TestHandleExecuteTaskUnknownInterpreterReportsError(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, zap.NewNop())

	e.HandleExecuteTask(wire.ExecuteTaskPayload{
		TaskID: "t1", RunID: "r1", Name: "bad", Type: "ruby", Script: "puts 1",
	})

	results := sender.results(t)
	if len(results) != 1 {
		t.Fatalf("expected 1 result frame, got %d", len(results))
	}
	if results[0].Status != wire.ResultError {
		t.Fatalf("expected error status, got %s", results[0].Status)
	}
}

func TestHandleExecuteTaskRunsBashScriptToSuccess(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	sender := &fakeSender{}
	e := New(sender, zap.NewNop())

	e.HandleExecuteTask(wire.ExecuteTaskPayload{
		TaskID: "t1", RunID: "r1", Name: "greet", Type: "bash",
		Script: `echo "PARAM_NAME=$PARAM_NAME"`,
		Params: value.Map{"name": mustValue(t, "world")},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.results(t)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	results := sender.results(t)
	if len(results) != 1 {
		t.Fatalf("expected 1 result frame, got %d", len(results))
	}
	r := results[0]
	if r.Status != wire.ResultSuccess {
		t.Fatalf("expected success, got %s stderr=%q", r.Status, r.Stderr)
	}
	if !strings.Contains(r.Stdout, "PARAM_NAME=world") {
		t.Fatalf("expected param injected into env, stdout=%q", r.Stdout)
	}
}

func TestHandleCancelTaskTerminatesRunningScript(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	sender := &fakeSender{}
	e := New(sender, zap.NewNop())

	e.HandleExecuteTask(wire.ExecuteTaskPayload{
		TaskID: "t1", RunID: "r1", Name: "sleep", Type: "bash",
		Script: "sleep 30",
	})
	time.Sleep(100 * time.Millisecond)

	e.HandleCancelTask(wire.CancelTaskPayload{TaskID: "t1", RunID: "r1"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.results(t)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	results := sender.results(t)
	if len(results) != 1 {
		t.Fatalf("expected 1 result frame, got %d", len(results))
	}
	if results[0].Status != wire.ResultError {
		t.Fatalf("expected cancelled run to report error status, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Stderr, "cancelled by user") {
		t.Fatalf("expected cancellation note in stderr, got %q", results[0].Stderr)
	}
}
