// Package executor implements the agent-side Agent Executor
// (SPEC_FULL.md §4.E): materializes a task's script to a temp file, runs it
// under the named interpreter with parameters and assets injected as
// environment variables, enforces a wall-clock timeout, and reports the
// outcome as a result frame.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/value"
	"github.com/arkeep-io/taskctl/internal/wire"
)

// wallClockTimeout bounds a single run. On expiry the interpreter is sent
// SIGTERM and the run is reported with exit code 124, per §4.E step 4.
const wallClockTimeout = 15 * time.Minute

// interpreters maps a task's declared type to the binary and file extension
// used to materialize and run its script.
var interpreters = map[string]struct {
	bin string
	ext string
}{
	"bash":   {bin: "bash", ext: ".sh"},
	"python": {bin: "python", ext: ".py"},
	"node":   {bin: "node", ext: ".js"},
}

// Sender delivers outbound frames (result, agent_error) to the controller.
// Implemented by agentconn.Conn.
type Sender interface {
	Send(frame []byte) error
}

// running tracks one in-flight execution so CancelTask can locate and
// terminate it by task id.
type running struct {
	cancel context.CancelFunc
	runID  string
}

// Executor runs at most one execution per task id concurrently, per §4.E.
type Executor struct {
	sender Sender
	logger *zap.Logger

	mu     sync.Mutex
	byTask map[string]*running
}

// New builds an Executor that reports outcomes through sender.
func New(sender Sender, logger *zap.Logger) *Executor {
	return &Executor{
		sender: sender,
		logger: logger.Named("executor"),
		byTask: make(map[string]*running),
	}
}

// HandleExecuteTask implements agentconn.Dispatcher. It validates the
// interpreter type and spawns the run in a goroutine so the read pump is
// never blocked by a long-running script.
func (e *Executor) HandleExecuteTask(p wire.ExecuteTaskPayload) {
	interp, ok := interpreters[p.Type]
	if !ok {
		e.sendResult(p, wire.ResultError, nil, "", fmt.Sprintf("unknown interpreter type %q", p.Type), 0)
		return
	}

	e.mu.Lock()
	if _, busy := e.byTask[p.TaskID]; busy {
		e.mu.Unlock()
		e.sendResult(p, wire.ResultError, nil, "", "a run is already in progress for this task", 0)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wallClockTimeout)
	e.byTask[p.TaskID] = &running{cancel: cancel, runID: p.RunID}
	e.mu.Unlock()

	go e.run(ctx, cancel, interp.bin, interp.ext, p)
}

// HandleCancelTask implements agentconn.Dispatcher. It locates the running
// process by task id and cancels its context, which sends SIGTERM.
func (e *Executor) HandleCancelTask(p wire.CancelTaskPayload) {
	e.mu.Lock()
	r, ok := e.byTask[p.TaskID]
	e.mu.Unlock()
	if !ok || r.runID != p.RunID {
		return
	}
	r.cancel()
}

// run materializes the script, spawns the interpreter, and reports the
// outcome. Always removes the task's running entry before returning.
func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, bin, ext string, p wire.ExecuteTaskPayload) {
	defer cancel()
	defer func() {
		e.mu.Lock()
		delete(e.byTask, p.TaskID)
		e.mu.Unlock()
	}()

	scriptPath, err := materialize(p.TaskID, ext, p.Script)
	if err != nil {
		e.sendResult(p, wire.ResultError, nil, "", fmt.Sprintf("failed to materialize script: %v", err), 0)
		return
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, bin, scriptPath)
	cmd.Env = buildEnv(p.Params, p.Options.Params, p.Assets)
	// Default ctx-cancellation kills with SIGKILL; the spec wants SIGTERM on
	// both timeout and explicit cancel so the interpreter can trap and clean up.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	stderrText := stderr.String()
	var exitCode int
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		exitCode = 124
		stderrText = appendNote(stderrText, "timed out")
	case ctx.Err() == context.Canceled:
		exitCode = 143
		stderrText = appendNote(stderrText, "cancelled by user")
	case err == nil:
		exitCode = 0
	default:
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	status := wire.ResultSuccess
	if exitCode != 0 {
		status = wire.ResultError
	}

	code := exitCode
	e.sendResult(p, status, &code, stdout.String(), stderrText, duration.Milliseconds())
}

func appendNote(stderr, note string) string {
	if stderr == "" {
		return note
	}
	return stderr + "\n" + note
}

// materialize writes script to a uniquely-named temp file with the
// interpreter-appropriate extension, per §4.E step 2.
func materialize(taskID, ext, script string) (string, error) {
	f, err := os.CreateTemp("", "taskctl-"+taskID+"-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(script); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// buildEnv constructs inherited env ⊕ PARAM_<KEY> ⊕ ASSET_<KEY>, per §4.E
// step 3. options override the task's own params before injection.
func buildEnv(params, optionsParams, assets value.Map) []string {
	merged := value.Merge(params, optionsParams)

	env := os.Environ()
	for _, k := range merged.SortedKeys() {
		env = append(env, fmt.Sprintf("PARAM_%s=%s", value.EnvKey(k), merged[k].EnvString()))
	}
	for _, k := range assets.SortedKeys() {
		env = append(env, fmt.Sprintf("ASSET_%s=%s", value.EnvKey(k), assets[k].EnvString()))
	}
	return env
}

func (e *Executor) sendResult(p wire.ExecuteTaskPayload, status wire.ResultStatus, exitCode *int, stdout, stderr string, durationMs int64) {
	frame, err := wire.EncodeResult(wire.ResultPayload{
		TaskID:     p.TaskID,
		RunID:      p.RunID,
		Name:       p.Name,
		Status:     status,
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: durationMs,
	})
	if err != nil {
		e.logger.Error("failed to encode result frame", zap.String("task_id", p.TaskID), zap.Error(err))
		return
	}
	if err := e.sender.Send(frame); err != nil {
		e.logger.Warn("failed to send result frame", zap.String("task_id", p.TaskID), zap.Error(err))
	}
}
