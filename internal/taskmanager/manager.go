// Package taskmanager implements the Task Manager (SPEC_FULL.md §4.C): the
// authoritative run orchestrator sitting between the Scheduler, the
// Connection Gateway, and the Repository.
package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/registry"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/value"
	"github.com/arkeep-io/taskctl/internal/wire"
)

// sendTimeout bounds how long dispatch waits for the registry to accept a
// frame before treating the run as failed (§4.C dispatch, §5).
const sendTimeout = 5 * time.Second

// retryBackoffs are the delays between successive attempts of a run-state
// mutation, per §4.C / §5 "Store retries: 3 attempts, exponential
// 0.5/1/2 s" — one initial attempt plus up to three retries.
var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Notifier is the fire-and-forget outbound notification contract (§6). The
// core never imports a concrete implementation, only this interface.
type Notifier interface {
	NotifyRunOutcome(run *db.TaskRun)
	NotifyErrorReport(logFile string)
}

// RunOptions carries per-dispatch overrides, merged over the task's own
// parameters (§4.C dispatch: "task.params ⊕ options.params").
type RunOptions struct {
	Params value.Map
}

type runningEntry struct {
	task     db.Task
	run      db.TaskRun
	agentKey string
}

type queuedEntry struct {
	task    db.Task
	run     db.TaskRun
	options RunOptions
}

// Manager is the Task Manager. The zero value is not usable — use New.
type Manager struct {
	store    *repository.Store
	registry *registry.Registry
	notifier Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runningEntry // keyed by run id
	pending map[uuid.UUID]*queuedEntry  // keyed by task id
}

// New constructs a Manager. Call Start once the repository is ready, before
// accepting any agent connections.
func New(store *repository.Store, reg *registry.Registry, notifier Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: reg,
		notifier: notifier,
		logger:   logger.Named("taskmanager"),
		running:  make(map[uuid.UUID]*runningEntry),
		pending:  make(map[uuid.UUID]*queuedEntry),
	}
}

// Start performs the §4.C startup reconciliation: every run stranded in
// status=running is rewritten to status=error. No in-memory recovery beyond
// this — prior in-flight work is intentionally dropped.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.Runs.UpdateAllStatus(ctx, "running", "error", "interrupted by controller restart", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("taskmanager: startup reconciliation: %w", err)
	}
	if n > 0 {
		m.logger.Warn("startup reconciliation rewrote stranded runs", zap.Int64("count", n))
	}
	return nil
}

// RunTask implements the §4.C runTask contract: validates the task exists,
// rejects a concurrent pending/running run, creates a pending run, and
// queues it.
func (m *Manager) RunTask(ctx context.Context, taskID uuid.UUID, options RunOptions) (*db.TaskRun, error) {
	task, err := m.store.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: run task: %w", err)
	}

	existing, err := m.store.Runs.ListByTaskStatuses(ctx, taskID, []string{"pending", "running"})
	if err != nil {
		return nil, fmt.Errorf("taskmanager: run task: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrAlreadyRunning
	}

	run := &db.TaskRun{TaskID: taskID, AgentKey: task.AgentKey, Status: "pending"}
	if err := m.store.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("taskmanager: run task: %w", err)
	}

	m.queue(ctx, *task, *run, options)
	return run, nil
}

// queue implements the §4.C queue contract: dispatch immediately if the
// dependency gate is satisfied and the target agent is online, otherwise
// hold the entry for a later rescan.
func (m *Manager) queue(ctx context.Context, task db.Task, run db.TaskRun, options RunOptions) {
	satisfied, err := m.dependencySatisfied(ctx, task.ID)
	if err != nil {
		m.logger.Error("dependency gate evaluation failed", zap.String("task_id", task.ID.String()), zap.Error(err))
		satisfied = false
	}

	if satisfied && m.registry.IsOnline(task.AgentKey) {
		m.dispatch(ctx, task, run, options)
		return
	}

	m.mu.Lock()
	m.pending[task.ID] = &queuedEntry{task: task, run: run, options: options}
	m.mu.Unlock()
}

// dispatch implements the §4.C dispatch contract: flip the run to running,
// build the EXECUTE_TASK frame, and send it. A send failure or timeout is
// treated as a task error (not an agent error), so downstream on:error
// edges still fire.
func (m *Manager) dispatch(ctx context.Context, task db.Task, run db.TaskRun, options RunOptions) {
	startedAt := time.Now().UTC()
	run.Status = "running"
	run.StartedAt = &startedAt

	if err := m.persistRun(ctx, &run); err != nil {
		m.logger.Error("failed to mark run running", zap.String("run_id", run.ID.String()), zap.Error(err))
		m.failDispatch(ctx, run, fmt.Sprintf("failed to persist running state: %v", err))
		return
	}

	payload, err := m.buildExecutePayload(ctx, task, run, options)
	if err != nil {
		m.failDispatch(ctx, run, fmt.Sprintf("failed to build dispatch payload: %v", err))
		return
	}

	frame, err := wire.EncodeExecuteTask(payload)
	if err != nil {
		m.failDispatch(ctx, run, fmt.Sprintf("failed to encode dispatch frame: %v", err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	sent, sendErr := m.sendWithTimeout(sendCtx, task.AgentKey, frame)
	cancel()
	if sendErr != nil || !sent {
		reason := "agent offline"
		if sendErr != nil {
			reason = sendErr.Error()
		}
		m.failDispatch(ctx, run, fmt.Sprintf("failed to dispatch: %s", reason))
		return
	}

	m.mu.Lock()
	m.running[run.ID] = &runningEntry{task: task, run: run, agentKey: task.AgentKey}
	m.mu.Unlock()

	m.notifier.NotifyRunOutcome(&run)
	m.logger.Info("task dispatched",
		zap.String("task_id", task.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("agent_key", task.AgentKey),
	)
}

// sendWithTimeout bounds the registry send by sendCtx, matching §5's 5 s
// dispatch timeout even though the registry's own send is non-blocking.
func (m *Manager) sendWithTimeout(ctx context.Context, agentKey string, frame []byte) (bool, error) {
	type outcome struct {
		sent bool
		err  error
	}
	resCh := make(chan outcome, 1)
	go func() {
		sent, err := m.registry.Send(agentKey, frame)
		resCh <- outcome{sent, err}
	}()
	select {
	case r := <-resCh:
		return r.sent, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// failDispatch records a dispatch-time failure as a terminal run error and
// runs it through the ordinary completion path so downstream edges fire.
func (m *Manager) failDispatch(ctx context.Context, run db.TaskRun, stderr string) {
	m.finishRun(ctx, run, "error", stderr)
}

// buildExecutePayload assembles the EXECUTE_TASK body: task params merged
// with per-dispatch overrides, plus a fresh snapshot of every asset.
func (m *Manager) buildExecutePayload(ctx context.Context, task db.Task, run db.TaskRun, options RunOptions) (wire.ExecuteTaskPayload, error) {
	var taskParams map[string]any
	if task.Params != "" {
		if err := json.Unmarshal([]byte(task.Params), &taskParams); err != nil {
			return wire.ExecuteTaskPayload{}, fmt.Errorf("decode task params: %w", err)
		}
	}
	baseParams, err := value.MapFromAny(taskParams)
	if err != nil {
		return wire.ExecuteTaskPayload{}, fmt.Errorf("convert task params: %w", err)
	}

	assets, err := m.store.Assets.List(ctx)
	if err != nil {
		return wire.ExecuteTaskPayload{}, fmt.Errorf("load asset snapshot: %w", err)
	}
	assetMap := make(value.Map, len(assets))
	for _, a := range assets {
		v, err := assetValue(a.Value)
		if err != nil {
			return wire.ExecuteTaskPayload{}, fmt.Errorf("decode asset %q: %w", a.Key, err)
		}
		assetMap[a.Key] = v
	}

	return wire.ExecuteTaskPayload{
		TaskID:  task.ID.String(),
		RunID:   run.ID.String(),
		Name:    task.Name,
		Type:    task.InterpreterKind,
		Script:  task.Script,
		Params:  value.Merge(baseParams, options.Params),
		Assets:  assetMap,
		Options: wire.ExecOptions{Params: options.Params},
	}, nil
}

// assetValue decodes a decrypted asset value as JSON when it parses as one
// (letting an asset carry an array, object, or number), falling back to a
// plain string value otherwise.
func assetValue(raw db.EncryptedString) (value.Value, error) {
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err == nil {
		return value.FromAny(probe)
	}
	return value.FromAny(string(raw))
}

// OnResult implements gateway.Orchestrator: locates the running run for the
// reported task, persists its outcome, and runs it through completion.
func (m *Manager) OnResult(agentID string, payload wire.ResultPayload) {
	ctx := context.Background()

	taskID, err := uuid.Parse(payload.TaskID)
	if err != nil {
		m.logger.Warn("result frame with invalid task id", zap.String("agent_id", agentID), zap.String("task_id", payload.TaskID))
		return
	}

	m.mu.Lock()
	entry, ok := m.findRunningByTaskID(taskID)
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("result for task with no running entry, dropping", zap.String("task_id", payload.TaskID))
		return
	}

	status := "error"
	if payload.Status == wire.ResultSuccess {
		status = "success"
	}

	run := entry.run
	run.ExitCode = payload.ExitCode
	run.Stdout = payload.Stdout
	run.Stderr = payload.Stderr
	if payload.DurationMs > 0 {
		run.DurationMs = payload.DurationMs
	} else if run.StartedAt != nil {
		run.DurationMs = time.Now().UTC().Sub(*run.StartedAt).Milliseconds()
	}

	m.finishRun(ctx, run, status, run.Stderr)
}

// finishRun persists a run's terminal state, notifies, and drives
// completion fan-out.
func (m *Manager) finishRun(ctx context.Context, run db.TaskRun, status, stderr string) {
	finishedAt := time.Now().UTC()
	run.Status = status
	run.Stderr = stderr
	run.FinishedAt = &finishedAt
	if run.StartedAt != nil && run.DurationMs == 0 {
		run.DurationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	if err := m.persistRun(ctx, &run); err != nil {
		m.logger.Error("failed to persist run outcome", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}

	m.notifier.NotifyRunOutcome(&run)
	m.onComplete(ctx, run)
}

// persistRun writes run inside a transaction with the §4.C/§5 retry
// discipline.
func (m *Manager) persistRun(ctx context.Context, run *db.TaskRun) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return m.store.Transaction(ctx, func(ctx context.Context) error {
			return repository.StoreFromContext(ctx, m.store).Runs.Update(ctx, run)
		})
	})
}

// onComplete implements the §4.C onComplete contract: drop the run from
// `running`, fan out to downstream edges whose condition matches the
// terminal status, then re-scan the queue.
func (m *Manager) onComplete(ctx context.Context, run db.TaskRun) {
	m.mu.Lock()
	delete(m.running, run.ID)
	m.mu.Unlock()

	m.fanOut(ctx, run, func(condition string) bool {
		return conditionMatches(condition, run.Status)
	})
	m.rescanQueue(ctx)
}

// fanOut creates and queues a downstream run for every outgoing dependency
// edge of run.TaskID whose condition satisfies match.
func (m *Manager) fanOut(ctx context.Context, run db.TaskRun, match func(condition string) bool) {
	children, err := m.store.Dependencies.ListByParent(ctx, run.TaskID)
	if err != nil {
		m.logger.Error("failed to list dependent tasks", zap.String("task_id", run.TaskID.String()), zap.Error(err))
		return
	}

	for _, edge := range children {
		if !match(edge.Condition) {
			continue
		}
		child, err := m.store.Tasks.GetByID(ctx, edge.ChildTaskID)
		if err != nil {
			m.logger.Warn("dependent task not found", zap.String("child_task_id", edge.ChildTaskID.String()), zap.Error(err))
			continue
		}
		childRun := &db.TaskRun{TaskID: child.ID, AgentKey: child.AgentKey, Status: "pending"}
		if err := m.store.Runs.Create(ctx, childRun); err != nil {
			m.logger.Error("failed to create downstream run", zap.String("child_task_id", child.ID.String()), zap.Error(err))
			continue
		}
		m.queue(ctx, *child, *childRun, RunOptions{})
	}
}

// rescanQueue re-evaluates every queued entry, dispatching any whose
// dependency gate is now satisfied and whose target agent is online.
func (m *Manager) rescanQueue(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*queuedEntry, 0, len(m.pending))
	for _, e := range m.pending {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		satisfied, err := m.dependencySatisfied(ctx, e.task.ID)
		if err != nil || !satisfied || !m.registry.IsOnline(e.task.AgentKey) {
			continue
		}
		m.mu.Lock()
		_, stillQueued := m.pending[e.task.ID]
		if stillQueued {
			delete(m.pending, e.task.ID)
		}
		m.mu.Unlock()
		if stillQueued {
			m.dispatch(ctx, e.task, e.run, e.options)
		}
	}
}

// OnAgentConnect implements the §4.C onAgentConnect contract: dispatch any
// queued entry targeting this agent whose dependencies are now satisfied.
func (m *Manager) OnAgentConnect(agentID string) {
	ctx := context.Background()

	m.mu.Lock()
	var candidates []*queuedEntry
	for _, e := range m.pending {
		if e.task.AgentKey == agentID {
			candidates = append(candidates, e)
		}
	}
	m.mu.Unlock()

	for _, e := range candidates {
		satisfied, err := m.dependencySatisfied(ctx, e.task.ID)
		if err != nil || !satisfied {
			continue
		}
		m.mu.Lock()
		_, stillQueued := m.pending[e.task.ID]
		if stillQueued {
			delete(m.pending, e.task.ID)
		}
		m.mu.Unlock()
		if stillQueued {
			m.dispatch(ctx, e.task, e.run, e.options)
		}
	}
}

// OnAgentDisconnect implements the §4.C onAgentDisconnect contract: every
// running entry bound to this agent becomes an error run. Downstream edges
// fire only for the explicit on:error condition — unlike onComplete, an
// always/on:success edge does not fire here.
func (m *Manager) OnAgentDisconnect(agentID string) {
	ctx := context.Background()

	m.mu.Lock()
	var affected []db.TaskRun
	for runID, e := range m.running {
		if e.agentKey == agentID {
			affected = append(affected, e.run)
			delete(m.running, runID)
		}
	}
	m.mu.Unlock()

	for _, run := range affected {
		finishedAt := time.Now().UTC()
		run.Status = "error"
		run.Stderr = "agent disconnected"
		run.FinishedAt = &finishedAt
		if run.StartedAt != nil {
			run.DurationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
		}

		if err := m.persistRun(ctx, &run); err != nil {
			m.logger.Error("failed to persist disconnect error", zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		m.notifier.NotifyRunOutcome(&run)

		m.fanOut(ctx, run, func(condition string) bool { return condition == "on:error" })
		m.rescanQueue(ctx)
	}
}

// CancelTask implements the §4.C cancelTask contract. Returns false without
// error if no running entry exists for taskID.
func (m *Manager) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	entry, ok := m.findRunningByTaskID(taskID)
	if ok {
		delete(m.running, entry.run.ID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	m.sendCancel(entry.agentKey, entry.task.ID, entry.run.ID)

	run := entry.run
	finishedAt := time.Now().UTC()
	run.Status = "cancelled"
	run.Stderr = "cancelled by user"
	run.FinishedAt = &finishedAt
	if run.StartedAt != nil {
		run.DurationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	if err := m.persistRun(ctx, &run); err != nil {
		return true, fmt.Errorf("taskmanager: cancel task: %w", err)
	}
	m.notifier.NotifyRunOutcome(&run)
	return true, nil
}

func (m *Manager) sendCancel(agentKey string, taskID, runID uuid.UUID) {
	frame, err := wire.EncodeCancelTask(wire.CancelTaskPayload{TaskID: taskID.String(), RunID: runID.String()})
	if err != nil {
		m.logger.Error("failed to encode cancel frame", zap.Error(err))
		return
	}
	if _, err := m.registry.Send(agentKey, frame); err != nil {
		m.logger.Warn("failed to send cancel frame", zap.String("agent_key", agentKey), zap.Error(err))
	}
}

// findRunningByTaskID must be called with m.mu held.
func (m *Manager) findRunningByTaskID(taskID uuid.UUID) (*runningEntry, bool) {
	for _, e := range m.running {
		if e.task.ID == taskID {
			return e, true
		}
	}
	return nil, false
}

// NotifyErrorReport implements gateway.ErrorSink: an agent_error frame is
// surfaced to the Notifier using the reported error text as the log
// reference (the only content an agent_error frame carries).
func (m *Manager) NotifyErrorReport(agentID string, payload wire.AgentErrorPayload) {
	m.logger.Warn("agent error report", zap.String("agent_id", agentID), zap.String("level", payload.Level), zap.String("error", payload.Error))
	m.notifier.NotifyErrorReport(payload.Error)
}

// withRetry runs fn with the §4.C/§5 transaction retry discipline: one
// initial attempt plus up to three retries with exponential backoff.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= len(retryBackoffs) {
			return err
		}
		select {
		case <-time.After(retryBackoffs[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
