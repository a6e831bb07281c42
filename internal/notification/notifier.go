// Package notification implements the fire-and-forget Notifier contract
// (SPEC_FULL.md §6): the Task Manager calls NotifyRunOutcome and
// NotifyErrorReport without waiting on or reacting to their outcome.
// Delivery to an operator chat interface or outbound webhook is an external
// collaborator out of scope here; this package's job stops at structured
// logging, which downstream log shipping can fan out from.
package notification

import (
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
)

// Logger is a Notifier that records run outcomes and error reports as
// structured log events, grounded on the teacher's notification.Service
// dispatch pattern minus the email/webhook/hub fan-out those required but
// this module's spec places out of scope.
type Logger struct {
	logger *zap.Logger
}

// New builds a Notifier backed by the given base logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("notification")}
}

// NotifyRunOutcome logs a task run's terminal (or just-dispatched) status.
// Per the Notifier contract this never returns an error and never blocks
// the caller on an external system.
func (n *Logger) NotifyRunOutcome(run *db.TaskRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("task_id", run.TaskID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("agent_key", run.AgentKey),
		zap.String("status", run.Status),
	}
	if run.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *run.ExitCode))
	}
	if run.DurationMs > 0 {
		fields = append(fields, zap.Int64("duration_ms", run.DurationMs))
	}

	switch run.Status {
	case "error":
		n.logger.Error("run outcome", fields...)
	case "cancelled":
		n.logger.Warn("run outcome", fields...)
	default:
		n.logger.Info("run outcome", fields...)
	}
}

// NotifyErrorReport logs an agent_error frame's payload. logFile carries the
// error text (or log file reference) the agent reported, per the Notifier
// contract's naming.
func (n *Logger) NotifyErrorReport(logFile string) {
	n.logger.Warn("agent error report", zap.String("detail", logFile))
}
