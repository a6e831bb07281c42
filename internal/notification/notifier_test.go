package notification

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
)

func TestNotifyRunOutcomeHandlesNilAndAllStatuses(t *testing.T) {
	n := New(zap.NewNop())

	// must not panic on a nil run.
	n.NotifyRunOutcome(nil)

	exitCode := 1
	for _, status := range []string{"success", "error", "cancelled", "running"} {
		run := &db.TaskRun{
			TaskID:     uuid.New(),
			AgentKey:   "agent-1",
			Status:     status,
			ExitCode:   &exitCode,
			DurationMs: 42,
		}
		run.ID = uuid.New()
		n.NotifyRunOutcome(run)
	}
}

func TestNotifyErrorReport(t *testing.T) {
	n := New(zap.NewNop())
	n.NotifyErrorReport("agent reported a panic in its executor loop")
}
