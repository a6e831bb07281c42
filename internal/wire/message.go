// Package wire defines the JSON frame protocol exchanged between the
// controller's Connection Gateway and the agent-side executor
// (SPEC_FULL.md §6).
package wire

import (
	"encoding/json"

	"github.com/arkeep-io/taskctl/internal/value"
)

// FrameType discriminates the frame payload, carried in an Envelope's Type
// field.
type FrameType string

const (
	// FrameInit is the first frame sent by an agent during handshake.
	FrameInit FrameType = "init"
	// FrameExecuteTask is sent controller -> agent to start a run.
	FrameExecuteTask FrameType = "EXECUTE_TASK"
	// FrameCancelTask is sent controller -> agent to abort a running task.
	FrameCancelTask FrameType = "CANCEL_TASK"
	// FrameResult is sent agent -> controller with a run's outcome.
	FrameResult FrameType = "result"
	// FrameAgentError is sent agent -> controller to report an executor-side
	// error unrelated to any single run.
	FrameAgentError FrameType = "agent_error"
)

// CloseCode enumerates the gateway's coded close reasons (§4.B, §6).
type CloseCode int

const (
	CloseNormal            CloseCode = 1000
	CloseInvalidFrame      CloseCode = 4000
	CloseBadHandshake      CloseCode = 4001
	CloseBadToken          CloseCode = 4002
	CloseIPRejected        CloseCode = 4003
	CloseUnknownAgent      CloseCode = 4004
	CloseSuperseded        CloseCode = 4005
	CloseAdminUnregistered CloseCode = 4006
)

// Reason returns the human-readable close reason text sent alongside a
// CloseCode.
func (c CloseCode) Reason() string {
	switch c {
	case CloseNormal:
		return "normal closure"
	case CloseInvalidFrame:
		return "invalid frame"
	case CloseBadHandshake:
		return "bad handshake"
	case CloseBadToken:
		return "bad token"
	case CloseIPRejected:
		return "ip rejected"
	case CloseUnknownAgent:
		return "unknown agent"
	case CloseSuperseded:
		return "superseded"
	case CloseAdminUnregistered:
		return "admin unregister"
	default:
		return "unknown"
	}
}

// MaxFrameBytes bounds an accepted frame. Frames over 100KiB are still
// accepted, so the limit is set generously at 8 MiB; it is applied as the
// connection read limit, and a larger frame ends the read with an error.
const MaxFrameBytes = 8 << 20

// Envelope is the outermost shape of every frame: a type discriminator plus
// a type-specific payload. Unknown types are ignored by readers.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Init-only fields: the init frame carries agentId/authToken at the top
	// level rather than nested in payload, per §6.
	AgentID   string `json:"agentId,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

// InitPayload is the handshake frame body (agent -> controller, first frame).
type InitPayload struct {
	AgentID   string `json:"agentId"`
	AuthToken string `json:"authToken"`
}

// ExecuteTaskPayload is the controller -> agent dispatch body.
type ExecuteTaskPayload struct {
	TaskID  string     `json:"taskId"`
	RunID   string     `json:"runId"`
	Name    string     `json:"name"`
	Type    string     `json:"type"` // interpreter kind: bash | python | node
	Script  string     `json:"script"`
	Params  value.Map  `json:"params"`
	Assets  value.Map  `json:"assets"`
	Options ExecOptions `json:"options"`
}

// ExecOptions carries per-dispatch overrides (currently just parameter
// overrides merged into the task's own params before this payload is built).
type ExecOptions struct {
	Params value.Map `json:"params,omitempty"`
}

// CancelTaskPayload is the controller -> agent cancellation body.
type CancelTaskPayload struct {
	TaskID string `json:"taskId"`
	RunID  string `json:"runId"`
}

// ResultStatus is the terminal status an agent reports for a run.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ResultPayload is the agent -> controller run outcome body.
type ResultPayload struct {
	TaskID     string       `json:"taskId"`
	RunID      string       `json:"runId"`
	Name       string       `json:"name"`
	Status     ResultStatus `json:"status"`
	ExitCode   *int         `json:"exitCode"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	DurationMs int64        `json:"durationMs"`
}

// AgentErrorPayload is the agent -> controller error report body.
type AgentErrorPayload struct {
	Level     string `json:"level"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"` // ISO-8601
}
