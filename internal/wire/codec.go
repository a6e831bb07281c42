package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeEnvelope parses a raw frame into its envelope. Callers then decode
// Payload into the type-specific struct matching Type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}

// EncodeInit builds the agent's first handshake frame.
func EncodeInit(agentID, authToken string) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      FrameInit,
		AgentID:   agentID,
		AuthToken: authToken,
	})
}

// EncodeExecuteTask builds a controller -> agent dispatch frame.
func EncodeExecuteTask(p ExecuteTaskPayload) ([]byte, error) {
	return encodeWithPayload(FrameExecuteTask, p)
}

// EncodeCancelTask builds a controller -> agent cancellation frame.
func EncodeCancelTask(p CancelTaskPayload) ([]byte, error) {
	return encodeWithPayload(FrameCancelTask, p)
}

// EncodeResult builds an agent -> controller result frame.
func EncodeResult(p ResultPayload) ([]byte, error) {
	return encodeWithPayload(FrameResult, p)
}

// EncodeAgentError builds an agent -> controller error-report frame.
func EncodeAgentError(p AgentErrorPayload) ([]byte, error) {
	return encodeWithPayload(FrameAgentError, p)
}

func encodeWithPayload(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// DecodeExecuteTask decodes an envelope's payload as an ExecuteTaskPayload.
func DecodeExecuteTask(env Envelope) (ExecuteTaskPayload, error) {
	var p ExecuteTaskPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("wire: decode EXECUTE_TASK payload: %w", err)
	}
	return p, nil
}

// DecodeCancelTask decodes an envelope's payload as a CancelTaskPayload.
func DecodeCancelTask(env Envelope) (CancelTaskPayload, error) {
	var p CancelTaskPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("wire: decode CANCEL_TASK payload: %w", err)
	}
	return p, nil
}

// DecodeResult decodes an envelope's payload as a ResultPayload.
func DecodeResult(env Envelope) (ResultPayload, error) {
	var p ResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("wire: decode result payload: %w", err)
	}
	return p, nil
}

// DecodeAgentError decodes an envelope's payload as an AgentErrorPayload.
func DecodeAgentError(env Envelope) (AgentErrorPayload, error) {
	var p AgentErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("wire: decode agent_error payload: %w", err)
	}
	return p, nil
}
