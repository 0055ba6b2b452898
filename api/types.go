package api

import (
	"encoding/json"

	"mediaqueue/store"
)

// Response is the uniform envelope every endpoint returns.
type Response struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      any    `json:"result"`
}

func ok(result any) Response {
	return Response{Code: 0, Description: "OK", Result: result}
}

func errResp(message string) Response {
	return Response{Code: 1, Description: message, Result: nil}
}

// EnqueueResult carries the id of a freshly queued task.
type EnqueueResult struct {
	ID string `json:"id"`
}

// TaskSnapshot is the client-facing view of one task.
type TaskSnapshot struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Stage    string          `json:"stage"`
	Message  string          `json:"message"`
	Meta     map[string]any  `json:"meta"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func snapshot(t *store.Task) TaskSnapshot {
	meta := make(map[string]any, len(t.Meta))
	for k, v := range t.Meta {
		switch k {
		case "progress", "stage", "message":
		default:
			meta[k] = v
		}
	}

	snap := TaskSnapshot{
		ID:       t.ID,
		Status:   string(t.Status),
		Progress: t.Progress,
		Stage:    t.Stage,
		Message:  t.Message,
		Meta:     meta,
	}
	if t.Status == store.StatusFinished {
		snap.Result = t.Result
	}
	if t.Status == store.StatusFailed {
		snap.Error = t.Error
		if snap.Error == "" {
			snap.Error = "failed"
		}
	}
	return snap
}
