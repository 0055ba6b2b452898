package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Status tracks the task lifecycle. Transitions are strictly forward-moving:
// queued -> started -> finished | failed.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// ErrNotFound is returned by Fetch for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Task is the one persisted entity of the queue.
type Task struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Label    string          `json:"label"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`
	Stage    string          `json:"stage"`
	Message  string          `json:"message"`
	Meta     map[string]any  `json:"meta,omitempty"`
	Seq      int64           `json:"seq"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	LockedBy string          `json:"lockedBy,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
