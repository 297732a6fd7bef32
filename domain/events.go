package domain

import "github.com/bytedance/sonic"

// Change event types published to the board events queue.
const (
	EventTaskSaved         = "task-saved"
	EventTaskStatusChanged = "task-status-changed"
	EventActivitiesChanged = "task-activities-changed"
	EventTaskDeleted       = "task-deleted"
)

// ChangeEvent describes one committed write to the task collection.
type ChangeEvent struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"taskId"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}
