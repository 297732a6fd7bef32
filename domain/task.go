package domain

import "strconv"

// TaskStatus identifies the board column a task belongs to.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// Valid reports whether the status maps to a known board column.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// TaskOwner identifies the user that created a task. Immutable once set.
type TaskOwner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Activity is a checklist entry embedded in a task. Activity IDs are unique
// within their task; list order is display order.
type Activity struct {
	ActivityID  string `json:"activityId"`
	Title       string `json:"title"`
	Assignee    string `json:"assignee,omitempty"`
	IsCompleted bool   `json:"isCompleted"`
}

// Task represents a single board item.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	Owner      TaskOwner  `json:"owner"`
	Activities []Activity `json:"activities,omitempty"`
	CreatedAt  int64      `json:"createdAt,omitempty"`
	UpdatedAt  int64      `json:"updatedAt,omitempty"`
}

// TaskList is one status column of the board. Derived view, never persisted.
type TaskList struct {
	Label  string     `json:"label"`
	Status TaskStatus `json:"status"`
	Order  int        `json:"order"`
	Tasks  []Task     `json:"tasks"`
}

// StatusInfo returns the display metadata for a status, or false for
// statuses that do not map to a column.
func StatusInfo(s TaskStatus) (label string, order int, ok bool) {
	switch s {
	case StatusTodo:
		return "To do", 0, true
	case StatusInProgress:
		return "In progress", 1, true
	case StatusDone:
		return "Done", 2, true
	}
	return "", 0, false
}

// GroupTasks buckets tasks by status into the fixed column order. Tasks with
// an unknown status are dropped; relative order within a column follows the
// input order.
func GroupTasks(tasks []Task) []TaskList {
	byStatus := make(map[TaskStatus][]Task)
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	lists := make([]TaskList, 0, len(byStatus))
	for status, bucket := range byStatus {
		label, order, ok := StatusInfo(status)
		if !ok {
			continue
		}
		lists = append(lists, TaskList{Label: label, Status: status, Order: order, Tasks: bucket})
	}
	sortLists(lists)
	return lists
}

func sortLists(lists []TaskList) {
	// At most three columns, insertion sort keeps it allocation free.
	for i := 1; i < len(lists); i++ {
		for j := i; j > 0 && lists[j].Order < lists[j-1].Order; j-- {
			lists[j], lists[j-1] = lists[j-1], lists[j]
		}
	}
}

// RemainingActivities counts the activities of a task that are not completed
// yet. It returns nil when the task has no checklist at all, so callers can
// distinguish "no checklist" from "checklist fully done".
func RemainingActivities(t Task) *int {
	if len(t.Activities) == 0 {
		return nil
	}
	remaining := 0
	for _, a := range t.Activities {
		if !a.IsCompleted {
			remaining++
		}
	}
	return &remaining
}

// NewActivityID derives the id for an activity appended to a list that
// currently holds count entries.
func NewActivityID(count int) string {
	return "activity_" + strconv.Itoa(count)
}

// ActivitiesEqual reports whether two activity lists are equal value for
// value, in order.
func ActivitiesEqual(a, b []Activity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
