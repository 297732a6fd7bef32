// Package editor models one task's edit session: a form buffer for the task
// fields plus an ordered list of activity buffers kept index-aligned with the
// task's checklist.
package editor

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
)

// Store persists edit-session writes. Activity writes go through the partial
// paths so concurrent edits to other task fields are never clobbered.
type Store interface {
	SaveTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	AddActivity(ctx context.Context, taskID string, activity domain.Activity) error
	ReplaceActivities(ctx context.Context, taskID string, activities []domain.Activity) error
	RemoveActivity(ctx context.Context, taskID string, activity domain.Activity) error
}

var (
	// ErrEmptyTitle rejects a save with a blank title buffer.
	ErrEmptyTitle = errors.New("task title must not be empty")
	// ErrBusy rejects an operation while another one is still in flight.
	ErrBusy = errors.New("edit operation already in flight")
	// ErrBadIndex is returned for an activity index outside the buffer list.
	ErrBadIndex = errors.New("activity index out of range")
)

// TaskForm buffers the editable task fields.
type TaskForm struct {
	Title  string
	Status domain.TaskStatus
}

// ActivityForm buffers one checklist entry. The entry's id is not editable
// and stays on the task's activity list.
type ActivityForm struct {
	Title       string
	Assignee    string
	IsCompleted bool
}

// Editor is the edit session for a single task.
type Editor struct {
	store  Store
	logger *log.Logger
	userID string

	task  domain.Task
	form  TaskForm
	forms []ActivityForm
	busy  bool

	now func() time.Time
}

// New opens an edit session for the given task on behalf of userID.
func New(task domain.Task, userID string, store Store, logger *log.Logger) *Editor {
	e := &Editor{
		store:  store,
		logger: logger,
		userID: userID,
		task:   task,
		form:   TaskForm{Title: task.Title, Status: task.Status},
		now:    time.Now,
	}
	for _, a := range task.Activities {
		e.forms = append(e.forms, ActivityForm{Title: a.Title, Assignee: a.Assignee, IsCompleted: a.IsCompleted})
	}
	return e
}

// Task returns the session's current task state.
func (e *Editor) Task() domain.Task { return e.task }

// Form returns a pointer to the task field buffer for the view to bind to.
func (e *Editor) Form() *TaskForm { return &e.form }

// ActivityForms returns the activity buffers, index-aligned with the task's
// checklist.
func (e *Editor) ActivityForms() []ActivityForm { return e.forms }

// SetActivityForm replaces the buffer at index i.
func (e *Editor) SetActivityForm(i int, form ActivityForm) error {
	if i < 0 || i >= len(e.forms) {
		return ErrBadIndex
	}
	e.forms[i] = form
	return nil
}

// IsOwner reports whether the session user owns the task.
func (e *Editor) IsOwner() bool {
	return e.userID != "" && e.userID == e.task.Owner.ID
}

// Loading reports whether an operation is in flight.
func (e *Editor) Loading() bool { return e.busy }

// Reset discards buffered edits, restoring the form from the task.
func (e *Editor) Reset() {
	e.form = TaskForm{Title: e.task.Title, Status: e.task.Status}
	e.forms = e.forms[:0]
	for _, a := range e.task.Activities {
		e.forms = append(e.forms, ActivityForm{Title: a.Title, Assignee: a.Assignee, IsCompleted: a.IsCompleted})
	}
}

// Save merges the form buffers into a copy of the task, refreshes updatedAt
// and persists the full record. An empty title buffer rejects the save.
func (e *Editor) Save(ctx context.Context) error {
	if e.form.Title == "" {
		return ErrEmptyTitle
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	updated := e.task
	updated.Title = e.form.Title
	updated.Status = e.form.Status
	updated.Activities = e.activitiesFromForms()
	updated.UpdatedAt = e.now().UnixMilli()

	if err := e.store.SaveTask(ctx, updated); err != nil {
		e.logger.WithField("task", e.task.ID).Errorf("save failed: %v", err)
		return err
	}
	e.task = updated
	return nil
}

// Delete removes the full record. Unlike the save path there is no title
// precondition; deletion only needs the task's identity.
func (e *Editor) Delete(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := e.store.DeleteTask(ctx, e.task.ID); err != nil {
		e.logger.WithField("task", e.task.ID).Errorf("delete failed: %v", err)
		return err
	}
	return nil
}

// AddActivity appends a fresh checklist entry to both the task and the form
// list, then persists it through the partial add path. The id derives from
// the current in-memory count.
func (e *Editor) AddActivity(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	activity := domain.Activity{ActivityID: domain.NewActivityID(len(e.task.Activities))}
	e.task.Activities = append(e.task.Activities, activity)
	e.forms = append(e.forms, ActivityForm{})

	if err := e.store.AddActivity(ctx, e.task.ID, activity); err != nil {
		e.logger.WithField("task", e.task.ID).Errorf("add activity failed: %v", err)
		return err
	}
	return nil
}

// SaveActivity builds the edited entry from form buffer i, replaces it at
// index i in a copy of the checklist, and persists the whole list through the
// partial replace path. When the edit changes nothing the write is skipped.
func (e *Editor) SaveActivity(ctx context.Context, i int) error {
	if i < 0 || i >= len(e.task.Activities) || i >= len(e.forms) {
		return ErrBadIndex
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	edited := make([]domain.Activity, len(e.task.Activities))
	copy(edited, e.task.Activities)
	edited[i] = domain.Activity{
		ActivityID:  e.task.Activities[i].ActivityID,
		Title:       e.forms[i].Title,
		Assignee:    e.forms[i].Assignee,
		IsCompleted: e.forms[i].IsCompleted,
	}
	if domain.ActivitiesEqual(edited, e.task.Activities) {
		return nil
	}

	if err := e.store.ReplaceActivities(ctx, e.task.ID, edited); err != nil {
		e.logger.WithField("task", e.task.ID).Errorf("save activity failed: %v", err)
		return err
	}
	e.task.Activities = edited
	e.task.UpdatedAt = e.now().UnixMilli()
	return nil
}

// RemoveActivity drops the form buffer and checklist entry at index i and
// persists the removal through the partial remove path, matching by value.
func (e *Editor) RemoveActivity(ctx context.Context, i int) error {
	if i < 0 || i >= len(e.task.Activities) || i >= len(e.forms) {
		return ErrBadIndex
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	removed := e.task.Activities[i]
	e.task.Activities = append(e.task.Activities[:i], e.task.Activities[i+1:]...)
	e.forms = append(e.forms[:i], e.forms[i+1:]...)

	if err := e.store.RemoveActivity(ctx, e.task.ID, removed); err != nil {
		e.logger.WithField("task", e.task.ID).Errorf("remove activity failed: %v", err)
		return err
	}
	return nil
}

func (e *Editor) activitiesFromForms() []domain.Activity {
	if len(e.forms) == 0 {
		return nil
	}
	out := make([]domain.Activity, len(e.forms))
	for i, f := range e.forms {
		id := domain.NewActivityID(i)
		if i < len(e.task.Activities) {
			id = e.task.Activities[i].ActivityID
		}
		out[i] = domain.Activity{ActivityID: id, Title: f.Title, Assignee: f.Assignee, IsCompleted: f.IsCompleted}
	}
	return out
}

// acquire sets the session's loading flag for the duration of one operation.
// A second operation started while one is pending is rejected, not queued.
func (e *Editor) acquire() (func(), error) {
	if e.busy {
		return nil, ErrBusy
	}
	e.busy = true
	return func() { e.busy = false }, nil
}
