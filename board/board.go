// Package board holds the in-memory column state behind a dashboard view and
// reconciles drag-and-drop moves with the persisted task collection.
package board

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
)

// TaskUpdater persists the status change of a cross-column move.
type TaskUpdater interface {
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
}

var (
	// ErrUnknownColumn is returned when a drop names a status the board does not show.
	ErrUnknownColumn = errors.New("unknown board column")
	// ErrBadIndex is returned when a drop index is outside the column bounds.
	ErrBadIndex = errors.New("drop index out of range")
	// ErrMoveInFlight is returned when the dragged task already has a pending move.
	ErrMoveInFlight = errors.New("task move already in flight")
)

// Drop describes one finished drag gesture.
type Drop struct {
	From      domain.TaskStatus
	To        domain.TaskStatus
	FromIndex int
	ToIndex   int
}

// Board owns the on-screen column state. Columns are replaced wholesale on
// every collection emission and mutated locally by Apply.
type Board struct {
	updater TaskUpdater
	logger  *log.Logger

	mu       sync.Mutex
	lists    []domain.TaskList
	pending  int
	inFlight map[string]struct{}
}

// New creates a board over the given updater. Columns start empty until the
// first SetLists.
func New(updater TaskUpdater, logger *log.Logger) *Board {
	return &Board{
		updater:  updater,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// SetLists replaces the column state with a fresh grouping emission.
func (b *Board) SetLists(lists []domain.TaskList) {
	b.mu.Lock()
	b.lists = lists
	b.mu.Unlock()
}

// Lists returns a snapshot of the current column state.
func (b *Board) Lists() []domain.TaskList {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.TaskList, len(b.lists))
	copy(out, b.lists)
	return out
}

// Loading reports whether any move is currently in flight.
func (b *Board) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending > 0
}

// Apply reconciles one drop gesture.
//
// A move within a column is a purely local reorder; column order is not
// persisted, so nothing is written back. A move across columns persists the
// status change first and transfers the task between columns only after the
// write succeeded; on a failed write the task stays in its source column and
// the error is logged, nothing more. A task with a pending move rejects
// further drops until the pending write completes.
func (b *Board) Apply(ctx context.Context, drop Drop) error {
	b.mu.Lock()

	src, err := b.column(drop.From)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if drop.FromIndex < 0 || drop.FromIndex >= len(src.Tasks) {
		b.mu.Unlock()
		return ErrBadIndex
	}

	if drop.From == drop.To {
		err := moveWithin(src, drop.FromIndex, drop.ToIndex)
		b.mu.Unlock()
		return err
	}

	if _, err := b.column(drop.To); err != nil {
		b.mu.Unlock()
		return err
	}
	if drop.ToIndex < 0 {
		b.mu.Unlock()
		return ErrBadIndex
	}

	taskID := src.Tasks[drop.FromIndex].ID
	if _, dup := b.inFlight[taskID]; dup {
		b.mu.Unlock()
		return ErrMoveInFlight
	}
	b.inFlight[taskID] = struct{}{}
	b.pending++
	src.Tasks[drop.FromIndex].Status = drop.To
	b.mu.Unlock()

	// The write happens outside the lock so other gestures stay responsive.
	writeErr := b.updater.UpdateTaskStatus(ctx, taskID, drop.To)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, taskID)
	b.pending--

	if writeErr != nil {
		b.logger.WithFields(log.Fields{"task": taskID, "to": drop.To}).Errorf("move failed: %v", writeErr)
		return writeErr
	}
	b.transfer(taskID, drop.From, drop.To, drop.ToIndex)
	return nil
}

// transfer relocates the task by id; a concurrent emission may have shifted
// indexes while the write was running.
func (b *Board) transfer(taskID string, from, to domain.TaskStatus, toIndex int) {
	src, err := b.column(from)
	if err != nil {
		return
	}
	idx := -1
	for i := range src.Tasks {
		if src.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	dst, err := b.column(to)
	if err != nil {
		return
	}

	task := src.Tasks[idx]
	src.Tasks = append(src.Tasks[:idx], src.Tasks[idx+1:]...)
	if toIndex > len(dst.Tasks) {
		toIndex = len(dst.Tasks)
	}
	dst.Tasks = append(dst.Tasks, domain.Task{})
	copy(dst.Tasks[toIndex+1:], dst.Tasks[toIndex:])
	dst.Tasks[toIndex] = task
}

func (b *Board) column(status domain.TaskStatus) (*domain.TaskList, error) {
	for i := range b.lists {
		if b.lists[i].Status == status {
			return &b.lists[i], nil
		}
	}
	return nil, ErrUnknownColumn
}

func moveWithin(list *domain.TaskList, from, to int) error {
	if to < 0 || to >= len(list.Tasks) {
		return ErrBadIndex
	}
	if from == to {
		return nil
	}
	task := list.Tasks[from]
	if from < to {
		copy(list.Tasks[from:], list.Tasks[from+1:to+1])
	} else {
		copy(list.Tasks[to+1:], list.Tasks[to:from])
	}
	list.Tasks[to] = task
	return nil
}
