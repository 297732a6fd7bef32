package api

import (
	"context"

	"firetasks-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	SaveTask(ctx context.Context, task domain.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	ReplaceActivities(ctx context.Context, taskID string, activities []domain.Activity) error
	AddActivity(ctx context.Context, taskID string, activity domain.Activity) error
	RemoveActivity(ctx context.Context, taskID string, activity domain.Activity) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Authenticator is implemented by types able to resolve the calling user
// from an Authorization header.
type Authenticator interface {
	UserFromAuthHeader(string) (domain.TaskOwner, error)
}

// Guard serializes writes per task across all instances. Acquire returns
// false while another write to the same task is still in flight.
type Guard interface {
	Acquire(ctx context.Context, taskID string) (bool, error)
	Release(ctx context.Context, taskID string) error
}
