// Package storage persists the task collection in Azure Table storage, one
// entity per task with the checklist embedded as a JSON property, and feeds
// committed changes to the board events queue.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
)

// All tasks share one partition; the board is a single collection.
const taskPartition = "board"

// conflictRetries bounds the read-modify-write loop of the array primitives.
const conflictRetries = 5

const edmInt64 = "Edm.Int64"

var (
	// ErrTaskNotFound is returned by partial updates against a missing task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrConcurrencyConflict is returned when an array primitive keeps losing
	// the ETag race against concurrent writers.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// Storage provides access to the underlying persistence mechanisms.
type Storage struct {
	taskTable   *aztables.Client
	eventsQueue *azqueue.QueueClient
	logger      *log.Logger
	now         func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, eventsQueue string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), eventsQueue: eq, logger: logger, now: time.Now}, nil
}

type taskEntity struct {
	aztables.Entity
	ETag          string `json:"odata.etag,omitempty"`
	Title         string `json:"Title"`
	Status        string `json:"Status"`
	OwnerID       string `json:"OwnerId"`
	OwnerName     string `json:"OwnerName"`
	Activities    string `json:"Activities,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

// entityKeys carries just the table keys for partial updates.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// taskUpdate carries a field-level partial update; nil fields are untouched
// by the merge.
type taskUpdate struct {
	entityKeys
	Status        *string `json:"Status,omitempty"`
	Activities    *string `json:"Activities,omitempty"`
	UpdatedAt     *int64  `json:"UpdatedAt,omitempty,string"`
	UpdatedAtType *string `json:"UpdatedAt@odata.type,omitempty"`
}

func encodeTask(t domain.Task, now int64) (taskEntity, error) {
	ent := taskEntity{
		Entity:        aztables.Entity{PartitionKey: taskPartition, RowKey: t.ID},
		Title:         t.Title,
		Status:        string(t.Status),
		OwnerID:       t.Owner.ID,
		OwnerName:     t.Owner.Name,
		CreatedAt:     t.CreatedAt,
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt,
		UpdatedAtType: edmInt64,
	}
	if ent.CreatedAt == 0 {
		ent.CreatedAt = now
	}
	if ent.UpdatedAt == 0 {
		ent.UpdatedAt = now
	}
	if len(t.Activities) > 0 {
		data, err := json.Marshal(t.Activities)
		if err != nil {
			return taskEntity{}, err
		}
		ent.Activities = string(data)
	}
	return ent, nil
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return entityToTask(ent)
}

func entityToTask(ent taskEntity) (domain.Task, error) {
	t := domain.Task{
		ID:        ent.RowKey,
		Title:     ent.Title,
		Status:    domain.TaskStatus(ent.Status),
		Owner:     domain.TaskOwner{ID: ent.OwnerID, Name: ent.OwnerName},
		CreatedAt: ent.CreatedAt,
		UpdatedAt: ent.UpdatedAt,
	}
	if ent.Activities != "" {
		if err := json.Unmarshal([]byte(ent.Activities), &t.Activities); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

func encodeActivities(activities []domain.Activity) (string, error) {
	if len(activities) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(activities)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchTasks retrieves the whole task collection.
func (s *Storage) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + taskPartition + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// GetTask retrieves a single task, or nil when it does not exist.
func (s *Storage) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	ent, err := s.getEntity(ctx, taskID)
	if err != nil || ent == nil {
		return nil, err
	}
	task, err := entityToTask(*ent)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Storage) getEntity(ctx context.Context, taskID string) (*taskEntity, error) {
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, taskID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// SaveTask writes the full task document, creating or replacing the entity.
func (s *Storage) SaveTask(ctx context.Context, task domain.Task) error {
	ent, err := encodeTask(task, s.now().UnixMilli())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeReplace
	if _, err := s.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: mode}); err != nil {
		return err
	}
	s.publish(ctx, domain.EventTaskSaved, task.ID)
	return nil
}

// UpdateTaskStatus merges a status change into the stored entity, leaving all
// other fields alone.
func (s *Storage) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	st := string(status)
	upd := taskUpdate{
		entityKeys: entityKeys{PartitionKey: taskPartition, RowKey: taskID},
		Status:     &st,
	}
	s.stampUpdate(&upd)
	if err := s.mergeUpdate(ctx, upd, azcore.ETagAny); err != nil {
		return err
	}
	s.publish(ctx, domain.EventTaskStatusChanged, taskID)
	return nil
}

// ReplaceActivities overwrites the stored checklist wholesale. Callers are
// responsible for producing the intended final list; no merge happens here.
func (s *Storage) ReplaceActivities(ctx context.Context, taskID string, activities []domain.Activity) error {
	encoded, err := encodeActivities(activities)
	if err != nil {
		return err
	}
	upd := taskUpdate{
		entityKeys: entityKeys{PartitionKey: taskPartition, RowKey: taskID},
		Activities: &encoded,
	}
	s.stampUpdate(&upd)
	if err := s.mergeUpdate(ctx, upd, azcore.ETagAny); err != nil {
		return err
	}
	s.publish(ctx, domain.EventActivitiesChanged, taskID)
	return nil
}

// AddActivity appends the activity to the stored checklist unless an equal
// value is already present (array-union semantics). The read-modify-write is
// guarded by the entity ETag and retried on conflicts so concurrent edits to
// other fields are never clobbered.
func (s *Storage) AddActivity(ctx context.Context, taskID string, activity domain.Activity) error {
	changed, err := s.mutateActivities(ctx, taskID, func(current []domain.Activity) ([]domain.Activity, bool) {
		return unionActivities(current, activity)
	})
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, domain.EventActivitiesChanged, taskID)
	}
	return nil
}

// RemoveActivity deletes every checklist entry equal to the given value
// (array-remove semantics). Removing a value that is not present is a no-op.
func (s *Storage) RemoveActivity(ctx context.Context, taskID string, activity domain.Activity) error {
	changed, err := s.mutateActivities(ctx, taskID, func(current []domain.Activity) ([]domain.Activity, bool) {
		return subtractActivities(current, activity)
	})
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, domain.EventActivitiesChanged, taskID)
	}
	return nil
}

// unionActivities appends the value unless an equal one is already present.
func unionActivities(current []domain.Activity, activity domain.Activity) ([]domain.Activity, bool) {
	for _, a := range current {
		if a == activity {
			return current, false
		}
	}
	return append(current, activity), true
}

// subtractActivities drops every entry equal to the value, preserving the
// order of the survivors.
func subtractActivities(current []domain.Activity, activity domain.Activity) ([]domain.Activity, bool) {
	kept := make([]domain.Activity, 0, len(current))
	for _, a := range current {
		if a != activity {
			kept = append(kept, a)
		}
	}
	return kept, len(kept) != len(current)
}

func (s *Storage) mutateActivities(ctx context.Context, taskID string, mutate func([]domain.Activity) ([]domain.Activity, bool)) (bool, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		ent, err := s.getEntity(ctx, taskID)
		if err != nil {
			return false, err
		}
		if ent == nil {
			return false, ErrTaskNotFound
		}
		task, err := entityToTask(*ent)
		if err != nil {
			return false, err
		}

		next, changed := mutate(task.Activities)
		if !changed {
			return false, nil
		}
		encoded, err := encodeActivities(next)
		if err != nil {
			return false, err
		}
		upd := taskUpdate{
			entityKeys: entityKeys{PartitionKey: taskPartition, RowKey: taskID},
			Activities: &encoded,
		}
		s.stampUpdate(&upd)

		err = s.mergeUpdate(ctx, upd, azcore.ETag(ent.ETag))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			continue
		}
		return false, err
	}
	return false, ErrConcurrencyConflict
}

// DeleteTask removes the task entity. Deleting a missing task is not an
// error.
func (s *Storage) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, taskPartition, taskID, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	}
	s.publish(ctx, domain.EventTaskDeleted, taskID)
	return nil
}

func (s *Storage) stampUpdate(upd *taskUpdate) {
	now := s.now().UnixMilli()
	typ := edmInt64
	upd.UpdatedAt = &now
	upd.UpdatedAtType = &typ
}

func (s *Storage) mergeUpdate(ctx context.Context, upd taskUpdate, etag azcore.ETag) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return ErrTaskNotFound
		}
		if isStatus(err, http.StatusPreconditionFailed) {
			return ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// publish enqueues a change event for downstream consumers. Event delivery is
// best effort; failures are logged and never fail the write that produced
// them.
func (s *Storage) publish(ctx context.Context, eventType, taskID string) {
	ev := domain.ChangeEvent{Type: eventType, TaskID: taskID, Timestamp: s.now().UnixMilli()}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Errorf("marshal change event: %v", err)
		return
	}
	if _, err := s.eventsQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		s.logger.WithFields(log.Fields{"task": taskID, "event": eventType}).Errorf("enqueue change event: %v", err)
	}
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
