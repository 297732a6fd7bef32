package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
	"firetasks-api/storage"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, guard Guard, logger *log.Logger) {
	e.GET("/api/board", getBoard(store, auth, logger))
	e.GET("/api/tasks", getTasks(store, auth))
	e.POST("/api/tasks", saveTask(store, auth, guard, logger))
	e.PATCH("/api/tasks/:id/status", updateTaskStatus(store, auth, guard, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, guard, logger))
	e.POST("/api/tasks/:id/activities", addActivity(store, auth, guard, logger))
	e.PUT("/api/tasks/:id/activities", replaceActivities(store, auth, guard, logger))
	e.DELETE("/api/tasks/:id/activities", removeActivity(store, auth, guard, logger))
	e.GET("/api/activities", getUserActivities(store, auth, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// getBoard serves the grouped column view. Read failures degrade to an empty
// board; the client keeps its last state and the error stays in the logs.
func getBoard(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusOK, []domain.TaskList{})
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		lists := domain.GroupTasks(tasks)
		metrics.SetColumns(len(lists))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, lists)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(ctx)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

// getUserActivities serves the caller's slice of every task's checklist.
// Like the board view it degrades to an empty list on read errors.
func getUserActivities(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		user, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(ctx)
		if err != nil {
			logger.WithField("user", user.ID).Errorf("fetch activities: %v", err)
			return c.JSON(http.StatusOK, []domain.UserActivities{})
		}
		return c.JSON(http.StatusOK, domain.ActivitiesForUser(tasks, user.ID))
	}
}

func saveTask(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		user, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var task domain.Task
		if err := decodeBody(c, &task); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if task.Title == "" {
			return c.String(http.StatusBadRequest, "title must not be empty")
		}
		if task.Status == "" {
			task.Status = domain.StatusTodo
		}
		if !task.Status.Valid() {
			return c.String(http.StatusBadRequest, "unknown status")
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
			task.Owner = user
			task.CreatedAt = time.Now().UnixMilli()
		}
		task.UpdatedAt = time.Now().UnixMilli()

		release, ok := acquireGuard(ctx, guard, task.ID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.SaveTask(ctx, task); err != nil {
			logger.WithField("task", task.ID).Errorf("save task: %v", err)
			return c.String(http.StatusInternalServerError, "failed to save task")
		}
		return c.JSON(http.StatusOK, task)
	}
}

type statusUpdateRequest struct {
	Status domain.TaskStatus `json:"status"`
}

func updateTaskStatus(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		var req statusUpdateRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !req.Status.Valid() {
			return c.String(http.StatusBadRequest, "unknown status")
		}

		release, ok := acquireGuard(ctx, guard, taskID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.UpdateTaskStatus(ctx, taskID, req.Status); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.NoContent(http.StatusNotFound)
			}
			logger.WithField("task", taskID).Errorf("update status: %v", err)
			return c.String(http.StatusInternalServerError, "failed to update status")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		release, ok := acquireGuard(ctx, guard, taskID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.DeleteTask(ctx, taskID); err != nil {
			logger.WithField("task", taskID).Errorf("delete task: %v", err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// addActivity appends one checklist entry through the array-union path. A
// missing activity id derives from the task's current checklist length.
func addActivity(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		var activity domain.Activity
		if err := decodeBody(c, &activity); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		if activity.ActivityID == "" {
			task, err := store.GetTask(ctx, taskID)
			if err != nil {
				logger.WithField("task", taskID).Errorf("load task: %v", err)
				return c.String(http.StatusInternalServerError, "failed to add activity")
			}
			if task == nil {
				return c.NoContent(http.StatusNotFound)
			}
			activity.ActivityID = domain.NewActivityID(len(task.Activities))
		}

		release, ok := acquireGuard(ctx, guard, taskID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.AddActivity(ctx, taskID, activity); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.NoContent(http.StatusNotFound)
			}
			logger.WithField("task", taskID).Errorf("add activity: %v", err)
			return c.String(http.StatusInternalServerError, "failed to add activity")
		}
		return c.JSON(http.StatusOK, activity)
	}
}

// replaceActivities overwrites the checklist wholesale; the caller produced
// the intended final list.
func replaceActivities(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		activities := make([]domain.Activity, 0, 8)
		if err := decodeBody(c, &activities); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		release, ok := acquireGuard(ctx, guard, taskID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.ReplaceActivities(ctx, taskID, activities); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.NoContent(http.StatusNotFound)
			}
			logger.WithField("task", taskID).Errorf("replace activities: %v", err)
			return c.String(http.StatusInternalServerError, "failed to update activities")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// removeActivity deletes one checklist entry through the array-remove path,
// matching the stored entry by full value equality.
func removeActivity(store Storage, auth Authenticator, guard Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		var activity domain.Activity
		if err := decodeBody(c, &activity); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		release, ok := acquireGuard(ctx, guard, taskID, logger)
		if !ok {
			return c.NoContent(http.StatusConflict)
		}
		defer release()

		if err := store.RemoveActivity(ctx, taskID, activity); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.NoContent(http.StatusNotFound)
			}
			logger.WithField("task", taskID).Errorf("remove activity: %v", err)
			return c.String(http.StatusInternalServerError, "failed to remove activity")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// acquireGuard claims the per-task write slot. A guard outage is logged and
// treated as open: availability wins over strict serialization.
func acquireGuard(ctx context.Context, guard Guard, taskID string, logger *log.Logger) (func(), bool) {
	ok, err := guard.Acquire(ctx, taskID)
	if err != nil {
		logger.WithField("task", taskID).Errorf("guard acquire: %v", err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		// The request context may already be canceled once the handler
		// returns; release must still reach redis.
		if err := guard.Release(context.Background(), taskID); err != nil {
			logger.WithField("task", taskID).Errorf("guard release: %v", err)
		}
	}, true
}
