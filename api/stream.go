package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
	"firetasks-api/storage"
)

// UpdateBroker fans change pokes out to every connected stream client. Sends
// never block: a client that has not drained its wakeup yet keeps the one it
// has, which is enough to trigger a refetch.
type UpdateBroker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewUpdateBroker() *UpdateBroker {
	return &UpdateBroker{subs: make(map[chan struct{}]struct{})}
}

func (b *UpdateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *UpdateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify wakes every subscribed client.
func (b *UpdateBroker) Notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// RegisterStream wires up the SSE endpoint serving live board snapshots.
func RegisterStream(e *echo.Echo, store Storage, auth Authenticator, broker *UpdateBroker) {
	e.GET("/api/stream", streamBoard(store, auth, broker))
}

// streamBoard pushes the full grouped board on connect and again after every
// change poke. EventSource cannot set headers, so the token may also arrive
// as a query parameter.
func streamBoard(store Storage, auth Authenticator, broker *UpdateBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if _, err := auth.UserFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)

		for {
			tasks, err := store.FetchTasks(ctx)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			data, err := sonic.Marshal(domain.GroupTasks(tasks))
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}

// SubscribeUpdates relays cache eviction pokes from redis pub/sub into the
// broker. It reconnects with a short backoff when the subscription drops.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, broker *UpdateBroker) {
	for {
		sub := rc.Subscribe(ctx, storage.UpdatesChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break recv
				}
				broker.Notify()
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("board updates subscription closed, reconnecting")
		time.Sleep(time.Second)
	}
}
