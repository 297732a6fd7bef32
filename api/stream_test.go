package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"firetasks-api/domain"
)

func TestBrokerNotifiesAllSubscribers(t *testing.T) {
	broker := NewUpdateBroker()
	a := broker.subscribe()
	b := broker.subscribe()
	defer broker.unsubscribe(a)
	defer broker.unsubscribe(b)

	broker.Notify()

	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected wakeup")
		}
	}
}

func TestBrokerNeverBlocksOnSlowSubscriber(t *testing.T) {
	broker := NewUpdateBroker()
	ch := broker.subscribe()
	defer broker.unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		// Nobody drains ch; repeated notifies must still return.
		broker.Notify()
		broker.Notify()
		broker.Notify()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a full subscriber channel")
	}
}

func TestStreamSendsBoardSnapshotOnConnect(t *testing.T) {
	store := newMockStore(
		domain.Task{ID: "t1", Title: "a", Status: domain.StatusTodo},
		domain.Task{ID: "t2", Title: "b", Status: domain.StatusDone},
	)
	broker := NewUpdateBroker()

	e := echo.New()
	RegisterStream(e, store, stubAuth{owner: domain.TaskOwner{ID: "u1"}}, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream?token=x.y.z", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("not a SSE frame: %q", body)
	}
	if !strings.Contains(body, `"label":"To do"`) || !strings.Contains(body, `"label":"Done"`) {
		t.Fatalf("expected grouped board in frame: %s", body)
	}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	broker := NewUpdateBroker()
	e := echo.New()
	RegisterStream(e, newMockStore(), stubAuth{err: errMissingAuthorization}, broker)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubscribeUpdatesRelaysPokesToBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger, _ := test.NewNullLogger()
	broker := NewUpdateBroker()
	ch := broker.subscribe()
	defer broker.unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go SubscribeUpdates(ctx, logger, rc, broker)

	deadline := time.Now().Add(2 * time.Second)
	for {
		// The subscription registers asynchronously; keep poking.
		rc.Publish(ctx, "board:updates", `{"taskId":"t1"}`)
		select {
		case <-ch:
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("expected broker wakeup from pub/sub poke")
		}
	}
}
