package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/greenbasket/api/internal/domain"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (r *recordingNotifier) PublishOrderEvent(_ context.Context, event domain.OrderEvent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.events = append(r.events, event)
	return "msg", nil
}

func (r *recordingNotifier) published() []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderEvent(nil), r.events...)
}

func snapshotOrders() []domain.Order {
	return []domain.Order{
		{ID: "ord_1", OrderNumber: "GB-20250601-000001", UserID: "user_1", Status: domain.OrderStatusPending},
		{ID: "ord_2", OrderNumber: "GB-20250601-000002", UserID: "user_1", Status: domain.OrderStatusShipped},
	}
}

func TestReplayPublishesSnapshotPerOrder(t *testing.T) {
	sink := &recordingNotifier{}
	replayer, err := NewReplayer(sink)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	n, err := replayer.Replay(context.Background(), "conn-1", snapshotOrders())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}

	events := sink.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Type != domain.OrderEventSnapshot {
			t.Fatalf("event %d type = %s, want snapshot", i, event.Type)
		}
		if event.Order == nil || event.Order.ID != event.OrderID {
			t.Fatalf("event %d missing order payload: %+v", i, event)
		}
	}
	if events[1].Status != domain.OrderStatusShipped {
		t.Fatalf("event carries wrong status: %+v", events[1])
	}
}

func TestReplaySuppressesRepeatConnectionsWithinTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	sink := &recordingNotifier{}
	replayer, err := NewReplayer(sink,
		WithReplayTTL(10*time.Second),
		WithReplayClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	if n, err := replayer.Replay(context.Background(), "conn-1", snapshotOrders()); err != nil || n != 2 {
		t.Fatalf("first replay: n=%d err=%v", n, err)
	}
	if n, err := replayer.Replay(context.Background(), "conn-1", snapshotOrders()); err != nil || n != 0 {
		t.Fatalf("repeat within TTL: n=%d err=%v, want 0 events", n, err)
	}
	if n, err := replayer.Replay(context.Background(), "conn-2", snapshotOrders()); err != nil || n != 2 {
		t.Fatalf("distinct connection: n=%d err=%v", n, err)
	}

	now = now.Add(11 * time.Second)
	if n, err := replayer.Replay(context.Background(), "conn-1", snapshotOrders()); err != nil || n != 2 {
		t.Fatalf("replay after TTL expiry: n=%d err=%v", n, err)
	}
}

func TestReplayRequiresConnectionID(t *testing.T) {
	replayer, err := NewReplayer(&recordingNotifier{})
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	if _, err := replayer.Replay(context.Background(), "  ", nil); !errors.Is(err, ErrReplayInvalidConnection) {
		t.Fatalf("error = %v, want ErrReplayInvalidConnection", err)
	}
}

func TestReplaySurfacesPublishFailures(t *testing.T) {
	sink := &recordingNotifier{err: errors.New("broker down")}
	replayer, err := NewReplayer(sink)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	if _, err := replayer.Replay(context.Background(), "conn-1", snapshotOrders()); err == nil {
		t.Fatalf("expected publish failure to surface")
	}
}
