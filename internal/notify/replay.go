package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/greenbasket/api/internal/domain"
)

const defaultReplayTTL = 30 * time.Second

// ErrReplayInvalidConnection is returned when the connection ID is missing.
var ErrReplayInvalidConnection = errors.New("notify: connection id is required")

// Replayer pushes a snapshot of current orders to a freshly joined realtime
// connection. Events created between the client's list fetch and its channel
// subscription would otherwise be lost; replaying the snapshot closes that gap.
// Reconnect storms are absorbed by remembering connection IDs for a short TTL.
type Replayer struct {
	publisher Notifier
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// ReplayerOption customises a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayTTL overrides how long a connection ID suppresses repeat snapshots.
func WithReplayTTL(ttl time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithReplayClock overrides the time source for tests.
func WithReplayClock(now func() time.Time) ReplayerOption {
	return func(r *Replayer) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReplayer builds a Replayer publishing through the given notifier.
func NewReplayer(publisher Notifier, opts ...ReplayerOption) (*Replayer, error) {
	if publisher == nil {
		return nil, errors.New("notify: publisher is required")
	}
	r := &Replayer{
		publisher: publisher,
		ttl:       defaultReplayTTL,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Replay publishes one snapshot event per order for the given connection and
// reports how many events were sent. A connection already replayed within the
// TTL gets nothing; the client still has the list response it just received.
func (r *Replayer) Replay(ctx context.Context, connectionID string, orders []domain.Order) (int, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return 0, ErrReplayInvalidConnection
	}

	now := r.now().UTC()
	if !r.claim(connectionID, now) {
		return 0, nil
	}

	published := 0
	for i := range orders {
		order := orders[i]
		event := domain.OrderEvent{
			Type:          domain.OrderEventSnapshot,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			Status:        order.Status,
			PaymentStatus: order.Payment.Status,
			Order:         &order,
			OccurredAt:    now,
		}
		if _, err := r.publisher.PublishOrderEvent(ctx, event); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// claim records the connection and prunes expired entries. Returns false when
// the connection was already replayed within the TTL.
func (r *Replayer) claim(connectionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, at := range r.seen {
		if now.Sub(at) >= r.ttl {
			delete(r.seen, id)
		}
	}

	if at, ok := r.seen[connectionID]; ok && now.Sub(at) < r.ttl {
		return false
	}
	r.seen[connectionID] = now
	return true
}
