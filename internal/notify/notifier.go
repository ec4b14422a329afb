package notify

import (
	"context"

	"github.com/greenbasket/api/internal/domain"
)

// Notifier fans out order lifecycle events to connected clients.
type Notifier interface {
	// PublishOrderEvent delivers the event to the realtime channel, returning the
	// broker-assigned message ID when available.
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) (string, error)
}

// NoopNotifier discards all events. Used when realtime delivery is disabled.
type NoopNotifier struct{}

// PublishOrderEvent implements Notifier.
func (NoopNotifier) PublishOrderEvent(context.Context, domain.OrderEvent) (string, error) {
	return "", nil
}

// AsyncNotifier decorates a Notifier so publishing never blocks the request
// path. Delivery failures are reported through onError.
type AsyncNotifier struct {
	next    Notifier
	onError func(ctx context.Context, event domain.OrderEvent, err error)
}

// NewAsyncNotifier wraps next. onError may be nil.
func NewAsyncNotifier(next Notifier, onError func(ctx context.Context, event domain.OrderEvent, err error)) *AsyncNotifier {
	if onError == nil {
		onError = func(context.Context, domain.OrderEvent, error) {}
	}
	return &AsyncNotifier{next: next, onError: onError}
}

// PublishOrderEvent hands the event off to a goroutine and returns immediately.
// The returned message ID is always empty.
func (a *AsyncNotifier) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) (string, error) {
	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := a.next.PublishOrderEvent(detached, event); err != nil {
			a.onError(detached, event, err)
		}
	}()
	return "", nil
}
