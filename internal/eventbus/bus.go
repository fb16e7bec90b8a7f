// Package eventbus is the in-process change bus (spec §4.7): flag
// mutations propagate to subscribers (the evaluation cache, the
// WebSocket gateway) in FIFO order per tenant, with no back-pressure to
// the publisher. Adapted from the teacher's type-keyed EventBus
// (internal/events/bus.go), but keyed and ordered per tenant instead of
// per event type, since the spec requires ordering within a tenant, not
// within an event type.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/flagforge/evalservice/internal/domain"
)

const subscriberBufferSize = 128

// Bus delivers domain.FlagChanged events to subscribers, one buffered
// channel per subscription grouped by tenant, so a slow subscriber for
// tenant A never delays delivery to tenant B.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string][]chan domain.FlagChanged // tenant -> subscriber channels
	all   []chan domain.FlagChanged            // subscribers to every tenant
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{rooms: make(map[string][]chan domain.FlagChanged)}
}

// Subscribe returns a channel receiving FlagChanged events for tenant.
// Pass "" to receive events for every tenant. Call Unsubscribe with the
// same channel to stop receiving and release it.
func (b *Bus) Subscribe(tenant string) chan domain.FlagChanged {
	ch := make(chan domain.FlagChanged, subscriberBufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if tenant == "" {
		b.all = append(b.all, ch)
	} else {
		b.rooms[tenant] = append(b.rooms[tenant], ch)
	}
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(tenant string, ch chan domain.FlagChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tenant == "" {
		b.all = removeChan(b.all, ch)
	} else {
		b.rooms[tenant] = removeChan(b.rooms[tenant], ch)
	}
	close(ch)
}

func removeChan(chans []chan domain.FlagChanged, target chan domain.FlagChanged) []chan domain.FlagChanged {
	out := chans[:0]
	for _, c := range chans {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Publish delivers event to every subscriber of event.Tenant (plus every
// wildcard subscriber). Delivery never blocks the publisher: a full
// subscriber channel drops the event for that subscriber and logs a
// warning rather than stalling the flag mutation path.
func (b *Bus) Publish(event domain.FlagChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.rooms[event.Tenant] {
		select {
		case ch <- event:
		default:
			slog.Warn("eventbus: subscriber channel full, dropping event", "tenant", event.Tenant, "key", event.Key)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			slog.Warn("eventbus: wildcard subscriber channel full, dropping event", "tenant", event.Tenant, "key", event.Key)
		}
	}
}

// SubscriberCount returns the number of active subscriptions across
// every tenant, plus wildcard subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.all)
	for _, subs := range b.rooms {
		count += len(subs)
	}
	return count
}
