package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 16

// Hub fans change events out to per-tenant subscribers. It is the in-process
// realtime collaborator; transports (websocket handlers) subscribe and drain
// their own channel. A subscriber that falls behind has events dropped rather
// than slowing the publisher.
type Hub struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's view of the event stream. Read from C
// until it is closed; Close is idempotent.
type Subscription struct {
	C chan Change

	hub       *Hub
	tenantKey string
	once      sync.Once
}

// Subscribe registers a subscriber for one tenant's change events.
func (h *Hub) Subscribe(tenantKey string) *Subscription {
	s := &Subscription{
		C:         make(chan Change, subscriberBuffer),
		hub:       h,
		tenantKey: tenantKey,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.C)
	})
}

// Notify implements Notifier. Events go to every subscriber of the change's
// tenant; full buffers drop the event for that subscriber.
func (h *Hub) Notify(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if s.tenantKey != change.TenantKey {
			continue
		}
		select {
		case s.C <- change:
		default:
			h.logger.Warn().
				Str("tenant", change.TenantKey).
				Str("entity_type", change.EntityType).
				Str("entity_id", change.EntityID).
				Msg("subscriber buffer full, dropping change event")
		}
	}
}

// Subscribers returns the current subscriber count, for introspection.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
