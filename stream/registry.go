// Package stream fans freshly ingested notifications out to connected
// subscribers. The registry is an explicit object with process lifecycle, not
// ambient state: tests run several independent instances side by side.
package stream

import (
	"sync"

	"prospectflow/notification"
)

// DefaultBuffer is the per-connection channel depth. A subscriber that falls
// further behind than this loses pushes rather than blocking ingestion; it
// reconciles against the store on reconnect.
const DefaultBuffer = 16

// Subscription is one open real-time connection. Receive from C; Close is
// idempotent and safe to call concurrently with Publish.
type Subscription struct {
	C      <-chan notification.Notification
	Role   notification.Role
	UserID string

	id       uint64
	registry *Registry
}

// Close removes the subscription from its registry. Closing an
// already-removed subscription is a no-op.
func (s *Subscription) Close() {
	if s.registry != nil {
		s.registry.remove(s.id)
	}
}

type subscriber struct {
	ch      chan notification.Notification
	allowed []notification.Audience
}

// Registry holds the ephemeral per-connection listener set.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
	buffer  int
	dropped uint64
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a connection for the principal. The audience set is
// resolved once at connect time; an unknown role subscribes to nothing.
func (r *Registry) Subscribe(role notification.Role, userID string) *Subscription {
	sub := &subscriber{
		ch:      make(chan notification.Notification, r.buffer),
		allowed: notification.AllowedAudiences(role, userID),
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = sub
	r.mu.Unlock()

	return &Subscription{
		C:        sub.ch,
		Role:     role,
		UserID:   userID,
		id:       id,
		registry: r,
	}
}

// Publish pushes the notification to every matching connected subscriber,
// at most once each. A full channel drops the push for that subscriber only;
// Publish never blocks and never fails the caller.
func (r *Registry) Publish(n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if !notification.VisibleTo(sub.allowed, n.Audience) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			r.dropped++
		}
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	// Safe: Publish sends only under the same mutex.
	close(sub.ch)
}

// Len reports the connected subscriber count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dropped reports how many pushes were lost to full subscriber buffers.
func (r *Registry) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
