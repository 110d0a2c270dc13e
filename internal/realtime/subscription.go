package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Callback receives a published payload. Callbacks run on the publisher's
// goroutine and are individually recovered, so a panicking subscriber never
// stops delivery to the others.
type Callback func(data any)

// Subscription is a handle returned by Subscribe. Unsubscribe is safe to
// call from inside the subscription's own callback.
type Subscription struct {
	ID        string
	Key       string
	CreatedAt time.Time

	active   atomic.Bool
	callback Callback
	registry *SubscriptionRegistry
}

// IsActive reports whether the subscription still receives publishes.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Unsubscribe deactivates the subscription and removes it from the registry.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.registry.remove(s)
}

// SubscriptionRegistry is the shared pub/sub bookkeeping used for channel
// updates, presence updates, and timer events.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers a callback for a key and returns its handle.
func (r *SubscriptionRegistry) Subscribe(key string, fn Callback) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Key:       key,
		CreatedAt: time.Now(),
		callback:  fn,
		registry:  r,
	}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[key] = append(r.subs[key], sub)
	r.mu.Unlock()

	return sub
}

// Publish invokes every active subscription registered for key, in
// registration order. The subscriber list is snapshotted before iteration so
// concurrent subscribe/unsubscribe calls cannot corrupt delivery.
func (r *SubscriptionRegistry) Publish(key string, data any) {
	r.mu.RLock()
	snapshot := make([]*Subscription, len(r.subs[key]))
	copy(snapshot, r.subs[key])
	r.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		r.invoke(sub, data)
	}
}

// Count returns the number of active subscriptions for key.
func (r *SubscriptionRegistry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

func (r *SubscriptionRegistry) invoke(sub *Subscription, data any) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("subscription_id", sub.ID).
				Str("key", sub.Key).
				Interface("panic", rec).
				Msg("subscriber callback panicked")
		}
	}()
	sub.callback(data)
}

func (r *SubscriptionRegistry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.Key]
	for i, s := range list {
		if s == sub {
			r.subs[sub.Key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.Key]) == 0 {
		delete(r.subs, sub.Key)
	}
}
