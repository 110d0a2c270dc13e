package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishInRegistrationOrder(t *testing.T) {
	r := NewSubscriptionRegistry()

	var got []int
	r.Subscribe("k", func(any) { got = append(got, 1) })
	r.Subscribe("k", func(any) { got = append(got, 2) })
	r.Subscribe("other", func(any) { got = append(got, 99) })

	r.Publish("k", "payload")
	assert.Equal(t, []int{1, 2}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewSubscriptionRegistry()

	calls := 0
	sub := r.Subscribe("k", func(any) { calls++ })

	r.Publish("k", nil)
	sub.Unsubscribe()
	r.Publish("k", nil)

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, r.Count("k"))
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	r := NewSubscriptionRegistry()

	calls := 0
	var sub *Subscription
	sub = r.Subscribe("k", func(any) {
		calls++
		sub.Unsubscribe()
	})

	require.NotPanics(t, func() {
		r.Publish("k", nil)
		r.Publish("k", nil)
	})
	assert.Equal(t, 1, calls)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	r := NewSubscriptionRegistry()

	r.Subscribe("k", func(any) { panic("boom") })
	delivered := false
	r.Subscribe("k", func(any) { delivered = true })

	require.NotPanics(t, func() { r.Publish("k", nil) })
	assert.True(t, delivered)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	r := NewSubscriptionRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := r.Subscribe("k", func(any) {})
			sub.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			r.Publish("k", nil)
		}()
	}
	wg.Wait()
}
