package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
)

type fakePublisher struct {
	mu   sync.Mutex
	pubs []UserPresence
}

func (p *fakePublisher) PublishUpdate(channelID, dataType string, payload json.RawMessage) error {
	var snapshot UserPresence
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, snapshot)
	return nil
}

func (p *fakePublisher) published() []UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UserPresence, len(p.pubs))
	copy(out, p.pubs)
	return out
}

type trackerFixture struct {
	tracker   *Tracker
	clock     *clockwork.FakeClock
	store     *store.MemoryStore
	publisher *fakePublisher
}

func newFixture(t *testing.T, timeout time.Duration) *trackerFixture {
	t.Helper()

	fc := clockwork.NewFakeClock()
	mem := store.NewMemoryStore()
	pub := &fakePublisher{}

	tracker := NewTracker(Config{
		UserID:            "sub1",
		Clock:             fc,
		Store:             mem,
		Publisher:         pub,
		ActivityTimeout:   timeout,
		AutoTrackActivity: true,
	})
	tracker.SetChannel("ch1")

	return &trackerFixture{tracker: tracker, clock: fc, store: mem, publisher: pub}
}

func TestTrackerStartsOffline(t *testing.T) {
	f := newFixture(t, time.Minute)

	own := f.tracker.OwnPresence()
	assert.Equal(t, "sub1", own.UserID)
	assert.Equal(t, StatusOffline, own.Status)
	assert.False(t, f.tracker.IsOnline("sub1"))
}

func TestStatusSettersPublish(t *testing.T) {
	f := newFixture(t, time.Minute)

	f.tracker.SetOnline("back at my desk")
	own := f.tracker.OwnPresence()
	assert.Equal(t, StatusOnline, own.Status)
	assert.Equal(t, "back at my desk", own.CustomMessage)

	start := f.clock.Now()
	f.tracker.SetInSession(&start)
	own = f.tracker.OwnPresence()
	assert.Equal(t, StatusInSession, own.Status)
	assert.Contains(t, own.CurrentActivity, "in session since")
	assert.True(t, f.tracker.IsInSession("sub1"))

	pubs := f.publisher.published()
	require.NotEmpty(t, pubs)
	assert.Equal(t, "sub1", pubs[0].UserID)
	assert.Equal(t, StatusOnline, pubs[0].Status)
}

func TestAwayAfterInactivity(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	f.tracker.SetOnline("")
	f.clock.Advance(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		return f.tracker.OwnPresence().Status == StatusAway
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, "away due to inactivity", f.tracker.OwnPresence().CustomMessage)
}

func TestSignalResetsAwayTimer(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	f.tracker.SetOnline("")
	f.clock.Advance(50 * time.Millisecond)
	f.tracker.Signal()

	// past the original deadline, but the signal pushed it out
	f.clock.Advance(60 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusOnline, f.tracker.OwnPresence().Status)

	f.clock.Advance(40 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.tracker.OwnPresence().Status == StatusAway
	}, 2*time.Second, 2*time.Millisecond)
}

func TestOnlyOnlineUsersDropToAway(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	f.tracker.SetBusy("do not disturb")
	f.tracker.Signal()
	f.clock.Advance(200 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusBusy, f.tracker.OwnPresence().Status)
}

func TestConnectionStateDrivesPresence(t *testing.T) {
	f := newFixture(t, time.Minute)

	f.tracker.HandleConnectionState(realtime.ConnectionState{Status: realtime.StatusConnected})
	assert.Equal(t, StatusOnline, f.tracker.OwnPresence().Status)

	f.tracker.HandleConnectionState(realtime.ConnectionState{Status: realtime.StatusError})
	own := f.tracker.OwnPresence()
	assert.Equal(t, StatusOffline, own.Status)
	assert.Equal(t, "connection lost", own.CustomMessage)

	// intermediate states do not change presence
	f.tracker.HandleConnectionState(realtime.ConnectionState{Status: realtime.StatusReconnecting})
	assert.Equal(t, StatusOffline, f.tracker.OwnPresence().Status)
}

func TestVisibilityDrivesPresence(t *testing.T) {
	f := newFixture(t, time.Minute)

	f.tracker.SetOnline("")
	f.tracker.HandleVisibility(false)
	own := f.tracker.OwnPresence()
	assert.Equal(t, StatusAway, own.Status)
	assert.Equal(t, "in background", own.CustomMessage)

	f.tracker.HandleVisibility(true)
	assert.Equal(t, StatusOnline, f.tracker.OwnPresence().Status)
}

func TestRemoteUpdatesMergeIntoMapping(t *testing.T) {
	f := newFixture(t, time.Minute)

	remote := UserPresence{UserID: "kh1", Status: StatusInSession, LastSeen: f.clock.Now()}
	payload, err := json.Marshal(remote)
	require.NoError(t, err)

	f.tracker.HandleRealtimeUpdate(realtime.RealtimeUpdateMessage{
		Type:     realtime.MessageRealtimeUpdate,
		DataType: DataTypePresence,
		Payload:  payload,
	})

	got, ok := f.tracker.Presence("kh1")
	require.True(t, ok)
	assert.Equal(t, StatusInSession, got.Status)
	assert.True(t, f.tracker.IsInSession("kh1"))

	// an echo of our own presence never overwrites local state
	f.tracker.SetOnline("")
	echo := UserPresence{UserID: "sub1", Status: StatusAway}
	payload, _ = json.Marshal(echo)
	f.tracker.HandleRealtimeUpdate(realtime.RealtimeUpdateMessage{Payload: payload})
	assert.Equal(t, StatusOnline, f.tracker.OwnPresence().Status)

	// non-update payloads are ignored
	assert.NotPanics(t, func() {
		f.tracker.HandleRealtimeUpdate("not an update")
		f.tracker.HandleRealtimeUpdate(realtime.RealtimeUpdateMessage{Payload: []byte(`{bad`)})
	})
}

func TestOnlineCountClassifiesPresence(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.tracker.SetOnline("")

	for _, p := range []UserPresence{
		{UserID: "kh1", Status: StatusBusy},
		{UserID: "u3", Status: StatusInSession},
		{UserID: "u4", Status: StatusAway},
		{UserID: "u5", Status: StatusOffline},
	} {
		payload, _ := json.Marshal(p)
		f.tracker.HandleRealtimeUpdate(realtime.RealtimeUpdateMessage{Payload: payload})
	}

	ids := []string{"sub1", "kh1", "u3", "u4", "u5", "unknown"}
	assert.Equal(t, 3, f.tracker.OnlineCount(ids))
	assert.True(t, f.tracker.IsOnline("kh1"))
	assert.False(t, f.tracker.IsOnline("u4"))
	assert.False(t, f.tracker.IsOnline("unknown"))
}

func TestFetchInitialLoadsKnownPresences(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.store.SavePresence(ctx, store.PresenceRecord{
		UserID: "kh1", Status: string(StatusOnline), LastSeen: f.clock.Now(),
	}))
	// a stale record for ourselves must not clobber local state
	require.NoError(t, f.store.SavePresence(ctx, store.PresenceRecord{
		UserID: "sub1", Status: string(StatusAway),
	}))

	f.tracker.SetOnline("")
	require.NoError(t, f.tracker.FetchInitial(ctx, []string{"sub1", "kh1", "missing"}))

	got, ok := f.tracker.Presence("kh1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, StatusOnline, f.tracker.OwnPresence().Status)

	_, ok = f.tracker.Presence("missing")
	assert.False(t, ok)
}

func TestShutdownPublishesFinalOffline(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	f.tracker.SetOnline("")
	f.tracker.Shutdown(context.Background())

	own := f.tracker.OwnPresence()
	assert.Equal(t, StatusOffline, own.Status)

	pubs := f.publisher.published()
	require.NotEmpty(t, pubs)
	assert.Equal(t, StatusOffline, pubs[len(pubs)-1].Status)

	// the away timer is stopped; nothing flips us back to away
	f.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusOffline, f.tracker.OwnPresence().Status)
}
