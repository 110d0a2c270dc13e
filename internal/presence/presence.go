// Package presence derives and shares activity-based user status.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
)

// DataTypePresence is the realtime update data type carrying presence.
const DataTypePresence = "presence"

// Status is a user's derived availability.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInSession Status = "in_session"
)

// present reports whether a status counts as present for counting purposes.
func present(s Status) bool {
	return s == StatusOnline || s == StatusBusy || s == StatusInSession
}

// UserPresence is one user's presence entry in the shared mapping.
type UserPresence struct {
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
	CustomMessage   string    `json:"custom_message,omitempty"`
	CurrentActivity string    `json:"current_activity,omitempty"`
}

// Publisher pushes presence updates to channel peers. Satisfied by the
// channel multiplexer.
type Publisher interface {
	PublishUpdate(channelID, dataType string, payload json.RawMessage) error
}

// Config wires a Tracker.
type Config struct {
	UserID    string
	Clock     clockwork.Clock
	Store     store.Store
	Publisher Publisher

	// ActivityTimeout is how long without an activity signal before an
	// Online user drops to Away. Zero means 5 minutes.
	ActivityTimeout time.Duration

	// AutoTrackActivity arms the away timer on every Signal call.
	AutoTrackActivity bool
}

// Tracker maintains the local user's presence and the shared presence map.
// The away transition is debounce-by-reset: every qualifying activity
// signal re-arms the timer.
type Tracker struct {
	userID          string
	clock           clockwork.Clock
	store           store.Store
	publisher       Publisher
	activityTimeout time.Duration
	autoTrack       bool

	mu        sync.RWMutex
	own       UserPresence
	all       map[string]UserPresence
	awayTimer clockwork.Timer
	channelID string
}

// NewTracker creates a tracker starting Offline.
func NewTracker(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ActivityTimeout == 0 {
		cfg.ActivityTimeout = 5 * time.Minute
	}
	t := &Tracker{
		userID:          cfg.UserID,
		clock:           cfg.Clock,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		activityTimeout: cfg.ActivityTimeout,
		autoTrack:       cfg.AutoTrackActivity,
		all:             make(map[string]UserPresence),
	}
	t.own = UserPresence{
		UserID:   cfg.UserID,
		Status:   StatusOffline,
		LastSeen: cfg.Clock.Now(),
	}
	t.all[cfg.UserID] = t.own
	return t
}

// SetChannel points presence updates at a channel.
func (t *Tracker) SetChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelID = channelID
}

// SetOnline marks the local user online and arms the away timer.
func (t *Tracker) SetOnline(customMessage string) {
	t.update(StatusOnline, customMessage, "")
	t.Signal()
}

// SetOffline marks the local user offline.
func (t *Tracker) SetOffline(customMessage string) {
	t.update(StatusOffline, customMessage, "")
}

// SetAway marks the local user away.
func (t *Tracker) SetAway(customMessage string) {
	t.update(StatusAway, customMessage, "")
}

// SetBusy marks the local user busy.
func (t *Tracker) SetBusy(customMessage string) {
	t.update(StatusBusy, customMessage, "")
}

// SetInSession marks the local user as in an active session.
func (t *Tracker) SetInSession(startTime *time.Time) {
	activity := "in active session"
	if startTime != nil {
		activity = "in session since " + startTime.UTC().Format(time.RFC3339)
	}
	t.update(StatusInSession, "", activity)
}

// Signal records input activity. With auto-tracking enabled it re-arms the
// away timer; without it, it only refreshes LastSeen.
func (t *Tracker) Signal() {
	t.mu.Lock()
	t.own.LastSeen = t.clock.Now()
	t.all[t.userID] = t.own
	if t.autoTrack {
		if t.awayTimer == nil {
			t.awayTimer = t.clock.AfterFunc(t.activityTimeout, t.onIdle)
		} else {
			t.awayTimer.Reset(t.activityTimeout)
		}
	}
	t.mu.Unlock()
}

// HandleConnectivity forces Offline on lost connectivity and Online when it
// returns.
func (t *Tracker) HandleConnectivity(online bool) {
	if online {
		t.SetOnline("")
	} else {
		t.SetOffline("connection lost")
	}
}

// HandleVisibility forces Away while backgrounded and Online on return to
// the foreground.
func (t *Tracker) HandleVisibility(foreground bool) {
	if foreground {
		t.SetOnline("")
	} else {
		t.SetAway("in background")
	}
}

// HandleConnectionState adapts connection manager state changes into
// connectivity transitions. Register it with OnStateChange.
func (t *Tracker) HandleConnectionState(state realtime.ConnectionState) {
	switch state.Status {
	case realtime.StatusConnected:
		t.HandleConnectivity(true)
	case realtime.StatusDisconnected, realtime.StatusError:
		t.HandleConnectivity(false)
	}
}

// HandleRealtimeUpdate merges a remote presence update into the shared
// mapping. Register it with the multiplexer:
// mux.SubscribeUpdates(DataTypePresence, tracker.HandleRealtimeUpdate).
func (t *Tracker) HandleRealtimeUpdate(data any) {
	msg, ok := data.(realtime.RealtimeUpdateMessage)
	if !ok {
		return
	}
	var p UserPresence
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Warn().Err(err).Msg("failed to decode presence update")
		return
	}
	if p.UserID == t.userID {
		return // own echo
	}
	t.mu.Lock()
	t.all[p.UserID] = p
	t.mu.Unlock()
}

// FetchInitial loads known presences for a set of users from the store.
func (t *Tracker) FetchInitial(ctx context.Context, userIDs []string) error {
	recs, err := t.store.FetchPresences(ctx, userIDs)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, rec := range recs {
		if rec.UserID == t.userID {
			continue
		}
		t.all[rec.UserID] = UserPresence{
			UserID:          rec.UserID,
			Status:          Status(rec.Status),
			LastSeen:        rec.LastSeen,
			CustomMessage:   rec.CustomMessage,
			CurrentActivity: rec.CurrentActivity,
		}
	}
	t.mu.Unlock()
	return nil
}

// Shutdown publishes a final best-effort Offline and stops the away timer.
func (t *Tracker) Shutdown(ctx context.Context) {
	t.mu.Lock()
	if t.awayTimer != nil {
		t.awayTimer.Stop()
		t.awayTimer = nil
	}
	now := t.clock.Now()
	t.own.Status = StatusOffline
	t.own.CustomMessage = ""
	t.own.CurrentActivity = ""
	t.own.LastSeen = now
	t.all[t.userID] = t.own
	snapshot := t.own
	channelID := t.channelID
	t.mu.Unlock()

	if err := t.store.SavePresence(ctx, toRecord(snapshot)); err != nil {
		log.Warn().Err(err).Msg("final presence save failed")
	}
	t.publishSnapshot(channelID, snapshot)
}

// OwnPresence returns the local user's presence.
func (t *Tracker) OwnPresence() UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.own
}

// Presence looks up a user in the shared mapping.
func (t *Tracker) Presence(userID string) (UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.all[userID]
	return p, ok
}

// IsOnline reports whether a user counts as present.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.all[userID]
	return ok && present(p.Status)
}

// IsInSession reports whether a user is in an active session.
func (t *Tracker) IsInSession(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.all[userID]
	return ok && p.Status == StatusInSession
}

// OnlineCount counts how many of the given users are present, classifying
// Online, Busy and InSession collectively as present.
func (t *Tracker) OnlineCount(userIDs []string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, id := range userIDs {
		if p, ok := t.all[id]; ok && present(p.Status) {
			count++
		}
	}
	return count
}

// update is the single funnel every status setter goes through: it mutates
// local state, mirrors it into the shared mapping, and propagates
// asynchronously.
func (t *Tracker) update(status Status, customMessage, activity string) {
	t.mu.Lock()
	t.own.Status = status
	t.own.CustomMessage = customMessage
	t.own.CurrentActivity = activity
	t.own.LastSeen = t.clock.Now()
	t.all[t.userID] = t.own
	snapshot := t.own
	channelID := t.channelID
	t.mu.Unlock()

	log.Debug().Str("status", string(status)).Msg("own presence updated")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.SavePresence(ctx, toRecord(snapshot)); err != nil {
			log.Warn().Err(err).Msg("presence save failed")
		}
	}()
	t.publishSnapshot(channelID, snapshot)
}

// onIdle fires when the activity timeout elapses without a signal. Only an
// Online user drops to Away.
func (t *Tracker) onIdle() {
	t.mu.RLock()
	status := t.own.Status
	t.mu.RUnlock()

	if status == StatusOnline {
		t.SetAway("away due to inactivity")
	}
}

func (t *Tracker) publishSnapshot(channelID string, snapshot UserPresence) {
	if t.publisher == nil || channelID == "" {
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := t.publisher.PublishUpdate(channelID, DataTypePresence, payload); err != nil {
		log.Warn().Err(err).Msg("presence publish failed")
	}
}

func toRecord(p UserPresence) store.PresenceRecord {
	return store.PresenceRecord{
		UserID:          p.UserID,
		Status:          string(p.Status),
		LastSeen:        p.LastSeen,
		CustomMessage:   p.CustomMessage,
		CurrentActivity: p.CurrentActivity,
	}
}
