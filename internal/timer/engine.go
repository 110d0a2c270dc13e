package timer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/notify"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
)

// DataTypeTimer is the realtime update data type carrying timer snapshots.
const DataTypeTimer = "timer"

// timerKey is the subscription key for one timer's events.
func timerKey(timerID string) string {
	return "timer:" + timerID
}

// Publisher pushes timer snapshots to channel peers. Satisfied by the
// channel multiplexer.
type Publisher interface {
	PublishUpdate(channelID, dataType string, payload json.RawMessage) error
}

// EngineConfig wires the engine's collaborators. Zero-value intervals get
// defaults: 1s tick, re-sync every 30 ticks, 1s accuracy threshold.
type EngineConfig struct {
	UserID     string
	Clock      clockwork.Clock
	Store      store.Store
	TimeSource TimeSource
	Registry   *realtime.SubscriptionRegistry
	Publisher  Publisher
	Notifier   notify.Notifier

	TickInterval      time.Duration
	ResyncTicks       int
	AccuracyThreshold time.Duration
}

// Engine owns every live timer for a session. All reads return copies so
// concurrent callers always see a consistent snapshot; mutations happen only
// through the defined transitions.
type Engine struct {
	userID     string
	clock      clockwork.Clock
	store      store.Store
	timeSource TimeSource
	registry   *realtime.SubscriptionRegistry
	publisher  Publisher
	notifier   notify.Notifier

	tickInterval      time.Duration
	resyncTicks       int
	accuracyThreshold time.Duration

	mu        sync.RWMutex
	timers    map[string]*LiveTimer
	syncs     map[string]*TimerSync
	conflicts map[string]*Conflict
	channelID string
}

// NewEngine creates a timer engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ResyncTicks == 0 {
		cfg.ResyncTicks = 30
	}
	if cfg.AccuracyThreshold == 0 {
		cfg.AccuracyThreshold = time.Second
	}
	return &Engine{
		userID:            cfg.UserID,
		clock:             cfg.Clock,
		store:             cfg.Store,
		timeSource:        cfg.TimeSource,
		registry:          cfg.Registry,
		publisher:         cfg.Publisher,
		notifier:          cfg.Notifier,
		tickInterval:      cfg.TickInterval,
		resyncTicks:       cfg.ResyncTicks,
		accuracyThreshold: cfg.AccuracyThreshold,
		timers:            make(map[string]*LiveTimer),
		syncs:             make(map[string]*TimerSync),
		conflicts:         make(map[string]*Conflict),
	}
}

// SetChannel points outbound timer snapshots at a channel. Until a channel
// is set, snapshots stay local.
func (e *Engine) SetChannel(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channelID = channelID
}

// CreateTimerRequest describes a new timer.
type CreateTimerRequest struct {
	Type        Type
	Title       string
	DurationSec int64

	RelationshipID string
	SessionID      string
	TaskID         string

	CanPause  bool
	CanStop   bool
	CanExtend bool

	IsKeyholderControlled bool
	KeyholderUserID       string
}

// CreateTimer builds a fresh Stopped timer and its sync record, persists it,
// and returns a snapshot.
func (e *Engine) CreateTimer(ctx context.Context, req CreateTimerRequest) (LiveTimer, error) {
	now := e.clock.Now()
	t := &LiveTimer{
		ID:                    uuid.New().String(),
		Type:                  req.Type,
		Title:                 req.Title,
		Status:                StatusStopped,
		Duration:              req.DurationSec,
		Elapsed:               0,
		Remaining:             req.DurationSec,
		UserID:                e.userID,
		RelationshipID:        req.RelationshipID,
		SessionID:             req.SessionID,
		TaskID:                req.TaskID,
		CanPause:              req.CanPause,
		CanStop:               req.CanStop,
		CanExtend:             req.CanExtend,
		IsKeyholderControlled: req.IsKeyholderControlled,
		KeyholderUserID:       req.KeyholderUserID,
		LastUpdated:           now,
	}

	e.mu.Lock()
	e.timers[t.ID] = t
	e.syncs[t.ID] = &TimerSync{
		TimerID:      t.ID,
		LastSync:     now,
		ClientOffset: 0,
		SyncAccuracy: 1.0,
	}
	snapshot := *t
	e.mu.Unlock()

	e.persist(snapshot)
	log.Info().
		Str("timer_id", snapshot.ID).
		Str("timer_type", string(snapshot.Type)).
		Int64("duration_sec", snapshot.Duration).
		Msg("timer created")
	return snapshot, nil
}

// Start moves a timer to Running. Completed timers cannot be restarted, and
// keyholder-locked timers reject any caller but the keyholder.
func (e *Engine) Start(ctx context.Context, timerID, callerID string) error {
	e.mu.Lock()
	t, ok := e.timers[timerID]
	if !ok {
		e.mu.Unlock()
		return ErrTimerNotFound
	}
	if t.Status == StatusCompleted {
		e.mu.Unlock()
		return ErrTimerCompleted
	}
	if !t.controlledBy(callerID) {
		e.mu.Unlock()
		return ErrKeyholderOnly
	}

	now := e.syncedNowLocked(timerID)
	t.Status = StatusRunning
	t.StartTime = now
	t.IsPaused = false
	t.PausedAt = nil
	t.TotalPauseTime = 0
	t.EndTime = nil
	t.Elapsed = 0
	t.Remaining = t.Duration
	t.LastUpdated = now
	snapshot := *t
	e.mu.Unlock()

	e.emit(EventStart, snapshot)
	go e.syncAbsorbed(timerID)
	return nil
}

// Pause suspends a running timer.
func (e *Engine) Pause(ctx context.Context, timerID, callerID string) error {
	e.mu.Lock()
	t, ok := e.timers[timerID]
	if !ok {
		e.mu.Unlock()
		return ErrTimerNotFound
	}
	if !t.controlledBy(callerID) {
		e.mu.Unlock()
		return ErrKeyholderOnly
	}
	if !t.CanPause {
		e.mu.Unlock()
		return ErrPauseDisabled
	}
	if t.Status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}

	now := e.syncedNowLocked(timerID)
	t.Status = StatusPaused
	t.IsPaused = true
	t.PausedAt = &now
	t.LastUpdated = now
	snapshot := *t
	e.mu.Unlock()

	e.emit(EventPause, snapshot)
	return nil
}

// Resume continues a paused timer, folding the pause interval into
// TotalPauseTime so elapsed time is unchanged at the pause instant.
func (e *Engine) Resume(ctx context.Context, timerID, callerID string) error {
	e.mu.Lock()
	t, ok := e.timers[timerID]
	if !ok {
		e.mu.Unlock()
		return ErrTimerNotFound
	}
	if !t.controlledBy(callerID) {
		e.mu.Unlock()
		return ErrKeyholderOnly
	}
	if t.Status != StatusPaused || t.PausedAt == nil {
		e.mu.Unlock()
		return ErrNotPaused
	}

	now := e.syncedNowLocked(timerID)
	t.TotalPauseTime += int64(now.Sub(*t.PausedAt).Seconds())
	t.PausedAt = nil
	t.IsPaused = false
	t.Status = StatusRunning
	t.LastUpdated = now
	snapshot := *t
	e.mu.Unlock()

	e.emit(EventResume, snapshot)
	return nil
}

// Stop terminates a running or paused timer.
func (e *Engine) Stop(ctx context.Context, timerID, callerID string) error {
	e.mu.Lock()
	t, ok := e.timers[timerID]
	if !ok {
		e.mu.Unlock()
		return ErrTimerNotFound
	}
	if !t.controlledBy(callerID) {
		e.mu.Unlock()
		return ErrKeyholderOnly
	}
	if !t.CanStop {
		e.mu.Unlock()
		return ErrStopDisabled
	}
	if t.Status != StatusRunning && t.Status != StatusPaused {
		e.mu.Unlock()
		return ErrTimerCompleted
	}

	now := e.syncedNowLocked(timerID)
	t.Status = StatusStopped
	t.EndTime = &now
	t.IsPaused = false
	t.PausedAt = nil
	t.LastUpdated = now
	snapshot := *t
	e.mu.Unlock()

	e.emit(EventStop, snapshot)
	return nil
}

// Extend adds seconds to the timer's duration and remaining time. No cap is
// enforced here; limits are the caller's policy.
func (e *Engine) Extend(ctx context.Context, timerID, callerID string, seconds int64) error {
	e.mu.Lock()
	t, ok := e.timers[timerID]
	if !ok {
		e.mu.Unlock()
		return ErrTimerNotFound
	}
	if !t.controlledBy(callerID) {
		e.mu.Unlock()
		return ErrKeyholderOnly
	}
	if !t.CanExtend {
		e.mu.Unlock()
		return ErrExtendDisabled
	}
	if t.Status == StatusCompleted {
		e.mu.Unlock()
		return ErrTimerCompleted
	}

	now := e.syncedNowLocked(timerID)
	t.Duration += seconds
	t.Remaining += seconds
	t.LastUpdated = now
	snapshot := *t
	e.mu.Unlock()

	e.emit(EventExtend, snapshot)
	return nil
}

// Timer returns a snapshot of one timer.
func (e *Engine) Timer(timerID string) (LiveTimer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.timers[timerID]
	if !ok {
		return LiveTimer{}, false
	}
	return *t, true
}

// Timers returns snapshots of every timer, ordered by id.
func (e *Engine) Timers() []LiveTimer {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]LiveTimer, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sync returns the clock-sync record for a timer.
func (e *Engine) Sync(timerID string) (TimerSync, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.syncs[timerID]
	if !ok {
		return TimerSync{}, false
	}
	return *s, true
}

// Subscribe registers a callback for one timer's events.
func (e *Engine) Subscribe(timerID string, fn realtime.Callback) *realtime.Subscription {
	return e.registry.Subscribe(timerKey(timerID), fn)
}

// Run drives the progress tick until ctx is cancelled. The coarse re-sync
// runs every resyncTicks ticks to bound network chatter while limiting
// drift.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.tickInterval)
	defer ticker.Stop()

	log.Info().
		Dur("tick_interval", e.tickInterval).
		Int("resync_ticks", e.resyncTicks).
		Msg("timer engine started")

	var ticks int
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("timer engine stopped")
			return nil
		case <-ticker.Chan():
			e.Tick()
			ticks++
			if ticks%e.resyncTicks == 0 {
				e.resyncRunning(ctx)
			}
		}
	}
}

// Tick recomputes elapsed and remaining for every running timer using the
// skew-corrected clock. A timer whose remaining time reaches zero completes
// exactly once; subsequent ticks skip it because it is no longer Running.
func (e *Engine) Tick() {
	var completed []LiveTimer

	e.mu.Lock()
	for id, t := range e.timers {
		if t.Status != StatusRunning {
			continue
		}
		now := e.syncedNowLocked(id)

		elapsed := int64(now.Sub(t.StartTime).Seconds()) - t.TotalPauseTime
		if elapsed < 0 {
			elapsed = 0
		}
		t.Elapsed = elapsed

		remaining := t.Duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		t.Remaining = remaining

		if remaining == 0 && t.Duration > 0 {
			t.Status = StatusCompleted
			end := now
			t.EndTime = &end
			t.IsPaused = false
			t.LastUpdated = now
			completed = append(completed, *t)
		}
	}
	e.mu.Unlock()

	for _, snapshot := range completed {
		e.emit(EventComplete, snapshot)
		e.notifyCompletion(snapshot)
	}
}

// SyncTimer fetches the authoritative server time and recomputes the
// timer's offset and accuracy. On fetch failure the previous offset is
// retained.
func (e *Engine) SyncTimer(ctx context.Context, timerID string) error {
	serverTime, err := e.timeSource.ServerTime(ctx)
	if err != nil {
		log.Warn().Err(err).Str("timer_id", timerID).Msg("server time fetch failed, keeping previous offset")
		return err
	}

	localNow := e.clock.Now()
	offset := localNow.Sub(serverTime)

	accuracy := 1.0
	if offset < 0 {
		if -offset >= e.accuracyThreshold {
			accuracy = 0.5
		}
	} else if offset >= e.accuracyThreshold {
		accuracy = 0.5
	}

	e.mu.Lock()
	s, ok := e.syncs[timerID]
	if !ok {
		s = &TimerSync{TimerID: timerID}
		e.syncs[timerID] = s
	}
	s.LastSync = localNow
	s.ServerTime = serverTime
	s.ClientOffset = offset
	s.SyncAccuracy = accuracy
	e.mu.Unlock()

	log.Debug().
		Str("timer_id", timerID).
		Dur("client_offset", offset).
		Float64("sync_accuracy", accuracy).
		Msg("timer synced")
	return nil
}

// ApplyRemote merges a server snapshot for a timer. A snapshot older than
// the last-seen local update is recorded as a conflict instead of
// overwriting; the returned conflict is non-nil in that case.
func (e *Engine) ApplyRemote(snapshot LiveTimer) *Conflict {
	e.mu.Lock()

	local, exists := e.timers[snapshot.ID]
	if exists && snapshot.LastUpdated.Before(local.LastUpdated) {
		conflict := &Conflict{
			ID:         uuid.New().String(),
			TimerID:    snapshot.ID,
			LocalTime:  local.LastUpdated,
			ServerTime: snapshot.LastUpdated,
			Snapshot:   snapshot,
			CreatedAt:  e.clock.Now(),
		}
		e.conflicts[conflict.ID] = conflict
		e.mu.Unlock()

		log.Warn().
			Str("timer_id", snapshot.ID).
			Str("conflict_id", conflict.ID).
			Time("local_time", conflict.LocalTime).
			Time("server_time", conflict.ServerTime).
			Msg("stale server snapshot, conflict recorded")
		return conflict
	}

	cp := snapshot
	e.timers[snapshot.ID] = &cp
	if _, ok := e.syncs[snapshot.ID]; !ok {
		e.syncs[snapshot.ID] = &TimerSync{
			TimerID:      snapshot.ID,
			SyncAccuracy: 1.0,
		}
	}
	e.mu.Unlock()

	e.registry.Publish(timerKey(snapshot.ID), Event{
		TimerID: snapshot.ID,
		Kind:    EventRemoteUpdate,
		At:      e.clock.Now(),
		Timer:   snapshot,
	})
	return nil
}

// HandleRealtimeUpdate adapts inbound realtime updates of the timer data
// type into ApplyRemote. Register it with the multiplexer:
// mux.SubscribeUpdates(DataTypeTimer, engine.HandleRealtimeUpdate).
func (e *Engine) HandleRealtimeUpdate(data any) {
	msg, ok := data.(realtime.RealtimeUpdateMessage)
	if !ok {
		return
	}
	var snapshot LiveTimer
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		log.Warn().Err(err).Msg("failed to decode remote timer snapshot")
		return
	}
	e.ApplyRemote(snapshot)
}

// Conflicts returns the unresolved conflicts, newest first.
func (e *Engine) Conflicts() []Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Resolve applies an explicit conflict decision: use_server overwrites
// local state with the recorded snapshot and forces a fresh sync; use_local
// force-pushes local state to the server.
func (e *Engine) Resolve(ctx context.Context, conflictID string, resolution Resolution) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[conflictID]
	if !ok {
		e.mu.Unlock()
		return ErrConflictNotFound
	}
	delete(e.conflicts, conflictID)

	switch resolution {
	case ResolutionUseServer:
		cp := conflict.Snapshot
		e.timers[cp.ID] = &cp
		e.mu.Unlock()

		e.persist(cp)
		go e.syncAbsorbed(cp.ID)
		log.Info().Str("conflict_id", conflictID).Str("timer_id", cp.ID).Msg("conflict resolved from server state")
		return nil

	case ResolutionUseLocal:
		local, exists := e.timers[conflict.TimerID]
		if !exists {
			e.mu.Unlock()
			return ErrTimerNotFound
		}
		snapshot := *local
		e.mu.Unlock()

		e.persist(snapshot)
		e.publish(snapshot)
		log.Info().Str("conflict_id", conflictID).Str("timer_id", snapshot.ID).Msg("conflict resolved from local state")
		return nil

	default:
		// Put the conflict back; the decision was not valid.
		e.conflicts[conflictID] = conflict
		e.mu.Unlock()
		return ErrUnknownResolution
	}
}

// syncedNowLocked returns the clock-skew corrected time for a timer. The
// raw local clock is used only while sync accuracy is full. Callers must
// hold e.mu.
func (e *Engine) syncedNowLocked(timerID string) time.Time {
	localNow := e.clock.Now()
	s, ok := e.syncs[timerID]
	if !ok || s.SyncAccuracy >= 1.0 {
		return localNow
	}
	return localNow.Add(-s.ClientOffset)
}

// emit logs the event, publishes it to local subscribers, persists the
// timer, and pushes the snapshot to channel peers. Store and network
// failures are absorbed.
func (e *Engine) emit(kind EventKind, snapshot LiveTimer) {
	ev := Event{
		TimerID: snapshot.ID,
		Kind:    kind,
		At:      e.clock.Now(),
		Timer:   snapshot,
	}

	e.registry.Publish(timerKey(snapshot.ID), ev)
	e.persist(snapshot)
	e.publish(snapshot)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		if err := e.store.LogTimerEvent(ctx, store.EventRecord{
			TimerID: snapshot.ID,
			Kind:    string(kind),
			At:      ev.At,
			Payload: payload,
		}); err != nil {
			log.Warn().Err(err).Str("timer_id", snapshot.ID).Msg("failed to log timer event")
		}
	}()
}

// persist saves the timer asynchronously; failures are logged, not
// surfaced.
func (e *Engine) persist(snapshot LiveTimer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		state, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		if err := e.store.SaveTimer(ctx, store.TimerRecord{
			ID:          snapshot.ID,
			UserID:      snapshot.UserID,
			Type:        string(snapshot.Type),
			Status:      string(snapshot.Status),
			Title:       snapshot.Title,
			DurationSec: snapshot.Duration,
			State:       state,
			UpdatedAt:   snapshot.LastUpdated,
		}); err != nil {
			log.Warn().Err(err).Str("timer_id", snapshot.ID).Msg("failed to save timer")
		}
	}()
}

// publish pushes the snapshot to channel peers when a channel is set.
func (e *Engine) publish(snapshot LiveTimer) {
	if e.publisher == nil {
		return
	}
	e.mu.RLock()
	channelID := e.channelID
	e.mu.RUnlock()
	if channelID == "" {
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := e.publisher.PublishUpdate(channelID, DataTypeTimer, payload); err != nil {
		log.Warn().Err(err).Str("timer_id", snapshot.ID).Msg("failed to publish timer update")
	}
}

func (e *Engine) notifyCompletion(snapshot LiveTimer) {
	targets := []string{snapshot.UserID}
	if snapshot.IsKeyholderControlled && snapshot.KeyholderUserID != "" && snapshot.KeyholderUserID != snapshot.UserID {
		targets = append(targets, snapshot.KeyholderUserID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, userID := range targets {
			if err := e.notifier.Deliver(ctx, notify.Notification{
				UserID:  userID,
				Channel: notify.ChannelPush,
				Title:   "Timer completed",
				Body:    snapshot.Title,
				Data:    map[string]string{"timer_id": snapshot.ID},
			}); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("completion notification failed")
			}
		}
	}()
}

func (e *Engine) resyncRunning(ctx context.Context) {
	e.mu.RLock()
	var running []string
	for id, t := range e.timers {
		if t.Status == StatusRunning {
			running = append(running, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range running {
		if err := e.SyncTimer(ctx, id); err != nil {
			// Absorbed; retried on the next re-sync cycle.
			continue
		}
	}
}

func (e *Engine) syncAbsorbed(timerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.SyncTimer(ctx, timerID)
}
