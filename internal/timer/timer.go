// Package timer implements the live timer engine: a clock-synchronized,
// conflict-aware timer state machine shared across independently connected
// clients.
package timer

import "time"

// Type categorizes what a timer tracks.
type Type string

const (
	TypeSession  Type = "session"
	TypeTask     Type = "task"
	TypeCooldown Type = "cooldown"
	TypeCustom   Type = "custom"
)

// Status is the timer state machine position.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// LiveTimer is the shared timer entity. While Running or Paused with a
// positive duration, Elapsed + Remaining == Duration; once Remaining reaches
// zero the timer is Completed.
type LiveTimer struct {
	ID     string `json:"id"`
	Type   Type   `json:"timer_type"`
	Title  string `json:"title"`
	Status Status `json:"status"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Duration, Elapsed, Remaining and TotalPauseTime are whole seconds.
	Duration       int64 `json:"duration"`
	Elapsed        int64 `json:"elapsed"`
	Remaining      int64 `json:"remaining"`
	TotalPauseTime int64 `json:"total_pause_time"`

	IsPaused bool       `json:"is_paused"`
	PausedAt *time.Time `json:"paused_at,omitempty"`

	UserID         string `json:"user_id"`
	RelationshipID string `json:"relationship_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`

	CanPause  bool `json:"can_pause"`
	CanStop   bool `json:"can_stop"`
	CanExtend bool `json:"can_extend"`

	IsKeyholderControlled bool   `json:"is_keyholder_controlled"`
	KeyholderUserID       string `json:"keyholder_user_id,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// controlledBy reports whether caller may operate on the timer. Only the
// keyholder may control a keyholder-locked timer.
func (t *LiveTimer) controlledBy(callerID string) bool {
	if !t.IsKeyholderControlled {
		return true
	}
	return callerID == t.KeyholderUserID
}

// EventKind labels a timer lifecycle event.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventPause    EventKind = "pause"
	EventResume   EventKind = "resume"
	EventStop     EventKind = "stop"
	EventExtend   EventKind = "extend"
	EventComplete EventKind = "complete"

	// EventRemoteUpdate signals that a server snapshot replaced local state.
	EventRemoteUpdate EventKind = "remote_update"
)

// Event is published to timer subscribers on every transition.
type Event struct {
	TimerID string    `json:"timer_id"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Timer   LiveTimer `json:"timer"`
}
