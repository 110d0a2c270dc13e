// Package store is the durable backing collaborator for the sync core.
// Callers treat every operation as fire-and-forget or simple
// request/response; failures are absorbed by the core, never propagated as
// core failures.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TimerRecord is the persisted shape of a live timer.
type TimerRecord struct {
	ID          string
	UserID      string
	Type        string
	Status      string
	Title       string
	DurationSec int64
	State       json.RawMessage
	UpdatedAt   time.Time
}

// EventRecord is one logged timer event.
type EventRecord struct {
	TimerID string
	Kind    string
	At      time.Time
	Payload json.RawMessage
}

// PresenceRecord is the persisted shape of a user's presence.
type PresenceRecord struct {
	UserID          string
	Status          string
	LastSeen        time.Time
	CustomMessage   string
	CurrentActivity string
}

// Store is the persistence surface used by the timer engine and presence
// tracker.
type Store interface {
	SaveTimer(ctx context.Context, rec TimerRecord) error
	LogTimerEvent(ctx context.Context, rec EventRecord) error
	SavePresence(ctx context.Context, rec PresenceRecord) error
	FetchPresences(ctx context.Context, userIDs []string) ([]PresenceRecord, error)
}
