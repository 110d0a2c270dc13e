package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveTimerUpserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := TimerRecord{
		ID:          "t1",
		UserID:      "sub1",
		Type:        "session",
		Status:      "running",
		Title:       "session",
		DurationSec: 300,
		State:       json.RawMessage(`{"elapsed":60}`),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, s.SaveTimer(ctx, rec))

	got, ok := s.Timer("t1")
	require.True(t, ok)
	assert.Equal(t, "running", got.Status)

	rec.Status = "paused"
	require.NoError(t, s.SaveTimer(ctx, rec))
	got, _ = s.Timer("t1")
	assert.Equal(t, "paused", got.Status)

	_, ok = s.Timer("missing")
	assert.False(t, ok)
}

func TestEventLogAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.LogTimerEvent(ctx, EventRecord{TimerID: "t1", Kind: "start"}))
	require.NoError(t, s.LogTimerEvent(ctx, EventRecord{TimerID: "t1", Kind: "pause"}))

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "start", events[0].Kind)
	assert.Equal(t, "pause", events[1].Kind)
}

func TestFetchPresencesFiltersByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SavePresence(ctx, PresenceRecord{UserID: "sub1", Status: "online"}))
	require.NoError(t, s.SavePresence(ctx, PresenceRecord{UserID: "kh1", Status: "away"}))

	got, err := s.FetchPresences(ctx, []string{"sub1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sub1", got[0].UserID)
	assert.Equal(t, "online", got[0].Status)

	// latest save wins
	require.NoError(t, s.SavePresence(ctx, PresenceRecord{UserID: "sub1", Status: "in_session"}))
	got, err = s.FetchPresences(ctx, []string{"sub1"})
	require.NoError(t, err)
	assert.Equal(t, "in_session", got[0].Status)
}
